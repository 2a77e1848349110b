package listener

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/metrics"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/distlock"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/logger"
	"github.com/mcsuite/mcs-orchestrator/internal/repository/postgres"
	"github.com/mcsuite/mcs-orchestrator/internal/tools"
)

// Runner starts one orchestration run for a canonical message.
type Runner interface {
	Run(ctx context.Context, event *domain.InboundMessage, tenantID string) (*domain.RunResult, error)
}

// MessageLedger is the de-dup ledger for inbound messages.
type MessageLedger interface {
	Insert(ctx context.Context, rec *domain.MessageRecord) error
	Get(ctx context.Context, channel domain.Channel, messageID string) (*domain.MessageRecord, error)
	MarkProcessed(ctx context.Context, channel domain.Channel, messageID, runID string) error
	InsertAttachment(ctx context.Context, af *domain.AttachmentFile) error
}

// LockFactory yields a sweep guard for a channel. Nil disables locking
// (single-instance deployments and tests).
type LockFactory func(key string) distlock.DistLock

// ChannelStatus is the reported state of one channel loop.
type ChannelStatus struct {
	Channel     string `json:"channel"`
	LastSweepAt string `json:"last_sweep_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	Polled      int    `json:"polled"`
	Dispatched  int    `json:"dispatched"`
	Ignored     int    `json:"ignored"`
	Duplicates  int    `json:"duplicates"`
	Blocked     int    `json:"blocked"`
}

// Scheduler drives the channel loops: poll, whitelist, de-dup, spool,
// dispatch. Channels sweep independently; within a channel messages are
// handled sequentially to preserve per-account ordering.
type Scheduler struct {
	adapters  []Adapter
	runner    Runner
	ledger    MessageLedger
	blob      tools.BlobStore
	spoolDir  string
	locks     LockFactory
	allowFrom map[string][]string
	interval  time.Duration
	metrics   *metrics.Metrics

	mu       sync.Mutex
	statuses map[string]*ChannelStatus
	triggers []chan struct{}
}

// NewScheduler wires the sweep loop. allowFrom maps channel name to its
// sender whitelist; a missing or empty list admits every sender.
func NewScheduler(adapters []Adapter, runner Runner, ledger MessageLedger,
	blob tools.BlobStore, spoolDir string, allowFrom map[string][]string,
	interval time.Duration, locks LockFactory, m *metrics.Metrics) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	s := &Scheduler{
		adapters:  adapters,
		runner:    runner,
		ledger:    ledger,
		blob:      blob,
		spoolDir:  spoolDir,
		locks:     locks,
		allowFrom: allowFrom,
		interval:  interval,
		metrics:   m,
		statuses:  map[string]*ChannelStatus{},
	}
	for _, ad := range adapters {
		s.statuses[string(ad.ChannelType())] = &ChannelStatus{Channel: string(ad.ChannelType())}
		s.triggers = append(s.triggers, make(chan struct{}, 1))
	}
	return s
}

// Start launches one loop per adapter and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i, ad := range s.adapters {
		wg.Add(1)
		go func(ad Adapter, trigger <-chan struct{}) {
			defer wg.Done()
			s.loop(ctx, ad, trigger)
		}(ad, s.triggers[i])
	}
	wg.Wait()
}

// TriggerPoll wakes every channel loop for an immediate sweep.
func (s *Scheduler) TriggerPoll() {
	for _, trigger := range s.triggers {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
}

// Status returns a snapshot of per-channel loop state.
func (s *Scheduler) Status() []ChannelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (s *Scheduler) loop(ctx context.Context, ad Adapter, trigger <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer ad.Disconnect()

	s.Sweep(ctx, ad)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, ad)
		case <-trigger:
			s.Sweep(ctx, ad)
		}
	}
}

// Sweep runs one poll cycle for the adapter. Another instance holding the
// channel lock makes the sweep a no-op.
func (s *Scheduler) Sweep(ctx context.Context, ad Adapter) {
	channel := string(ad.ChannelType())

	if s.locks != nil {
		lock := s.locks("listener:sweep:" + channel)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			s.finishSweep(channel, err)
			return
		}
		if !ok {
			logger.Debug("listener: sweep lock held elsewhere", "channel", channel)
			return
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				logger.Warn("listener: release sweep lock", "channel", channel, "error", err.Error())
			}
		}()
	}

	if err := ad.Connect(ctx); err != nil {
		logger.Error("listener: connect failed", "channel", channel, "error", err.Error())
		s.finishSweep(channel, err)
		return
	}
	uids, err := ad.PollNewMessageIDs(ctx)
	if err != nil {
		logger.Error("listener: poll failed", "channel", channel, "error", err.Error())
		s.finishSweep(channel, err)
		return
	}

	for _, uid := range uids {
		if ctx.Err() != nil {
			return
		}
		disposition := s.processOne(ctx, ad, uid)
		s.record(channel, disposition)
		if s.metrics != nil {
			s.metrics.RecordMessage(channel, disposition)
		}
	}
	s.finishSweep(channel, nil)
}

// processOne handles a single provider message end to end and returns its
// disposition for metrics. Failures leave the message unconsumed so the
// next sweep retries.
func (s *Scheduler) processOne(ctx context.Context, ad Adapter, uid string) string {
	channel := ad.ChannelType()

	msg, err := ad.FetchMessage(ctx, uid)
	if err != nil {
		logger.Error("listener: fetch failed",
			"channel", string(channel), "external_uid", uid, "error", err.Error())
		return "fetch_error"
	}
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		logger.Error("listener: invalid message",
			"channel", string(channel), "external_uid", uid, "error", err.Error())
		s.markProviderProcessed(ctx, ad, uid)
		return "invalid"
	}

	if !s.senderAllowed(string(channel), msg.SenderID) {
		logger.Warn("listener: sender not on whitelist, skipping",
			"channel", string(channel), "message_id", msg.MessageID, "sender_id", msg.SenderID)
		s.markProviderProcessed(ctx, ad, uid)
		return "sender_blocked"
	}

	rec := &domain.MessageRecord{
		Channel:     channel,
		MessageID:   msg.MessageID,
		Account:     msg.Account,
		ExternalUID: msg.ExternalUID,
		SenderID:    msg.SenderID,
		ReceivedAt:  msg.ReceivedAt,
	}
	if err := s.ledger.Insert(ctx, rec); err != nil {
		if !errors.Is(err, postgres.ErrDuplicate) {
			logger.Error("listener: ledger insert failed",
				"channel", string(channel), "message_id", msg.MessageID,
				"external_uid", uid, "error", err.Error())
			return "ledger_error"
		}
		// A ledger row already exists. Only a processed row makes this a
		// duplicate; an unprocessed one is an earlier failed dispatch that
		// must be retried.
		existing, lookupErr := s.ledger.Get(ctx, channel, msg.MessageID)
		if lookupErr != nil {
			logger.Error("listener: ledger lookup failed",
				"channel", string(channel), "message_id", msg.MessageID,
				"external_uid", uid, "error", lookupErr.Error())
			return "ledger_error"
		}
		if existing.Processed {
			s.markProviderProcessed(ctx, ad, uid)
			return "duplicate"
		}
		logger.Info("listener: retrying unprocessed message",
			"channel", string(channel), "message_id", msg.MessageID)
	}

	s.spoolAttachments(ctx, msg)

	if len(msg.Attachments) == 0 {
		if err := s.ledger.MarkProcessed(ctx, channel, msg.MessageID, ""); err != nil {
			logger.Warn("listener: mark ignored failed",
				"channel", string(channel), "message_id", msg.MessageID, "error", err.Error())
		}
		s.markProviderProcessed(ctx, ad, uid)
		return "ignored"
	}

	res, err := s.runner.Run(ctx, msg, "")
	if err != nil {
		logger.Error("listener: run failed",
			"channel", string(channel), "message_id", msg.MessageID,
			"external_uid", uid, "error", err.Error())
		return "run_error"
	}

	if err := s.ledger.MarkProcessed(ctx, channel, msg.MessageID, res.RunID); err != nil {
		logger.Warn("listener: mark processed failed",
			"channel", string(channel), "message_id", msg.MessageID, "error", err.Error())
	}
	s.markProviderProcessed(ctx, ad, uid)
	logger.Info("listener: message dispatched",
		"channel", string(channel), "message_id", msg.MessageID,
		"run_id", res.RunID, "status", string(res.Status))
	return "dispatched"
}

// spoolAttachments persists raw payloads under {message_id}/{filename} and
// records the file rows. Spool failures degrade to in-memory payloads.
func (s *Scheduler) spoolAttachments(ctx context.Context, msg *domain.InboundMessage) {
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		data, err := att.Bytes()
		if err != nil || len(data) == 0 {
			continue
		}
		relPath, err := s.blob.Save(data, s.spoolDir, msg.MessageID, att.Filename)
		if err != nil {
			logger.Warn("listener: spool attachment failed",
				"message_id", msg.MessageID, "filename", att.Filename, "error", err.Error())
			continue
		}
		att.BlobPath = relPath
		if err := s.ledger.InsertAttachment(ctx, &domain.AttachmentFile{
			MessageID: msg.MessageID,
			FilePath:  relPath,
		}); err != nil {
			logger.Warn("listener: record attachment failed",
				"message_id", msg.MessageID, "filename", att.Filename, "error", err.Error())
		}
	}
}

func (s *Scheduler) senderAllowed(channel, sender string) bool {
	allowed := s.allowFrom[channel]
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if domain.NormalizeEmail(a) == sender {
			return true
		}
	}
	return false
}

func (s *Scheduler) markProviderProcessed(ctx context.Context, ad Adapter, uid string) {
	if err := ad.MarkProcessed(ctx, uid); err != nil {
		logger.Warn("listener: provider mark processed failed",
			"channel", string(ad.ChannelType()), "external_uid", uid, "error", err.Error())
	}
}

func (s *Scheduler) record(channel, disposition string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statuses[channel]
	if st == nil {
		return
	}
	st.Polled++
	switch disposition {
	case "dispatched":
		st.Dispatched++
	case "ignored":
		st.Ignored++
	case "duplicate":
		st.Duplicates++
	case "sender_blocked":
		st.Blocked++
	}
}

func (s *Scheduler) finishSweep(channel string, err error) {
	s.mu.Lock()
	st := s.statuses[channel]
	if st != nil {
		st.LastSweepAt = domain.NowISO()
		st.LastError = ""
		if err != nil {
			st.LastError = err.Error()
		}
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordSweep(channel, err)
	}
}

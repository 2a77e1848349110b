package listener

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/repository/postgres"
	"github.com/mcsuite/mcs-orchestrator/internal/tools"
)

// --- fakes ---

type fakeAdapter struct {
	channel   domain.Channel
	messages  map[string]*domain.InboundMessage
	order     []string
	processed []string
	connects  int
}

func newFakeAdapter(msgs ...*domain.InboundMessage) *fakeAdapter {
	a := &fakeAdapter{channel: domain.ChannelEmail, messages: map[string]*domain.InboundMessage{}}
	for _, m := range msgs {
		a.messages[m.ExternalUID] = m
		a.order = append(a.order, m.ExternalUID)
	}
	return a
}

func (a *fakeAdapter) ChannelType() domain.Channel { return a.channel }

func (a *fakeAdapter) Connect(context.Context) error { a.connects++; return nil }

func (a *fakeAdapter) Disconnect() error { return nil }

func (a *fakeAdapter) PollNewMessageIDs(context.Context) ([]string, error) {
	return append([]string(nil), a.order...), nil
}

func (a *fakeAdapter) FetchMessage(_ context.Context, uid string) (*domain.InboundMessage, error) {
	msg, ok := a.messages[uid]
	if !ok {
		return nil, fmt.Errorf("no message %s", uid)
	}
	return msg, nil
}

func (a *fakeAdapter) MarkProcessed(_ context.Context, uid string) error {
	a.processed = append(a.processed, uid)
	return nil
}

type fakeRunner struct {
	results map[string]*domain.RunResult
	err     error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, event *domain.InboundMessage, _ string) (*domain.RunResult, error) {
	f.calls = append(f.calls, event.MessageID)
	if f.err != nil {
		return nil, f.err
	}
	if res, ok := f.results[event.MessageID]; ok {
		return res, nil
	}
	return &domain.RunResult{
		RunID:     "run-" + event.MessageID,
		MessageID: event.MessageID,
		Status:    domain.StatusSuccess,
	}, nil
}

type ledgerEntry struct {
	rec       domain.MessageRecord
	processed bool
	runID     string
}

type fakeLedgerStore struct {
	entries     map[string]*ledgerEntry
	attachments []domain.AttachmentFile
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{entries: map[string]*ledgerEntry{}}
}

func ledgerKey(channel domain.Channel, messageID string) string {
	return string(channel) + "/" + messageID
}

func (f *fakeLedgerStore) Insert(_ context.Context, rec *domain.MessageRecord) error {
	key := ledgerKey(rec.Channel, rec.MessageID)
	if _, ok := f.entries[key]; ok {
		return postgres.ErrDuplicate
	}
	f.entries[key] = &ledgerEntry{rec: *rec}
	return nil
}

func (f *fakeLedgerStore) Get(_ context.Context, channel domain.Channel, messageID string) (*domain.MessageRecord, error) {
	entry, ok := f.entries[ledgerKey(channel, messageID)]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	rec := entry.rec
	rec.Processed = entry.processed
	rec.RunID = entry.runID
	return &rec, nil
}

func (f *fakeLedgerStore) MarkProcessed(_ context.Context, channel domain.Channel, messageID, runID string) error {
	entry, ok := f.entries[ledgerKey(channel, messageID)]
	if !ok {
		return postgres.ErrNotFound
	}
	entry.processed = true
	entry.runID = runID
	return nil
}

func (f *fakeLedgerStore) InsertAttachment(_ context.Context, af *domain.AttachmentFile) error {
	f.attachments = append(f.attachments, *af)
	return nil
}

// --- fixtures ---

func inboundPDF(uid, messageID, sender string) *domain.InboundMessage {
	data := []byte("pdf-bytes-" + uid)
	return &domain.InboundMessage{
		Channel:     domain.ChannelEmail,
		Provider:    "restmail",
		Account:     "orders@example.com",
		ExternalUID: uid,
		MessageID:   messageID,
		SenderID:    sender,
		Subject:     "purchase contract",
		BodyText:    "see attachment",
		ReceivedAt:  "2026-08-26T10:00:00Z",
		Attachments: []domain.Attachment{{
			AttachmentID: "att1",
			Filename:     "contract.pdf",
			ContentType:  "application/pdf",
			SizeBytes:    int64(len(data)),
			SHA256:       tools.SHA256Hex(data),
			BytesB64:     base64.StdEncoding.EncodeToString(data),
		}},
	}
}

func newTestScheduler(t *testing.T, ad Adapter, runner Runner, ledger MessageLedger,
	allowFrom map[string][]string) *Scheduler {
	t.Helper()
	return NewScheduler([]Adapter{ad}, runner, ledger,
		tools.NewLocalBlobStore(t.TempDir(), "http://localhost:8080/files"),
		t.TempDir(), allowFrom, time.Minute, nil, nil)
}

// --- tests ---

func TestSweepDispatchesNewMessage(t *testing.T) {
	ad := newFakeAdapter(inboundPDF("u1", "<msg-1@example.com>", "Customer@Example.com"))
	runner := &fakeRunner{}
	ledger := newFakeLedgerStore()
	s := newTestScheduler(t, ad, runner, ledger, nil)

	s.Sweep(context.Background(), ad)

	require.Equal(t, []string{"msg-1@example.com"}, runner.calls)

	entry := ledger.entries[ledgerKey(domain.ChannelEmail, "msg-1@example.com")]
	require.NotNil(t, entry)
	assert.True(t, entry.processed)
	assert.Equal(t, "run-msg-1@example.com", entry.runID)
	assert.Equal(t, "customer@example.com", entry.rec.SenderID)

	require.Len(t, ledger.attachments, 1)
	assert.Equal(t, "msg-1@example.com", ledger.attachments[0].MessageID)
	assert.Contains(t, ledger.attachments[0].FilePath, "contract.pdf")

	assert.Equal(t, []string{"u1"}, ad.processed)

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].Dispatched)
	assert.NotEmpty(t, status[0].LastSweepAt)
	assert.Empty(t, status[0].LastError)
}

func TestSweepSkipsDuplicates(t *testing.T) {
	msg := inboundPDF("u1", "msg-1@example.com", "customer@example.com")
	ad := newFakeAdapter(msg)
	runner := &fakeRunner{}
	ledger := newFakeLedgerStore()
	s := newTestScheduler(t, ad, runner, ledger, nil)

	s.Sweep(context.Background(), ad)
	s.Sweep(context.Background(), ad)

	assert.Len(t, runner.calls, 1)
	assert.Equal(t, 1, s.Status()[0].Duplicates)
}

func TestSweepEnforcesWhitelist(t *testing.T) {
	ad := newFakeAdapter(inboundPDF("u1", "msg-1@example.com", "stranger@elsewhere.com"))
	runner := &fakeRunner{}
	ledger := newFakeLedgerStore()
	s := newTestScheduler(t, ad, runner, ledger, map[string][]string{
		"email": {"Customer@Example.com"},
	})

	s.Sweep(context.Background(), ad)

	assert.Empty(t, runner.calls)
	assert.Empty(t, ledger.entries)
	assert.Equal(t, 1, s.Status()[0].Blocked)
	// Blocked messages are still consumed on the provider side.
	assert.Equal(t, []string{"u1"}, ad.processed)
}

func TestSweepEmptyWhitelistAllowsAll(t *testing.T) {
	ad := newFakeAdapter(inboundPDF("u1", "msg-1@example.com", "anyone@anywhere.com"))
	runner := &fakeRunner{}
	s := newTestScheduler(t, ad, runner, newFakeLedgerStore(), map[string][]string{"email": {}})

	s.Sweep(context.Background(), ad)
	assert.Len(t, runner.calls, 1)
}

func TestSweepIgnoresMessageWithoutAttachments(t *testing.T) {
	msg := inboundPDF("u1", "msg-1@example.com", "customer@example.com")
	msg.Attachments = nil
	ad := newFakeAdapter(msg)
	runner := &fakeRunner{}
	ledger := newFakeLedgerStore()
	s := newTestScheduler(t, ad, runner, ledger, nil)

	s.Sweep(context.Background(), ad)

	assert.Empty(t, runner.calls)
	entry := ledger.entries[ledgerKey(domain.ChannelEmail, "msg-1@example.com")]
	require.NotNil(t, entry)
	assert.True(t, entry.processed)
	assert.Empty(t, entry.runID)
	assert.Equal(t, 1, s.Status()[0].Ignored)
}

func TestSweepRunFailureLeavesMessageUnconsumed(t *testing.T) {
	ad := newFakeAdapter(inboundPDF("u1", "msg-1@example.com", "customer@example.com"))
	runner := &fakeRunner{err: errors.New("engine unavailable")}
	ledger := newFakeLedgerStore()
	s := newTestScheduler(t, ad, runner, ledger, nil)

	s.Sweep(context.Background(), ad)

	entry := ledger.entries[ledgerKey(domain.ChannelEmail, "msg-1@example.com")]
	require.NotNil(t, entry)
	assert.False(t, entry.processed)
	assert.Empty(t, ad.processed)
	assert.Equal(t, 0, s.Status()[0].Dispatched)

	// The unprocessed ledger row does not count as a duplicate: the next
	// sweep retries and, with the engine back, dispatches the message.
	runner.err = nil
	s.Sweep(context.Background(), ad)

	assert.Equal(t, []string{"msg-1@example.com", "msg-1@example.com"}, runner.calls)
	assert.True(t, entry.processed)
	assert.Equal(t, "run-msg-1@example.com", entry.runID)
	assert.Equal(t, []string{"u1"}, ad.processed)
	assert.Equal(t, 1, s.Status()[0].Dispatched)
}

func TestWebhookAdapterLifecycle(t *testing.T) {
	wa := NewWebhookAdapter()
	ctx := context.Background()

	uid, err := wa.Enqueue(&domain.InboundMessage{
		MessageID: "<hook-1@example.com>",
		SenderID:  "Partner@Example.com",
		Subject:   "pushed order",
	})
	require.NoError(t, err)
	require.NotEmpty(t, uid)
	assert.Equal(t, 1, wa.Pending())

	ids, err := wa.PollNewMessageIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{uid}, ids)

	msg, err := wa.FetchMessage(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "hook-1@example.com", msg.MessageID)
	assert.Equal(t, "partner@example.com", msg.SenderID)
	assert.Equal(t, domain.ChannelWebhook, msg.Channel)

	require.NoError(t, wa.MarkProcessed(ctx, uid))
	assert.Equal(t, 0, wa.Pending())

	_, err = wa.FetchMessage(ctx, uid)
	assert.Error(t, err)
}

func TestWebhookAdapterRejectsInvalid(t *testing.T) {
	wa := NewWebhookAdapter()
	_, err := wa.Enqueue(&domain.InboundMessage{Subject: "no ids"})
	assert.Error(t, err)
}

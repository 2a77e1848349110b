// Package orchestration is the service layer over the run graph: starting
// runs for inbound messages, replaying prior outcomes, and applying
// manual-review decisions.
package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/mcsuite/mcs-orchestrator/internal/auth"
	"github.com/mcsuite/mcs-orchestrator/internal/checkpoint"
	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/graph"
	"github.com/mcsuite/mcs-orchestrator/internal/metrics"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/logger"
	"github.com/mcsuite/mcs-orchestrator/internal/repository/postgres"
)

// RunRepo is the durable run-record backend.
type RunRepo interface {
	Create(ctx context.Context, run *domain.Run) error
	Update(ctx context.Context, run *domain.Run) error
	Get(ctx context.Context, runID string) (*domain.Run, error)
	LatestByMessageID(ctx context.Context, messageID string) (*domain.Run, error)
}

// Service coordinates run lifecycle around the graph engine.
type Service struct {
	engine      *graph.Engine
	runs        RunRepo
	ledger      graph.Ledger
	checkpoints checkpoint.Store
	masterdata  graph.SnapshotSource
	audit       graph.Auditor
	metrics     *metrics.Metrics
}

// NewService wires the service. The ledger, masterdata source and audit
// journal are the same collaborators the engine uses.
func NewService(engine *graph.Engine, runs RunRepo, ledger graph.Ledger,
	checkpoints checkpoint.Store, masterdata graph.SnapshotSource,
	audit graph.Auditor, m *metrics.Metrics) *Service {
	return &Service{
		engine:      engine,
		runs:        runs,
		ledger:      ledger,
		checkpoints: checkpoints,
		masterdata:  masterdata,
		audit:       audit,
		metrics:     m,
	}
}

// Run executes the full graph for one inbound message and returns the
// terminal result. The run record is created RUNNING before the first step
// so crash recovery can find it.
func (s *Service) Run(ctx context.Context, event *domain.InboundMessage, tenantID string) (*domain.RunResult, error) {
	event.Normalize()
	if err := event.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	run := &domain.Run{
		MessageID: event.MessageID,
		Status:    domain.StatusRunning,
		StartedAt: domain.NowISO(),
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, domain.NewError(domain.CodeDatabaseError, "create run: %v", err)
	}

	state := &domain.RunState{
		RunID:      run.RunID,
		TenantID:   tenantID,
		EmailEvent: event,
		StartedAt:  run.StartedAt,
	}
	out, err := s.engine.Execute(ctx, state, "")
	if err != nil {
		return nil, err
	}
	s.metrics.RecordRun(string(out.FinalStatus), time.Since(started).Seconds())
	return ResultFromState(out), nil
}

// Replay returns the most recent terminal result for a message without
// re-running anything.
func (s *Service) Replay(ctx context.Context, messageID string) (*domain.RunResult, error) {
	messageID = domain.NormalizeMessageID(messageID)
	run, err := s.runs.LatestByMessageID(ctx, messageID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, domain.NewError(domain.CodeRunNotFound, "no run recorded for message %s", messageID)
	}
	if err != nil {
		return nil, domain.NewError(domain.CodeDatabaseError, "load run: %v", err)
	}
	if !run.Status.Terminal() {
		return nil, domain.NewError(domain.CodeRunNotFound,
			"run %s for message %s has not finished", run.RunID, messageID)
	}
	return resultFromRun(run), nil
}

// GetRun returns the stored run record, state redacted as persisted.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.runs.Get(ctx, runID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, domain.NewError(domain.CodeRunNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, domain.NewError(domain.CodeDatabaseError, "load run: %v", err)
	}
	return run, nil
}

// ReviewSubmission is one manual-review decision request.
type ReviewSubmission struct {
	RunID     string                `json:"run_id"`
	MessageID string                `json:"message_id,omitempty"`
	Decision  domain.ReviewDecision `json:"decision"`
}

// ReviewOutcome is the response to a decision submission. Result is set
// when a RESUME ran the graph to a terminal state.
type ReviewOutcome struct {
	OK          bool              `json:"ok"`
	RunID       string            `json:"run_id"`
	Status      string            `json:"status"`
	FinalStatus domain.Status     `json:"final_status,omitempty"`
	AuditID     int64             `json:"audit_id,omitempty"`
	Result      *domain.RunResult `json:"result,omitempty"`
}

// SubmitManualReview validates and applies a reviewer decision. Validation
// runs in a fixed order so callers get stable error codes: run lookup and
// status, message binding, tenant, scope, then decision shape.
func (s *Service) SubmitManualReview(ctx context.Context, p *auth.Principal, sub ReviewSubmission) (*ReviewOutcome, error) {
	outcome, err := s.submit(ctx, p, sub)
	s.recordDecision(sub.Decision.Action, err == nil)
	return outcome, err
}

func (s *Service) submit(ctx context.Context, p *auth.Principal, sub ReviewSubmission) (*ReviewOutcome, error) {
	run, err := s.runs.Get(ctx, sub.RunID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, domain.NewError(domain.CodeRunNotFound, "run %s not found", sub.RunID)
	}
	if err != nil {
		return nil, domain.NewError(domain.CodeDatabaseError, "load run: %v", err)
	}
	if run.Status != domain.StatusManualReview {
		return nil, domain.NewError(domain.CodeRunNotInManualReview,
			"run %s is %s, not MANUAL_REVIEW", run.RunID, run.Status)
	}

	if sub.MessageID != "" && domain.NormalizeMessageID(sub.MessageID) != run.MessageID {
		return nil, domain.NewError(domain.CodeInvalidDecision,
			"message_id does not match run %s", run.RunID)
	}

	if tenant := runTenant(run); tenant != "" && (p == nil || p.TenantID != tenant) {
		return nil, domain.NewError(domain.CodePermissionDenied,
			"caller tenant does not match run tenant")
	}
	if !p.HasScope(auth.ScopeManualReview) {
		return nil, domain.NewError(domain.CodePermissionDenied,
			"scope %s is required", auth.ScopeManualReview)
	}

	if err := validateDecision(run, sub.Decision); err != nil {
		return nil, err
	}

	switch sub.Decision.Action {
	case graph.ActionBlock:
		return s.block(ctx, p, run, sub.Decision)
	default:
		return s.resume(ctx, p, run, sub.Decision)
	}
}

func (s *Service) block(ctx context.Context, p *auth.Principal, run *domain.Run, d domain.ReviewDecision) (*ReviewOutcome, error) {
	auditID, err := s.audit.Append(ctx, run.RunID, "manual_review_block", map[string]any{
		"action":   d.Action,
		"comment":  d.Comment,
		"tenant":   tenantOf(p),
		"subject":  subjectOf(p),
		"run_id":   run.RunID,
		"decision": "run blocked by reviewer",
	})
	if err != nil {
		return nil, domain.NewError(domain.CodeDatabaseError, "record block decision: %v", err)
	}

	// The run stays in MANUAL_REVIEW with its checkpoint intact: a block is
	// a recorded decision, not a terminal transition, and the reviewer can
	// still resume later.
	if run.State != nil && run.State.ManualReview != nil {
		run.State.ManualReview.Decision = map[string]any{
			"action":  d.Action,
			"comment": d.Comment,
		}
	}
	if err := s.runs.Update(ctx, run); err != nil {
		return nil, domain.NewError(domain.CodeDatabaseError, "update run: %v", err)
	}
	logger.Info("orchestration: run blocked by reviewer",
		"run_id", run.RunID, "tenant", tenantOf(p), "audit_id", auditID)
	return &ReviewOutcome{
		OK:          true,
		RunID:       run.RunID,
		Status:      "BLOCKED",
		FinalStatus: domain.StatusManualReview,
		AuditID:     auditID,
	}, nil
}

func (s *Service) resume(ctx context.Context, p *auth.Principal, run *domain.Run, d domain.ReviewDecision) (*ReviewOutcome, error) {
	snap, err := s.checkpoints.Load(ctx, run.RunID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, domain.NewError(domain.CodeStateNotFound,
			"no checkpoint for run %s", run.RunID)
	}
	if err != nil {
		return nil, domain.NewError(domain.CodeStateNotFound,
			"load checkpoint for run %s: %v", run.RunID, err)
	}
	state := snap.State

	md, err := s.masterdata.Snapshot(ctx)
	if err != nil {
		return nil, domain.NewError(domain.CodeMasterdataInvalid,
			"masterdata unavailable for resume: %v", err)
	}
	state.AttachMasterdata(md)

	if err := graph.ApplyDecision(state, d); err != nil {
		return nil, err
	}

	auditID, err := s.audit.Append(ctx, run.RunID, "manual_review_resume", map[string]any{
		"action":                 d.Action,
		"selected_customer_id":   d.SelectedCustomerID,
		"selected_contact_id":    d.SelectedContactID,
		"selected_attachment_id": d.SelectedAttachmentID,
		"tenant":                 tenantOf(p),
		"subject":                subjectOf(p),
	})
	if err != nil {
		return nil, domain.NewError(domain.CodeDatabaseError, "record resume decision: %v", err)
	}

	entry := graph.ResumeNode(d)
	if prior := s.priorSuccess(ctx, state.IdempotencyKey); prior != nil {
		state.ERPResult = &domain.ERPCreateOrderResult{
			OK:           true,
			SalesOrderNo: prior.SalesOrderNo,
			OrderURL:     prior.OrderURL,
		}
		state.AddWarning("resume matched a prior successful order; external systems not re-invoked")
		entry = graph.NodeFinalize
	} else if !graph.AllowedResumeNode(entry) {
		return nil, domain.NewError(domain.CodeInvalidResumeNode,
			"node %s cannot be resumed into", entry)
	}

	run.Status = domain.StatusRunning
	run.FinishedAt = ""
	if err := s.runs.Update(ctx, run); err != nil {
		return nil, domain.NewError(domain.CodeDatabaseError, "update run: %v", err)
	}

	out, err := s.engine.Execute(ctx, state, entry)
	if err != nil {
		return nil, domain.NewError(domain.CodeResumeFailed, "resume run %s: %v", run.RunID, err)
	}
	return &ReviewOutcome{
		OK:          true,
		RunID:       run.RunID,
		Status:      "RESUMED",
		FinalStatus: out.FinalStatus,
		AuditID:     auditID,
		Result:      ResultFromState(out),
	}, nil
}

// priorSuccess returns the SUCCESS ledger record for key, if one exists.
func (s *Service) priorSuccess(ctx context.Context, key string) *domain.IdempotencyRecord {
	if key == "" || s.ledger == nil {
		return nil
	}
	rec, err := s.ledger.Get(ctx, key)
	if err != nil || rec == nil || rec.Status != domain.StatusSuccess {
		return nil
	}
	return rec
}

func (s *Service) recordDecision(action string, accepted bool) {
	if s.metrics == nil {
		return
	}
	if action == "" {
		action = "UNKNOWN"
	}
	s.metrics.RecordDecision(action, accepted)
}

// validateDecision enforces the decision shape after identity checks pass.
func validateDecision(run *domain.Run, d domain.ReviewDecision) error {
	switch d.Action {
	case graph.ActionResume:
		if d.SelectedCustomerID == "" {
			return domain.NewError(domain.CodeInvalidDecision,
				"RESUME requires selected_customer_id")
		}
		if pdfCandidateCount(run) > 1 && d.SelectedAttachmentID == "" {
			return domain.NewError(domain.CodeInvalidDecision,
				"RESUME requires selected_attachment_id when multiple PDFs are candidates")
		}
		return nil
	case graph.ActionBlock:
		if d.Comment == "" {
			return domain.NewError(domain.CodeInvalidDecision, "BLOCK requires a comment")
		}
		return nil
	default:
		return domain.NewError(domain.CodeInvalidDecision,
			"action must be RESUME or BLOCK, got %q", d.Action)
	}
}

func pdfCandidateCount(run *domain.Run) int {
	if run.State == nil || run.State.ManualReview == nil ||
		run.State.ManualReview.Candidates == nil {
		return 0
	}
	return len(run.State.ManualReview.Candidates.PDFs)
}

func runTenant(run *domain.Run) string {
	if run.State == nil {
		return ""
	}
	return run.State.TenantID
}

func tenantOf(p *auth.Principal) string {
	if p == nil {
		return ""
	}
	return p.TenantID
}

func subjectOf(p *auth.Principal) string {
	if p == nil {
		return ""
	}
	return p.Subject
}

// ResultFromState projects terminal run state into the caller-facing shape.
func ResultFromState(s *domain.RunState) *domain.RunResult {
	r := &domain.RunResult{
		RunID:          s.RunID,
		Status:         s.FinalStatus,
		StartedAt:      s.StartedAt,
		FinishedAt:     s.FinishedAt,
		IdempotencyKey: s.IdempotencyKey,
		Errors:         s.Errors,
		Warnings:       s.Warnings,
	}
	if r.Errors == nil {
		r.Errors = []domain.ErrorInfo{}
	}
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	if s.EmailEvent != nil {
		r.MessageID = s.EmailEvent.MessageID
	}
	if s.MatchedCustomer != nil && s.MatchedCustomer.OK {
		r.CustomerID = s.MatchedCustomer.CustomerID
	}
	if s.MatchedContact != nil && s.MatchedContact.OK {
		r.ContactID = s.MatchedContact.ContactID
	}
	if s.FileUpload != nil && s.FileUpload.OK {
		r.FileURL = s.FileUpload.FileURL
	}
	if s.ERPResult != nil && s.ERPResult.OK {
		r.SalesOrderNo = s.ERPResult.SalesOrderNo
		r.OrderURL = s.ERPResult.OrderURL
	}
	return r
}

func resultFromRun(run *domain.Run) *domain.RunResult {
	if run.State != nil {
		r := ResultFromState(run.State)
		r.RunID = run.RunID
		r.MessageID = run.MessageID
		r.Status = run.Status
		r.StartedAt = run.StartedAt
		r.FinishedAt = run.FinishedAt
		return r
	}
	return &domain.RunResult{
		RunID:      run.RunID,
		MessageID:  run.MessageID,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Errors:     run.Errors,
		Warnings:   run.Warnings,
	}
}

package graph

import (
	"context"
	"errors"
	"time"

	"github.com/mcsuite/mcs-orchestrator/internal/checkpoint"
	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/metrics"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/logger"
	"github.com/mcsuite/mcs-orchestrator/internal/tools"
)

// SnapshotSource yields the current master-data snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*domain.MasterDataSnapshot, error)
}

// Chatflow is one blocking LLM chat-flow invocation.
type Chatflow interface {
	Chatflow(ctx context.Context, query, user string, inputs map[string]any, files []tools.DifyFile) (map[string]any, error)
}

// OrderGateway submits sales orders to the ERP.
type OrderGateway interface {
	CreateOrder(ctx context.Context, orderPayload map[string]any) (*domain.ERPCreateOrderResult, error)
}

// Ledger is the idempotency ledger. Lookups return postgres.ErrNotFound
// semantics via errors the engine only inspects for presence.
type Ledger interface {
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	GetSuccessByMessageID(ctx context.Context, messageID string) (*domain.IdempotencyRecord, error)
	Upsert(ctx context.Context, rec *domain.IdempotencyRecord) error
	// MarkSuccess transitions the record for key to SUCCESS with the ERP
	// result. Returns false when the record was already SUCCESS.
	MarkSuccess(ctx context.Context, key, salesOrderNo, orderURL string) (bool, error)
}

// StatusNotifier sends the status email; failures come back as warnings.
type StatusNotifier interface {
	Notify(ctx context.Context, state *domain.RunState, status domain.Status) string
}

// Auditor appends one redacted journal entry per step.
type Auditor interface {
	Append(ctx context.Context, runID, step string, payload map[string]any) (int64, error)
}

// RunStore persists the durable run record at finalize.
type RunStore interface {
	Update(ctx context.Context, run *domain.Run) error
}

// Deps bundles everything the nodes touch. Nil collaborators disable the
// corresponding side effect (tests exercise subsets of the graph).
type Deps struct {
	Masterdata SnapshotSource
	Contract   Chatflow
	OrderFlow  Chatflow
	ERP        OrderGateway
	Ledger     Ledger
	Blob       tools.BlobStore
	Notifier   StatusNotifier
	Runs       RunStore

	// BlobBaseDir is where listener-spooled attachment payloads live.
	BlobBaseDir string

	// SignalPolicy is "strict" (keyword + PDF) or "passthrough".
	SignalPolicy     string
	ContractKeywords []string
	ScoreThreshold   float64
}

// Engine walks the node graph for one run, persisting a checkpoint and an
// audit entry at every step boundary.
type Engine struct {
	deps        Deps
	checkpoints checkpoint.Store
	audit       Auditor
	metrics     *metrics.Metrics
	stepTimeout time.Duration
}

// NewEngine builds an engine over the given dependencies. A zero stepTimeout
// disables the per-step limit.
func NewEngine(deps Deps, store checkpoint.Store, audit Auditor, m *metrics.Metrics, stepTimeout time.Duration) *Engine {
	if deps.ScoreThreshold == 0 {
		deps.ScoreThreshold = 75
	}
	if deps.SignalPolicy == "" {
		deps.SignalPolicy = "strict"
	}
	return &Engine{
		deps:        deps,
		checkpoints: store,
		audit:       audit,
		metrics:     m,
		stepTimeout: stepTimeout,
	}
}

type nodeFunc func(ctx context.Context, s *domain.RunState) (*Delta, error)

func (e *Engine) node(name string) nodeFunc {
	switch name {
	case NodeCheckIdempotency:
		return e.checkIdempotency
	case NodeLoadMasterdata:
		return e.loadMasterdata
	case NodeMatchContact:
		return e.matchContact
	case NodeDetectContractSignal:
		return e.detectContractSignal
	case NodeMatchCustomer:
		return e.matchCustomer
	case NodeCallDifyContract:
		return e.callDifyContract
	case NodeCallDifyOrderPayload:
		return e.callDifyOrderPayload
	case NodeCallGateway:
		return e.callGateway
	case NodeUploadPDF:
		return e.uploadPDF
	case NodeNotifySales:
		return e.notifySales
	case NodeFinalize:
		return e.finalize
	}
	return nil
}

// Execute runs the graph from startNode until END or cancellation. The
// returned state is the merged result; the error return covers cancellation
// and unknown entry nodes only. Node failures land in state.Errors and are
// resolved at finalize.
func (e *Engine) Execute(ctx context.Context, state *domain.RunState, startNode string) (*domain.RunState, error) {
	if state.StartedAt == "" {
		state.StartedAt = domain.NowISO()
	}
	node := startNode
	if node == "" {
		node = NodeCheckIdempotency
	}
	if e.node(node) == nil {
		return state, domain.NewError(domain.CodeInvalidResumeNode, "unknown node %q", node)
	}

	for node != "" {
		fn := e.node(node)
		delta, seconds, err := e.runStep(ctx, fn, state)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation: the last persisted checkpoint is the
				// pre-call state, never a torn one.
				return state, ctx.Err()
			}
			logger.Error("graph: node failed",
				"run_id", state.RunID, "node", node, "error", err.Error())
			state.AddError(errorCode(err), err.Error(), nil)
			e.recordStep(node, "error", seconds)
			if node == NodeFinalize {
				break
			}
			e.journal(ctx, state.RunID, node, map[string]any{"error": err.Error()})
			e.save(ctx, state, NodeFinalize)
			node = NodeFinalize
			continue
		}

		delta.Apply(state)
		e.recordStep(node, "ok", seconds)
		e.journal(ctx, state.RunID, node, delta.auditPayload())

		next := route(node, state)
		e.save(ctx, state, next)
		logger.Debug("graph: step complete",
			"run_id", state.RunID, "node", node, "next", next)
		node = next
	}
	return state, nil
}

func (e *Engine) runStep(ctx context.Context, fn nodeFunc, state *domain.RunState) (*Delta, float64, error) {
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	start := time.Now()
	delta, err := fn(ctx, state)
	return delta, time.Since(start).Seconds(), err
}

func (e *Engine) recordStep(node, outcome string, seconds float64) {
	if e.metrics != nil {
		e.metrics.RecordStep(node, outcome, seconds)
	}
}

func (e *Engine) journal(ctx context.Context, runID, step string, payload map[string]any) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Append(ctx, runID, step, payload); err != nil {
		logger.Warn("graph: audit append failed",
			"run_id", runID, "step", step, "error", err.Error())
	}
}

func (e *Engine) save(ctx context.Context, state *domain.RunState, nextNode string) {
	if e.checkpoints == nil {
		return
	}
	snap := &checkpoint.Snapshot{
		RunID:     state.RunID,
		NextNode:  nextNode,
		State:     state,
		UpdatedAt: domain.NowISO(),
	}
	if err := e.checkpoints.Save(ctx, snap); err != nil {
		logger.Warn("graph: checkpoint save failed",
			"run_id", state.RunID, "error", err.Error())
	}
}

func errorCode(err error) string {
	var oe *domain.OrchestratorError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return domain.CodeDatabaseError
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/redact"
)

// AuditRepo persists the append-only run-step journal. Payloads are passed
// through redaction before insert.
type AuditRepo struct{ db *sql.DB }

// NewAuditRepo creates a Postgres-backed audit journal.
func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

// Append writes one audit event and returns its id.
func (r *AuditRepo) Append(ctx context.Context, runID, step string, payload map[string]any) (int64, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(redact.Map(payload))
	if err != nil {
		return 0, fmt.Errorf("encode audit payload: %w", err)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO audit_events (run_id, step, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, runID, step, data, domain.NowISO()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	return id, nil
}

// ListByRun returns all audit events for a run in insertion order.
func (r *AuditRepo) ListByRun(ctx context.Context, runID string) ([]domain.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, step, payload_json, created_at
		FROM audit_events
		WHERE run_id = $1
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Step, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

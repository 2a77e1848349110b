// Package postgres implements the orchestrator's durable repositories
// against PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("repository: not found")

// RunRepo persists orchestration runs.
type RunRepo struct{ db *sql.DB }

// NewRunRepo creates a Postgres-backed run repository.
func NewRunRepo(db *sql.DB) *RunRepo { return &RunRepo{db: db} }

// Create inserts a new run row. A missing run_id is generated.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	stateJSON, errorsJSON, warningsJSON, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orchestration_runs
			(run_id, message_id, status, started_at, finished_at, state_json, errors_json, warnings_json)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), $6, $7, $8)
	`, run.RunID, run.MessageID, run.Status, run.StartedAt, run.FinishedAt,
		stateJSON, errorsJSON, warningsJSON)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of a run row.
func (r *RunRepo) Update(ctx context.Context, run *domain.Run) error {
	stateJSON, errorsJSON, warningsJSON, err := encodeRunJSON(run)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE orchestration_runs
		SET status = $1, finished_at = NULLIF($2,''), state_json = $3,
		    errors_json = $4, warnings_json = $5
		WHERE run_id = $6
	`, run.Status, run.FinishedAt, stateJSON, errorsJSON, warningsJSON, run.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the run with the given run_id.
func (r *RunRepo) Get(ctx context.Context, runID string) (*domain.Run, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT run_id, message_id, status, started_at, COALESCE(finished_at,''),
		       state_json, errors_json, warnings_json
		FROM orchestration_runs
		WHERE run_id = $1
	`, runID))
}

// LatestByMessageID returns the most recent run for a message.
func (r *RunRepo) LatestByMessageID(ctx context.Context, messageID string) (*domain.Run, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT run_id, message_id, status, started_at, COALESCE(finished_at,''),
		       state_json, errors_json, warnings_json
		FROM orchestration_runs
		WHERE message_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, messageID))
}

// CountByStatus returns the number of runs in the given status.
func (r *RunRepo) CountByStatus(ctx context.Context, status domain.Status) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orchestration_runs WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

func (r *RunRepo) scanOne(row *sql.Row) (*domain.Run, error) {
	run := &domain.Run{}
	var stateJSON, errorsJSON, warningsJSON []byte
	err := row.Scan(&run.RunID, &run.MessageID, &run.Status, &run.StartedAt,
		&run.FinishedAt, &stateJSON, &errorsJSON, &warningsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(stateJSON) > 0 {
		run.State = &domain.RunState{}
		if err := json.Unmarshal(stateJSON, run.State); err != nil {
			return nil, fmt.Errorf("decode run state: %w", err)
		}
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &run.Errors); err != nil {
			return nil, fmt.Errorf("decode run errors: %w", err)
		}
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &run.Warnings); err != nil {
			return nil, fmt.Errorf("decode run warnings: %w", err)
		}
	}
	return run, nil
}

func encodeRunJSON(run *domain.Run) (state, errs, warns []byte, err error) {
	if run.State != nil {
		state, err = json.Marshal(run.State)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode run state: %w", err)
		}
	} else {
		state = []byte("null")
	}
	if run.Errors == nil {
		run.Errors = []domain.ErrorInfo{}
	}
	errs, err = json.Marshal(run.Errors)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode run errors: %w", err)
	}
	if run.Warnings == nil {
		run.Warnings = []string{}
	}
	warns, err = json.Marshal(run.Warnings)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode run warnings: %w", err)
	}
	return state, errs, warns, nil
}

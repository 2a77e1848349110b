package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

// IdempotencyRepo persists the content-addressed idempotency ledger.
// Records that reached SUCCESS are immutable; a later upsert can never
// downgrade them.
type IdempotencyRepo struct{ db *sql.DB }

// NewIdempotencyRepo creates a Postgres-backed idempotency ledger.
func NewIdempotencyRepo(db *sql.DB) *IdempotencyRepo { return &IdempotencyRepo{db: db} }

// Get returns the record for the given key.
func (r *IdempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := &domain.IdempotencyRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT idempotency_key, message_id, COALESCE(file_sha256,''), COALESCE(customer_id,''),
		       status, COALESCE(sales_order_no,''), COALESCE(order_url,''), created_at
		FROM idempotency_records
		WHERE idempotency_key = $1
	`, key).Scan(&rec.Key, &rec.MessageID, &rec.FileSHA256, &rec.CustomerID,
		&rec.Status, &rec.SalesOrderNo, &rec.OrderURL, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

// GetSuccessByMessageID returns the SUCCESS record for a message, if one
// exists. Used by the entry node before the canonical key is derivable.
func (r *IdempotencyRepo) GetSuccessByMessageID(ctx context.Context, messageID string) (*domain.IdempotencyRecord, error) {
	rec := &domain.IdempotencyRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT idempotency_key, message_id, COALESCE(file_sha256,''), COALESCE(customer_id,''),
		       status, COALESCE(sales_order_no,''), COALESCE(order_url,''), created_at
		FROM idempotency_records
		WHERE message_id = $1 AND status = 'SUCCESS'
		ORDER BY created_at DESC
		LIMIT 1
	`, messageID).Scan(&rec.Key, &rec.MessageID, &rec.FileSHA256, &rec.CustomerID,
		&rec.Status, &rec.SalesOrderNo, &rec.OrderURL, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get success record by message: %w", err)
	}
	return rec, nil
}

// Upsert inserts or updates the record for its key. The guard on status
// keeps a SUCCESS row from ever being rewritten, which is what makes ERP
// submission at-most-once per canonical key.
func (r *IdempotencyRepo) Upsert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	if rec.CreatedAt == "" {
		rec.CreatedAt = domain.NowISO()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_records
			(idempotency_key, message_id, file_sha256, customer_id, status,
			 sales_order_no, order_url, created_at)
		VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), $5, NULLIF($6,''), NULLIF($7,''), $8)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			file_sha256 = EXCLUDED.file_sha256,
			customer_id = EXCLUDED.customer_id,
			status = EXCLUDED.status,
			sales_order_no = EXCLUDED.sales_order_no,
			order_url = EXCLUDED.order_url
		WHERE idempotency_records.status <> 'SUCCESS'
	`, rec.Key, rec.MessageID, rec.FileSHA256, rec.CustomerID, rec.Status,
		rec.SalesOrderNo, rec.OrderURL, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert idempotency record: %w", err)
	}
	return nil
}

// MarkSuccess transitions the record to SUCCESS with the ERP result.
// Returns true when this call performed the transition, false when the
// record was already SUCCESS.
func (r *IdempotencyRepo) MarkSuccess(ctx context.Context, key, salesOrderNo, orderURL string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = 'SUCCESS', sales_order_no = $1, order_url = NULLIF($2,'')
		WHERE idempotency_key = $3 AND status <> 'SUCCESS'
	`, salesOrderNo, orderURL, key)
	if err != nil {
		return false, fmt.Errorf("mark idempotency success: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

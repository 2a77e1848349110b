package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

// ErrDuplicate is returned when a ledger insert collides with an existing
// (channel, message_id) row.
var ErrDuplicate = fmt.Errorf("repository: %s", domain.CodeDuplicateEntry)

// MessageRepo persists the inbound message ledger and attachment file
// records. The unique index on (channel, message_id) is the dedup gate for
// listener sweeps.
type MessageRepo struct{ db *sql.DB }

// NewMessageRepo creates a Postgres-backed message ledger.
func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

// Insert adds a ledger row for a newly pulled message. Returns ErrDuplicate
// when the (channel, message_id) pair already exists.
func (r *MessageRepo) Insert(ctx context.Context, rec *domain.MessageRecord) error {
	if rec.CreatedAt == "" {
		rec.CreatedAt = domain.NowISO()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO message_records
			(channel, message_id, account, external_uid, sender_id, received_at, processed, created_at)
		VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), false, $7)
		RETURNING id
	`, rec.Channel, rec.MessageID, rec.Account, rec.ExternalUID, rec.SenderID,
		rec.ReceivedAt, rec.CreatedAt).Scan(&rec.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message record: %w", err)
	}
	return nil
}

// Get returns the ledger row for the pair, or ErrNotFound. Callers use the
// Processed flag to tell a consumed duplicate from a failed dispatch that
// still needs a retry.
func (r *MessageRepo) Get(ctx context.Context, channel domain.Channel, messageID string) (*domain.MessageRecord, error) {
	rec := &domain.MessageRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, channel, message_id, COALESCE(account,''), COALESCE(external_uid,''),
		       COALESCE(sender_id,''), COALESCE(received_at,''), processed,
		       COALESCE(processed_at,''), COALESCE(run_id,''), created_at
		FROM message_records
		WHERE channel = $1 AND message_id = $2
	`, channel, messageID).Scan(&rec.ID, &rec.Channel, &rec.MessageID, &rec.Account,
		&rec.ExternalUID, &rec.SenderID, &rec.ReceivedAt, &rec.Processed,
		&rec.ProcessedAt, &rec.RunID, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message record: %w", err)
	}
	return rec, nil
}

// Exists reports whether a ledger row exists for the pair.
func (r *MessageRepo) Exists(ctx context.Context, channel domain.Channel, messageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM message_records WHERE channel = $1 AND message_id = $2)
	`, channel, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message record: %w", err)
	}
	return exists, nil
}

// MarkProcessed records the run outcome for a ledger row.
func (r *MessageRepo) MarkProcessed(ctx context.Context, channel domain.Channel, messageID, runID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_records
		SET processed = true, processed_at = $1, run_id = NULLIF($2,'')
		WHERE channel = $3 AND message_id = $4
	`, domain.NowISO(), runID, channel, messageID)
	if err != nil {
		return fmt.Errorf("mark message processed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertAttachment records a persisted attachment blob path.
func (r *MessageRepo) InsertAttachment(ctx context.Context, af *domain.AttachmentFile) error {
	if af.CreatedAt == "" {
		af.CreatedAt = domain.NowISO()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO attachment_files (message_id, file_path, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, af.MessageID, af.FilePath, af.CreatedAt).Scan(&af.ID)
	if err != nil {
		return fmt.Errorf("insert attachment file: %w", err)
	}
	return nil
}

// AttachmentsByMessage returns attachment records for a message.
func (r *MessageRepo) AttachmentsByMessage(ctx context.Context, messageID string) ([]domain.AttachmentFile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, file_path, created_at
		FROM attachment_files
		WHERE message_id = $1
		ORDER BY id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachment files: %w", err)
	}
	defer rows.Close()

	var out []domain.AttachmentFile
	for rows.Next() {
		var af domain.AttachmentFile
		if err := rows.Scan(&af.ID, &af.MessageID, &af.FilePath, &af.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment file: %w", err)
		}
		out = append(out, af)
	}
	return out, rows.Err()
}

package domain

// Run is the persisted run row. State, Errors and Warnings serialize to
// their own JSON columns.
type Run struct {
	RunID      string      `json:"run_id"`
	MessageID  string      `json:"message_id"`
	Status     Status      `json:"status"`
	StartedAt  string      `json:"started_at"`
	FinishedAt string      `json:"finished_at,omitempty"`
	State      *RunState   `json:"state,omitempty"`
	Errors     []ErrorInfo `json:"errors,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// IdempotencyRecord maps an idempotency key to its outcome. A record whose
// status is SUCCESS is immutable.
type IdempotencyRecord struct {
	Key          string `json:"idempotency_key"`
	MessageID    string `json:"message_id"`
	FileSHA256   string `json:"file_sha256,omitempty"`
	CustomerID   string `json:"customer_id,omitempty"`
	Status       Status `json:"status"`
	SalesOrderNo string `json:"sales_order_no,omitempty"`
	OrderURL     string `json:"order_url,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// AuditEvent is one step-boundary journal entry for a run. Payload is
// redacted before insert.
type AuditEvent struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Step      string         `json:"step"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// MessageRecord is the inbound message ledger row. The (channel, message_id)
// pair is unique; the ledger is the listener's dedup source.
type MessageRecord struct {
	ID          int64   `json:"id"`
	Channel     Channel `json:"channel"`
	MessageID   string  `json:"message_id"`
	Account     string  `json:"account,omitempty"`
	ExternalUID string  `json:"external_uid,omitempty"`
	SenderID    string  `json:"sender_id,omitempty"`
	ReceivedAt  string  `json:"received_at,omitempty"`
	RunID       string  `json:"run_id,omitempty"`
	Processed   bool    `json:"processed"`
	ProcessedAt string  `json:"processed_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// AttachmentFile records a persisted attachment blob for a message.
type AttachmentFile struct {
	ID        int64  `json:"id"`
	MessageID string `json:"message_id"`
	FilePath  string `json:"file_path"`
	CreatedAt string `json:"created_at"`
}

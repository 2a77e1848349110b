package domain

// ContactMatchResult is the outcome of looking up the sender in master data.
type ContactMatchResult struct {
	OK         bool        `json:"ok"`
	ContactID  string      `json:"contact_id,omitempty"`
	CustomerID string      `json:"customer_id,omitempty"`
	Errors     []ErrorInfo `json:"errors,omitempty"`
}

// ContractSignalResult is the outcome of contract-mail detection.
type ContractSignalResult struct {
	OK              bool        `json:"ok"`
	IsContractMail  bool        `json:"is_contract_mail"`
	PDFAttachmentID string      `json:"pdf_attachment_id,omitempty"`
	Errors          []ErrorInfo `json:"errors,omitempty"`
}

// CustomerCandidate is one scored customer match, with the evidence the
// manual-review UI shows to the operator.
type CustomerCandidate struct {
	CustomerID  string  `json:"customer_id"`
	CustomerNum string  `json:"customer_num,omitempty"`
	Name        string  `json:"name,omitempty"`
	Score       float64 `json:"score"`
}

// CustomerMatchResult is the outcome of deriving the customer.
type CustomerMatchResult struct {
	OK            bool                `json:"ok"`
	CustomerID    string              `json:"customer_id,omitempty"`
	Score         float64             `json:"score"`
	TopCandidates []CustomerCandidate `json:"top_candidates,omitempty"`
	Errors        []ErrorInfo         `json:"errors,omitempty"`
}

// FileUploadResult is the outcome of uploading the selected PDF to the blob
// store.
type FileUploadResult struct {
	OK      bool        `json:"ok"`
	FileURL string      `json:"file_url,omitempty"`
	FileID  string      `json:"file_id,omitempty"`
	SHA256  string      `json:"sha256,omitempty"`
	Errors  []ErrorInfo `json:"errors,omitempty"`
}

// ContractRecognitionResult is the parsed answer of the contract-recognition
// chatflow. Items and ContractMeta are vendor-shaped JSON passed through to
// the next step.
type ContractRecognitionResult struct {
	OK           bool             `json:"ok"`
	Items        []map[string]any `json:"items,omitempty"`
	ContractMeta map[string]any   `json:"contract_meta,omitempty"`
	RawAnswer    string           `json:"raw_answer,omitempty"`
	Errors       []ErrorInfo      `json:"errors,omitempty"`
}

// OrderPayloadResult is the parsed answer of the order-payload chatflow.
type OrderPayloadResult struct {
	OK           bool           `json:"ok"`
	OrderPayload map[string]any `json:"order_payload,omitempty"`
	RawAnswer    string         `json:"raw_answer,omitempty"`
	Errors       []ErrorInfo    `json:"errors,omitempty"`
}

// ERPCreateOrderResult is the outcome of the ERP order submission.
type ERPCreateOrderResult struct {
	OK           bool        `json:"ok"`
	SalesOrderNo string      `json:"sales_order_no,omitempty"`
	OrderURL     string      `json:"order_url,omitempty"`
	Errors       []ErrorInfo `json:"errors,omitempty"`
}

// RunResult is the caller-facing summary of one orchestration run.
type RunResult struct {
	RunID          string      `json:"run_id"`
	MessageID      string      `json:"message_id"`
	Status         Status      `json:"status"`
	StartedAt      string      `json:"started_at"`
	FinishedAt     string      `json:"finished_at,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	CustomerID     string      `json:"customer_id,omitempty"`
	ContactID      string      `json:"contact_id,omitempty"`
	FileURL        string      `json:"file_url,omitempty"`
	SalesOrderNo   string      `json:"sales_order_no,omitempty"`
	OrderURL       string      `json:"order_url,omitempty"`
	Errors         []ErrorInfo `json:"errors"`
	Warnings       []string    `json:"warnings"`
}

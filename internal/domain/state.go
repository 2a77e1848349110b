package domain

// PDFCandidate is a reviewable PDF attachment choice.
type PDFCandidate struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	SHA256       string `json:"sha256,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	Suggested    bool   `json:"suggested"`
}

// CustomerReviewCandidate is a reviewable customer choice with evidence.
type CustomerReviewCandidate struct {
	CustomerID   string         `json:"customer_id"`
	CustomerNum  string         `json:"customer_num,omitempty"`
	CustomerName string         `json:"customer_name,omitempty"`
	Score        float64        `json:"score"`
	Evidence     map[string]any `json:"evidence,omitempty"`
	Suggested    bool           `json:"suggested"`
}

// ContactCandidate is a reviewable contact choice.
type ContactCandidate struct {
	ContactID  string `json:"contact_id"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email"`
	Telephone  string `json:"telephone,omitempty"`
	CustomerID string `json:"customer_id"`
	Suggested  bool   `json:"suggested"`
}

// ManualReviewCandidates groups the choices offered to a reviewer. Each
// category carries at most one suggested entry.
type ManualReviewCandidates struct {
	PDFs      []PDFCandidate            `json:"pdfs,omitempty"`
	Customers []CustomerReviewCandidate `json:"customers,omitempty"`
	Contacts  []ContactCandidate        `json:"contacts,omitempty"`
}

// ReviewDecision is the reviewer's submitted decision.
type ReviewDecision struct {
	Action               string `json:"action"`
	SelectedCustomerID   string `json:"selected_customer_id,omitempty"`
	SelectedContactID    string `json:"selected_contact_id,omitempty"`
	SelectedAttachmentID string `json:"selected_attachment_id,omitempty"`
	Comment              string `json:"comment,omitempty"`
}

// ManualReview is the pause record attached to a run awaiting a decision.
type ManualReview struct {
	ReasonCode string                  `json:"reason_code"`
	CreatedAt  string                  `json:"created_at"`
	Candidates *ManualReviewCandidates `json:"candidates,omitempty"`
	Decision   map[string]any          `json:"decision,omitempty"`
}

// RunState is the orchestration state object threaded through the graph.
// Single-value fields follow keep-first merge semantics; Errors and Warnings
// are append-only (see graph.Delta). The state serializes to JSON for
// checkpointing; the attached masterdata snapshot travels by version only
// and is re-attached on load.
type RunState struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id,omitempty"`

	EmailEvent *InboundMessage `json:"email_event"`

	MasterdataVersion int64 `json:"masterdata_version,omitempty"`

	MatchedContact  *ContactMatchResult        `json:"matched_contact,omitempty"`
	ContractSignals *ContractSignalResult      `json:"contract_signals,omitempty"`
	MatchedCustomer *CustomerMatchResult       `json:"matched_customer,omitempty"`
	PDFAttachment   *Attachment                `json:"pdf_attachment,omitempty"`
	FileUpload      *FileUploadResult          `json:"file_upload,omitempty"`
	ContractResult  *ContractRecognitionResult `json:"contract_result,omitempty"`
	OrderPayload    *OrderPayloadResult        `json:"order_payload_result,omitempty"`
	ERPResult       *ERPCreateOrderResult      `json:"erp_result,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`

	FinalStatus Status      `json:"final_status,omitempty"`
	Errors      []ErrorInfo `json:"errors"`
	Warnings    []string    `json:"warnings"`

	ManualReview *ManualReview `json:"manual_review,omitempty"`

	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`

	md *MasterDataSnapshot
}

// AttachMasterdata associates a snapshot with the state for the duration of
// an invocation. The snapshot is not serialized; only its version is.
func (s *RunState) AttachMasterdata(md *MasterDataSnapshot) {
	s.md = md
	if md != nil {
		s.MasterdataVersion = md.Version
	}
}

// Masterdata returns the attached snapshot, or nil when none is attached.
func (s *RunState) Masterdata() *MasterDataSnapshot { return s.md }

// AddError appends a structured error entry.
func (s *RunState) AddError(code, reason string, details map[string]any) {
	s.Errors = append(s.Errors, ErrorInfo{Code: code, Reason: reason, Details: details})
}

// AddWarning appends a warning message.
func (s *RunState) AddWarning(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

// SetManualReview records the pause reason and candidates on the state.
func (s *RunState) SetManualReview(reasonCode string, candidates *ManualReviewCandidates) {
	s.ManualReview = &ManualReview{
		ReasonCode: reasonCode,
		CreatedAt:  NowISO(),
		Candidates: candidates,
	}
}

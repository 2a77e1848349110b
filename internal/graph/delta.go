package graph

import (
	"encoding/json"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

// Delta is the sparse update a node returns. The engine merges it into the
// run state: single-value fields apply only where the state has none yet
// (keep-first), Errors and Warnings append, and the idempotency key may be
// replaced only by its canonical promotion.
type Delta struct {
	MatchedContact  *domain.ContactMatchResult        `json:"matched_contact,omitempty"`
	ContractSignals *domain.ContractSignalResult      `json:"contract_signals,omitempty"`
	MatchedCustomer *domain.CustomerMatchResult       `json:"matched_customer,omitempty"`
	PDFAttachment   *domain.Attachment                `json:"pdf_attachment,omitempty"`
	FileUpload      *domain.FileUploadResult          `json:"file_upload,omitempty"`
	ContractResult  *domain.ContractRecognitionResult `json:"contract_result,omitempty"`
	OrderPayload    *domain.OrderPayloadResult        `json:"order_payload_result,omitempty"`
	ERPResult       *domain.ERPCreateOrderResult      `json:"erp_result,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// KeyCanonical marks the key as the full (message, file, customer)
	// derivation, which is the only form allowed to replace an existing key.
	KeyCanonical bool `json:"-"`

	FinalStatus  domain.Status        `json:"final_status,omitempty"`
	ManualReview *domain.ManualReview `json:"manual_review,omitempty"`

	Errors   []domain.ErrorInfo `json:"errors,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
}

// Apply merges the delta into the state.
func (d *Delta) Apply(s *domain.RunState) {
	if d == nil {
		return
	}
	if s.MatchedContact == nil {
		s.MatchedContact = d.MatchedContact
	}
	if s.ContractSignals == nil {
		s.ContractSignals = d.ContractSignals
	}
	if s.MatchedCustomer == nil {
		s.MatchedCustomer = d.MatchedCustomer
	}
	if s.PDFAttachment == nil {
		s.PDFAttachment = d.PDFAttachment
	}
	if s.FileUpload == nil {
		s.FileUpload = d.FileUpload
	}
	if s.ContractResult == nil {
		s.ContractResult = d.ContractResult
	}
	if s.OrderPayload == nil {
		s.OrderPayload = d.OrderPayload
	}
	if s.ERPResult == nil {
		s.ERPResult = d.ERPResult
	}
	if d.IdempotencyKey != "" && (s.IdempotencyKey == "" || d.KeyCanonical) {
		s.IdempotencyKey = d.IdempotencyKey
	}
	if s.FinalStatus == "" {
		s.FinalStatus = d.FinalStatus
	}
	if s.ManualReview == nil {
		s.ManualReview = d.ManualReview
	}
	s.Errors = append(s.Errors, d.Errors...)
	s.Warnings = append(s.Warnings, d.Warnings...)
}

// auditPayload renders the delta as a generic map for the audit journal.
// Redaction happens at the persistence layer.
func (d *Delta) auditPayload() map[string]any {
	if d == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

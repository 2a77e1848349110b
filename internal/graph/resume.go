package graph

import (
	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

// Decision actions accepted by the manual-review protocol.
const (
	ActionResume = "RESUME"
	ActionBlock  = "BLOCK"
)

// ResumeNode picks the re-entry node for a decision. First match wins: a
// re-selected attachment restarts at the upload, a customer choice restarts
// at customer matching, otherwise the contract recognition is retried.
func ResumeNode(d domain.ReviewDecision) string {
	switch {
	case d.SelectedAttachmentID != "":
		return NodeUploadPDF
	case d.SelectedCustomerID != "":
		return NodeMatchCustomer
	}
	return NodeCallDifyContract
}

// ApplyDecision patches a loaded state with the reviewer's choices and
// clears the derived results the patched inputs invalidate. The caller has
// already validated the decision shape.
func ApplyDecision(s *domain.RunState, d domain.ReviewDecision) error {
	if d.SelectedAttachmentID != "" {
		att, ok := s.EmailEvent.FindAttachment(d.SelectedAttachmentID)
		if !ok {
			return domain.NewError(domain.CodeInvalidDecision,
				"attachment %s not found on message", d.SelectedAttachmentID)
		}
		if !att.IsPDF() {
			return domain.NewError(domain.CodeInvalidDecision,
				"attachment %s is not a PDF", d.SelectedAttachmentID)
		}
		s.PDFAttachment = &att
		s.FileUpload = nil
		if s.ContractSignals != nil {
			s.ContractSignals = &domain.ContractSignalResult{
				OK:              true,
				IsContractMail:  true,
				PDFAttachmentID: att.AttachmentID,
			}
		}
	}

	if d.SelectedCustomerID != "" {
		s.MatchedCustomer = &domain.CustomerMatchResult{
			OK:         true,
			CustomerID: d.SelectedCustomerID,
			Score:      100,
		}
	}

	if d.SelectedContactID != "" {
		contact := &domain.ContactMatchResult{OK: true, ContactID: d.SelectedContactID}
		if md := s.Masterdata(); md != nil {
			if c := md.ContactByID(d.SelectedContactID); c != nil {
				contact.CustomerID = c.CustomerID
			}
		}
		if contact.CustomerID == "" {
			contact.CustomerID = d.SelectedCustomerID
		}
		s.MatchedContact = contact
	}

	// The downstream results were computed against the previous inputs.
	s.ContractResult = nil
	s.OrderPayload = nil
	s.ERPResult = nil
	s.FinalStatus = ""
	s.FinishedAt = ""

	// Re-derive the idempotency key if the full triple is known again.
	sha := ""
	if s.PDFAttachment != nil {
		sha = s.PDFAttachment.SHA256
	}
	customerID := ""
	if s.MatchedCustomer != nil {
		customerID = s.MatchedCustomer.CustomerID
	}
	if sha != "" && customerID != "" {
		s.IdempotencyKey = domain.IdempotencyKey(s.EmailEvent.MessageID, sha, customerID)
	}

	if s.ManualReview != nil {
		s.ManualReview.Decision = map[string]any{
			"action":                 d.Action,
			"selected_customer_id":   d.SelectedCustomerID,
			"selected_contact_id":    d.SelectedContactID,
			"selected_attachment_id": d.SelectedAttachmentID,
			"comment":                d.Comment,
		}
	}
	return nil
}

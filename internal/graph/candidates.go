package graph

import (
	"encoding/json"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/redact"
	"github.com/mcsuite/mcs-orchestrator/internal/tools"
)

// buildManualReview assembles the pause record with the choices offered to
// the reviewer. Each category carries at most one suggested entry.
func (e *Engine) buildManualReview(s *domain.RunState) *domain.ManualReview {
	reasonCode := string(domain.StatusManualReview)
	if len(s.Errors) > 0 {
		reasonCode = s.Errors[0].Code
	}
	return &domain.ManualReview{
		ReasonCode: reasonCode,
		CreatedAt:  domain.NowISO(),
		Candidates: e.buildCandidates(s),
	}
}

func (e *Engine) buildCandidates(s *domain.RunState) *domain.ManualReviewCandidates {
	return &domain.ManualReviewCandidates{
		PDFs:      pdfCandidates(s),
		Customers: e.customerCandidates(s),
		Contacts:  contactCandidates(s),
	}
}

// pdfCandidates lists every PDF on the message. One is suggested only when
// there is exactly one PDF or a node pre-selected one.
func pdfCandidates(s *domain.RunState) []domain.PDFCandidate {
	pdfs := s.EmailEvent.PDFAttachments()
	out := make([]domain.PDFCandidate, 0, len(pdfs))
	for _, a := range pdfs {
		suggested := len(pdfs) == 1
		if s.PDFAttachment != nil {
			suggested = a.AttachmentID == s.PDFAttachment.AttachmentID
		}
		out = append(out, domain.PDFCandidate{
			AttachmentID: a.AttachmentID,
			Filename:     a.Filename,
			SHA256:       a.SHA256,
			SizeBytes:    a.SizeBytes,
			Suggested:    suggested,
		})
	}
	return out
}

// customerCandidates carries up to the top three scored customers. The
// matched customer is suggested only when the match cleared the score
// threshold on its own.
func (e *Engine) customerCandidates(s *domain.RunState) []domain.CustomerReviewCandidate {
	mc := s.MatchedCustomer
	if mc == nil {
		return nil
	}
	evidence := map[string]any{}
	if s.PDFAttachment != nil {
		evidence["filename_normalized"] = tools.NormalizeFilename(s.PDFAttachment.Filename)
	}

	candidates := mc.TopCandidates
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	out := make([]domain.CustomerReviewCandidate, 0, len(candidates))
	suggestedTaken := false
	for _, c := range candidates {
		suggested := false
		if !suggestedTaken && mc.OK && c.CustomerID == mc.CustomerID && c.Score >= e.deps.ScoreThreshold {
			suggested = true
			suggestedTaken = true
		}
		ev := map[string]any{"score": c.Score}
		for k, v := range evidence {
			ev[k] = v
		}
		out = append(out, domain.CustomerReviewCandidate{
			CustomerID:   c.CustomerID,
			CustomerNum:  c.CustomerNum,
			CustomerName: c.Name,
			Score:        c.Score,
			Evidence:     ev,
			Suggested:    suggested,
		})
	}
	return out
}

// contactCandidates offers the matched contact, or the matched customer's
// contacts with the sender's own address suggested.
func contactCandidates(s *domain.RunState) []domain.ContactCandidate {
	md := s.Masterdata()
	if md == nil {
		return nil
	}
	if s.MatchedContact != nil && s.MatchedContact.OK {
		contact := md.ContactByID(s.MatchedContact.ContactID)
		if contact == nil {
			return nil
		}
		return []domain.ContactCandidate{{
			ContactID:  contact.ContactID,
			Name:       contact.Name,
			Email:      contact.Email,
			Telephone:  contact.Telephone,
			CustomerID: contact.CustomerID,
			Suggested:  true,
		}}
	}

	if s.MatchedCustomer == nil || s.MatchedCustomer.CustomerID == "" {
		return nil
	}
	sender := s.EmailEvent.SenderID
	contacts := md.ContactsByCustomer(s.MatchedCustomer.CustomerID)
	out := make([]domain.ContactCandidate, 0, len(contacts))
	suggestedTaken := false
	for _, c := range contacts {
		suggested := false
		if !suggestedTaken && domain.NormalizeEmail(c.Email) == sender {
			suggested = true
			suggestedTaken = true
		}
		out = append(out, domain.ContactCandidate{
			ContactID:  c.ContactID,
			Name:       c.Name,
			Email:      c.Email,
			Telephone:  c.Telephone,
			CustomerID: c.CustomerID,
			Suggested:  suggested,
		})
	}
	return out
}

// redactedState produces a masked copy of the state for the durable run
// record. The checkpoint keeps the raw state; the run record is the
// operator-facing view.
func redactedState(s *domain.RunState) *domain.RunState {
	raw, err := json.Marshal(s)
	if err != nil {
		return s
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return s
	}
	masked, err := json.Marshal(redact.Map(m))
	if err != nil {
		return s
	}
	out := &domain.RunState{}
	if err := json.Unmarshal(masked, out); err != nil {
		return s
	}
	return out
}

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/logger"
	"github.com/mcsuite/mcs-orchestrator/internal/repository/postgres"
	"github.com/mcsuite/mcs-orchestrator/internal/tools"
)

// checkIdempotency sets the initial key and short-circuits when a prior run
// already produced a SUCCESS record for this message.
func (e *Engine) checkIdempotency(ctx context.Context, s *domain.RunState) (*Delta, error) {
	messageID := s.EmailEvent.MessageID
	delta := &Delta{IdempotencyKey: domain.IdempotencyKey(messageID, "", "")}

	if e.deps.Ledger == nil {
		return delta, nil
	}
	rec, err := e.deps.Ledger.GetSuccessByMessageID(ctx, messageID)
	if err != nil {
		if !errors.Is(err, postgres.ErrNotFound) {
			delta.Warnings = append(delta.Warnings,
				fmt.Sprintf("idempotency lookup failed: %v", err))
		}
		return delta, nil
	}

	logger.Info("graph: replaying prior success",
		"run_id", s.RunID, "message_id", messageID, "sales_order_no", rec.SalesOrderNo)
	delta.IdempotencyKey = rec.Key
	delta.KeyCanonical = true
	delta.ERPResult = &domain.ERPCreateOrderResult{
		OK:           true,
		SalesOrderNo: rec.SalesOrderNo,
		OrderURL:     rec.OrderURL,
	}
	delta.FinalStatus = domain.StatusSuccess
	delta.Warnings = append(delta.Warnings, "duplicate message: returned prior order result")
	return delta, nil
}

// loadMasterdata attaches the current snapshot. Unavailable master data is
// fatal for the run.
func (e *Engine) loadMasterdata(ctx context.Context, s *domain.RunState) (*Delta, error) {
	snap, err := e.deps.Masterdata.Snapshot(ctx)
	if err != nil {
		return nil, domain.NewError(domain.CodeMasterdataInvalid,
			"load master data: %v", err)
	}
	s.AttachMasterdata(snap)
	return &Delta{}, nil
}

func (e *Engine) matchContact(_ context.Context, s *domain.RunState) (*Delta, error) {
	md := s.Masterdata()
	if md == nil {
		return nil, domain.NewError(domain.CodeMasterdataInvalid, "no master data attached")
	}
	sender := s.EmailEvent.SenderID
	contact := md.ContactByEmail(sender)
	if contact == nil {
		reason := fmt.Sprintf("no contact found for sender %s", sender)
		return &Delta{
			MatchedContact: &domain.ContactMatchResult{
				OK:     false,
				Errors: []domain.ErrorInfo{{Code: domain.CodeContactNotFound, Reason: reason}},
			},
			Errors: []domain.ErrorInfo{{
				Code:    domain.CodeContactNotFound,
				Reason:  reason,
				Details: map[string]any{"sender_id": sender},
			}},
		}, nil
	}
	return &Delta{
		MatchedContact: &domain.ContactMatchResult{
			OK:         true,
			ContactID:  contact.ContactID,
			CustomerID: contact.CustomerID,
		},
	}, nil
}

// detectContractSignal decides whether the mail is a contract mail and
// selects the PDF to process. Under the strict policy the mail must carry a
// configured keyword and at least one PDF; the passthrough policy accepts
// every mail and only does the selection.
func (e *Engine) detectContractSignal(_ context.Context, s *domain.RunState) (*Delta, error) {
	delta := &Delta{}
	event := s.EmailEvent
	pdfs := event.PDFAttachments()

	if e.deps.SignalPolicy == "strict" {
		if !e.hasContractKeyword(event) || len(pdfs) == 0 {
			delta.ContractSignals = &domain.ContractSignalResult{OK: true, IsContractMail: false}
			delta.Warnings = append(delta.Warnings, "no contract signal: mail ignored")
			return delta, nil
		}
	}

	// Selection. A resume decision may have pre-selected the attachment.
	selected := s.PDFAttachment
	switch {
	case selected != nil:
	case len(pdfs) == 1:
		selected = &pdfs[0]
		delta.PDFAttachment = selected
	case len(pdfs) == 0:
		delta.ContractSignals = &domain.ContractSignalResult{OK: false, IsContractMail: true}
		delta.Errors = append(delta.Errors, domain.ErrorInfo{
			Code:   domain.CodePDFNotFound,
			Reason: "contract mail carries no PDF attachment",
		})
		return delta, nil
	default:
		delta.ContractSignals = &domain.ContractSignalResult{OK: false, IsContractMail: true}
		delta.Errors = append(delta.Errors, domain.ErrorInfo{
			Code:    domain.CodeMultiPDFAttachments,
			Reason:  fmt.Sprintf("%d PDF attachments require a human selection", len(pdfs)),
			Details: map[string]any{"pdf_count": len(pdfs)},
		})
		return delta, nil
	}

	delta.ContractSignals = &domain.ContractSignalResult{
		OK:              true,
		IsContractMail:  true,
		PDFAttachmentID: selected.AttachmentID,
	}

	if data, err := e.attachmentBytes(*selected); err == nil && len(data) > 0 {
		if _, err := tools.InspectPDF(data); err != nil {
			delta.Warnings = append(delta.Warnings,
				fmt.Sprintf("attachment %s failed PDF validation: %v", selected.Filename, err))
		}
	}
	return delta, nil
}

func (e *Engine) hasContractKeyword(event *domain.InboundMessage) bool {
	haystack := strings.ToLower(event.Subject + "\n" + event.BodyText)
	for _, kw := range e.deps.ContractKeywords {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// matchCustomer derives the customer from the matched contact, falling back
// to fuzzy filename matching against the customer register.
func (e *Engine) matchCustomer(_ context.Context, s *domain.RunState) (*Delta, error) {
	if s.MatchedCustomer != nil {
		// Already decided, typically by a manual-review patch.
		return &Delta{}, nil
	}
	md := s.Masterdata()
	if md == nil {
		return nil, domain.NewError(domain.CodeMasterdataInvalid, "no master data attached")
	}

	if s.MatchedContact != nil && s.MatchedContact.CustomerID != "" {
		if cust := md.CustomerByID(s.MatchedContact.CustomerID); cust != nil {
			return &Delta{
				MatchedCustomer: &domain.CustomerMatchResult{
					OK:         true,
					CustomerID: cust.CustomerID,
					Score:      100,
					TopCandidates: []domain.CustomerCandidate{{
						CustomerID:  cust.CustomerID,
						CustomerNum: cust.CustomerNum,
						Name:        cust.Name,
						Score:       100,
					}},
				},
			}, nil
		}
	}

	filename := ""
	if s.PDFAttachment != nil {
		filename = s.PDFAttachment.Filename
	}
	result := tools.MatchCustomerByFilename(filename, md.Customers, e.deps.ScoreThreshold)
	delta := &Delta{MatchedCustomer: result}
	if !result.OK {
		delta.Errors = append(delta.Errors, result.Errors...)
	}
	return delta, nil
}

// callDifyContract invokes the contract-recognition chat-flow on the
// uploaded PDF. The upload happens here when no earlier node performed it.
func (e *Engine) callDifyContract(ctx context.Context, s *domain.RunState) (*Delta, error) {
	delta := &Delta{}
	upload := s.FileUpload
	if upload == nil || !upload.OK {
		var err error
		upload, err = e.ensureUpload(ctx, s)
		if err != nil {
			return nil, err
		}
		delta.FileUpload = upload
		if !upload.OK {
			delta.Errors = append(delta.Errors, upload.Errors...)
			delta.ContractResult = &domain.ContractRecognitionResult{OK: false, Errors: upload.Errors}
			return delta, nil
		}
	}

	inputs := map[string]any{
		"file_url": upload.FileURL,
	}
	if s.MatchedCustomer != nil {
		inputs["customer_id"] = s.MatchedCustomer.CustomerID
		if md := s.Masterdata(); md != nil {
			if cust := md.CustomerByID(s.MatchedCustomer.CustomerID); cust != nil {
				inputs["customer_num"] = cust.CustomerNum
				inputs["customer_name"] = cust.Name
			}
		}
	}

	answer, err := e.deps.Contract.Chatflow(ctx,
		"Extract the contract line items from the attached purchase document.",
		s.RunID, inputs, []tools.DifyFile{tools.RemotePDF(upload.FileURL)})
	if err != nil {
		return nil, err
	}

	result := parseContractAnswer(answer)
	delta.ContractResult = result
	if !result.OK {
		delta.Errors = append(delta.Errors, result.Errors...)
	}
	return delta, nil
}

func parseContractAnswer(answer map[string]any) *domain.ContractRecognitionResult {
	result := &domain.ContractRecognitionResult{OK: asBool(answer["ok"])}
	if items, ok := answer["items"].([]any); ok {
		for _, it := range items {
			if m, ok := it.(map[string]any); ok {
				result.Items = append(result.Items, m)
			}
		}
	}
	if meta, ok := answer["contract_meta"].(map[string]any); ok {
		result.ContractMeta = meta
	}
	if raw, ok := answer["raw_answer"].(string); ok {
		result.RawAnswer = raw
	}
	if !result.OK {
		result.Errors = []domain.ErrorInfo{{
			Code:   domain.CodeDifyContractFailed,
			Reason: answerReason(answer, "contract recognition failed"),
		}}
	}
	return result
}

// callDifyOrderPayload invokes the order-payload chat-flow with customer,
// contact and recognized contract data.
func (e *Engine) callDifyOrderPayload(ctx context.Context, s *domain.RunState) (*Delta, error) {
	itemsJSON, _ := json.Marshal(s.ContractResult.Items)
	metaJSON, _ := json.Marshal(s.ContractResult.ContractMeta)
	inputs := map[string]any{
		"items":         string(itemsJSON),
		"contract_meta": string(metaJSON),
	}
	if s.MatchedCustomer != nil {
		inputs["customer_id"] = s.MatchedCustomer.CustomerID
	}
	if md := s.Masterdata(); md != nil && s.MatchedContact != nil && s.MatchedContact.ContactID != "" {
		if contact := md.ContactByID(s.MatchedContact.ContactID); contact != nil {
			inputs["contact_name"] = contact.Name
			inputs["contact_email"] = contact.Email
		}
	}

	answer, err := e.deps.OrderFlow.Chatflow(ctx,
		"Build the ERP sales order payload from the recognized contract.",
		s.RunID, inputs, nil)
	if err != nil {
		return nil, err
	}

	result := &domain.OrderPayloadResult{OK: asBool(answer["ok"])}
	if payload, ok := answer["order_payload"].(map[string]any); ok {
		result.OrderPayload = payload
	}
	if raw, ok := answer["raw_answer"].(string); ok {
		result.RawAnswer = raw
	}
	delta := &Delta{OrderPayload: result}
	if !result.OK {
		result.Errors = []domain.ErrorInfo{{
			Code:   domain.CodeDifyOrderPayloadBlocked,
			Reason: answerReason(answer, "order payload generation blocked"),
		}}
		delta.Errors = append(delta.Errors, result.Errors...)
	} else if result.OrderPayload == nil {
		result.OK = false
		result.Errors = []domain.ErrorInfo{{
			Code:   domain.CodeDifyOrderPayloadBlocked,
			Reason: "order payload missing from answer",
		}}
		delta.Errors = append(delta.Errors, result.Errors...)
	}
	return delta, nil
}

// callGateway submits the order. On acceptance it promotes the idempotency
// key to canonical form and writes the SUCCESS ledger record, making the
// submission at-most-once for this (message, file, customer) triple.
func (e *Engine) callGateway(ctx context.Context, s *domain.RunState) (*Delta, error) {
	result, err := e.deps.ERP.CreateOrder(ctx, s.OrderPayload.OrderPayload)
	if err != nil {
		return nil, err
	}

	delta := &Delta{ERPResult: result}
	if !result.OK {
		delta.Errors = append(delta.Errors, result.Errors...)
		return delta, nil
	}

	sha := e.fileSHA(s)
	customerID := ""
	if s.MatchedCustomer != nil {
		customerID = s.MatchedCustomer.CustomerID
	}
	if sha != "" && customerID != "" {
		key := domain.IdempotencyKey(s.EmailEvent.MessageID, sha, customerID)
		delta.IdempotencyKey = key
		delta.KeyCanonical = true
		if e.deps.Ledger != nil {
			rec := &domain.IdempotencyRecord{
				Key:        key,
				MessageID:  s.EmailEvent.MessageID,
				FileSHA256: sha,
				CustomerID: customerID,
				Status:     domain.StatusPending,
			}
			if err := e.deps.Ledger.Upsert(ctx, rec); err != nil {
				delta.Warnings = append(delta.Warnings,
					fmt.Sprintf("idempotency record write failed: %v", err))
			} else if _, err := e.deps.Ledger.MarkSuccess(ctx, key,
				result.SalesOrderNo, result.OrderURL); err != nil {
				delta.Warnings = append(delta.Warnings,
					fmt.Sprintf("idempotency success transition failed: %v", err))
			}
		}
	}
	return delta, nil
}

// uploadPDF persists the selected artifact, promotes the idempotency key
// and, when entered via resume, short-circuits on a prior SUCCESS before
// any LLM or ERP call is made.
func (e *Engine) uploadPDF(ctx context.Context, s *domain.RunState) (*Delta, error) {
	if s.PDFAttachment == nil {
		return &Delta{Errors: []domain.ErrorInfo{{
			Code:   domain.CodePDFNotFound,
			Reason: "no PDF attachment selected",
		}}}, nil
	}

	delta := &Delta{}
	upload := s.FileUpload
	if upload == nil || !upload.OK {
		var err error
		upload, err = e.ensureUpload(ctx, s)
		if err != nil {
			return nil, err
		}
		delta.FileUpload = upload
		if !upload.OK {
			delta.Errors = append(delta.Errors, upload.Errors...)
			return delta, nil
		}
	}

	customerID := ""
	if s.MatchedCustomer != nil {
		customerID = s.MatchedCustomer.CustomerID
	}
	if upload.SHA256 == "" || customerID == "" {
		return delta, nil
	}

	key := domain.IdempotencyKey(s.EmailEvent.MessageID, upload.SHA256, customerID)
	delta.IdempotencyKey = key
	delta.KeyCanonical = true

	if e.deps.Ledger == nil {
		return delta, nil
	}
	rec, err := e.deps.Ledger.Get(ctx, key)
	switch {
	case err == nil && rec.Status == domain.StatusSuccess:
		if s.ERPResult == nil {
			logger.Info("graph: short-circuit on prior success",
				"run_id", s.RunID, "idempotency_key", key, "sales_order_no", rec.SalesOrderNo)
			delta.ERPResult = &domain.ERPCreateOrderResult{
				OK:           true,
				SalesOrderNo: rec.SalesOrderNo,
				OrderURL:     rec.OrderURL,
			}
			delta.FinalStatus = domain.StatusSuccess
			delta.Warnings = append(delta.Warnings,
				"prior order found for this attachment and customer: skipped resubmission")
		}
	case err != nil && errors.Is(err, postgres.ErrNotFound):
		pending := &domain.IdempotencyRecord{
			Key:        key,
			MessageID:  s.EmailEvent.MessageID,
			FileSHA256: upload.SHA256,
			CustomerID: customerID,
			Status:     domain.StatusPending,
		}
		if err := e.deps.Ledger.Upsert(ctx, pending); err != nil {
			delta.Warnings = append(delta.Warnings,
				fmt.Sprintf("idempotency record write failed: %v", err))
		}
	case err != nil:
		delta.Warnings = append(delta.Warnings,
			fmt.Sprintf("idempotency lookup failed: %v", err))
	}
	return delta, nil
}

// notifySales emails the run outcome. Failures never fail the run.
func (e *Engine) notifySales(ctx context.Context, s *domain.RunState) (*Delta, error) {
	status := s.FinalStatus
	if status == "" {
		status = ResolveStatus(s)
	}

	delta := &Delta{}
	if status == domain.StatusManualReview && s.ManualReview == nil {
		delta.ManualReview = e.buildManualReview(s)
	}

	if e.deps.Notifier == nil {
		return delta, nil
	}
	// Let the email reference the candidates it announces.
	if delta.ManualReview != nil && s.ManualReview == nil {
		s.ManualReview = delta.ManualReview
	}
	if warning := e.deps.Notifier.Notify(ctx, s, status); warning != "" {
		delta.Warnings = append(delta.Warnings, warning)
	}
	return delta, nil
}

// finalize computes the terminal status, generates review candidates on
// pause, and writes the durable run record with a redacted state copy.
func (e *Engine) finalize(ctx context.Context, s *domain.RunState) (*Delta, error) {
	if s.FinalStatus == "" {
		s.FinalStatus = ResolveStatus(s)
	}
	if s.FinalStatus == domain.StatusManualReview && s.ManualReview == nil {
		s.ManualReview = e.buildManualReview(s)
	}
	if s.FinishedAt == "" {
		s.FinishedAt = domain.NowISO()
	}

	if e.deps.Runs != nil {
		run := &domain.Run{
			RunID:      s.RunID,
			MessageID:  s.EmailEvent.MessageID,
			Status:     s.FinalStatus,
			StartedAt:  s.StartedAt,
			FinishedAt: s.FinishedAt,
			State:      redactedState(s),
			Errors:     s.Errors,
			Warnings:   s.Warnings,
		}
		if err := e.deps.Runs.Update(ctx, run); err != nil {
			s.AddWarning(fmt.Sprintf("run record write failed: %v", err))
		}
	}

	logger.Info("graph: run finalized",
		"run_id", s.RunID, "status", string(s.FinalStatus), "errors", len(s.Errors))
	return &Delta{FinalStatus: s.FinalStatus}, nil
}

// ensureUpload reads the selected attachment's payload and uploads it to the
// blob store.
func (e *Engine) ensureUpload(ctx context.Context, s *domain.RunState) (*domain.FileUploadResult, error) {
	att := s.PDFAttachment
	if att == nil {
		return &domain.FileUploadResult{
			OK: false,
			Errors: []domain.ErrorInfo{{
				Code:   domain.CodePDFNotFound,
				Reason: "no PDF attachment selected",
			}},
		}, nil
	}
	data, err := e.attachmentBytes(*att)
	if err != nil || len(data) == 0 {
		reason := "attachment payload unavailable"
		if err != nil {
			reason = fmt.Sprintf("attachment payload unavailable: %v", err)
		}
		return &domain.FileUploadResult{
			OK: false,
			Errors: []domain.ErrorInfo{{
				Code:    domain.CodeFileUploadFailed,
				Reason:  reason,
				Details: map[string]any{"filename": att.Filename},
			}},
		}, nil
	}

	sha := att.SHA256
	if sha == "" {
		sha = tools.SHA256Hex(data)
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	return e.deps.Blob.Upload(ctx, data, att.Filename, contentType, sha), nil
}

func (e *Engine) attachmentBytes(att domain.Attachment) ([]byte, error) {
	if att.BytesB64 != "" {
		return att.Bytes()
	}
	if att.BlobPath != "" && e.deps.Blob != nil {
		return e.deps.Blob.Read(e.deps.BlobBaseDir, att.BlobPath)
	}
	return nil, nil
}

// fileSHA returns the hash of the selected artifact, preferring the upload
// result over the raw attachment metadata.
func (e *Engine) fileSHA(s *domain.RunState) string {
	if s.FileUpload != nil && s.FileUpload.SHA256 != "" {
		return s.FileUpload.SHA256
	}
	if s.PDFAttachment != nil {
		return s.PDFAttachment.SHA256
	}
	return ""
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func answerReason(answer map[string]any, fallback string) string {
	if reason, ok := answer["reason"].(string); ok && reason != "" {
		return reason
	}
	return fallback
}

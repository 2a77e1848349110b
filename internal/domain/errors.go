package domain

import "fmt"

// Error codes surfaced in ErrorInfo entries and API failure envelopes.
const (
	// Input / validation
	CodeContactNotFound       = "CONTACT_NOT_FOUND"
	CodeNotContractMail       = "NOT_CONTRACT_MAIL"
	CodePDFNotFound           = "PDF_NOT_FOUND"
	CodeMultiPDFAttachments   = "MULTI_PDF_ATTACHMENTS"
	CodeCustomerMatchLowScore = "CUSTOMER_MATCH_LOW_SCORE"
	CodeMultiCustomer         = "MULTI_CUSTOMER_AMBIGUOUS"
	CodeCustomerContactMism   = "CUSTOMER_CONTACT_MISMATCH"
	CodeInvalidDecision       = "INVALID_DECISION"

	// Authorization
	CodePermissionDenied      = "PERMISSION_DENIED"
	CodeRunNotInManualReview  = "RUN_NOT_IN_MANUAL_REVIEW"
	CodeRunNotFound           = "RUN_NOT_FOUND"

	// External services
	CodeFileUploadFailed        = "FILE_UPLOAD_FAILED"
	CodeDifyContractFailed      = "DIFY_CONTRACT_FAILED"
	CodeDifyOrderPayloadBlocked = "DIFY_ORDER_PAYLOAD_BLOCKED"
	CodeERPAuthFailed           = "ERP_AUTH_FAILED"
	CodeERPConnectionFailed     = "ERP_CONNECTION_FAILED"
	CodeERPInvalidResponse      = "ERP_INVALID_RESPONSE"
	CodeERPCreateFailed         = "ERP_CREATE_FAILED"

	// Data
	CodeMasterdataInvalid = "MASTERDATA_INVALID"
	CodeDatabaseError     = "DATABASE_ERROR"
	CodeDuplicateEntry    = "DUPLICATE_ENTRY"

	// Resume
	CodeInvalidResumeNode = "INVALID_RESUME_NODE"
	CodeStateNotFound     = "STATE_NOT_FOUND"
	CodeResumeFailed      = "RESUME_FAILED"
)

// ErrorInfo is a structured error entry accumulated on run state.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// OrchestratorError is a coded error for failures that must surface to the
// caller as structured responses rather than opaque 500s.
type OrchestratorError struct {
	Code   string
	Reason string
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// NewError creates a coded orchestrator error.
func NewError(code, format string, args ...any) *OrchestratorError {
	return &OrchestratorError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Package graph implements the sales-email orchestration state machine: a
// fixed set of named nodes, conditional edges expressed as pure functions of
// run state, sparse per-node deltas merged with keep-first semantics, and
// checkpointing at every step boundary so a paused run can resume at a
// precise node.
package graph

import "github.com/mcsuite/mcs-orchestrator/internal/domain"

// Node names. These are stable identifiers: they appear in checkpoints,
// audit events and the manual-review resume protocol.
const (
	NodeCheckIdempotency     = "check_idempotency"
	NodeLoadMasterdata       = "load_masterdata"
	NodeMatchContact         = "match_contact"
	NodeDetectContractSignal = "detect_contract_signal"
	NodeMatchCustomer        = "match_customer"
	NodeCallDifyContract     = "call_dify_contract"
	NodeCallDifyOrderPayload = "call_dify_order_payload"
	NodeCallGateway          = "call_gateway"
	NodeUploadPDF            = "upload_pdf"
	NodeNotifySales          = "notify_sales"
	NodeFinalize             = "finalize"
)

// resumeWhitelist is the set of nodes a manual-review decision may re-enter.
var resumeWhitelist = map[string]bool{
	NodeMatchCustomer:        true,
	NodeUploadPDF:            true,
	NodeCallDifyContract:     true,
	NodeCallDifyOrderPayload: true,
	NodeCallGateway:          true,
}

// AllowedResumeNode reports whether a node may serve as a resume entry.
func AllowedResumeNode(node string) bool { return resumeWhitelist[node] }

// route returns the next node after the given one, based only on the merged
// state. Pure routing keeps resume deterministic.
func route(node string, s *domain.RunState) string {
	switch node {
	case NodeCheckIdempotency:
		if s.FinalStatus != "" {
			return NodeFinalize
		}
		return NodeLoadMasterdata
	case NodeLoadMasterdata:
		return NodeMatchContact
	case NodeMatchContact:
		if s.MatchedContact == nil || !s.MatchedContact.OK {
			return NodeNotifySales
		}
		return NodeDetectContractSignal
	case NodeDetectContractSignal:
		if s.ContractSignals == nil || !s.ContractSignals.IsContractMail {
			return NodeFinalize
		}
		if s.PDFAttachment == nil {
			// Contract mail, but no usable attachment selection (multiple
			// PDFs or none). Finalize decides between review and failure.
			return NodeFinalize
		}
		return NodeMatchCustomer
	case NodeMatchCustomer:
		if s.MatchedCustomer == nil || !s.MatchedCustomer.OK {
			return NodeFinalize
		}
		return NodeCallDifyContract
	case NodeCallDifyContract:
		if s.ContractResult == nil || !s.ContractResult.OK {
			return NodeFinalize
		}
		return NodeCallDifyOrderPayload
	case NodeCallDifyOrderPayload:
		if s.OrderPayload == nil || !s.OrderPayload.OK {
			return NodeFinalize
		}
		return NodeCallGateway
	case NodeCallGateway:
		if s.ERPResult == nil || !s.ERPResult.OK {
			return NodeNotifySales
		}
		return NodeUploadPDF
	case NodeUploadPDF:
		if s.FinalStatus != "" {
			// Short-circuit: a prior run already succeeded for this key.
			return NodeFinalize
		}
		if s.ERPResult != nil {
			return NodeNotifySales
		}
		if s.FileUpload != nil && !s.FileUpload.OK {
			return NodeFinalize
		}
		// Resume entry: the artifact is uploaded, the LLM leg is still
		// ahead of us.
		return NodeCallDifyContract
	case NodeNotifySales:
		return NodeFinalize
	case NodeFinalize:
		return ""
	}
	return NodeFinalize
}

// ResolveStatus computes the terminal status from accumulated state. First
// matching rule wins.
func ResolveStatus(s *domain.RunState) domain.Status {
	switch {
	case s.ERPResult != nil && s.ERPResult.OK:
		return domain.StatusSuccess
	case s.MatchedContact != nil && !s.MatchedContact.OK:
		return domain.StatusUnknownContact
	case s.ContractSignals != nil && !s.ContractSignals.IsContractMail:
		return domain.StatusIgnored
	case s.ContractResult != nil && !s.ContractResult.OK:
		return domain.StatusContractParseFailed
	case s.OrderPayload != nil && !s.OrderPayload.OK:
		return domain.StatusOrderPayloadBlocked
	case s.ERPResult != nil && !s.ERPResult.OK:
		return domain.StatusERPOrderFailed
	}
	return domain.StatusManualReview
}

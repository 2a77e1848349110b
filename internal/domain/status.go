// Package domain holds the shared types of the sales-email orchestration
// pipeline: inbound messages, step results, run state, and the persisted
// record shapes. Everything here is serialization-stable; the JSON field
// names are part of the checkpoint and API contracts.
package domain

import "time"

// Status is the terminal (or in-flight) status of an orchestration run.
type Status string

const (
	StatusIgnored             Status = "IGNORED"
	StatusUnknownContact      Status = "UNKNOWN_CONTACT"
	StatusManualReview        Status = "MANUAL_REVIEW"
	StatusContractParseFailed Status = "CONTRACT_PARSE_FAILED"
	StatusOrderPayloadBlocked Status = "ORDER_PAYLOAD_BLOCKED"
	StatusERPOrderFailed      Status = "ERP_ORDER_FAILED"
	StatusSuccess             Status = "SUCCESS"
	StatusPending             Status = "PENDING"
	StatusFailed              Status = "FAILED"
	StatusRunning             Status = "RUNNING"
)

// Terminal reports whether the status ends a run. MANUAL_REVIEW is terminal
// for the run invocation but the run itself stays resumable.
func (s Status) Terminal() bool {
	switch s {
	case StatusPending, StatusRunning, "":
		return false
	}
	return true
}

// NowISO returns the current UTC time in RFC 3339 format. All timestamps in
// run state and persisted records use this format.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

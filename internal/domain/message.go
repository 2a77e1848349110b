package domain

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Channel identifies the ingestion channel a message arrived on.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelIM      Channel = "im"
	ChannelWebhook Channel = "webhook"
)

// MaxAttachmentSize is the hard cap on a single attachment payload.
const MaxAttachmentSize = 50 * 1024 * 1024 // 50 MiB

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Attachment is a single file carried by an inbound message. The payload is
// either inline (BytesB64) or referenced by a blob path; adapters hash
// payloads at fetch time.
type Attachment struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256,omitempty"`
	BytesB64     string `json:"bytes_b64,omitempty"`
	BlobPath     string `json:"blob_path,omitempty"`
}

// IsPDF reports whether the attachment looks like a PDF by content type or
// filename extension.
func (a Attachment) IsPDF() bool {
	if a.ContentType == "application/pdf" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(a.Filename), ".pdf")
}

// Validate checks the size cap and the SHA-256 format.
func (a Attachment) Validate() error {
	if a.SizeBytes > MaxAttachmentSize {
		return NewError(CodeInvalidDecision,
			"attachment %s exceeds maximum size of %d bytes", a.Filename, MaxAttachmentSize)
	}
	if a.SHA256 != "" && !sha256Hex.MatchString(a.SHA256) {
		return NewError(CodeInvalidDecision,
			"attachment %s has malformed sha256", a.Filename)
	}
	return nil
}

// Bytes decodes the inline payload. Attachments whose payload lives in the
// blob store return nil; callers read those through the store by BlobPath.
func (a Attachment) Bytes() ([]byte, error) {
	if a.BytesB64 == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(a.BytesB64)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s payload: %w", a.Filename, err)
	}
	return data, nil
}

// InboundMessage is the canonical, channel-agnostic unit produced by channel
// adapters and consumed (at most once) by the ingestion scheduler.
type InboundMessage struct {
	Channel     Channel      `json:"channel"`
	Provider    string       `json:"provider"`
	Account     string       `json:"account"`
	ExternalUID string       `json:"external_uid"`
	MessageID   string       `json:"message_id"`
	SenderID    string       `json:"sender_id"`
	Recipients  []string     `json:"recipients,omitempty"`
	CC          []string     `json:"cc,omitempty"`
	Subject     string       `json:"subject"`
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html,omitempty"`
	ReceivedAt  string       `json:"received_at"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Normalize canonicalizes the message in place: message ID brackets stripped,
// sender and recipient addresses lowercased and trimmed.
func (m *InboundMessage) Normalize() {
	m.MessageID = NormalizeMessageID(m.MessageID)
	m.SenderID = NormalizeEmail(m.SenderID)
	for i, r := range m.Recipients {
		m.Recipients[i] = NormalizeEmail(r)
	}
	for i, c := range m.CC {
		m.CC[i] = NormalizeEmail(c)
	}
}

// Validate checks required fields and every attachment.
func (m *InboundMessage) Validate() error {
	if m.MessageID == "" {
		return NewError(CodeInvalidDecision, "message_id is required")
	}
	if m.SenderID == "" {
		return NewError(CodeInvalidDecision, "sender_id is required")
	}
	for _, a := range m.Attachments {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PDFAttachments returns the attachments that look like PDFs, in order.
func (m *InboundMessage) PDFAttachments() []Attachment {
	var out []Attachment
	for _, a := range m.Attachments {
		if a.IsPDF() {
			out = append(out, a)
		}
	}
	return out
}

// FindAttachment returns the attachment with the given ID, if present.
func (m *InboundMessage) FindAttachment(attachmentID string) (Attachment, bool) {
	for _, a := range m.Attachments {
		if a.AttachmentID == attachmentID {
			return a, true
		}
	}
	return Attachment{}, false
}

// NormalizeMessageID strips surrounding whitespace and one layer of RFC 5322
// angle brackets. Idempotent: applying it twice equals applying it once.
func NormalizeMessageID(messageID string) string {
	s := strings.TrimSpace(messageID)
	if len(s) >= 2 && strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IdempotencyKey derives the canonical content-addressed key for the
// (message, file, customer) triple. Components that are not yet known are
// passed as empty strings; the key is promoted to canonical form only once
// all three are present.
func IdempotencyKey(messageID, fileSHA256, customerID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", messageID, fileSHA256, customerID)))
	return hex.EncodeToString(sum[:])
}

package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

type fakeSender struct {
	from    string
	to      []string
	subject string
	body    string
	sent    int
	err     error
}

func (f *fakeSender) Send(_ context.Context, from string, to []string, subject, htmlBody string) error {
	f.from, f.to, f.subject, f.body = from, to, subject, htmlBody
	f.sent++
	return f.err
}

func notifierState() *domain.RunState {
	return &domain.RunState{
		RunID: "run-1",
		EmailEvent: &domain.InboundMessage{
			MessageID: "<msg-1@example.com>",
			SenderID:  "buyer@acme.example.com",
		},
	}
}

func TestNotifySuccess(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, "noreply@mcs.example.com", "sales@mcs.example.com")

	state := notifierState()
	state.ERPResult = &domain.ERPCreateOrderResult{
		OK:           true,
		SalesOrderNo: "SO-2026-0815",
		OrderURL:     "https://erp.example.com/orders/SO-2026-0815",
	}

	warning := n.Notify(context.Background(), state, domain.StatusSuccess)
	assert.Empty(t, warning)
	require.Equal(t, 1, sender.sent)
	assert.Equal(t, []string{"buyer@acme.example.com", "sales@mcs.example.com"}, sender.to)
	assert.Contains(t, sender.body, "SO-2026-0815")
	assert.Contains(t, sender.body, "https://erp.example.com/orders/SO-2026-0815")
	assert.Contains(t, sender.subject, "SUCCESS")
}

func TestNotifyManualReviewListsErrors(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, "noreply@mcs.example.com", "sales@mcs.example.com")

	state := notifierState()
	state.Errors = []domain.ErrorInfo{
		{Code: domain.CodeCustomerMatchLowScore, Reason: "No customer match found above threshold"},
	}

	warning := n.Notify(context.Background(), state, domain.StatusManualReview)
	assert.Empty(t, warning)
	require.Equal(t, 1, sender.sent)
	assert.Contains(t, sender.body, domain.CodeCustomerMatchLowScore)
	assert.Contains(t, sender.body, "No customer match found above threshold")
}

func TestNotifyIgnoredSendsNothing(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, "noreply@mcs.example.com", "sales@mcs.example.com")

	warning := n.Notify(context.Background(), notifierState(), domain.StatusIgnored)
	assert.Empty(t, warning)
	assert.Equal(t, 0, sender.sent)
}

func TestNotifySendFailureIsWarning(t *testing.T) {
	sender := &fakeSender{err: errors.New("smtp down")}
	n := NewNotifier(sender, "noreply@mcs.example.com", "sales@mcs.example.com")

	warning := n.Notify(context.Background(), notifierState(), domain.StatusERPOrderFailed)
	assert.Contains(t, warning, "smtp down")
}

func TestNotifyNoRecipients(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, "noreply@mcs.example.com", "")

	state := notifierState()
	state.EmailEvent.SenderID = ""

	warning := n.Notify(context.Background(), state, domain.StatusERPOrderFailed)
	assert.NotEmpty(t, warning)
	assert.Equal(t, 0, sender.sent)
}

package listener

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

// WebhookAdapter buffers pushed messages so webhook delivery flows through
// the same sweep pipeline as polled channels: the HTTP handler enqueues, the
// scheduler drains.
type WebhookAdapter struct {
	mu      sync.Mutex
	pending map[string]*domain.InboundMessage
	order   []string
}

// NewWebhookAdapter creates an empty webhook buffer.
func NewWebhookAdapter() *WebhookAdapter {
	return &WebhookAdapter{pending: map[string]*domain.InboundMessage{}}
}

// ChannelType identifies pushed messages as the webhook channel.
func (a *WebhookAdapter) ChannelType() domain.Channel { return domain.ChannelWebhook }

// Connect is a no-op; webhook delivery has no session.
func (a *WebhookAdapter) Connect(context.Context) error { return nil }

// Disconnect is a no-op.
func (a *WebhookAdapter) Disconnect() error { return nil }

// Enqueue normalizes and buffers a pushed message, returning its UID.
func (a *WebhookAdapter) Enqueue(msg *domain.InboundMessage) (string, error) {
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if msg.Channel == "" {
		msg.Channel = domain.ChannelWebhook
	}
	if msg.ExternalUID == "" {
		msg.ExternalUID = uuid.New().String()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[msg.ExternalUID]; !ok {
		a.order = append(a.order, msg.ExternalUID)
	}
	a.pending[msg.ExternalUID] = msg
	return msg.ExternalUID, nil
}

// PollNewMessageIDs returns the buffered UIDs in arrival order.
func (a *WebhookAdapter) PollNewMessageIDs(context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out, nil
}

// FetchMessage returns a buffered message by UID.
func (a *WebhookAdapter) FetchMessage(_ context.Context, externalUID string) (*domain.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg, ok := a.pending[externalUID]
	if !ok {
		return nil, fmt.Errorf("webhook: no pending message %s", externalUID)
	}
	return msg, nil
}

// MarkProcessed drops the buffered message.
func (a *WebhookAdapter) MarkProcessed(_ context.Context, externalUID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, externalUID)
	for i, uid := range a.order {
		if uid == externalUID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return nil
}

// Pending reports the number of buffered messages.
func (a *WebhookAdapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Package listener ingests messages from provider channels and hands them
// to the orchestration service. Adapters normalize provider payloads to the
// canonical InboundMessage; the scheduler owns polling, whitelisting,
// de-duplication and attachment spooling.
package listener

import (
	"context"

	"github.com/mcsuite/mcs-orchestrator/internal/domain"
)

// Adapter is one ingestion channel. Implementations return messages already
// normalized (message ID brackets stripped, addresses lowercased) with
// attachment payloads fetched and hashed.
type Adapter interface {
	// ChannelType names the channel for ledger rows and metrics.
	ChannelType() domain.Channel
	// Connect establishes or refreshes the provider session.
	Connect(ctx context.Context) error
	// Disconnect releases the provider session.
	Disconnect() error
	// PollNewMessageIDs returns provider UIDs not yet marked processed.
	PollNewMessageIDs(ctx context.Context) ([]string, error)
	// FetchMessage downloads and canonicalizes one message by provider UID.
	FetchMessage(ctx context.Context, externalUID string) (*domain.InboundMessage, error)
	// MarkProcessed marks the message read/handled on the provider side.
	MarkProcessed(ctx context.Context, externalUID string) error
}

// Package provider defines the contract every mail backend implements,
// the error taxonomy that crosses the adapter boundary, and the session
// state machine shared by all adapters.
package provider

import (
	"context"

	"github.com/nhle/mailgateway/internal/model"
)

// RotateFunc persists tokens produced by a silent refresh. Adapters call it
// before the refreshed session is used.
type RotateFunc func(ctx context.Context, tokens model.TokenSet) error

// Factory builds an adapter for one stored credential.
type Factory func(cred model.Credential, rotate RotateFunc) (Adapter, error)

// Adapter defines the operations every mail backend integration must implement.
type Adapter interface {
	// Provider returns the provider type identifier.
	Provider() model.ProviderType

	// State returns the current session state.
	State() State

	// Authenticate establishes or validates a live session. OAuth adapters
	// refresh an expired access token; IMAP/SMTP performs a handshake.
	Authenticate(ctx context.Context) error

	// ListMessages returns up to max messages matching q, newest first.
	// Messages that fail to parse are skipped and logged.
	ListMessages(
		ctx context.Context,
		q Query,
		max int,
	) ([]model.NormalizedMessage, error)

	// GetMessage fetches one message by provider id.
	GetMessage(ctx context.Context, id string) (*model.NormalizedMessage, error)

	// GetAttachment downloads one attachment completely. A partial buffer
	// is never returned.
	GetAttachment(
		ctx context.Context,
		messageID string,
		attachmentID string,
	) (*model.AttachmentContent, error)

	// SendMessage sends msg and returns the provider's identifiers for it.
	SendMessage(ctx context.Context, msg model.OutboundMessage) (*model.SendResult, error)

	// MarkRead marks a message read. Marking a read message is a no-op.
	MarkRead(ctx context.Context, id string) error

	// MaxAttachmentBytes is the total attachment ceiling for one send.
	MaxAttachmentBytes() int64

	// Close releases any held connections.
	Close() error
}

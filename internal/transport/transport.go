// Package transport abstracts the chat transport the bot answers through.
// The transport has a hard per-message length ceiling, so long answers are
// delivered as multiple messages and the in-progress one is edited in place.
package transport

import (
	"context"
	"errors"
)

// ErrNotModified is returned by Edit when the transport reports the message
// content as unchanged. Callers treat it as a successful no-op.
var ErrNotModified = errors.New("transport: message not modified")

// ErrBadFormatting is returned when the transport rejects the formatted
// text, typically because streaming truncated a markup token mid-way.
// Callers recover by resending the same text unformatted.
var ErrBadFormatting = errors.New("transport: cannot parse formatted text")

// MessageRef identifies a delivered message for later in-place edits.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// Transport sends and edits outgoing messages.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string, formatted bool) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string, formatted bool) error
	// SendTyping shows a "typing" progress indicator. Fire-and-forget:
	// failures are logged, never surfaced.
	SendTyping(ctx context.Context, chatID int64)
}

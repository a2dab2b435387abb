package repository

import (
	"context"
	"time"

	"chat-relay/bot/internal/model"
)

// Repository defines the interface for conversation and balance storage.
// Two implementations exist: SQLite for single-node deployments and Redis
// for setups that already run one.
type Repository interface {
	GetConversation(ctx context.Context, conversationID int64) (*model.Conversation, error)
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	SetMode(ctx context.Context, conversationID int64, mode string) error
	TouchActivity(ctx context.Context, conversationID int64, at time.Time) error
	// Reset clears the conversation's history and sets its mode. Calling it
	// on an already-empty conversation is a no-op with the same outcome.
	Reset(ctx context.Context, conversationID int64, mode string) error

	GetTurns(ctx context.Context, conversationID int64) ([]model.Turn, error)
	// PushTurn appends a turn and evicts the oldest ones beyond maxRetained.
	PushTurn(ctx context.Context, conversationID int64, turn *model.Turn, maxRetained int) error
	// PopLastTurn removes and returns the newest turn, or ErrNotFound when
	// the history is empty.
	PopLastTurn(ctx context.Context, conversationID int64) (*model.Turn, error)

	GetOrCreateUser(ctx context.Context, userID int64, username string, initialBalance int) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (int, error)
	Deduct(ctx context.Context, userID int64, amount int) error
}

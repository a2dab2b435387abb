package errors

import "errors"

// This package defines a centralized set of sentinel errors for the bot.
// Services return these recognizable errors instead of transport- or
// database-specific ones, and callers branch on them with `errors.Is()`.

var (
	// ErrNotFound signifies that a requested resource (conversation, user,
	// chat mode) could not be located.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation signifies that an inbound payload failed validation.
	ErrValidation = errors.New("validation failed")

	// ErrContextOverflow signifies that the new user message alone does not
	// fit the token budget, with no history left to drop. Fatal for the turn.
	ErrContextOverflow = errors.New("message does not fit the context window")

	// ErrRateLimited signifies that a conversation is over its new-turn
	// ceiling. Not a failure; the turn is simply refused for now.
	ErrRateLimited = errors.New("conversation is rate limited")

	// ErrInsufficientBalance signifies that the user has no tokens left to
	// spend on a completion.
	ErrInsufficientBalance = errors.New("insufficient token balance")

	// ErrInternal signifies an unexpected error. Used to avoid leaking
	// implementation details in user-visible notices.
	ErrInternal = errors.New("internal error")
)

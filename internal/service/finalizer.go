package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chat-relay/bot/internal/config"
	"chat-relay/bot/internal/model"
	"chat-relay/bot/internal/repository"
)

// Finalizer closes out a completed turn: it persists the turn, refreshes the
// conversation's activity timestamp, and deducts the token cost from the
// user's balance. Deduction is strictly the last step, so a failure anywhere
// earlier in the pipeline never charges the user.
type Finalizer struct {
	repo        repository.Repository
	maxRetained int
}

func NewFinalizer(repo repository.Repository, maxRetained int) *Finalizer {
	return &Finalizer{repo: repo, maxRetained: maxRetained}
}

// Finalize must only be called with a non-empty bot answer and a known token
// count. Stateless modes skip turn persistence but still touch activity and
// still pay for the tokens.
func (f *Finalizer) Finalize(
	ctx context.Context,
	conv *model.Conversation,
	mode config.ChatMode,
	userText, botText string,
	tokensUsed int,
) (*model.Turn, error) {
	if botText == "" {
		return nil, fmt.Errorf("refusing to finalize a turn with an empty answer")
	}

	turn := &model.Turn{
		ID:         uuid.NewString(),
		UserText:   userText,
		BotText:    botText,
		Timestamp:  time.Now().UTC(),
		TokensUsed: tokensUsed,
	}

	if mode.Stateless {
		if err := f.repo.TouchActivity(ctx, conv.ID, turn.Timestamp); err != nil {
			return nil, fmt.Errorf("could not touch activity: %w", err)
		}
	} else {
		if err := f.repo.PushTurn(ctx, conv.ID, turn, f.maxRetained); err != nil {
			return nil, fmt.Errorf("could not persist turn: %w", err)
		}
	}

	if err := f.repo.Deduct(ctx, conv.UserID, tokensUsed); err != nil {
		return turn, fmt.Errorf("could not deduct tokens: %w", err)
	}
	return turn, nil
}

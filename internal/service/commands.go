package service

import (
	"context"
	"errors"
	"fmt"

	app_errors "chat-relay/bot/internal/errors"
	"chat-relay/bot/internal/repository"
)

// Command handlers. Menu rendering lives outside the core; these only carry
// the dialog-engine side effects and their confirmation notices.

// NewDialog clears the conversation's history and greets the user with the
// current mode's welcome message.
func (s *DialogService) NewDialog(ctx context.Context, msg *IncomingMessage) error {
	conv, err := s.getOrCreateConversation(ctx, msg)
	if err != nil {
		return err
	}
	if err := s.repo.Reset(ctx, conv.ID, conv.Mode); err != nil {
		return fmt.Errorf("could not reset dialog: %w", err)
	}

	s.notify(ctx, msg.ConversationID, noticeNewDialog)
	if mode, err := s.modes.Get(conv.Mode); err == nil && mode.WelcomeMessage != "" {
		s.notify(ctx, msg.ConversationID, mode.WelcomeMessage)
	}
	return nil
}

// SetMode switches the conversation to another chat mode and starts a fresh
// dialog in it. Unknown modes are rejected.
func (s *DialogService) SetMode(ctx context.Context, msg *IncomingMessage, modeKey string) error {
	mode, err := s.modes.Get(modeKey)
	if err != nil {
		return err
	}

	conv, err := s.getOrCreateConversation(ctx, msg)
	if err != nil {
		return err
	}
	if err := s.repo.Reset(ctx, conv.ID, mode.Key); err != nil {
		return fmt.Errorf("could not switch mode: %w", err)
	}

	s.notify(ctx, msg.ConversationID, fmt.Sprintf("<b>%s</b> chat mode is set", mode.Name))
	if mode.WelcomeMessage != "" {
		s.notify(ctx, msg.ConversationID, mode.WelcomeMessage)
	}
	return nil
}

// RetryLastTurn removes the newest turn from the history and replays its
// user message, skipping the idle-timeout check so the replay lands in the
// same dialog.
func (s *DialogService) RetryLastTurn(ctx context.Context, msg *IncomingMessage) error {
	last, err := s.repo.PopLastTurn(ctx, msg.ConversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.notify(ctx, msg.ConversationID, noticeNoRetry)
			return nil
		}
		return fmt.Errorf("could not pop last turn: %w", err)
	}

	replay := *msg
	replay.Text = last.UserText
	replay.skipIdleCheck = true
	return s.HandleUserTurn(ctx, &replay)
}

// ShowBalance sends the user's remaining token balance.
func (s *DialogService) ShowBalance(ctx context.Context, msg *IncomingMessage) error {
	balance, err := s.repo.GetBalance(ctx, msg.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: user %d", app_errors.ErrNotFound, msg.UserID)
		}
		return err
	}
	s.notify(ctx, msg.ConversationID, fmt.Sprintf("You have <b>%d</b> tokens left", balance))
	return nil
}

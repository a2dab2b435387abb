package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chat-relay/bot/internal/config"
	app_errors "chat-relay/bot/internal/errors"
	"chat-relay/bot/internal/llm"
	"chat-relay/bot/internal/model"
	"chat-relay/bot/internal/prompt"
	"chat-relay/bot/internal/ratelimit"
	"chat-relay/bot/internal/repository"
	"chat-relay/bot/internal/stream"
	"chat-relay/bot/internal/token"
	"chat-relay/bot/internal/transport"
)

// Turn pipeline states, logged on every transition.
type turnState string

const (
	stateIdle            turnState = "idle"
	stateBuildingContext turnState = "building_context"
	stateStreaming       turnState = "streaming"
	stateFinalizing      turnState = "finalizing"
	stateError           turnState = "error"
)

// IncomingMessage is one user turn as the ingress layer hands it over.
type IncomingMessage struct {
	ConversationID int64
	UserID         int64
	Username       string
	Kind           string
	Text           string
	// skipIdleCheck suppresses the idle-timeout reset; set when replaying a
	// turn via retry.
	skipIdleCheck bool
}

// DialogService orchestrates one streamed completion turn per incoming user
// message: it builds a token-bounded context, drives the stream, maps deltas
// onto outgoing messages, and finalizes the turn's accounting.
type DialogService struct {
	repo         repository.Repository
	llm          llm.CompletionProvider
	tr           transport.Transport
	counter      *token.Counter
	builder      *prompt.Builder
	flushLimiter *ratelimit.FlushLimiter
	turnLimiter  *ratelimit.TurnLimiter
	modes        *config.ModeCatalog
	cfg          *config.Config
	finalizer    *Finalizer

	// turnSeq assigns a sequence number per conversation. A turn that is no
	// longer the conversation's newest is abandoned at finalization time:
	// its output stays on screen but nothing is persisted or charged.
	mu      sync.Mutex
	turnSeq map[int64]uint64
}

func NewDialogService(
	repo repository.Repository,
	provider llm.CompletionProvider,
	tr transport.Transport,
	modes *config.ModeCatalog,
	cfg *config.Config,
) *DialogService {
	counter := token.NewCounter()
	return &DialogService{
		repo:    repo,
		llm:     provider,
		tr:      tr,
		counter: counter,
		builder: prompt.NewBuilder(counter, cfg.MinGenerationTokens),
		flushLimiter: ratelimit.NewFlushLimiter(cfg.RateWindow(), map[string]int{
			model.KindPrivate: cfg.RateCeilingPrivate,
			model.KindGroup:   cfg.RateCeilingGroup,
		}),
		turnLimiter: ratelimit.NewTurnLimiter(cfg.TurnsPerMinute),
		modes:       modes,
		cfg:         cfg,
		finalizer:   NewFinalizer(repo, cfg.MaxRetainedTurns),
		turnSeq:     make(map[int64]uint64),
	}
}

// HandleUserTurn processes one user message end to end. All recoverable
// conditions are absorbed inside; the returned error reports unrecoverable
// ones after the user has already been notified.
func (s *DialogService) HandleUserTurn(ctx context.Context, msg *IncomingMessage) error {
	log := slog.With("conversation_id", msg.ConversationID, "user_id", msg.UserID)
	seq := s.beginTurn(msg.ConversationID)

	// The new-turn ceiling is checked before any work happens; a refused
	// turn short-circuits straight back to idle.
	if !s.turnLimiter.Allow(msg.ConversationID) {
		log.Info("Turn refused by rate limiter")
		s.notify(ctx, msg.ConversationID, noticePleaseWait)
		return app_errors.ErrRateLimited
	}

	user, err := s.repo.GetOrCreateUser(ctx, msg.UserID, msg.Username, s.cfg.FreeQuota)
	if err != nil {
		return fmt.Errorf("could not load user: %w", err)
	}
	conv, err := s.getOrCreateConversation(ctx, msg)
	if err != nil {
		return fmt.Errorf("could not load conversation: %w", err)
	}

	mode, err := s.modes.Get(conv.Mode)
	if err != nil {
		// A mode removed from the catalog falls back to the default rather
		// than stranding the conversation.
		mode = s.modes.Default()
	}

	log.Info("Turn started", "state", stateBuildingContext, "mode", mode.Key)

	if !msg.skipIdleCheck && !mode.Stateless {
		if s.idleTimedOut(conv) {
			if err := s.repo.Reset(ctx, conv.ID, conv.Mode); err != nil {
				return fmt.Errorf("could not reset dialog: %w", err)
			}
			s.notify(ctx, msg.ConversationID, noticeTimeoutReset)
		}
	}

	if user.Balance <= 0 {
		s.notify(ctx, msg.ConversationID, fmt.Sprintf(noticeInsufficientBalance, user.Balance))
		return app_errors.ErrInsufficientBalance
	}

	s.tr.SendTyping(ctx, msg.ConversationID)

	var history []model.Turn
	if !mode.Stateless {
		history, err = s.repo.GetTurns(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("could not load history: %w", err)
		}
	}

	budget := s.cfg.TokenBudget
	if mode.TokenBudget > 0 {
		budget = mode.TokenBudget
	}

	result, err := s.streamTurn(ctx, log, msg, mode, history, budget)
	if err != nil {
		return err
	}

	if result.dropped > 0 {
		s.notify(ctx, msg.ConversationID, droppedNotice(result.dropped))
	}
	if result.finishReason == llm.FinishLength {
		// The model truncated at the generation ceiling. Recorded only; the
		// grown history shrinks the window on the next turn by itself.
		log.Info("Answer truncated at generation ceiling")
	}

	if result.answer == "" {
		return nil
	}

	log.Info("Turn finalizing", "state", stateFinalizing, "answer_len", len(result.answer))

	if !s.isCurrentTurn(msg.ConversationID, seq) {
		// A newer message superseded this turn mid-stream: the output was
		// delivered but the turn is abandoned, so no persist and no charge.
		log.Info("Turn abandoned by a newer message")
		return nil
	}

	tokensUsed := result.promptTokens + s.counter.CountText(result.answer, s.cfg.Model)
	if _, err := s.finalizer.Finalize(ctx, conv, mode, msg.Text, result.answer, tokensUsed); err != nil {
		return fmt.Errorf("could not finalize turn: %w", err)
	}

	log.Info("Turn finished", "state", stateIdle, "tokens_used", tokensUsed)
	return nil
}

type turnResult struct {
	answer       string
	finishReason string
	promptTokens int
	dropped      int
}

// streamTurn runs the bounded build-and-stream retry loop. A size rejection
// before the first delta drops the oldest turn and rebuilds; the loop is
// capped by the history length and so always terminates.
func (s *DialogService) streamTurn(
	ctx context.Context,
	log *slog.Logger,
	msg *IncomingMessage,
	mode config.ChatMode,
	history []model.Turn,
	budget int,
) (*turnResult, error) {
	shrunk := 0

	for {
		payload, dropped, err := s.builder.Build(mode.Prompt, history, msg.Text, s.cfg.Model, budget)
		if err != nil {
			log.Warn("Turn failed", "state", stateError, "error", err)
			s.notify(ctx, msg.ConversationID, noticeMessageTooLarge)
			return nil, err
		}

		log.Info("Context built", "state", stateStreaming,
			"prompt_tokens", payload.PromptTokens, "turns_dropped", dropped+shrunk)

		flusher := stream.NewFlusher(s.tr, s.flushLimiter, msg.ConversationID, msg.Kind, stream.Config{
			ChunkLimit:     s.cfg.MaxMessageLen,
			MinGrowth:      s.flushGrowth(msg.Kind),
			SlowDownNotice: noticeSlowDown,
			SplitAdvisory:  noticeAnswerSplit,
		})

		events := make(chan llm.StreamEvent)
		errCh := make(chan error, 1)
		go func() {
			errCh <- s.llm.GenerateStream(ctx, &llm.Request{
				Model:     s.cfg.Model,
				Messages:  payload.Messages,
				MaxTokens: payload.MaxResponseTokens,
			}, events)
		}()

		finishReason := ""
		streamFailed := ""
		for event := range events {
			if event.Error != "" {
				streamFailed = event.Error
				finishReason = event.FinishReason
				continue
			}
			flusher.Push(ctx, event.Delta)
			if event.FinishReason != "" {
				finishReason = event.FinishReason
			}
		}
		streamErr := <-errCh

		if errors.Is(streamErr, llm.ErrContextTooLarge) && flusher.Text() == "" {
			if len(history) == 0 {
				log.Warn("Turn failed", "state", stateError, "error", streamErr)
				s.notify(ctx, msg.ConversationID, noticeMessageTooLarge)
				return nil, fmt.Errorf("%w: %v", app_errors.ErrContextOverflow, streamErr)
			}
			history = history[1:]
			shrunk++
			continue
		}

		// Whatever accumulated is delivered even when the stream died
		// mid-way; already-visible chunks are never retracted.
		answer := flusher.Finish(ctx)

		if streamFailed != "" || (streamErr != nil && !errors.Is(streamErr, context.Canceled)) {
			reason := streamFailed
			if reason == "" {
				reason = streamErr.Error()
			}
			log.Warn("Turn failed", "state", stateError, "reason", reason, "salvaged_len", len(answer))
			s.notify(ctx, msg.ConversationID, fmt.Sprintf(noticeCompletionFailed, reason))
			return nil, fmt.Errorf("%w: completion failed: %s", app_errors.ErrInternal, reason)
		}

		return &turnResult{
			answer:       answer,
			finishReason: finishReason,
			promptTokens: payload.PromptTokens,
			dropped:      dropped + shrunk,
		}, nil
	}
}

func (s *DialogService) getOrCreateConversation(ctx context.Context, msg *IncomingMessage) (*model.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, msg.ConversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &model.Conversation{
		ID:           msg.ConversationID,
		UserID:       msg.UserID,
		Kind:         msg.Kind,
		Mode:         s.modes.Default().Key,
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *DialogService) idleTimedOut(conv *model.Conversation) bool {
	timeout := s.cfg.NewDialogTimeout()
	return timeout > 0 && time.Since(conv.LastActivity) > timeout
}

func (s *DialogService) flushGrowth(kind string) int {
	if kind == model.KindGroup {
		return s.cfg.FlushGrowthGroup
	}
	return s.cfg.FlushGrowthPrivate
}

// notify sends a service notice, formatted. Notice delivery is best effort.
func (s *DialogService) notify(ctx context.Context, chatID int64, text string) {
	if _, err := s.tr.Send(ctx, chatID, text, true); err != nil {
		if errors.Is(err, transport.ErrBadFormatting) {
			if _, err = s.tr.Send(ctx, chatID, text, false); err == nil {
				return
			}
		}
		slog.Warn("Failed to send notice", "chat_id", chatID, "error", err)
	}
}

func (s *DialogService) beginTurn(conversationID int64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnSeq[conversationID]++
	return s.turnSeq[conversationID]
}

func (s *DialogService) isCurrentTurn(conversationID int64, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnSeq[conversationID] == seq
}

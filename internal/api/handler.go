package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	app_errors "chat-relay/bot/internal/errors"
	"chat-relay/bot/internal/model"
	"chat-relay/bot/internal/service"
)

// Update is the transport's webhook payload for one incoming event. Only
// text messages matter to the dialog engine; everything else is ignored.
type Update struct {
	UpdateID int64          `json:"update_id" validate:"required"`
	Message  *UpdateMessage `json:"message"`
}

type UpdateMessage struct {
	MessageID int64  `json:"message_id" validate:"required"`
	Text      string `json:"text"`
	From      struct {
		ID       int64  `json:"id" validate:"required"`
		Username string `json:"username"`
	} `json:"from"`
	Chat struct {
		ID   int64  `json:"id" validate:"required"`
		Type string `json:"type"`
	} `json:"chat"`
}

// WebhookHandler receives transport updates and dispatches them to the
// dialog service.
type WebhookHandler struct {
	dialogs *service.DialogService
	// turnTimeout bounds how long one turn may hold its completion stream.
	turnTimeout time.Duration
}

func NewWebhookHandler(dialogs *service.DialogService) *WebhookHandler {
	return &WebhookHandler{dialogs: dialogs, turnTimeout: 10 * time.Minute}
}

// HandleUpdate acknowledges the webhook immediately and processes the turn
// in the background; the transport retries deliveries that are not answered
// quickly, which would duplicate turns.
func (h *WebhookHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var update Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondWithError(w, fmt.Errorf("%w: invalid update payload", app_errors.ErrValidation))
		return
	}
	if err := validateRequest(&update); err != nil {
		respondWithError(w, err)
		return
	}

	if update.Message == nil || update.Message.Text == "" {
		respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ignored"})
		return
	}

	msg := &service.IncomingMessage{
		ConversationID: update.Message.Chat.ID,
		UserID:         update.Message.From.ID,
		Username:       update.Message.From.Username,
		Kind:           conversationKind(update.Message.Chat.Type),
		Text:           update.Message.Text,
	}

	go h.dispatch(msg)

	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *WebhookHandler) dispatch(msg *service.IncomingMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), h.turnTimeout)
	defer cancel()

	var err error
	switch {
	case msg.Text == "/new":
		err = h.dialogs.NewDialog(ctx, msg)
	case msg.Text == "/retry":
		err = h.dialogs.RetryLastTurn(ctx, msg)
	case msg.Text == "/balance":
		err = h.dialogs.ShowBalance(ctx, msg)
	case strings.HasPrefix(msg.Text, "/mode"):
		err = h.dialogs.SetMode(ctx, msg, modeArgument(msg.Text))
	case strings.HasPrefix(msg.Text, "/"):
		slog.Debug("Ignoring unknown command", "text", msg.Text)
	default:
		err = h.dialogs.HandleUserTurn(ctx, msg)
	}

	if err != nil {
		slog.Warn("Turn ended with error",
			"conversation_id", msg.ConversationID, "error", err)
	}
}

func modeArgument(text string) string {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func conversationKind(chatType string) string {
	if chatType == "private" || chatType == "" {
		return model.KindPrivate
	}
	return model.KindGroup
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type telegramTransport struct {
	client *http.Client
	url    string
	token  string
}

// NewTelegram creates a Transport backed by the Telegram Bot API.
func NewTelegram(apiURL, token string) Transport {
	return &telegramTransport{
		client: &http.Client{Timeout: 30 * time.Second},
		url:    strings.TrimRight(apiURL, "/"),
		token:  token,
	}
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type editMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type sendChatActionRequest struct {
	ChatID int64  `json:"chat_id"`
	Action string `json:"action"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type messageResult struct {
	MessageID int64 `json:"message_id"`
}

func (t *telegramTransport) Send(ctx context.Context, chatID int64, text string, formatted bool) (MessageRef, error) {
	req := sendMessageRequest{ChatID: chatID, Text: text}
	if formatted {
		req.ParseMode = "HTML"
	}

	result, err := t.call(ctx, "sendMessage", req)
	if err != nil {
		return MessageRef{}, err
	}

	var msg messageResult
	if err := json.Unmarshal(result, &msg); err != nil {
		return MessageRef{}, fmt.Errorf("could not decode sendMessage result: %w", err)
	}
	return MessageRef{ChatID: chatID, MessageID: msg.MessageID}, nil
}

func (t *telegramTransport) Edit(ctx context.Context, ref MessageRef, text string, formatted bool) error {
	req := editMessageRequest{ChatID: ref.ChatID, MessageID: ref.MessageID, Text: text}
	if formatted {
		req.ParseMode = "HTML"
	}
	_, err := t.call(ctx, "editMessageText", req)
	return err
}

func (t *telegramTransport) SendTyping(ctx context.Context, chatID int64) {
	if _, err := t.call(ctx, "sendChatAction", sendChatActionRequest{ChatID: chatID, Action: "typing"}); err != nil {
		slog.Debug("Failed to send typing action", "chat_id", chatID, "error", err)
	}
}

func (t *telegramTransport) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.url, t.token, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("could not create %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read %s response: %w", method, err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("could not decode %s response: %w", method, err)
	}
	if !apiResp.OK {
		return nil, classifyAPIError(apiResp.Description)
	}
	return apiResp.Result, nil
}

// classifyAPIError maps the transport's error descriptions onto the two
// conditions the pipeline recovers from locally.
func classifyAPIError(description string) error {
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "message is not modified"):
		return ErrNotModified
	case strings.Contains(lower, "can't parse entities"):
		return ErrBadFormatting
	default:
		return fmt.Errorf("api error: %s", description)
	}
}

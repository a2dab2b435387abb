package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chat-relay/bot/internal/model"
)

// ErrContextTooLarge is returned when the completion service rejects the
// request as oversized before producing any output. The caller recovers by
// dropping the oldest turn and rebuilding the payload.
var ErrContextTooLarge = errors.New("llm: context too large")

// Finish reasons reported at the end of a stream.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

// StreamEvent is one element of a streaming completion. Exactly one event
// per stream carries a non-empty FinishReason, and it is the last one.
type StreamEvent struct {
	Delta        string
	FinishReason string
	Error        string
}

// Request describes one completion attempt.
type Request struct {
	Model     string
	Messages  []model.PromptMessage
	MaxTokens int
}

// Response is a non-streaming completion result.
type Response struct {
	Content      string
	FinishReason string
}

// CompletionProvider defines the interface for the remote completion service.
// GenerateStream closes ch when the stream ends; it is single-pass and not
// restartable. A retry must rebuild the payload and call it again.
type CompletionProvider interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	GenerateStream(ctx context.Context, req *Request, ch chan<- StreamEvent) error
}

type openAIProvider struct {
	client *http.Client
	url    string
	apiKey string
}

func NewOpenAIProvider(url, apiKey string) CompletionProvider {
	return &openAIProvider{
		client: &http.Client{Timeout: 5 * time.Minute},
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
	}
}

// Wire types of the chat-completions endpoint.
type chatCompletionRequest struct {
	Model     string                `json:"model"`
	Messages  []model.PromptMessage `json:"messages"`
	MaxTokens int                   `json:"max_tokens,omitempty"`
	Stream    bool                  `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *openAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	var completion chatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &completion); err != nil {
		return nil, fmt.Errorf("could not decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	return &Response{
		Content:      completion.Choices[0].Message.Content,
		FinishReason: completion.Choices[0].FinishReason,
	}, nil
}

func (p *openAIProvider) GenerateStream(ctx context.Context, req *Request, ch chan<- StreamEvent) error {
	defer close(ch)

	resp, err := p.post(ctx, req, true)
	if err != nil {
		if !errors.Is(err, ErrContextTooLarge) {
			ch <- StreamEvent{FinishReason: FinishError, Error: err.Error()}
		}
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	finished := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		event := StreamEvent{Delta: chunk.Choices[0].Delta.Content}
		if reason := chunk.Choices[0].FinishReason; reason != nil && *reason != "" {
			event.FinishReason = *reason
			finished = true
		}

		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		}

		if finished {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- StreamEvent{FinishReason: FinishError, Error: err.Error()}
		return fmt.Errorf("stream read failed: %w", err)
	}
	if !finished {
		// The service closed the stream without a finish marker; treat the
		// output produced so far as a normal stop.
		ch <- StreamEvent{FinishReason: FinishStop}
	}
	return nil
}

func (p *openAIProvider) post(ctx context.Context, req *Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	})
	if err != nil {
		return nil, fmt.Errorf("could not marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		if isContextTooLarge(resp.StatusCode, bodyBytes) {
			return nil, fmt.Errorf("%w: %s", ErrContextTooLarge, string(bodyBytes))
		}
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return resp, nil
}

// isContextTooLarge recognizes the service's distinguished oversized-request
// rejection among generic 400 responses.
func isContextTooLarge(status int, body []byte) bool {
	if status != http.StatusBadRequest {
		return false
	}
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return false
	}
	if apiErr.Error.Code == "context_length_exceeded" {
		return true
	}
	return strings.Contains(apiErr.Error.Message, "maximum context length")
}

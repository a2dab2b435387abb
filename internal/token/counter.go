// Package token estimates the token cost of text and structured prompts.
// It uses a byte-based heuristic (~4 bytes per token) plus the per-message
// structural overhead the completion service charges for role tags, so that
// payloads built against a budget are not rejected server-side as oversized.
package token

import (
	"strings"

	"chat-relay/bot/internal/model"
)

// approxBytesPerToken is the approximate number of bytes per token for
// English text.
const approxBytesPerToken = 4

// replyPrimerTokens is charged once per request: every reply is primed with
// an assistant role header.
const replyPrimerTokens = 3

// encoding holds the structural overhead constants for one model family.
type encoding struct {
	tokensPerMessage int
}

var encodings = map[string]encoding{
	"gpt-3.5-turbo": {tokensPerMessage: 4},
	"gpt-4":         {tokensPerMessage: 3},
	"gpt-4o":        {tokensPerMessage: 3},
}

// defaultEncoding is used for unknown models rather than failing the request.
var defaultEncoding = encoding{tokensPerMessage: 4}

type Counter struct{}

func NewCounter() *Counter {
	return &Counter{}
}

// CountText estimates the number of tokens in a plain text string.
// Deterministic and pure. Returns 0 for an empty string.
func (c *Counter) CountText(text, modelName string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + approxBytesPerToken - 1) / approxBytesPerToken
}

// CountPayload estimates the number of tokens a structured message list will
// cost, including per-message overhead and the reply primer.
func (c *Counter) CountPayload(messages []model.PromptMessage, modelName string) int {
	enc := encodingFor(modelName)

	total := 0
	for _, msg := range messages {
		total += enc.tokensPerMessage
		total += c.CountText(msg.Content, modelName)
		total += c.CountText(msg.Role, modelName)
	}
	total += replyPrimerTokens
	return total
}

func encodingFor(modelName string) encoding {
	if enc, ok := encodings[modelName]; ok {
		return enc
	}
	// Versioned model names (gpt-4-0314, gpt-3.5-turbo-0301) share their
	// family's overhead.
	for family, enc := range encodings {
		if strings.HasPrefix(modelName, family) {
			return enc
		}
	}
	return defaultEncoding
}

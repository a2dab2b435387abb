// Package prompt assembles the completion request payload from the system
// prompt, conversation history and the new user message, trimming the oldest
// turns until the whole payload fits inside the token budget.
package prompt

import (
	"fmt"

	app_errors "chat-relay/bot/internal/errors"
	"chat-relay/bot/internal/model"
	"chat-relay/bot/internal/token"
)

// Payload is the assembled request for one completion attempt. Ephemeral:
// rebuilt from scratch on every retry, never persisted.
type Payload struct {
	Messages []model.PromptMessage
	// PromptTokens is the estimated cost of Messages at build time.
	PromptTokens int
	// MaxResponseTokens is the generation ceiling left over after fitting
	// the history, floored at the builder's minimum generation allowance.
	MaxResponseTokens int
}

type Builder struct {
	counter *token.Counter
	// minGeneration is the smallest response allowance ever requested, so
	// the model is never asked to produce zero tokens.
	minGeneration int
}

func NewBuilder(counter *token.Counter, minGeneration int) *Builder {
	if minGeneration <= 0 {
		minGeneration = 1
	}
	return &Builder{counter: counter, minGeneration: minGeneration}
}

// Build assembles a payload whose token cost is strictly below budget,
// dropping the oldest turns as needed. It returns the number of turns
// dropped so the caller can tell the user that earlier context was
// forgotten. When even the system prompt plus the new message alone exceed
// the budget, it returns ErrContextOverflow.
//
// The payload is recomputed from scratch on every iteration: dropping a turn
// removes both its messages and their structural overhead, so the cost does
// not shrink linearly.
func (b *Builder) Build(systemPrompt string, history []model.Turn, newMessage, modelName string, budget int) (*Payload, int, error) {
	dropped := 0
	for {
		messages := assemble(systemPrompt, history, newMessage)
		cost := b.counter.CountPayload(messages, modelName)

		if cost < budget {
			allowance := budget - cost
			if allowance < b.minGeneration {
				allowance = b.minGeneration
			}
			return &Payload{
				Messages:          messages,
				PromptTokens:      cost,
				MaxResponseTokens: allowance,
			}, dropped, nil
		}

		if len(history) == 0 {
			return nil, dropped, fmt.Errorf("%w: %d tokens over a budget of %d",
				app_errors.ErrContextOverflow, cost-budget, budget)
		}
		history = history[1:]
		dropped++
	}
}

func assemble(systemPrompt string, history []model.Turn, newMessage string) []model.PromptMessage {
	messages := make([]model.PromptMessage, 0, 2*len(history)+2)
	messages = append(messages, model.PromptMessage{Role: model.RoleSystem, Content: systemPrompt})
	for _, turn := range history {
		messages = append(messages, model.PromptMessage{Role: model.RoleUser, Content: turn.UserText})
		messages = append(messages, model.PromptMessage{Role: model.RoleAssistant, Content: turn.BotText})
	}
	messages = append(messages, model.PromptMessage{Role: model.RoleUser, Content: newMessage})
	return messages
}

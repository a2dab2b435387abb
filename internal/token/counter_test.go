package token_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chat-relay/bot/internal/model"
	"chat-relay/bot/internal/token"
)

func TestCounter_CountText(t *testing.T) {
	counter := token.NewCounter()

	t.Run("Empty string costs nothing", func(t *testing.T) {
		assert.Equal(t, 0, counter.CountText("", "gpt-3.5-turbo"))
	})

	t.Run("Rounds up to whole tokens", func(t *testing.T) {
		assert.Equal(t, 1, counter.CountText("ab", "gpt-3.5-turbo"))
		assert.Equal(t, 1, counter.CountText("abcd", "gpt-3.5-turbo"))
		assert.Equal(t, 2, counter.CountText("abcde", "gpt-3.5-turbo"))
	})

	t.Run("Deterministic", func(t *testing.T) {
		text := "the same text every time"
		assert.Equal(t, counter.CountText(text, "gpt-4"), counter.CountText(text, "gpt-4"))
	})
}

func TestCounter_CountPayload(t *testing.T) {
	counter := token.NewCounter()
	messages := []model.PromptMessage{
		{Role: model.RoleSystem, Content: "be helpful"},
		{Role: model.RoleUser, Content: "hi"},
	}

	t.Run("Charges per-message overhead and reply primer", func(t *testing.T) {
		// gpt-3.5 family: 4 tokens per message, 3 for the reply primer.
		perContent := counter.CountText("be helpful", "gpt-3.5-turbo") +
			counter.CountText("system", "gpt-3.5-turbo") +
			counter.CountText("hi", "gpt-3.5-turbo") +
			counter.CountText("user", "gpt-3.5-turbo")
		assert.Equal(t, perContent+2*4+3, counter.CountPayload(messages, "gpt-3.5-turbo"))
	})

	t.Run("gpt-4 family uses smaller overhead", func(t *testing.T) {
		turbo := counter.CountPayload(messages, "gpt-3.5-turbo")
		four := counter.CountPayload(messages, "gpt-4")
		assert.Equal(t, turbo-2, four)
	})

	t.Run("Versioned model names share their family encoding", func(t *testing.T) {
		assert.Equal(t,
			counter.CountPayload(messages, "gpt-4"),
			counter.CountPayload(messages, "gpt-4-0314"))
	})

	t.Run("Unknown model falls back to the default encoding", func(t *testing.T) {
		assert.Equal(t,
			counter.CountPayload(messages, "gpt-3.5-turbo"),
			counter.CountPayload(messages, "some-future-model"))
	})
}

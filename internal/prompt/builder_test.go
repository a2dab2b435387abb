package prompt_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app_errors "chat-relay/bot/internal/errors"
	"chat-relay/bot/internal/model"
	"chat-relay/bot/internal/prompt"
	"chat-relay/bot/internal/token"
)

const testModel = "gpt-3.5-turbo"

func makeHistory(n, textLen int) []model.Turn {
	turns := make([]model.Turn, n)
	for i := range turns {
		turns[i] = model.Turn{
			UserText: strings.Repeat("u", textLen),
			BotText:  strings.Repeat("b", textLen),
		}
	}
	return turns
}

func TestBuilder_Build(t *testing.T) {
	counter := token.NewCounter()
	builder := prompt.NewBuilder(counter, 16)

	t.Run("Fits without dropping", func(t *testing.T) {
		history := makeHistory(3, 40)
		payload, dropped, err := builder.Build("system", history, "new message", testModel, 1000)
		require.NoError(t, err)
		assert.Equal(t, 0, dropped)
		// system + 3 user/bot pairs + new message.
		assert.Len(t, payload.Messages, 8)
		assert.Less(t, payload.PromptTokens, 1000)
	})

	t.Run("Drops oldest turns until the payload fits", func(t *testing.T) {
		history := makeHistory(3, 400)
		full, _, err := builder.Build("system", history, "new message", testModel, 100000)
		require.NoError(t, err)

		budget := full.PromptTokens - 1
		payload, dropped, err := builder.Build("system", history, "new message", testModel, budget)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, dropped, 1)
		assert.Less(t, payload.PromptTokens, budget)
		// The newest turn survives while older ones go first.
		assert.Equal(t, "new message", payload.Messages[len(payload.Messages)-1].Content)
	})

	t.Run("Fatal overflow when the new message alone does not fit", func(t *testing.T) {
		_, dropped, err := builder.Build("system", makeHistory(2, 50), strings.Repeat("x", 4000), testModel, 100)
		require.Error(t, err)
		assert.ErrorIs(t, err, app_errors.ErrContextOverflow)
		assert.Equal(t, 2, dropped)
	})

	t.Run("Converges for any history length", func(t *testing.T) {
		for n := 0; n <= 20; n++ {
			payload, _, err := builder.Build("s", makeHistory(n, 100), "msg", testModel, 200)
			require.NoError(t, err)
			assert.Less(t, payload.PromptTokens, 200)
		}
	})

	t.Run("Generation allowance is budget minus cost", func(t *testing.T) {
		payload, _, err := builder.Build("system", nil, "hello", testModel, 500)
		require.NoError(t, err)
		assert.Equal(t, 500-payload.PromptTokens, payload.MaxResponseTokens)
	})

	t.Run("Generation allowance never drops below the floor", func(t *testing.T) {
		history := makeHistory(1, 400)
		full, _, err := builder.Build("system", history, "msg", testModel, 100000)
		require.NoError(t, err)

		// A budget barely above the payload cost leaves less room than the
		// floor; the allowance is clamped up.
		payload, _, err := builder.Build("system", history, "msg", testModel, full.PromptTokens+2)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, payload.MaxResponseTokens, 16)
	})
}

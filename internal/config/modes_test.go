package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/bot/internal/config"
	app_errors "chat-relay/bot/internal/errors"
)

func writeModes(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const validCatalog = `
assistant:
  name: "Assistant"
  welcome_message: "Hi!"
  prompt: "You are a helpful assistant."
code_assistant:
  name: "Code Assistant"
  prompt: "You write code."
  token_budget: 8192
  stateless: true
`

func TestLoadModes(t *testing.T) {
	t.Run("Loads the catalog and resolves modes", func(t *testing.T) {
		catalog, err := config.LoadModes(writeModes(t, validCatalog))
		require.NoError(t, err)

		mode, err := catalog.Get(config.ModeAssistant)
		require.NoError(t, err)
		assert.Equal(t, "Assistant", mode.Name)
		assert.False(t, mode.Stateless)

		code, err := catalog.Get(config.ModeCodeAssistant)
		require.NoError(t, err)
		assert.True(t, code.Stateless)
		assert.Equal(t, 8192, code.TokenBudget)

		assert.Equal(t, config.ModeAssistant, catalog.Default().Key)
		assert.Equal(t, []string{config.ModeAssistant, config.ModeCodeAssistant}, catalog.Keys())
	})

	t.Run("Rejects unknown mode keys at load time", func(t *testing.T) {
		_, err := config.LoadModes(writeModes(t, validCatalog+`
fortune_teller:
  name: "Fortune Teller"
  prompt: "You predict things."
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown chat mode")
	})

	t.Run("Rejects a mode without a prompt", func(t *testing.T) {
		_, err := config.LoadModes(writeModes(t, `
assistant:
  name: "Assistant"
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no prompt")
	})

	t.Run("Rejects an empty catalog", func(t *testing.T) {
		_, err := config.LoadModes(writeModes(t, ``))
		require.Error(t, err)
	})

	t.Run("Lookup of an unconfigured mode returns ErrNotFound", func(t *testing.T) {
		catalog, err := config.LoadModes(writeModes(t, validCatalog))
		require.NoError(t, err)

		_, err = catalog.Get(config.ModeMovieExpert)
		assert.ErrorIs(t, err, app_errors.ErrNotFound)
	})
}

package config

import (
	"fmt"

	"github.com/spf13/viper"

	app_errors "chat-relay/bot/internal/errors"
)

// ChatMode selects the system prompt and behavioral flags for a conversation.
type ChatMode struct {
	Key            string `mapstructure:"-"`
	Name           string `mapstructure:"name"`
	WelcomeMessage string `mapstructure:"welcome_message"`
	Prompt         string `mapstructure:"prompt"`
	// Stateless modes answer every message in isolation: no history is read
	// or persisted, but activity and token accounting still apply.
	Stateless bool `mapstructure:"stateless"`
	// TokenBudget overrides the global context budget when non-zero.
	TokenBudget int `mapstructure:"token_budget"`
}

// ModeCatalog is the closed set of chat modes, built once at startup.
// Lookups after load never fail for a key that passed validation.
type ModeCatalog struct {
	modes   map[string]ChatMode
	defKey  string
	ordered []string
}

// The supported mode keys. The catalog file may configure a subset, but any
// key outside this set is rejected at load time.
const (
	ModeAssistant     = "assistant"
	ModeCodeAssistant = "code_assistant"
	ModeMovieExpert   = "movie_expert"
)

var knownModeKeys = map[string]bool{
	ModeAssistant:     true,
	ModeCodeAssistant: true,
	ModeMovieExpert:   true,
}

// LoadModes reads the mode catalog from a YAML file. Unknown mode keys and
// modes without a prompt fail the load; a misconfigured catalog should stop
// the process, not a user's turn.
func LoadModes(path string) (*ModeCatalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not read mode catalog: %w", err)
	}

	var raw map[string]ChatMode
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("could not parse mode catalog: %w", err)
	}

	return buildCatalog(raw)
}

func buildCatalog(raw map[string]ChatMode) (*ModeCatalog, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("mode catalog is empty")
	}

	catalog := &ModeCatalog{modes: make(map[string]ChatMode, len(raw))}
	for _, key := range []string{ModeAssistant, ModeCodeAssistant, ModeMovieExpert} {
		mode, ok := raw[key]
		if !ok {
			continue
		}
		if mode.Prompt == "" {
			return nil, fmt.Errorf("mode %q has no prompt", key)
		}
		mode.Key = key
		catalog.modes[key] = mode
		catalog.ordered = append(catalog.ordered, key)
		delete(raw, key)
	}

	for key := range raw {
		return nil, fmt.Errorf("unknown chat mode %q in catalog", key)
	}

	if _, ok := catalog.modes[ModeAssistant]; ok {
		catalog.defKey = ModeAssistant
	} else {
		catalog.defKey = catalog.ordered[0]
	}
	return catalog, nil
}

// Get returns the mode for key, or ErrNotFound for keys outside the catalog.
func (c *ModeCatalog) Get(key string) (ChatMode, error) {
	mode, ok := c.modes[key]
	if !ok {
		return ChatMode{}, fmt.Errorf("%w: chat mode %q", app_errors.ErrNotFound, key)
	}
	return mode, nil
}

// Default returns the catalog's default mode.
func (c *ModeCatalog) Default() ChatMode {
	return c.modes[c.defKey]
}

// Keys returns the configured mode keys in catalog order.
func (c *ModeCatalog) Keys() []string {
	out := make([]string, len(c.ordered))
	copy(out, c.ordered)
	return out
}

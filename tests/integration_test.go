package tests

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/bot/internal/api"
	"chat-relay/bot/internal/config"
	"chat-relay/bot/internal/database"
	"chat-relay/bot/internal/llm"
	"chat-relay/bot/internal/model"
	"chat-relay/bot/internal/repository"
	"chat-relay/bot/internal/service"
	"chat-relay/bot/internal/transport"

	"net/http/httptest"
)

type scriptedProvider struct {
	deltas []string
}

func (p *scriptedProvider) Generate(context.Context, *llm.Request) (*llm.Response, error) {
	return nil, fmt.Errorf("not implemented")
}

func (p *scriptedProvider) GenerateStream(_ context.Context, _ *llm.Request, ch chan<- llm.StreamEvent) error {
	defer close(ch)
	for _, delta := range p.deltas {
		ch <- llm.StreamEvent{Delta: delta}
	}
	ch <- llm.StreamEvent{FinishReason: llm.FinishStop}
	return nil
}

type capturingTransport struct {
	mu    sync.Mutex
	sends []string
}

func (t *capturingTransport) Send(_ context.Context, _ int64, text string, _ bool) (transport.MessageRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, text)
	return transport.MessageRef{MessageID: int64(len(t.sends))}, nil
}

func (t *capturingTransport) Edit(_ context.Context, _ transport.MessageRef, text string, _ bool) error {
	return nil
}

func (t *capturingTransport) SendTyping(context.Context, int64) {}

func (t *capturingTransport) lastSend() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sends) == 0 {
		return "", false
	}
	return t.sends[len(t.sends)-1], true
}

const modesYAML = `
assistant:
  name: "Assistant"
  welcome_message: "Hi, I'm your assistant."
  prompt: "You are a helpful assistant."
`

func setupStack(t *testing.T, deltas []string) (*httptest.Server, repository.Repository, *capturingTransport) {
	t.Helper()

	db, err := database.InitDB(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	modesPath := filepath.Join(t.TempDir(), "modes.yaml")
	require.NoError(t, os.WriteFile(modesPath, []byte(modesYAML), 0600))
	modes, err := config.LoadModes(modesPath)
	require.NoError(t, err)

	cfg := &config.Config{
		Model:               "gpt-3.5-turbo",
		TokenBudget:         4096,
		MinGenerationTokens: 16,
		NewDialogTimeoutSec: 600,
		MaxRetainedTurns:    20,
		FreeQuota:           3000,
		MaxMessageLen:       4000,
		FlushGrowthPrivate:  80,
		FlushGrowthGroup:    300,
		RateWindowSec:       60,
		RateCeilingPrivate:  20,
		RateCeilingGroup:    10,
		TurnsPerMinute:      1000,
	}

	repo := repository.NewSQLiteRepository(db)
	tr := &capturingTransport{}
	dialogs := service.NewDialogService(repo, &scriptedProvider{deltas: deltas}, tr, modes, cfg)
	server := httptest.NewServer(api.NewRouter(api.NewWebhookHandler(dialogs)))
	t.Cleanup(server.Close)

	return server, repo, tr
}

func postUpdate(t *testing.T, server *httptest.Server, text string) {
	t.Helper()
	body := fmt.Sprintf(
		`{"update_id":1,"message":{"message_id":1,"text":%q,"from":{"id":7,"username":"someone"},"chat":{"id":42,"type":"private"}}}`,
		text,
	)
	resp, err := http.Post(server.URL+"/webhook", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookTurnEndToEnd(t *testing.T) {
	server, repo, tr := setupStack(t, []string{"The answer", " is 42."})
	ctx := context.Background()

	postUpdate(t, server, "What is the answer?")

	// The turn runs in the background after the webhook ack.
	require.Eventually(t, func() bool {
		last, ok := tr.lastSend()
		return ok && last == "The answer is 42."
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		turns, err := repo.GetTurns(ctx, 42)
		return err == nil && len(turns) == 1
	}, 5*time.Second, 20*time.Millisecond)

	turns, err := repo.GetTurns(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "What is the answer?", turns[0].UserText)
	assert.Equal(t, "The answer is 42.", turns[0].BotText)
	assert.Greater(t, turns[0].TokensUsed, 0)

	balance, err := repo.GetBalance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3000-turns[0].TokensUsed, balance)

	conv, err := repo.GetConversation(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, model.KindPrivate, conv.Kind)
	assert.Equal(t, config.ModeAssistant, conv.Mode)
}

func TestNewDialogCommandClearsHistory(t *testing.T) {
	server, repo, tr := setupStack(t, []string{"hello"})
	ctx := context.Background()

	postUpdate(t, server, "first message")
	require.Eventually(t, func() bool {
		turns, err := repo.GetTurns(ctx, 42)
		return err == nil && len(turns) == 1
	}, 5*time.Second, 20*time.Millisecond)

	postUpdate(t, server, "/new")
	require.Eventually(t, func() bool {
		turns, err := repo.GetTurns(ctx, 42)
		return err == nil && len(turns) == 0
	}, 5*time.Second, 20*time.Millisecond)

	// The welcome message follows the reset confirmation.
	require.Eventually(t, func() bool {
		last, ok := tr.lastSend()
		return ok && last == "Hi, I'm your assistant."
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	server, _, _ := setupStack(t, nil)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

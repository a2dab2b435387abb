package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"chat-relay/bot/internal/api"
	"chat-relay/bot/internal/config"
	"chat-relay/bot/internal/database"
	"chat-relay/bot/internal/llm"
	"chat-relay/bot/internal/repository"
	"chat-relay/bot/internal/service"
	"chat-relay/bot/internal/transport"
)

func Run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not yet configured, so use the default logger here.
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	setupLogger(cfg.LogLevel)
	logConfigSource()

	if cfg.BotToken == "" {
		slog.Error("BOT_TOKEN is not set")
		return 1
	}
	if cfg.OpenAIKey == "" {
		slog.Error("OPENAI_API_KEY is not set")
		return 1
	}

	modes, err := config.LoadModes(cfg.ModesPath)
	if err != nil {
		slog.Error("Failed to load chat mode catalog", "path", cfg.ModesPath, "error", err)
		return 1
	}
	slog.Info("Loaded chat mode catalog", "modes", modes.Keys())

	repo, cleanup, err := buildRepository(cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		return 1
	}
	defer cleanup()

	provider := llm.NewOpenAIProvider(cfg.OpenAIURL, cfg.OpenAIKey)
	tr := transport.NewTelegram(cfg.BotAPIURL, cfg.BotToken)
	dialogs := service.NewDialogService(repo, provider, tr, modes, cfg)

	webhook := api.NewWebhookHandler(dialogs)
	router := api.NewRouter(webhook)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("Starting webhook server", "port", cfg.AppPort)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		return 1
	}
	return 0
}

// buildRepository selects the storage backend: Redis when REDIS_ADDR is set,
// SQLite otherwise.
func buildRepository(cfg *config.Config) (repository.Repository, func(), error) {
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		slog.Info("Using Redis storage", "addr", cfg.RedisAddr)
		return repository.NewRedisRepository(rdb), func() {
			if err := rdb.Close(); err != nil {
				slog.Error("Failed to close Redis client", "error", err)
			}
		}, nil
	}

	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Using SQLite storage", "path", cfg.DatabasePath)
	return repository.NewSQLiteRepository(db), func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database connection", "error", err)
		}
	}, nil
}

func logConfigSource() {
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		slog.Info("Successfully loaded configuration from file.", "file", configFileUsed)
	} else {
		slog.Info("Configuration file not found. Using environment variables and defaults.")
	}
}

func setupLogger(logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

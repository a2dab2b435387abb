package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppPort      int    `mapstructure:"APP_PORT"`
	BotToken     string `mapstructure:"BOT_TOKEN"`
	BotAPIURL    string `mapstructure:"BOT_API_URL"`
	OpenAIKey    string `mapstructure:"OPENAI_API_KEY"`
	OpenAIURL    string `mapstructure:"OPENAI_BASE_URL"`
	Model        string `mapstructure:"MODEL"`
	DatabasePath string `mapstructure:"DATABASE_PATH"`
	RedisAddr    string `mapstructure:"REDIS_ADDR"`
	ModesPath    string `mapstructure:"MODES_PATH"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`

	// Context window.
	TokenBudget         int `mapstructure:"TOKEN_BUDGET"`
	MinGenerationTokens int `mapstructure:"MIN_GENERATION_TOKENS"`

	// Dialog lifecycle.
	NewDialogTimeoutSec int `mapstructure:"NEW_DIALOG_TIMEOUT"`
	MaxRetainedTurns    int `mapstructure:"MAX_RETAINED_TURNS"`
	FreeQuota           int `mapstructure:"FREE_QUOTA"`

	// Outgoing message shaping.
	MaxMessageLen      int `mapstructure:"MAX_MESSAGE_LEN"`
	FlushGrowthPrivate int `mapstructure:"FLUSH_GROWTH_PRIVATE"`
	FlushGrowthGroup   int `mapstructure:"FLUSH_GROWTH_GROUP"`

	// Rate limiting.
	RateWindowSec      int     `mapstructure:"RATE_WINDOW"`
	RateCeilingPrivate int     `mapstructure:"RATE_CEILING_PRIVATE"`
	RateCeilingGroup   int     `mapstructure:"RATE_CEILING_GROUP"`
	TurnsPerMinute     float64 `mapstructure:"TURNS_PER_MINUTE"`
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("APP_PORT", 8000)
	viper.SetDefault("BOT_API_URL", "https://api.telegram.org")
	viper.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	viper.SetDefault("MODEL", "gpt-3.5-turbo")
	viper.SetDefault("DATABASE_PATH", "/data/relay.db")
	viper.SetDefault("REDIS_ADDR", "")
	viper.SetDefault("MODES_PATH", "./config/modes.yaml")
	viper.SetDefault("LOG_LEVEL", "INFO")

	viper.SetDefault("TOKEN_BUDGET", 4096)
	viper.SetDefault("MIN_GENERATION_TOKENS", 256)

	viper.SetDefault("NEW_DIALOG_TIMEOUT", 600)
	viper.SetDefault("MAX_RETAINED_TURNS", 20)
	viper.SetDefault("FREE_QUOTA", 3000)

	viper.SetDefault("MAX_MESSAGE_LEN", 4000)
	viper.SetDefault("FLUSH_GROWTH_PRIVATE", 80)
	viper.SetDefault("FLUSH_GROWTH_GROUP", 300)

	viper.SetDefault("RATE_WINDOW", 60)
	viper.SetDefault("RATE_CEILING_PRIVATE", 20)
	viper.SetDefault("RATE_CEILING_GROUP", 10)
	viper.SetDefault("TURNS_PER_MINUTE", 6.0)

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// NewDialogTimeout returns the idle duration after which a new user message
// starts a fresh dialog.
func (c *Config) NewDialogTimeout() time.Duration {
	return time.Duration(c.NewDialogTimeoutSec) * time.Second
}

// RateWindow returns the rolling window used by the flush rate limiter.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSec) * time.Second
}

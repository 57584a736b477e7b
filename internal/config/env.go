package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Secrets are read from the process environment and win over values in
// the config file.
type Secrets struct {
	TelegramToken string `env:"TELEGRAM_TOKEN"`
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	StorageDSN    string `env:"FACTBOT_STORAGE_DSN"`
	RedisPassword string `env:"FACTBOT_REDIS_PASSWORD"`
	OpsToken      string `env:"FACTBOT_OPS_TOKEN"`
	LogLevel      string `env:"FACTBOT_LOG_LEVEL"`
}

// LoadDotEnv loads KEY=VALUE files into the environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) ([]string, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var loaded []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return loaded, fmt.Errorf("load %s: %w", f, err)
		}
		loaded = append(loaded, f)
	}
	return loaded, nil
}

// ApplyEnv overlays environment secrets onto cfg.
func ApplyEnv(cfg *Config) error {
	var s Secrets
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, s.TelegramToken)
	set(&cfg.Rewriter.APIKey, s.OpenAIKey)
	set(&cfg.Storage.DSN, s.StorageDSN)
	set(&cfg.Storage.Redis.Password, s.RedisPassword)
	set(&cfg.Ops.Token, s.OpsToken)
	set(&cfg.Logging.Level, s.LogLevel)
	return nil
}

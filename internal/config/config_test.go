package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
  max_message_len: 4096
logging:
  level: info
  console: true
pool:
  source: file
  path: ./facts.txt
  format: text
  separator: "Факт -"
rewriter:
  provider: passthrough
storage:
  driver: sqlite
  path: ./state.db
scheduler:
  enabled: true
  timezone: UTC
  slots:
    - name: morning
      at: "09:00"
    - name: evening
      at: "21:30"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(cfg.Scheduler.Slots); got != 2 {
		t.Fatalf("slots = %d, want 2", got)
	}
	if cfg.Pool.Separator != "Факт -" {
		t.Fatalf("separator = %q", cfg.Pool.Separator)
	}
	if m.Get() != cfg {
		t.Fatalf("Get() did not return committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", validYAML+"\nbogus: 1\n"))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("Parse() err = %v, want unknown field error", err)
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x"}} {}`))
	if _, err := m.Parse(); err == nil {
		t.Fatalf("Parse() err = nil, want trailing data error")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Pool:      PoolConfig{Source: "ftp"},
		Rewriter:  RewriterConfig{Provider: "openai"},
		Storage:   StorageConfig{Driver: "postgres"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Base", Slots: []SlotConfig{{Name: "a", At: "09:00"}, {Name: "a", At: "10:00"}}},
		Ops:       OpsConfig{Enabled: true, Addr: "0.0.0.0:9100"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("Validate() = nil, want errors")
	}
	for _, want := range []string{"telegram.token", "pool.source", "rewriter.api_key", "storage.dsn", "scheduler.timezone", "duplicate", "ops.addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() missing %q in %v", want, err)
		}
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", time.Minute, false},
		{"0s", time.Minute, false},
		{"45s", 45 * time.Second, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := Duration("x", tc.raw, time.Minute)
		if (err != nil) != tc.wantErr {
			t.Fatalf("Duration(%q) err = %v, wantErr %v", tc.raw, err, tc.wantErr)
		}
		if err == nil && got != tc.want {
			t.Fatalf("Duration(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestApplyEnvOverridesSecrets(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "from-env")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg := &Config{Telegram: TelegramConfig{Token: "from-file"}}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Rewriter.APIKey != "sk-env" {
		t.Fatalf("secrets = %q/%q", cfg.Telegram.Token, cfg.Rewriter.APIKey)
	}
}

func TestLoadDotEnvKeepsProcessEnv(t *testing.T) {
	t.Setenv("FACTBOT_OPS_TOKEN", "process")
	p := writeFile(t, ".env", "FACTBOT_OPS_TOKEN=file\nFACTBOT_LOG_LEVEL=debug\n")
	t.Cleanup(func() { os.Unsetenv("FACTBOT_LOG_LEVEL") })
	loaded, err := LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded = %v, want one file", loaded)
	}
	if got := os.Getenv("FACTBOT_OPS_TOKEN"); got != "process" {
		t.Fatalf("FACTBOT_OPS_TOKEN = %q, want process", got)
	}
	if got := os.Getenv("FACTBOT_LOG_LEVEL"); got != "debug" {
		t.Fatalf("FACTBOT_LOG_LEVEL = %q, want debug", got)
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "one"}, Logging: LoggingConfig{Level: "info"}}
	b := &Config{Telegram: TelegramConfig{Token: "two"}, Logging: LoggingConfig{Level: "debug"}}
	changed, _ := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "logging,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("RestartRequired = %v, want [telegram]", got)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", validYAML)
	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(validYAML, "level: info", "level: debug", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q, want debug", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
}

package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate reports every problem found in cfg, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(field, raw string) {
		if _, err := Duration(field, raw, 0); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token: required (or set TELEGRAM_TOKEN)")
	}
	if cfg.Telegram.MaxMessageLen < 0 {
		add("telegram.max_message_len: must be >= 0")
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.send_timeout", cfg.Telegram.SendTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Pool.Source)) {
	case "", "file":
		if strings.TrimSpace(cfg.Pool.Path) == "" {
			add("pool.path: required for file source")
		}
	case "s3":
		if cfg.Pool.S3.Bucket == "" || cfg.Pool.S3.Key == "" {
			add("pool.s3: bucket and key are required")
		}
	default:
		add("pool.source: unknown source %q", cfg.Pool.Source)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Pool.Format)) {
	case "", "text", "lines", "csv", "json":
	default:
		add("pool.format: unknown format %q", cfg.Pool.Format)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Rewriter.Provider)) {
	case "", "openai":
		if strings.TrimSpace(cfg.Rewriter.APIKey) == "" {
			add("rewriter.api_key: required for openai (or set OPENAI_API_KEY)")
		}
	case "passthrough":
	default:
		add("rewriter.provider: unknown provider %q", cfg.Rewriter.Provider)
	}
	if cfg.Rewriter.MaxAttempts < 0 || cfg.Rewriter.MaxAttempts > 10 {
		add("rewriter.max_attempts: must be within 0..10")
	}
	dur("rewriter.timeout", cfg.Rewriter.Timeout)
	dur("rewriter.retry_base", cfg.Rewriter.RetryBase)
	dur("rewriter.retry_max_delay", cfg.Rewriter.RetryMaxDelay)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn: required for postgres (or set FACTBOT_STORAGE_DSN)")
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			add("storage.redis.addr: required for redis")
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(sc.Granularity)) {
	case "", "minute", "hour":
	default:
		add("scheduler.granularity: must be minute or hour")
	}
	dur("scheduler.tick", sc.Tick)
	dur("scheduler.max_catchup", sc.MaxCatchup)
	seen := make(map[string]struct{}, len(sc.Slots))
	for i, s := range sc.Slots {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			add("scheduler.slots[%d].name: required", i)
			continue
		}
		if _, dup := seen[name]; dup {
			add("scheduler.slots[%d].name: duplicate %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(s.At) == "" {
			add("scheduler.slots[%d].at: required", i)
		}
	}

	dur("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout)

	if cfg.Ops.Enabled && strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure && !isLoopback(cfg.Ops.Addr) {
		add("ops.addr: non-loopback listener requires ops.token or allow_insecure")
	}

	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

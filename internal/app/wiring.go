package app

import (
	"context"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"factbot/internal/config"
	"factbot/internal/metrics"
	"factbot/internal/observability/ops"
	"factbot/internal/pool"
	"factbot/internal/rewrite"
	"factbot/internal/scheduler"
	"factbot/internal/storage"
	"factbot/internal/task/engine"
	"factbot/internal/transport"
	"factbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	defaultSendTimeout = 15 * time.Second
	defaultSendRate    = 25
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

// operatorTarget is the chat that receives forwarded log lines, if any.
func operatorTarget(cfg *config.Config) (transport.ChatTarget, bool) {
	raw := strings.TrimSpace(cfg.Telegram.OperatorChat)
	if raw == "" {
		return transport.ChatTarget{}, false
	}
	t, err := transport.ParseTarget(raw)
	if err != nil {
		return transport.ChatTarget{}, false
	}
	return t, true
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		},
	}, nil
}

func newPoolSource(ctx context.Context, cfg *config.Config) (pool.Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Pool.Source)) {
	case "", "file":
		return pool.FileSource{Path: cfg.Pool.Path}, nil
	case "s3":
		s3c := cfg.Pool.S3
		return pool.NewS3Source(ctx, pool.S3Config{
			Bucket:    s3c.Bucket,
			Key:       s3c.Key,
			Region:    s3c.Region,
			Endpoint:  s3c.Endpoint,
			PathStyle: s3c.PathStyle,
		})
	default:
		return nil, fmt.Errorf("pool.source: unknown source %q", cfg.Pool.Source)
	}
}

func mapPoolOptions(cfg *config.Config) pool.ParseOptions {
	return pool.ParseOptions{
		Format:    pool.Format(strings.ToLower(strings.TrimSpace(cfg.Pool.Format))),
		Separator: cfg.Pool.Separator,
		CSVColumn: cfg.Pool.CSVColumn,
	}
}

// newRewriter builds the generation step with retries. Attempts are
// reported to m.
func newRewriter(cfg *config.Config, m *metrics.Metrics, log logx.Logger) (*rewrite.Retrying, error) {
	rc := cfg.Rewriter
	timeout, err := config.Duration("rewriter.timeout", rc.Timeout, 45*time.Second)
	if err != nil {
		return nil, err
	}
	base, err := config.Duration("rewriter.retry_base", rc.RetryBase, time.Second)
	if err != nil {
		return nil, err
	}
	maxDelay, err := config.Duration("rewriter.retry_max_delay", rc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return nil, err
	}

	var next rewrite.Rewriter
	switch strings.ToLower(strings.TrimSpace(rc.Provider)) {
	case "", "openai":
		next = rewrite.NewOpenAI(rewrite.OpenAIConfig{
			APIURL:      rc.APIURL,
			APIKey:      rc.APIKey,
			Model:       rc.Model,
			Temperature: rc.Temperature,
			Style:       rc.Style,
			HTTPTimeout: timeout,
		})
	case "passthrough":
		next = rewrite.Passthrough{}
	default:
		return nil, fmt.Errorf("rewriter.provider: unknown provider %q", rc.Provider)
	}

	return rewrite.WithRetry(next, rewrite.RetryConfig{
		MaxAttempts:    rc.MaxAttempts,
		BaseDelay:      base,
		MaxDelay:       maxDelay,
		AttemptTimeout: timeout,
		OnAttempt: func(_ int, took time.Duration, err error) {
			m.RewriteAttempt(took, err)
		},
	}, log), nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	tc := cfg.TaskEngine
	timeout, err := config.Duration("task_engine.default_timeout", tc.DefaultTimeout, 5*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        tc.Workers,
		QueueSize:      tc.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    tc.HistorySize,
	}, nil
}

func loadLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func mapSchedulerConfig(cfg *config.Config, loc *time.Location) (scheduler.Config, error) {
	sc := cfg.Scheduler
	g, err := scheduler.ParseGranularity(sc.Granularity)
	if err != nil {
		return scheduler.Config{}, err
	}
	slotCfgs := make([]scheduler.SlotConfig, 0, len(sc.Slots))
	for _, s := range sc.Slots {
		slotCfgs = append(slotCfgs, scheduler.SlotConfig{Name: s.Name, At: s.At})
	}
	slots, err := scheduler.ParseSlots(slotCfgs, g)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.slots: %w", err)
	}
	tick, err := config.Duration("scheduler.tick", sc.Tick, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	catchup, err := config.Duration("scheduler.max_catchup", sc.MaxCatchup, 5*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Tick:       tick,
		MaxCatchup: catchup,
		Location:   loc,
		Slots:      slots,
	}, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		Pprof:         cfg.Ops.Pprof,
		AllowInsecure: cfg.Ops.AllowInsecure,
	}
}

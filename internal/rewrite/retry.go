package rewrite

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"factbot/pkg/logx"
)

type RetryConfig struct {
	// MaxAttempts counts the first call. Defaults to 3.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// AttemptTimeout bounds each call. Defaults to 45s.
	AttemptTimeout time.Duration
	// OnAttempt observes every finished attempt.
	OnAttempt func(attempt int, took time.Duration, err error)
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(cfg.BaseDelay, 10*time.Second)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 45 * time.Second
	}
	return cfg
}

// Retrying wraps a Rewriter with bounded exponential backoff. Empty output
// and transient failures are retried; Permanent errors are not.
type Retrying struct {
	next   Rewriter
	cfg    RetryConfig
	policy retrypolicy.RetryPolicy[string]
	log    logx.Logger
}

func WithRetry(next Rewriter, cfg RetryConfig, log logx.Logger) *Retrying {
	cfg = normalizeRetryConfig(cfg)
	if log.IsZero() {
		log = logx.Nop()
	}
	policy := retrypolicy.NewBuilder[string]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxAttempts - 1).
		WithJitterFactor(0.1).
		HandleIf(func(_ string, err error) bool {
			return err != nil && !IsPermanent(err)
		}).
		Build()
	return &Retrying{next: next, cfg: cfg, policy: policy, log: log.With(logx.String("comp", "rewrite"))}
}

func (r *Retrying) Rewrite(ctx context.Context, item string) (string, error) {
	text, _, err := r.RewriteAttempts(ctx, item)
	return text, err
}

// RewriteAttempts is Rewrite that also reports how many calls were made.
func (r *Retrying) RewriteAttempts(ctx context.Context, item string) (string, int, error) {
	var (
		attempts atomic.Int32
		lastErr  atomic.Value
	)
	text, err := failsafe.With(r.policy).WithContext(ctx).Get(func() (string, error) {
		n := int(attempts.Add(1))
		actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()

		start := time.Now()
		out, err := r.next.Rewrite(actx, item)
		if err == nil && out == "" {
			err = ErrEmptyOutput
		}
		if r.cfg.OnAttempt != nil {
			r.cfg.OnAttempt(n, time.Since(start), err)
		}
		if err != nil {
			lastErr.Store(errBox{err})
			r.log.Warn("rewrite attempt failed", logx.Int("attempt", n), logx.Int("max_attempts", r.cfg.MaxAttempts), logx.Err(err))
		}
		return out, err
	})
	n := int(attempts.Load())
	if err == nil {
		return text, n, nil
	}
	if b, ok := lastErr.Load().(errBox); ok {
		if ctx.Err() != nil {
			return "", n, errors.Join(ctx.Err(), b.err)
		}
		return "", n, fmt.Errorf("rewrite failed after %d attempt(s): %w", n, b.err)
	}
	return "", n, err
}

type errBox struct{ err error }

package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureNotifier) Notify(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("IsZero() = false, want true")
	}
	l.Info("dropped", String("k", "v"))
	l.With(Int("n", 1)).Error("dropped", Err(errors.New("x")))
}

func TestServiceApplyChangesLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	svc, log := New(Config{Level: "warn", Console: true}, WithOutput(&buf))
	defer svc.Close()

	log.Info("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}

	svc.Apply(Config{Level: "debug", Console: true})
	log.With(String("comp", "test")).Debug("visible", Int("n", 7))
	out := buf.String()
	if !strings.Contains(out, "visible") || !strings.Contains(out, "comp=test") {
		t.Fatalf("output = %q, want debug line with comp field", out)
	}
}

func TestOperatorSinkForwardsWarnings(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	n := &captureNotifier{}
	svc, log := New(Config{Level: "info", Console: true, Operator: OperatorConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}}, WithOutput(&buf))
	defer svc.Close()
	svc.SetNotifier(n)

	log.Info("not forwarded")
	log.Warn("pool reload failed", String("source", "file"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(n.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := n.snapshot()
	if len(got) != 1 {
		t.Fatalf("forwarded = %d messages, want 1 (%v)", len(got), got)
	}
	if !strings.HasPrefix(got[0], "[WARN] pool reload failed") || !strings.Contains(got[0], "- source=file") {
		t.Fatalf("forwarded = %q", got[0])
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]Level{"debug": LevelDebug, " WARNING ": LevelWarn, "error": LevelError, "bogus": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

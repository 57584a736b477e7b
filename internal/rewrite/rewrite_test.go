package rewrite

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"factbot/pkg/logx"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, AttemptTimeout: time.Second}
}

func chatServer(t *testing.T, handler func(n int32, w http.ResponseWriter, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(calls.Add(1), w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeChoice(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":` + jsonString(content) + `}}]}`))
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestOpenAISendsStyleAndItem(t *testing.T) {
	t.Parallel()
	temp := 0.7
	srv, _ := chatServer(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "gpt-5-mini" || len(req.Messages) != 2 || req.Messages[0].Content != DefaultStyle {
			t.Errorf("request = %+v", req)
		}
		if !strings.Contains(req.Messages[1].Content, "Луна") || req.Temperature == nil || *req.Temperature != 0.7 {
			t.Errorf("user message = %+v temp=%v", req.Messages[1], req.Temperature)
		}
		writeChoice(w, "  Досье о Луне.  ")
	})

	p := NewOpenAI(OpenAIConfig{APIURL: srv.URL + "/", APIKey: "sk-test", Temperature: &temp})
	got, err := p.Rewrite(context.Background(), "Луна")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got != "Досье о Луне." {
		t.Fatalf("Rewrite = %q", got)
	}
}

func TestRetryRecoversFromServerErrors(t *testing.T) {
	t.Parallel()
	srv, calls := chatServer(t, func(n int32, w http.ResponseWriter, _ *http.Request) {
		if n < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		writeChoice(w, "ok")
	})

	var observed atomic.Int32
	cfg := fastRetry()
	cfg.OnAttempt = func(int, time.Duration, error) { observed.Add(1) }
	r := WithRetry(NewOpenAI(OpenAIConfig{APIURL: srv.URL}), cfg, logx.Nop())

	text, attempts, err := r.RewriteAttempts(context.Background(), "x")
	if err != nil || text != "ok" {
		t.Fatalf("RewriteAttempts = %q, %v", text, err)
	}
	if attempts != 3 || calls.Load() != 3 || observed.Load() != 3 {
		t.Fatalf("attempts=%d calls=%d observed=%d, want 3", attempts, calls.Load(), observed.Load())
	}
}

func TestRetryStopsOnClientError(t *testing.T) {
	t.Parallel()
	srv, calls := chatServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	})
	r := WithRetry(NewOpenAI(OpenAIConfig{APIURL: srv.URL}), fastRetry(), logx.Nop())

	_, attempts, err := r.RewriteAttempts(context.Background(), "x")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 StatusError", err)
	}
	if attempts != 1 || calls.Load() != 1 {
		t.Fatalf("attempts=%d calls=%d, want 1", attempts, calls.Load())
	}
}

func TestRetryGivesUpOnEmptyOutput(t *testing.T) {
	t.Parallel()
	srv, calls := chatServer(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		writeChoice(w, "   ")
	})
	r := WithRetry(NewOpenAI(OpenAIConfig{APIURL: srv.URL}), fastRetry(), logx.Nop())

	_, attempts, err := r.RewriteAttempts(context.Background(), "x")
	if !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("err = %v, want ErrEmptyOutput", err)
	}
	if attempts != 3 || calls.Load() != 3 {
		t.Fatalf("attempts=%d calls=%d, want 3", attempts, calls.Load())
	}
}

type slowRewriter struct{}

func (slowRewriter) Rewrite(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRetryAppliesAttemptTimeout(t *testing.T) {
	t.Parallel()
	cfg := fastRetry()
	cfg.AttemptTimeout = 20 * time.Millisecond
	start := time.Now()
	_, attempts, err := WithRetry(slowRewriter{}, cfg, logx.Nop()).RewriteAttempts(context.Background(), "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("took %v", took)
	}
}

func TestPassthrough(t *testing.T) {
	t.Parallel()
	if got, err := (Passthrough{}).Rewrite(context.Background(), "raw"); err != nil || got != "raw" {
		t.Fatalf("Passthrough = %q, %v", got, err)
	}
}

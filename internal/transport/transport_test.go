package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSplitPreservesContent(t *testing.T) {
	t.Parallel()
	para := strings.Repeat("Слово ", 30) + "\n"
	cases := []struct {
		name  string
		text  string
		limit int
	}{
		{"short", "hello", 10},
		{"exact", strings.Repeat("a", 10), 10},
		{"no newlines", strings.Repeat("b", 95), 10},
		{"paragraphs cyrillic", strings.Repeat(para, 40), 4096 / 8},
		{"leading newlines kept", "\n\n\n" + strings.Repeat("c\n", 50), 7},
		{"only newlines", strings.Repeat("\n", 25), 4},
		{"emoji", strings.Repeat("🙂", 50), 9},
		{"mixed planes", strings.Repeat("ф🙂\n", 40), 16},
		{"invalid bytes", "ab\xffcd\xfe\xfd" + strings.Repeat("е", 20), 5},
		{"pair wider than limit", "🙂🙂", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks := Split(tc.text, tc.limit)
			if got := strings.Join(chunks, ""); got != tc.text {
				t.Fatalf("joined chunks differ from input")
			}
			for i, c := range chunks {
				n := UTF16Len(c)
				if n == 0 || (n > tc.limit && utf8.RuneCountInString(c) > 1) {
					t.Fatalf("chunk %d has %d units, limit %d", i, n, tc.limit)
				}
			}
		})
	}
}

func TestSplitPrefersNewline(t *testing.T) {
	t.Parallel()
	text := "aaaaaa\nbbbbbbbbb"
	chunks := Split(text, 10)
	if len(chunks) != 2 || chunks[0] != "aaaaaa\n" || chunks[1] != "bbbbbbbbb" {
		t.Fatalf("Split = %q", chunks)
	}
}

func TestSplitCountsUTF16Units(t *testing.T) {
	t.Parallel()
	// 4096 emoji are 8192 units: two full messages.
	chunks := Split(strings.Repeat("🙂", 4096), 4096)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if n := UTF16Len(c); n != 4096 {
			t.Fatalf("chunk %d has %d units", i, n)
		}
	}
	if got := UTF16Len("a\xffб🙂"); got != 5 {
		t.Fatalf("UTF16Len = %d, want 5", got)
	}
}

func TestSplitEmpty(t *testing.T) {
	t.Parallel()
	if got := Split("", 10); len(got) != 0 {
		t.Fatalf("Split(\"\") = %q, want none", got)
	}
}

func TestParseTargetRoundTrip(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"12345", "-100123:42"} {
		tg, err := ParseTarget(id)
		if err != nil {
			t.Fatalf("ParseTarget(%q): %v", id, err)
		}
		if tg.String() != id {
			t.Fatalf("String() = %q, want %q", tg.String(), id)
		}
	}
	for _, bad := range []string{"", "abc", "0", "1:x"} {
		if _, err := ParseTarget(bad); err == nil {
			t.Fatalf("ParseTarget(%q) accepted", bad)
		}
	}
}

type recordSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (r *recordSender) SendText(ctx context.Context, _ ChatTarget, text string, _ *SendOptions) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("no deadline")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return r.err
}

func TestThrottledAppliesTimeoutAndForwards(t *testing.T) {
	t.Parallel()
	rec := &recordSender{}
	th := NewThrottled(rec, 100, time.Second)
	for i := 0; i < 3; i++ {
		if err := th.SendText(context.Background(), ChatTarget{ChatID: 1}, "x", nil); err != nil {
			t.Fatalf("SendText: %v", err)
		}
	}
	if len(rec.texts) != 3 {
		t.Fatalf("forwarded %d, want 3", len(rec.texts))
	}
}

func TestThrottledHonoursCancel(t *testing.T) {
	t.Parallel()
	th := NewThrottled(&recordSender{}, 1, time.Second)
	ctx := context.Background()
	if err := th.SendText(ctx, ChatTarget{ChatID: 1}, "first", nil); err != nil {
		t.Fatalf("first send: %v", err)
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := th.SendText(cctx, ChatTarget{ChatID: 1}, "second", nil); err == nil {
		t.Fatalf("send with cancelled context succeeded")
	}
}

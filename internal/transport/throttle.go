package transport

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttled paces outgoing messages and bounds each send with a timeout.
type Throttled struct {
	next    Sender
	limiter *rate.Limiter
	timeout time.Duration
}

// NewThrottled allows perSec messages per second (burst perSec). Zero
// perSec disables pacing; zero timeout disables the deadline.
func NewThrottled(next Sender, perSec int, timeout time.Duration) *Throttled {
	t := &Throttled{next: next, timeout: timeout}
	if perSec > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	}
	return t
}

func (t *Throttled) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return t.next.SendText(ctx, to, text, opt)
}

// Notifier sends operator log lines to a fixed chat.
type Notifier struct {
	Sender Sender
	To     ChatTarget
}

func (n Notifier) Notify(ctx context.Context, text string) error {
	if n.Sender == nil || n.To.ChatID == 0 {
		return nil
	}
	return n.Sender.SendText(ctx, n.To, text, &SendOptions{DisablePreview: true})
}

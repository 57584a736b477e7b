package engine

import (
	"context"
	"runtime/debug"
	"time"

	"factbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	t := qt.task

	if s.cfg.MaxQueueDelay > 0 && queueDelay > s.cfg.MaxQueueDelay {
		qt.release()
		s.droppedStale.Add(1)
		s.publish(EventDropped, TaskEvent{ID: t.ID, Name: t.Name, Key: qt.key, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.record(HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		if s.shouldWarn(&s.lastStaleWarn, start) {
			s.log.Warn("task dropped: stale queue", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay))
		}
		return
	}

	s.publish(EventStarted, TaskEvent{ID: t.ID, Name: t.Name, Key: qt.key, Started: start, QueueDelay: queueDelay})

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	err := s.runGuarded(runCtx, t)
	cancel()
	qt.release()

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		s.log.Warn("task failed", logx.String("task", t.Name), logx.String("key", qt.key), logx.Err(err), logx.Duration("dur", dur))
		s.publish(EventFailed, TaskEvent{ID: t.ID, Name: t.Name, Key: qt.key, Started: start, QueueDelay: queueDelay, Duration: dur, Error: item.Error})
	} else {
		s.completed.Add(1)
		s.log.Debug("task completed", logx.String("task", t.Name), logx.String("key", qt.key), logx.Duration("dur", dur))
		s.publish(EventFinished, TaskEvent{ID: t.ID, Name: t.Name, Key: qt.key, Started: start, QueueDelay: queueDelay, Duration: dur})
	}
	s.record(item)
}

// runGuarded converts a panic in Run into a *PanicError so one bad task
// cannot kill a worker.
func (s *Service) runGuarded(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			stack := string(debug.Stack())
			s.log.Error("task panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(stack))
			err = &PanicError{Value: r, Stack: stack}
		}
	}()
	return t.Run(ctx)
}

func (qt queuedTask) release() {
	if qt.state != nil {
		qt.state.release()
	}
}

// Package scheduler evaluates the configured slots once per tick and hands
// due deliveries to the task engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"factbot/internal/delivery"
	"factbot/internal/metrics"
	"factbot/internal/storage"
	"factbot/internal/task/engine"
	"factbot/pkg/logx"
)

type Config struct {
	// Tick is the evaluation interval. Defaults to one minute.
	Tick time.Duration
	// MaxCatchup bounds how far back a late tick looks. Defaults to 5m.
	MaxCatchup time.Duration
	Location   *time.Location
	Slots      []Slot
	// TaskTimeout bounds one delivery task. 0 uses the engine default.
	TaskTimeout time.Duration
	Now         func() time.Time
}

// Deliverer is implemented by *delivery.Pipeline.
type Deliverer interface {
	DeliverAt(ctx context.Context, recipient, slot, day string) (delivery.Result, error)
}

// Dispatcher is implemented by *engine.Service.
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

// StateLister is the read side of storage.Store.
type StateLister interface {
	ListStates(ctx context.Context) ([]storage.RecipientState, error)
}

type Deps struct {
	Deliverer Deliverer
	Engine    Dispatcher
	States    StateLister
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

type Service struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	last time.Time
}

// TickReport summarizes one evaluation.
type TickReport struct {
	Minutes    int
	Recipients int
	Enqueued   int
	Skipped    int
	Dropped    int
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Deliverer == nil || deps.Engine == nil || deps.States == nil {
		return nil, errors.New("scheduler: deliverer, engine and state lister are required")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.MaxCatchup <= 0 {
		cfg.MaxCatchup = 5 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "scheduler"))}, nil
}

func (s *Service) Slots() []Slot { return slices.Clone(s.cfg.Slots) }

// Run evaluates immediately and then on every tick until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	names := make([]string, 0, len(s.cfg.Slots))
	for _, sl := range s.cfg.Slots {
		names = append(names, sl.Name+"="+sl.At)
	}
	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.Tick),
		logx.String("tz", s.cfg.Location.String()),
		logx.Strings("slots", names))

	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		s.Tick(ctx, s.cfg.Now())
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-t.C:
		}
	}
}

// window returns the minutes to evaluate for a tick at now: every minute
// after the previous tick up to now, at most MaxCatchup of them. The first
// tick evaluates only the current minute.
func (s *Service) window(now time.Time) []time.Time {
	cur := truncateMinute(now.In(s.cfg.Location))

	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.last
	if !last.IsZero() && !cur.After(last) {
		return nil
	}
	s.last = cur
	if last.IsZero() {
		return []time.Time{cur}
	}

	limit := int(s.cfg.MaxCatchup / time.Minute)
	limit = max(limit, 1)
	var out []time.Time
	for m := cur; m.After(last) && len(out) < limit; m = m.Add(-time.Minute) {
		out = append(out, m)
	}
	slices.Reverse(out)
	return out
}

// Tick evaluates every active recipient against the slots due in the
// minutes since the previous tick.
func (s *Service) Tick(ctx context.Context, now time.Time) TickReport {
	var rep TickReport
	minutes := s.window(now)
	rep.Minutes = len(minutes)
	s.deps.Metrics.Tick()
	if len(minutes) == 0 || len(s.cfg.Slots) == 0 {
		return rep
	}

	states, err := s.deps.States.ListStates(ctx)
	if err != nil {
		s.log.Error("list recipients failed", logx.Err(err))
		s.deps.Metrics.Dispatch("error")
		return rep
	}

	for _, st := range states {
		if !st.Active {
			continue
		}
		rep.Recipients++
		for _, slot := range s.cfg.Slots {
			if !wantsSlot(st, slot.Name) {
				continue
			}
			for _, m := range minutes {
				if !slot.Matches(m) {
					continue
				}
				day := m.Format(storage.DateLayout)
				if st.LastResetDate > day || (st.LastResetDate == day && st.SlotSent(slot.Name)) {
					break
				}
				switch s.dispatch(st.RecipientID, slot.Name, day) {
				case nil:
					rep.Enqueued++
				case engine.ErrOverlapSkip:
					rep.Skipped++
				default:
					rep.Dropped++
				}
				break
			}
		}
	}
	s.deps.Metrics.ActiveRecipients(rep.Recipients)
	if rep.Enqueued+rep.Skipped+rep.Dropped > 0 {
		s.log.Debug("tick evaluated",
			logx.Int("minutes", rep.Minutes),
			logx.Int("recipients", rep.Recipients),
			logx.Int("enqueued", rep.Enqueued),
			logx.Int("skipped", rep.Skipped),
			logx.Int("dropped", rep.Dropped))
	}
	return rep
}

func (s *Service) dispatch(recipient, slot, day string) error {
	err := s.deps.Engine.Enqueue(engine.Task{
		Name:    "deliver",
		Key:     recipient + "/" + slot,
		Timeout: s.cfg.TaskTimeout,
		Overlap: engine.OverlapSkipIfRunning,
		Run: func(ctx context.Context) error {
			_, err := s.deps.Deliverer.DeliverAt(ctx, recipient, slot, day)
			return err
		},
	})
	switch {
	case err == nil:
		s.deps.Metrics.Dispatch("enqueued")
	case errors.Is(err, engine.ErrOverlapSkip):
		s.deps.Metrics.Dispatch("skipped")
		return engine.ErrOverlapSkip
	default:
		s.deps.Metrics.Dispatch("dropped")
		s.log.Warn("delivery not enqueued", logx.String("recipient", recipient), logx.String("slot", slot), logx.Err(err))
	}
	return err
}

func wantsSlot(st storage.RecipientState, name string) bool {
	return len(st.Slots) == 0 || slices.Contains(st.Slots, name)
}

// NextSlot returns the earliest slot firing after now among names, or
// among all slots when names is empty.
func (s *Service) NextSlot(now time.Time, names []string) (Slot, time.Time, bool) {
	var (
		best   Slot
		bestAt time.Time
	)
	for _, sl := range s.cfg.Slots {
		if len(names) > 0 && !slices.Contains(names, sl.Name) {
			continue
		}
		at := sl.Next(now.In(s.cfg.Location))
		if at.IsZero() {
			continue
		}
		if bestAt.IsZero() || at.Before(bestAt) {
			best, bestAt = sl, at
		}
	}
	return best, bestAt, !bestAt.IsZero()
}

// Describe renders the slot list for logs and replies.
func Describe(slots []Slot) string {
	out := ""
	for i, sl := range slots {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s (%s)", sl.Name, sl.At)
	}
	return out
}

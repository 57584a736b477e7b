package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"factbot/internal/delivery"
	"factbot/internal/storage"
	"factbot/internal/task/engine"
	"factbot/internal/transport"
	"factbot/pkg/logx"
)

func TestParseSlot(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	tests := []struct {
		name    string
		at      string
		g       Granularity
		matches []time.Time
		misses  []time.Time
	}{
		{
			name:    "morning",
			at:      "09:30",
			g:       GranularityMinute,
			matches: []time.Time{time.Date(2026, 3, 14, 9, 30, 45, 0, loc)},
			misses:  []time.Time{time.Date(2026, 3, 14, 9, 31, 0, 0, loc), time.Date(2026, 3, 14, 10, 30, 0, 0, loc)},
		},
		{
			name:    "hourly",
			at:      "9:05",
			g:       GranularityHour,
			matches: []time.Time{time.Date(2026, 3, 14, 9, 0, 0, 0, loc), time.Date(2026, 3, 14, 9, 59, 0, 0, loc)},
			misses:  []time.Time{time.Date(2026, 3, 14, 10, 0, 0, 0, loc)},
		},
		{
			name:    "weekdays",
			at:      "cron:0 8 * * 1-5",
			g:       GranularityMinute,
			matches: []time.Time{time.Date(2026, 3, 16, 8, 0, 0, 0, loc)},
			misses:  []time.Time{time.Date(2026, 3, 14, 8, 0, 0, 0, loc)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl, err := ParseSlot(tt.name, tt.at, tt.g)
			if err != nil {
				t.Fatalf("ParseSlot: %v", err)
			}
			for _, m := range tt.matches {
				if !sl.Matches(m) {
					t.Errorf("%s (%s) should match %s", tt.at, sl.Expr, m)
				}
			}
			for _, m := range tt.misses {
				if sl.Matches(m) {
					t.Errorf("%s (%s) should not match %s", tt.at, sl.Expr, m)
				}
			}
		})
	}
}

func TestParseSlotErrors(t *testing.T) {
	t.Parallel()
	for _, at := range []string{"", "24:00", "9:60", "noon", "cron:", "cron:61 * * * *"} {
		if _, err := ParseSlot("morning", at, GranularityMinute); err == nil {
			t.Errorf("ParseSlot(%q) succeeded", at)
		}
	}
	if _, err := ParseSlot("Bad Name", "09:00", GranularityMinute); err == nil {
		t.Errorf("invalid name accepted")
	}
	_, err := ParseSlots([]SlotConfig{{Name: "a", At: "09:00"}, {Name: "a", At: "10:00"}}, GranularityMinute)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("duplicate names err = %v", err)
	}
	if _, err := ParseGranularity("second"); err == nil {
		t.Fatalf("unknown granularity accepted")
	}
}

type listStates struct {
	mu     sync.Mutex
	states []storage.RecipientState
}

func (l *listStates) ListStates(context.Context) ([]storage.RecipientState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.RecipientState(nil), l.states...), nil
}

type syncEngine struct {
	tasks []engine.Task
	busy  map[string]bool
}

func (e *syncEngine) Enqueue(t engine.Task) error {
	if e.busy[t.Key] {
		return engine.ErrOverlapSkip
	}
	e.tasks = append(e.tasks, t)
	return nil
}

func (e *syncEngine) runAll(t *testing.T) {
	t.Helper()
	for _, task := range e.tasks {
		if err := task.Run(context.Background()); err != nil {
			t.Fatalf("task %s: %v", task.Key, err)
		}
	}
	e.tasks = nil
}

// recorder marks slots in the shared state list like the pipeline would.
type recorder struct {
	states *listStates
	calls  []string
}

func (r *recorder) DeliverAt(_ context.Context, recipient, slot, day string) (delivery.Result, error) {
	r.calls = append(r.calls, recipient+"/"+slot+"@"+day)
	r.states.mu.Lock()
	defer r.states.mu.Unlock()
	for i := range r.states.states {
		if r.states.states[i].RecipientID == recipient {
			r.states.states[i].Rollover(day)
			r.states.states[i].MarkSlot(slot)
		}
	}
	return delivery.Result{RecipientID: recipient, Slot: slot, Day: day, Outcome: delivery.Sent}, nil
}

func newTestService(t *testing.T, slots []SlotConfig, states ...storage.RecipientState) (*Service, *syncEngine, *recorder) {
	t.Helper()
	parsed, err := ParseSlots(slots, GranularityMinute)
	if err != nil {
		t.Fatalf("ParseSlots: %v", err)
	}
	ls := &listStates{states: states}
	rec := &recorder{states: ls}
	eng := &syncEngine{busy: map[string]bool{}}
	svc, err := New(Config{Location: time.UTC, Slots: parsed}, Deps{Deliverer: rec, Engine: eng, States: ls, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, eng, rec
}

func active(id, today string, slots ...string) storage.RecipientState {
	st := storage.NewRecipientState(id, today, time.Now())
	st.Active = true
	st.Slots = slots
	return st
}

func TestTickDispatchesDueSlotsOncePerDay(t *testing.T) {
	t.Parallel()
	svc, eng, rec := newTestService(t,
		[]SlotConfig{{Name: "morning", At: "09:00"}, {Name: "evening", At: "21:00"}},
		active("100", "2026-03-14"),
		active("200", "2026-03-14", "evening"),
		storage.NewRecipientState("300", "2026-03-14", time.Now()),
	)
	at := time.Date(2026, 3, 14, 9, 0, 10, 0, time.UTC)

	rep := svc.Tick(context.Background(), at)
	if rep.Enqueued != 1 || rep.Recipients != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if eng.tasks[0].Key != "100/morning" || eng.tasks[0].Overlap != engine.OverlapSkipIfRunning {
		t.Fatalf("task = %+v", eng.tasks[0])
	}
	eng.runAll(t)

	// A second tick in the same minute evaluates nothing.
	if rep := svc.Tick(context.Background(), at.Add(20*time.Second)); rep.Minutes != 0 {
		t.Fatalf("same-minute tick = %+v", rep)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "100/morning@2026-03-14" {
		t.Fatalf("deliveries = %v", rec.calls)
	}
}

func TestTickCoversSkippedMinute(t *testing.T) {
	t.Parallel()
	svc, eng, _ := newTestService(t, []SlotConfig{{Name: "morning", At: "09:00"}}, active("100", "2026-03-14"))

	svc.Tick(context.Background(), time.Date(2026, 3, 14, 8, 59, 50, 0, time.UTC))
	// The tick that should have landed in 09:00 arrives late.
	rep := svc.Tick(context.Background(), time.Date(2026, 3, 14, 9, 1, 5, 0, time.UTC))
	if rep.Minutes != 2 || rep.Enqueued != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if eng.tasks[0].Key != "100/morning" {
		t.Fatalf("task key = %s", eng.tasks[0].Key)
	}
}

func TestNoCatchUpAfterDowntime(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, []SlotConfig{{Name: "morning", At: "09:00"}}, active("100", "2026-03-14"))

	// First tick after startup looks at the current minute only.
	if rep := svc.Tick(context.Background(), time.Date(2026, 3, 14, 9, 3, 0, 0, time.UTC)); rep.Enqueued != 0 || rep.Minutes != 1 {
		t.Fatalf("startup tick = %+v", rep)
	}

	svc2, _, _ := newTestService(t, []SlotConfig{{Name: "morning", At: "09:00"}}, active("100", "2026-03-14"))
	svc2.Tick(context.Background(), time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC))
	// An hour-long stall only looks back MaxCatchup.
	rep := svc2.Tick(context.Background(), time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	if rep.Minutes != 5 || rep.Enqueued != 0 {
		t.Fatalf("stalled tick = %+v", rep)
	}
}

func TestSentSlotOnEarlierDayIsDueAgain(t *testing.T) {
	t.Parallel()
	st := active("100", "2026-03-13")
	st.MarkSlot("morning")
	svc, eng, _ := newTestService(t, []SlotConfig{{Name: "morning", At: "09:00"}}, st)

	rep := svc.Tick(context.Background(), time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	if rep.Enqueued != 1 || len(eng.tasks) != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestOverlapSkipIsCounted(t *testing.T) {
	t.Parallel()
	svc, eng, _ := newTestService(t, []SlotConfig{{Name: "morning", At: "09:00"}}, active("100", "2026-03-14"))
	eng.busy["100/morning"] = true
	rep := svc.Tick(context.Background(), time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	if rep.Skipped != 1 || rep.Enqueued != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestNextSlot(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, []SlotConfig{{Name: "morning", At: "09:00"}, {Name: "evening", At: "21:00"}})
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	sl, at, ok := svc.NextSlot(now, nil)
	if !ok || sl.Name != "evening" || at.Hour() != 21 {
		t.Fatalf("NextSlot = %s %s %v", sl.Name, at, ok)
	}
	sl, at, ok = svc.NextSlot(now, []string{"morning"})
	if !ok || sl.Name != "morning" || at.Day() != 15 {
		t.Fatalf("NextSlot(morning) = %s %s %v", sl.Name, at, ok)
	}
	if got := Describe(svc.Slots()); got != "morning (09:00), evening (21:00)" {
		t.Fatalf("Describe = %q", got)
	}
}

func TestLateSlotRunningAfterMidnightKeepsItsDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var now atomic.Pointer[time.Time]
	setNow := func(tm time.Time) { now.Store(&tm) }
	setNow(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	sender := &countSender{}
	p, err := delivery.New(delivery.Config{Location: time.UTC, Now: func() time.Time { return *now.Load() }}, delivery.Deps{
		Pool:     itemList{"a", "b", "c"},
		Rewriter: identity{},
		Sender:   sender,
		Store:    store,
		Log:      logx.Nop(),
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if _, err := p.Activate(ctx, "100", nil); err != nil {
		t.Fatalf("activate: %v", err)
	}

	slots, err := ParseSlots([]SlotConfig{{Name: "late", At: "23:59"}}, GranularityMinute)
	if err != nil {
		t.Fatalf("ParseSlots: %v", err)
	}
	eng := &syncEngine{busy: map[string]bool{}}
	svc, err := New(Config{Location: time.UTC, Slots: slots}, Deps{Deliverer: p, Engine: eng, States: store, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tick := func(at time.Time) TickReport {
		setNow(at)
		rep := svc.Tick(ctx, at)
		eng.runAll(t)
		return rep
	}

	tick(time.Date(2026, 3, 14, 23, 58, 30, 0, time.UTC))
	// The 23:59 minute is only seen by the first tick after midnight.
	if rep := tick(time.Date(2026, 3, 15, 0, 0, 5, 0, time.UTC)); rep.Enqueued != 1 {
		t.Fatalf("midnight tick = %+v", rep)
	}
	st, err := store.GetState(ctx, "100")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.LastResetDate != "2026-03-14" || !st.SlotSent("late") {
		t.Fatalf("state after midnight run = %+v", st)
	}

	if rep := tick(time.Date(2026, 3, 15, 23, 59, 10, 0, time.UTC)); rep.Enqueued != 1 {
		t.Fatalf("next day tick = %+v", rep)
	}
	if got := sender.n.Load(); got != 2 {
		t.Fatalf("sends = %d, want one per day", got)
	}
	st, _ = store.GetState(ctx, "100")
	if st.LastResetDate != "2026-03-15" || !st.SlotSent("late") {
		t.Fatalf("state after second day = %+v", st)
	}
}

func TestSlotForPassedDayIsNotDispatched(t *testing.T) {
	t.Parallel()
	svc, _, rec := newTestService(t, []SlotConfig{{Name: "late", At: "23:59"}, {Name: "early", At: "00:00"}},
		active("100", "2026-03-14"))

	svc.Tick(context.Background(), time.Date(2026, 3, 14, 23, 58, 0, 0, time.UTC))
	svc.deps.States.(*listStates).states[0].Rollover("2026-03-15")
	rep := svc.Tick(context.Background(), time.Date(2026, 3, 15, 0, 0, 5, 0, time.UTC))
	if rep.Enqueued != 1 || len(rec.calls) != 0 {
		t.Fatalf("report = %+v calls = %v", rep, rec.calls)
	}
}

type itemList []string

func (l itemList) Load(context.Context) ([]string, error) { return l, nil }

type identity struct{}

func (identity) RewriteAttempts(_ context.Context, item string) (string, int, error) {
	return item, 1, nil
}

type countSender struct{ n atomic.Int32 }

func (c *countSender) SendText(context.Context, transport.ChatTarget, string, *transport.SendOptions) error {
	c.n.Add(1)
	return nil
}

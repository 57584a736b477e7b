// Package delivery performs one delivery for one recipient: pick an unused
// item, rewrite it, send it and record the result, all under a
// per-recipient lock.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"factbot/internal/eventbus"
	"factbot/internal/metrics"
	"factbot/internal/rotation"
	"factbot/internal/storage"
	"factbot/internal/transport"
	"factbot/pkg/logx"
)

type Config struct {
	// MaxMessageLen is the per-message limit in UTF-16 code units. Defaults to 4096.
	MaxMessageLen  int
	ParseMode      string
	DisablePreview bool
	// Location decides the calendar day used for slot marks.
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
}

type Deps struct {
	Pool     ItemSource
	Rewriter Generator
	Picker   Chooser
	Sender   transport.Sender
	Store    storage.Store
	Metrics  *metrics.Metrics
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Pipeline struct {
	cfg   Config
	deps  Deps
	log   logx.Logger
	locks *lockset
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Pool == nil:
		return nil, errors.New("delivery: pool is required")
	case deps.Rewriter == nil:
		return nil, errors.New("delivery: rewriter is required")
	case deps.Sender == nil:
		return nil, errors.New("delivery: sender is required")
	case deps.Store == nil:
		return nil, errors.New("delivery: store is required")
	}
	if deps.Picker == nil {
		deps.Picker = rotation.NewPicker(0)
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 4096
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
	return &Pipeline{
		cfg:   cfg,
		deps:  deps,
		log:   log.With(logx.String("comp", "delivery")),
		locks: newLockset(),
	}, nil
}

func (p *Pipeline) now() time.Time { return p.cfg.Now().In(p.cfg.Location) }

// Today is the current calendar date in the pipeline's location.
func (p *Pipeline) Today() string { return p.now().Format(storage.DateLayout) }

// Deliver sends one item to recipient. slot names the schedule slot; an
// empty slot is an on-demand delivery that neither checks nor sets slot
// marks. The returned error is non-nil only for state store faults and
// malformed recipient ids.
func (p *Pipeline) Deliver(ctx context.Context, recipient, slot string) (Result, error) {
	return p.DeliverAt(ctx, recipient, slot, "")
}

// DeliverAt is Deliver for the occurrence of slot on day (YYYY-MM-DD), so
// a slot that matched shortly before midnight is recorded against its own
// day. A day the record has already moved past yields Expired. An empty
// day means today.
func (p *Pipeline) DeliverAt(ctx context.Context, recipient, slot, day string) (Result, error) {
	start := time.Now()
	if day == "" {
		day = p.Today()
	}
	res := Result{RecipientID: recipient, Slot: slot, Day: day}

	res, err := p.deliver(ctx, res)
	res.Took = time.Since(start)
	if err != nil {
		res.Outcome, res.Err = Failed, err
	}
	p.finish(ctx, res)
	return res, err
}

func (p *Pipeline) deliver(ctx context.Context, res Result) (Result, error) {
	to, err := transport.ParseTarget(res.RecipientID)
	if err != nil {
		return res, err
	}

	unlock := p.locks.lock(res.RecipientID)
	defer unlock()

	st, dirty, err := p.load(ctx, res.RecipientID, res.Day)
	if err != nil {
		return res, err
	}
	// keep persists a pending rollover when the attempt ends without a send.
	keep := func(o Outcome, cause error) (Result, error) {
		res.Outcome, res.Err = o, cause
		if dirty {
			if err := p.save(ctx, &st); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	if res.Slot != "" {
		if st.LastResetDate > res.Day {
			return keep(Expired, nil)
		}
		if st.SlotSent(res.Slot) {
			return keep(AlreadySent, nil)
		}
	}

	items, err := p.deps.Pool.Load(ctx)
	if err != nil {
		return keep(NoContent, err)
	}
	p.deps.Metrics.PoolSize(len(items))

	item, reset, err := p.deps.Picker.Select(items, st.ConsumedSet())
	if err != nil {
		return keep(NoContent, err)
	}
	res.Item, res.Reset = item, reset

	text, attempts, err := p.deps.Rewriter.RewriteAttempts(ctx, item)
	res.Attempts = attempts
	if err != nil {
		return keep(GenerationFailed, fmt.Errorf("%w: %w", ErrGenerationFailed, err))
	}

	chunks := transport.Split(text, p.cfg.MaxMessageLen)
	opt := &transport.SendOptions{ParseMode: p.cfg.ParseMode, DisablePreview: p.cfg.DisablePreview}
	for i, chunk := range chunks {
		if err := p.deps.Sender.SendText(ctx, to, chunk, opt); err != nil {
			res.Chunks = i
			return keep(TransportFailed, fmt.Errorf("%w: chunk %d/%d: %w", ErrTransport, i+1, len(chunks), err))
		}
	}
	res.Chunks = len(chunks)

	if reset {
		st.ResetConsumed()
		p.deps.Metrics.RotationReset()
	}
	st.MarkConsumed(item)
	if res.Slot != "" {
		st.MarkSlot(res.Slot)
	}
	if err := p.save(ctx, &st); err != nil {
		return res, err
	}
	res.Outcome = Sent
	return res, nil
}

// load returns the stored record rolled over to day, or a fresh one. A
// record already dated after day is never rolled back. dirty reports an
// existing record that rollover changed.
func (p *Pipeline) load(ctx context.Context, id, day string) (storage.RecipientState, bool, error) {
	st, err := p.deps.Store.GetState(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.NewRecipientState(id, day, p.now()), false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("load state %s: %w", id, err)
	}
	if st.LastResetDate > day {
		return st, false, nil
	}
	return st, st.Rollover(day), nil
}

func (p *Pipeline) save(ctx context.Context, st *storage.RecipientState) error {
	st.UpdatedAt = p.now()
	if err := p.deps.Store.PutState(ctx, *st); err != nil {
		return fmt.Errorf("save state %s: %w", st.RecipientID, err)
	}
	return nil
}

func (p *Pipeline) finish(ctx context.Context, res Result) {
	p.deps.Metrics.Delivery(res.Trigger(), string(res.Outcome), res.Took)
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(eventbus.Event{Type: "delivery." + string(res.Outcome), Data: res})
	}

	fields := []logx.Field{
		logx.String("recipient", res.RecipientID),
		logx.String("trigger", res.Trigger()),
		logx.String("outcome", string(res.Outcome)),
		logx.Duration("took", res.Took),
	}
	if res.Slot != "" {
		fields = append(fields, logx.String("slot", res.Slot))
	}
	if res.Attempts > 0 {
		fields = append(fields, logx.Int("attempts", res.Attempts))
	}
	if res.Reset {
		fields = append(fields, logx.Bool("reset", true))
	}
	switch res.Outcome {
	case Sent:
		p.log.Info("delivered", append(fields, logx.Int("chunks", res.Chunks))...)
	case AlreadySent:
		p.log.Debug("slot already delivered today", fields...)
	case Expired:
		p.log.Info("slot day already passed", append(fields, logx.String("day", res.Day))...)
	case Failed:
		p.log.Error("delivery failed", append(fields, logx.Err(res.Err))...)
	default:
		p.log.Warn("delivery not completed", append(fields, logx.Err(res.Err))...)
	}

	if res.Outcome == AlreadySent {
		return
	}
	rec := storage.DeliveryRecord{
		At:          p.now(),
		RecipientID: res.RecipientID,
		Slot:        res.Slot,
		Trigger:     res.Trigger(),
		Outcome:     string(res.Outcome),
		Item:        res.Item,
		Reset:       res.Reset,
		Attempts:    res.Attempts,
		Chunks:      res.Chunks,
		TookMS:      res.Took.Milliseconds(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := p.deps.Store.AppendDelivery(context.WithoutCancel(ctx), rec); err != nil {
		p.log.Warn("delivery log append failed", logx.String("recipient", res.RecipientID), logx.Err(err))
	}
}

// Activate enables scheduled delivery for recipient. slots replaces any
// earlier selection; empty means every configured slot.
func (p *Pipeline) Activate(ctx context.Context, recipient string, slots []string) (storage.RecipientState, error) {
	if _, err := transport.ParseTarget(recipient); err != nil {
		return storage.RecipientState{}, err
	}
	unlock := p.locks.lock(recipient)
	defer unlock()

	st, _, err := p.load(ctx, recipient, p.Today())
	if err != nil {
		return st, err
	}
	st.Active = true
	st.Slots = normalizeSlots(slots)
	if err := p.save(ctx, &st); err != nil {
		return st, err
	}
	p.log.Info("recipient activated", logx.String("recipient", recipient), logx.Strings("slots", st.Slots))
	return st, nil
}

// ActivateIfNew enables every slot for a recipient that has no record yet.
// An existing record, including one deactivated by the recipient, is left
// as it is. It reports whether a record was created.
func (p *Pipeline) ActivateIfNew(ctx context.Context, recipient string) (bool, error) {
	if _, err := transport.ParseTarget(recipient); err != nil {
		return false, err
	}
	unlock := p.locks.lock(recipient)
	defer unlock()

	_, err := p.deps.Store.GetState(ctx, recipient)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("load state %s: %w", recipient, err)
	}
	st := storage.NewRecipientState(recipient, p.Today(), p.now())
	st.Active = true
	if err := p.save(ctx, &st); err != nil {
		return false, err
	}
	p.log.Info("recipient enrolled", logx.String("recipient", recipient))
	return true, nil
}

// Deactivate stops scheduled delivery. It reports whether the recipient
// was active.
func (p *Pipeline) Deactivate(ctx context.Context, recipient string) (bool, error) {
	unlock := p.locks.lock(recipient)
	defer unlock()

	st, err := p.deps.Store.GetState(ctx, recipient)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load state %s: %w", recipient, err)
	}
	if !st.Active {
		return false, nil
	}
	st.Active = false
	if err := p.save(ctx, &st); err != nil {
		return true, err
	}
	p.log.Info("recipient deactivated", logx.String("recipient", recipient))
	return true, nil
}

func (p *Pipeline) Status(ctx context.Context, recipient string) (Status, error) {
	out := Status{RecipientID: recipient, PoolSize: -1}
	st, err := p.deps.Store.GetState(ctx, recipient)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		st = storage.NewRecipientState(recipient, p.Today(), p.now())
	case err != nil:
		return out, fmt.Errorf("load state %s: %w", recipient, err)
	default:
		out.Known = true
		st.Rollover(p.Today())
	}
	out.Active = st.Active
	out.Slots = slices.Clone(st.Slots)
	out.SentToday = slices.Clone(st.SentSlots)
	out.Consumed = len(st.Consumed)

	if items, err := p.deps.Pool.Load(ctx); err == nil {
		out.PoolSize = len(items)
		out.Remaining = len(items)
		for _, it := range items {
			if st.IsConsumed(it) {
				out.Remaining--
			}
		}
	}
	return out, nil
}

func normalizeSlots(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

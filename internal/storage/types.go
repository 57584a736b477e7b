package storage

import (
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound = errors.New("recipient state not found")
	ErrClosed   = errors.New("storage closed")
)

// DateLayout is the calendar-date format of RecipientState.LastResetDate.
const DateLayout = "2006-01-02"

type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RecipientState is the whole persisted record for one recipient.
//
// Consumed and SentSlots have set semantics and are kept sorted.
type RecipientState struct {
	RecipientID   string   `json:"recipient_id"`
	LastResetDate string   `json:"last_reset_date"`
	Consumed      []string `json:"consumed_items"`
	SentSlots     []string `json:"sent_slots_today"`

	// Active recipients take part in scheduled delivery. Slots narrows the
	// configured slot list; empty means every slot.
	Active bool     `json:"active"`
	Slots  []string `json:"slots,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecipientState returns an empty record dated today.
func NewRecipientState(id, today string, now time.Time) RecipientState {
	return RecipientState{
		RecipientID:   id,
		LastResetDate: today,
		Consumed:      []string{},
		SentSlots:     []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Rollover clears the per-day slot marks when today differs from the
// stored date. It reports whether the record changed.
func (s *RecipientState) Rollover(today string) bool {
	if s.LastResetDate == today {
		return false
	}
	s.LastResetDate = today
	s.SentSlots = []string{}
	return true
}

func (s RecipientState) SlotSent(slot string) bool {
	_, ok := slices.BinarySearch(s.SentSlots, slot)
	return ok
}

func (s RecipientState) IsConsumed(item string) bool {
	_, ok := slices.BinarySearch(s.Consumed, item)
	return ok
}

// ConsumedSet returns Consumed as a lookup set.
func (s RecipientState) ConsumedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Consumed))
	for _, it := range s.Consumed {
		set[it] = struct{}{}
	}
	return set
}

func (s *RecipientState) MarkConsumed(item string) { s.Consumed = insertSorted(s.Consumed, item) }

func (s *RecipientState) MarkSlot(slot string) { s.SentSlots = insertSorted(s.SentSlots, slot) }

// ResetConsumed empties the consumed set after the pool was exhausted.
func (s *RecipientState) ResetConsumed() { s.Consumed = []string{} }

// Clone returns a deep copy, safe to mutate.
func (s RecipientState) Clone() RecipientState {
	cp := s
	cp.Consumed = slices.Clone(s.Consumed)
	cp.SentSlots = slices.Clone(s.SentSlots)
	cp.Slots = slices.Clone(s.Slots)
	return cp
}

// normalize restores set ordering on records that came from outside.
func (s *RecipientState) normalize() {
	s.Consumed = sortedSet(s.Consumed)
	s.SentSlots = sortedSet(s.SentSlots)
}

func insertSorted(set []string, v string) []string {
	i, found := slices.BinarySearch(set, v)
	if found {
		return set
	}
	return slices.Insert(set, i, v)
}

func sortedSet(in []string) []string {
	out := slices.Clone(in)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// DeliveryRecord is one line of the delivery log.
type DeliveryRecord struct {
	At          time.Time `json:"at"`
	RecipientID string    `json:"recipient_id"`
	Slot        string    `json:"slot,omitempty"`
	Trigger     string    `json:"trigger"`
	Outcome     string    `json:"outcome"`
	Item        string    `json:"item,omitempty"`
	Reset       bool      `json:"reset,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	Chunks      int       `json:"chunks,omitempty"`
	Error       string    `json:"error,omitempty"`
	TookMS      int64     `json:"took_ms"`
}

package delivery

import (
	"context"
	"errors"
	"time"
)

var (
	ErrGenerationFailed = errors.New("text generation failed")
	ErrTransport        = errors.New("transport failed")
)

// Outcome is the result class of one delivery attempt.
type Outcome string

const (
	Sent             Outcome = "sent"
	AlreadySent      Outcome = "already_sent"
	NoContent        Outcome = "no_content"
	GenerationFailed Outcome = "generation_failed"
	TransportFailed  Outcome = "transport_failed"
	// Expired is a scheduled slot whose day the record has already moved
	// past; nothing is sent.
	Expired Outcome = "expired"
	// Failed covers state store faults; Deliver also returns the error.
	Failed Outcome = "failed"
)

const (
	TriggerScheduled = "scheduled"
	TriggerOnDemand  = "on_demand"
)

// Result describes one Deliver call.
type Result struct {
	RecipientID string        `json:"recipient_id"`
	Slot        string        `json:"slot,omitempty"`
	Day         string        `json:"day,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Item        string        `json:"item,omitempty"`
	Reset       bool          `json:"reset,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
	Chunks      int           `json:"chunks,omitempty"`
	Err         error         `json:"-"`
	Took        time.Duration `json:"took"`
}

// Trigger is TriggerScheduled for slot deliveries and TriggerOnDemand
// otherwise.
func (r Result) Trigger() string {
	if r.Slot == "" {
		return TriggerOnDemand
	}
	return TriggerScheduled
}

// ItemSource supplies the current item pool. *pool.Pool implements it.
type ItemSource interface {
	Load(ctx context.Context) ([]string, error)
}

// Generator rewrites an item and reports how many calls it took.
// *rewrite.Retrying implements it.
type Generator interface {
	RewriteAttempts(ctx context.Context, item string) (string, int, error)
}

// Chooser picks the next item. *rotation.Picker implements it.
type Chooser interface {
	Select(pool []string, consumed map[string]struct{}) (string, bool, error)
}

// Status is a read-only view of a recipient's progress.
type Status struct {
	RecipientID string
	Known       bool
	Active      bool
	Slots       []string
	SentToday   []string
	Consumed    int
	// PoolSize is -1 when the pool could not be loaded.
	PoolSize int
	// Remaining counts pool items not yet delivered in this cycle.
	Remaining int
}

// Package rotation picks the next item for a recipient so that no item
// repeats until the whole pool has been delivered.
package rotation

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

var ErrExhausted = errors.New("no items to choose from")

// Select picks uniformly among pool items missing from consumed. When every
// item is consumed it reports reset=true and picks uniformly from the whole
// pool; the caller is expected to clear its consumed set before recording
// the pick. consumed is never modified.
func Select(pool []string, consumed map[string]struct{}, rng *rand.Rand) (chosen string, reset bool, err error) {
	if len(pool) == 0 {
		return "", false, ErrExhausted
	}
	unused := make([]string, 0, len(pool))
	for _, it := range pool {
		if _, ok := consumed[it]; !ok {
			unused = append(unused, it)
		}
	}
	if len(unused) == 0 {
		return pool[rng.Intn(len(pool))], true, nil
	}
	return unused[rng.Intn(len(unused))], false, nil
}

// Picker is a concurrency-safe Select with its own random source.
type Picker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPicker seeds from the clock when seed is 0.
func NewPicker(seed int64) *Picker {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Picker{rng: rand.New(rand.NewSource(seed))}
}

func (p *Picker) Select(pool []string, consumed map[string]struct{}) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Select(pool, consumed, p.rng)
}

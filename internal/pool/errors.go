package pool

import "errors"

var (
	// ErrLoad matches every *LoadError.
	ErrLoad = errors.New("item pool unavailable")
	// ErrEmpty means the source was readable but produced no items.
	ErrEmpty = errors.New("item pool is empty")
)

// LoadError wraps the reason a pool could not be loaded.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return "load items from " + e.Source + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() []error { return []error{ErrLoad, e.Err} }

// Package pool loads the list of source items that deliveries draw from.
package pool

import (
	"context"
	"slices"
	"sync"

	"factbot/pkg/logx"
)

// Pool re-reads its Source on every Load but only re-parses when the
// source version changes. A failed load leaves the cache untouched.
type Pool struct {
	src  Source
	opts ParseOptions
	log  logx.Logger

	mu      sync.Mutex
	version string
	items   []string
}

func New(src Source, opts ParseOptions, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{src: src, opts: opts, log: log.With(logx.String("comp", "pool"))}
}

// Load returns the current items. The returned slice is a copy.
func (p *Pool) Load(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ver, err := p.src.Version(ctx)
	if err != nil {
		return nil, p.fail(err)
	}
	if ver != "" && ver == p.version && len(p.items) > 0 {
		return slices.Clone(p.items), nil
	}

	data, err := p.src.Read(ctx)
	if err != nil {
		return nil, p.fail(err)
	}
	items, err := Parse(data, p.opts)
	if err != nil {
		return nil, p.fail(err)
	}
	if len(items) == 0 {
		return nil, p.fail(ErrEmpty)
	}

	if p.version != ver {
		p.log.Info("item pool loaded", logx.String("source", p.src.String()), logx.Int("items", len(items)))
	}
	p.version, p.items = ver, items
	return slices.Clone(items), nil
}

func (p *Pool) fail(err error) error {
	return &LoadError{Source: p.src.String(), Err: err}
}

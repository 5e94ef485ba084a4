// Package strategy defines strategies as sets of optional callbacks, the
// per-run Context they observe, and the Backtester that replays bars through
// them.
package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"barreplay/internal/domain"
)

// Strategy is a capability set: every hook is optional and a nil hook is
// simply not called. Hooks must keep run state in the Context (ctx.State),
// never in closures, so a single Strategy value can serve concurrent runs.
type Strategy struct {
	Schema Schema

	OnInit   func(ctx *Context) error
	OnBar    func(ctx *Context, i int) error
	OnOrder  func(ctx *Context, order domain.Order) error
	OnTrade  func(ctx *Context, trade domain.Trade) error
	OnFinish func(ctx *Context) error
}

// ID returns the schema identifier.
func (s *Strategy) ID() string { return s.Schema.ID }

// Name returns the human-readable schema name.
func (s *Strategy) Name() string { return s.Schema.Name }

// Registry holds the strategies available to the engine, keyed by ID.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]*Strategy),
	}
}

// Register validates the strategy's schema and adds it to the registry,
// replacing any previous strategy with the same ID.
func (r *Registry) Register(s *Strategy) error {
	if err := ValidateSchema(s.Schema); err != nil {
		return fmt.Errorf("registering strategy %q: %w", s.Schema.ID, err)
	}
	r.mu.Lock()
	r.strategies[s.ID()] = s
	r.mu.Unlock()
	return nil
}

// Get retrieves a strategy by ID. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(id string) (*Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	return s, ok
}

// List returns all registered strategies ordered by case-insensitive name.
func (r *Registry) List() []*Strategy {
	r.mu.RLock()
	out := make([]*Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name()), strings.ToLower(out[j].Name())
		if a != b {
			return a < b
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Package tiers holds the ordered, immutable configuration of backing
// tiers and their adapter bindings.
package tiers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/layered-memory/internal/config"
	"github.com/xiy/layered-memory/internal/store"
)

// DefaultVectorWeight reflects the typically stronger relevance signal of
// similarity matches. Tunable per tier via config.
const DefaultVectorWeight = 1.2

// Tier is one configured backing store with its adapter binding. The
// binding is set when the registry opens and never replaced afterwards.
type Tier struct {
	Name     string
	Priority int
	Kind     store.Kind
	Weight   float64
	Config   config.TierConfig
	Adapter  store.Adapter
}

// Registry resolves tier names to adapters and provides the priority
// ordering used for point-lookup fallback.
type Registry struct {
	tiers  []*Tier
	byName map[string]*Tier
	logger *log.Logger
	opened bool
}

// NewRegistry validates tier configuration against the adapter factory and
// builds the ordered tier set. Unknown store types fail here, before any
// backend is contacted.
func NewRegistry(cfgs []config.TierConfig, logger *log.Logger) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("no tiers configured")
	}

	r := &Registry{byName: make(map[string]*Tier, len(cfgs)), logger: logger}
	for _, tc := range cfgs {
		kind, ok := store.KindOf(tc.StoreType)
		if !ok {
			return nil, fmt.Errorf("tier %q: unknown store_type %q (known: %v)",
				tc.Name, tc.StoreType, store.StoreTypes())
		}
		if _, dup := r.byName[tc.Name]; dup {
			return nil, fmt.Errorf("duplicate tier name %q", tc.Name)
		}

		weight := tc.Weight
		if weight == 0 {
			weight = 1.0
			if kind == store.KindVector {
				weight = DefaultVectorWeight
			}
		}

		t := &Tier{Name: tc.Name, Priority: tc.Priority, Kind: kind, Weight: weight, Config: tc}
		r.tiers = append(r.tiers, t)
		r.byName[tc.Name] = t
	}

	sort.SliceStable(r.tiers, func(i, j int) bool {
		return r.tiers[i].Priority > r.tiers[j].Priority
	})
	return r, nil
}

// NewBound builds a registry over tiers whose adapters are already bound.
// Intended for callers that manage backend lifecycles themselves, and for
// tests substituting fakes.
func NewBound(ts []*Tier, logger *log.Logger) *Registry {
	r := &Registry{byName: make(map[string]*Tier, len(ts)), logger: logger, opened: true}
	for _, t := range ts {
		if t.Weight == 0 {
			t.Weight = 1.0
			if t.Kind == store.KindVector {
				t.Weight = DefaultVectorWeight
			}
		}
		r.tiers = append(r.tiers, t)
		r.byName[t.Name] = t
	}
	sort.SliceStable(r.tiers, func(i, j int) bool {
		return r.tiers[i].Priority > r.tiers[j].Priority
	})
	return r
}

// Open constructs one adapter per tier. A backend connection failure is
// fatal: already-opened adapters are closed and the error is returned.
func (r *Registry) Open(ctx context.Context, search config.SearchConfig, now func() time.Time) error {
	if r.opened {
		return nil
	}
	for _, t := range r.tiers {
		adapter, err := store.Open(ctx, store.Options{
			Tier:   t.Config,
			Search: search,
			Logger: r.logger.With("tier", t.Name),
			Now:    now,
		})
		if err != nil {
			_ = r.Close()
			return fmt.Errorf("open tier %q: %w", t.Name, err)
		}
		t.Adapter = adapter
		r.logger.Debug("tier opened", "tier", t.Name, "store_type", t.Config.StoreType, "priority", t.Priority)
	}
	r.opened = true
	return nil
}

// Close releases all adapter bindings. Safe to call when never opened.
func (r *Registry) Close() error {
	var errs []error
	for _, t := range r.tiers {
		if t.Adapter == nil {
			continue
		}
		if err := t.Adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tier %q: %w", t.Name, err))
		}
		t.Adapter = nil
	}
	r.opened = false
	return errors.Join(errs...)
}

// Resolve returns the tier bound to name.
func (r *Registry) Resolve(name string) (*Tier, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", name)
	}
	return t, nil
}

// ByPriority returns all tiers in descending priority order.
func (r *Registry) ByPriority() []*Tier {
	return r.tiers
}

// Subset returns the named tiers, or all tiers when names is empty.
func (r *Registry) Subset(names []string) ([]*Tier, error) {
	if len(names) == 0 {
		return r.tiers, nil
	}
	out := make([]*Tier, 0, len(names))
	for _, name := range names {
		t, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Vector returns the vector-capable tiers in priority order.
func (r *Registry) Vector() []*Tier {
	return r.byKind(store.KindVector)
}

// Keyword returns the non-vector tiers in priority order.
func (r *Registry) Keyword() []*Tier {
	return r.byKind(store.KindKeyword)
}

func (r *Registry) byKind(kind store.Kind) []*Tier {
	out := make([]*Tier, 0, len(r.tiers))
	for _, t := range r.tiers {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

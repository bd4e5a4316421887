// Package store defines the uniform capability contract implemented once
// per physical storage technology, and the factory registry that maps a
// tier's store_type to a concrete adapter.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/layered-memory/internal/config"
	"github.com/xiy/layered-memory/pkg/types"
)

// ErrNotFound reports a point lookup miss. Adapters return it for absent
// and for TTL-expired items alike; it is control flow, not a fault.
var ErrNotFound = errors.New("memory item not found")

// Kind classifies a backend's query capability.
type Kind int

const (
	// KindKeyword backends match by text containment and exact fields.
	KindKeyword Kind = iota
	// KindVector backends match by embedding similarity.
	KindVector
)

// Match is one backend query hit carrying the base match score, before any
// tier weighting is applied.
type Match struct {
	Item  types.MemoryItem
	Score float64
}

// Adapter is the capability contract every backing store implements.
//
// Store is idempotent on duplicate IDs (overwrite, not duplicate-insert)
// and maintains any backend-side secondary indexes. Retrieve treats an
// expired item as absent and opportunistically deletes it. Query respects
// the limit and never returns expired items.
type Adapter interface {
	Store(ctx context.Context, item types.MemoryItem) (string, error)
	Retrieve(ctx context.Context, id string) (types.MemoryItem, error)
	Query(ctx context.Context, q types.Query) ([]Match, error)
	Delete(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

// Options carries everything an adapter constructor needs.
type Options struct {
	Tier   config.TierConfig
	Search config.SearchConfig
	Logger *log.Logger
	Now    func() time.Time
}

func (o Options) now() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

// ttlFor computes the absolute expiry for an item written to this tier,
// or nil when the tier has no TTL or the item's type never expires.
func ttlFor(tier config.TierConfig, item types.MemoryItem, now time.Time) *time.Time {
	if tier.TTLSeconds <= 0 || types.NonExpiring(item.Type) {
		return nil
	}
	t := now.Add(time.Duration(tier.TTLSeconds) * time.Second)
	return &t
}

type factory struct {
	kind Kind
	open func(ctx context.Context, opts Options) (Adapter, error)
}

var factories = map[string]factory{
	"redis":   {kind: KindKeyword, open: openRedis},
	"sqlite":  {kind: KindKeyword, open: openSQLite},
	"chromem": {kind: KindVector, open: openChromem},
}

// KindOf resolves a store_type to its capability kind.
func KindOf(storeType string) (Kind, bool) {
	f, ok := factories[storeType]
	return f.kind, ok
}

// StoreTypes lists the registered store types, sorted for stable errors.
func StoreTypes() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open constructs the adapter for a tier. An unknown store_type is a
// configuration error surfaced before any backend is touched.
func Open(ctx context.Context, opts Options) (Adapter, error) {
	f, ok := factories[opts.Tier.StoreType]
	if !ok {
		return nil, fmt.Errorf("tier %q: unknown store_type %q (known: %v)",
			opts.Tier.Name, opts.Tier.StoreType, StoreTypes())
	}
	return f.open(ctx, opts)
}

// baseScore is the keyword-tier match score: the content weight when the
// query carried text, the field weight for pure field/metadata filters.
func baseScore(search config.SearchConfig, q types.Query) float64 {
	if q.Text != "" {
		return search.ContentWeight
	}
	return search.FieldWeight
}

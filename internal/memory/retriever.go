package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/layered-memory/internal/config"
	"github.com/xiy/layered-memory/internal/store"
	"github.com/xiy/layered-memory/internal/tiers"
	"github.com/xiy/layered-memory/pkg/types"
)

// Retriever executes fan-out queries: one concurrent task per tier, all
// bounded by a single global timeout, merged into one ranked result set.
type Retriever struct {
	registry *tiers.Registry
	search   config.SearchConfig
	logger   *log.Logger
}

// SearchOptions narrow a fan-out search.
type SearchOptions struct {
	// Layers restricts the fan-out to the named tiers; empty means all.
	Layers []string
	// MinScore drops merged results scoring below it.
	MinScore float64
	// Timeout bounds the whole fan-out; zero uses the configured default.
	Timeout time.Duration
}

// NewRetriever builds a retriever over the given tier registry.
func NewRetriever(registry *tiers.Registry, search config.SearchConfig, logger *log.Logger) *Retriever {
	return &Retriever{registry: registry, search: search, logger: logger}
}

type tierResult struct {
	tier    *tiers.Tier
	matches []store.Match
	elapsed time.Duration
	err     error
}

// Search fans q out across the target tiers concurrently. A tier that
// fails or misses the deadline contributes nothing and is logged as a
// warning; it never fails the overall search. Merged results are weighted
// by tier, deduplicated by item ID, sorted by relevance descending,
// filtered by MinScore and truncated to the query limit.
//
// The sort is stable, but the merged input order depends on which tier
// finished first, so ties across tiers are not deterministic.
func (r *Retriever) Search(ctx context.Context, q types.Query, opts SearchOptions) ([]types.SearchResult, error) {
	targets, err := r.registry.Subset(opts.Layers)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = r.search.DefaultLimit
		q.Limit = limit
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(r.search.TimeoutMS) * time.Millisecond
	}

	fanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan tierResult, len(targets))
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t *tiers.Tier) {
			defer wg.Done()
			started := time.Now()
			matches, err := t.Adapter.Query(fanCtx, q)
			results <- tierResult{tier: t, matches: matches, elapsed: time.Since(started), err: err}
		}(t)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect until every tier reported or the deadline fires; tasks still
	// in flight at the deadline are abandoned, not retried.
	merged := make([]types.SearchResult, 0, limit*len(targets))
	received := 0
collect:
	for received < len(targets) {
		select {
		case res, ok := <-results:
			if !ok {
				break collect
			}
			received++
			if res.err != nil {
				r.logger.Warn("tier query failed", "tier", res.tier.Name, "error", res.err)
				continue
			}
			merged = append(merged, r.tagMatches(res, q)...)
		case <-fanCtx.Done():
			r.logger.Warn("fan-out deadline reached", "answered", received, "targets", len(targets))
			break collect
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	out := make([]types.SearchResult, 0, limit)
	seen := make(map[string]struct{}, limit)
	for _, res := range merged {
		if res.Score < opts.MinScore {
			continue
		}
		if _, dup := seen[res.Item.ID]; dup {
			continue
		}
		seen[res.Item.ID] = struct{}{}
		out = append(out, res)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *Retriever) tagMatches(res tierResult, q types.Query) []types.SearchResult {
	retrievalType := types.RetrievalKeyword
	if res.tier.Kind == store.KindVector && len(q.Embedding) > 0 {
		retrievalType = types.RetrievalSemantic
	}

	tagged := make([]types.SearchResult, 0, len(res.matches))
	for _, m := range res.matches {
		tagged = append(tagged, types.SearchResult{
			Item:            m.Item,
			Score:           m.Score * res.tier.Weight,
			SourceLayer:     res.tier.Name,
			RetrievalType:   retrievalType,
			RetrievalTimeMS: float64(res.elapsed.Microseconds()) / 1000.0,
		})
	}
	return tagged
}

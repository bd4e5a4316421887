package memory

import (
	"context"

	"github.com/xiy/layered-memory/internal/tiers"
	"github.com/xiy/layered-memory/pkg/types"
)

// RecallRelevant is the semantic-first retrieval policy: the vector tier
// is asked first, and keyword tiers are consulted only when it supplies
// fewer than limit results. Semantic matches always rank ahead of keyword
// padding regardless of score; that is a policy preference, not a scoring
// outcome.
func (m *Manager) RecallRelevant(ctx context.Context, text string, limit int) ([]types.SearchResult, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.cfg.Search.DefaultLimit
	}

	semantic, err := m.semanticPhase(ctx, text, limit)
	if err != nil {
		return nil, err
	}
	if len(semantic) >= limit {
		// The preferred source satisfied the request on its own; skip the
		// keyword fan-out entirely.
		return semantic[:limit], nil
	}

	remaining := limit - len(semantic)
	keyword, err := m.keywordPhase(ctx, text, remaining)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(semantic))
	for _, res := range semantic {
		seen[res.Item.ID] = struct{}{}
	}
	out := semantic
	for _, res := range keyword {
		if _, dup := seen[res.Item.ID]; dup {
			continue
		}
		out = append(out, res)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Manager) semanticPhase(ctx context.Context, text string, limit int) ([]types.SearchResult, error) {
	vector := m.registry.Vector()
	if len(vector) == 0 {
		return nil, nil
	}

	q := m.embedQueryText(ctx, types.Query{Text: text, Limit: limit})
	if len(q.Embedding) == 0 {
		// Without an embedder the vector tier degrades to containment;
		// still worth querying, but results will be tagged keyword.
		m.logger.Debug("semantic recall without embedder, vector tier degrades to containment")
	}
	return m.retriever.Search(ctx, q, SearchOptions{
		Layers:   tierNames(vector),
		MinScore: m.cfg.Search.MinScore,
	})
}

func (m *Manager) keywordPhase(ctx context.Context, text string, limit int) ([]types.SearchResult, error) {
	keyword := m.registry.Keyword()
	if len(keyword) == 0 {
		return nil, nil
	}
	return m.retriever.Search(ctx, types.Query{Text: text, Limit: limit}, SearchOptions{
		Layers:   tierNames(keyword),
		MinScore: m.cfg.Search.MinScore,
	})
}

func tierNames(ts []*tiers.Tier) []string {
	names := make([]string, 0, len(ts))
	for _, t := range ts {
		names = append(names, t.Name)
	}
	return names
}

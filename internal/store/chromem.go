package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	chromem "github.com/philippgille/chromem-go"

	"github.com/xiy/layered-memory/internal/config"
	"github.com/xiy/layered-memory/pkg/types"
)

// ChromemStore is the vector similarity tier, backed by chromem-go, a pure
// Go embedded vector database. Items must carry an embedding to be stored
// here. Queries with an embedding rank by cosine similarity; queries
// without one fall back to in-process keyword filtering so the tier can
// still answer field-scoped fan-out queries.
type ChromemStore struct {
	db     *chromem.DB
	col    *chromem.Collection
	tier   config.TierConfig
	search config.SearchConfig
	logger *log.Logger
	now    func() time.Time

	mu    sync.RWMutex
	items map[string]types.MemoryItem
}

func openChromem(_ context.Context, opts Options) (Adapter, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection("tier_"+opts.Tier.Name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("tier %q: create collection: %w", opts.Tier.Name, err)
	}

	return &ChromemStore{
		db:     db,
		col:    col,
		tier:   opts.Tier,
		search: opts.Search,
		logger: opts.Logger,
		now:    opts.now(),
		items:  make(map[string]types.MemoryItem),
	}, nil
}

func (s *ChromemStore) Store(ctx context.Context, item types.MemoryItem) (string, error) {
	if len(item.Embedding) == 0 {
		return "", fmt.Errorf("tier %q: item %s has no embedding", s.tier.Name, item.ID)
	}
	if exp := ttlFor(s.tier, item, s.now()); exp != nil {
		item.ExpiresAt = exp
	}

	doc := chromem.Document{
		ID:        item.ID,
		Content:   item.Content,
		Embedding: item.Embedding,
		Metadata: map[string]string{
			"memory_type":     item.Type,
			"agent_id":        item.AgentID,
			"conversation_id": item.ConversationID,
			"user_id":         item.UserID,
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add document: %w", err)
	}

	s.mu.Lock()
	s.items[item.ID] = item
	s.mu.Unlock()
	return item.ID, nil
}

func (s *ChromemStore) Retrieve(ctx context.Context, id string) (types.MemoryItem, error) {
	s.mu.RLock()
	item, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return types.MemoryItem{}, ErrNotFound
	}
	if item.Expired(s.now()) {
		if _, derr := s.Delete(ctx, id); derr != nil {
			s.logger.Warn("lazy expiry delete failed", "tier", s.tier.Name, "id", id, "error", derr)
		}
		return types.MemoryItem{}, ErrNotFound
	}
	return item, nil
}

func (s *ChromemStore) Query(ctx context.Context, q types.Query) ([]Match, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = s.search.DefaultLimit
	}
	if len(q.Embedding) == 0 {
		return s.keywordScan(q, limit), nil
	}

	// chromem rejects nResults larger than the collection size.
	n := limit
	if c := s.col.Count(); c < n {
		n = c
	}
	if n == 0 {
		return nil, nil
	}

	results, err := s.col.QueryEmbedding(ctx, q.Embedding, n, whereFilter(q), nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	now := s.now()
	matches := make([]Match, 0, len(results))
	for _, res := range results {
		s.mu.RLock()
		item, ok := s.items[res.ID]
		s.mu.RUnlock()
		if !ok || item.Expired(now) || !metadataMatches(item.Metadata, q.Metadata) {
			continue
		}
		matches = append(matches, Match{Item: item, Score: float64(res.Similarity)})
	}
	return matches, nil
}

// keywordScan answers embedding-less queries so fan-out searches that only
// carry field filters still see this tier's items.
func (s *ChromemStore) keywordScan(q types.Query, limit int) []Match {
	score := baseScore(s.search, q)
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]Match, 0, limit)
	for _, item := range s.items {
		if item.Expired(now) || !itemMatches(item, q) {
			continue
		}
		matches = append(matches, Match{Item: item, Score: score})
		if len(matches) >= limit {
			break
		}
	}
	return matches
}

func (s *ChromemStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	_, existed := s.items[id]
	delete(s.items, id)
	s.mu.Unlock()

	if existed {
		if err := s.col.Delete(ctx, nil, nil, id); err != nil {
			return true, fmt.Errorf("delete document: %w", err)
		}
	}
	return existed, nil
}

func (s *ChromemStore) Clear(_ context.Context) (int64, error) {
	s.mu.Lock()
	removed := int64(len(s.items))
	s.items = make(map[string]types.MemoryItem)
	s.mu.Unlock()

	name := "tier_" + s.tier.Name
	if err := s.db.DeleteCollection(name); err != nil {
		return removed, fmt.Errorf("delete collection: %w", err)
	}
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return removed, fmt.Errorf("recreate collection: %w", err)
	}
	s.col = col
	return removed, nil
}

func (s *ChromemStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.items)), nil
}

func (s *ChromemStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	var expired []string
	for id, item := range s.items {
		if item.Expired(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	var removed int64
	var errs []error
	for _, id := range expired {
		ok, err := s.Delete(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func (s *ChromemStore) Close() error {
	// chromem keeps everything in memory; nothing to release.
	return nil
}

// whereFilter translates exact-field query filters into a chromem metadata
// where clause.
func whereFilter(q types.Query) map[string]string {
	where := map[string]string{}
	for k, v := range map[string]string{
		"memory_type":     q.Type,
		"agent_id":        q.AgentID,
		"conversation_id": q.ConversationID,
		"user_id":         q.UserID,
	} {
		if strings.TrimSpace(v) != "" {
			where[k] = v
		}
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

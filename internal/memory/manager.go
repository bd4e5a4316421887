// Package memory contains the layered memory manager: broadcast writes
// across tiers, priority-ordered point lookups, parallel fan-out queries
// and the semantic-first recall policy.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/layered-memory/internal/config"
	"github.com/xiy/layered-memory/internal/embeddings"
	"github.com/xiy/layered-memory/internal/store"
	"github.com/xiy/layered-memory/internal/tiers"
	"github.com/xiy/layered-memory/pkg/types"
)

// ErrNotInitialized is returned when an operation other than Initialize or
// Close is invoked on an uninitialized manager.
var ErrNotInitialized = errors.New("memory manager is not initialized")

// Manager orchestrates writes and reads across the configured tiers.
//
// Writes without an explicit layer are broadcast to every tier: the
// durability model is redundancy across tiers, not a single writer. That
// redundancy is eventually consistent: a broadcast write followed
// immediately by a fan-out query may observe the item in some tiers and
// not others while tier writes are still in flight.
type Manager struct {
	cfg       config.Config
	registry  *tiers.Registry
	retriever *Retriever
	embedder  embeddings.Provider
	logger    *log.Logger
	now       func() time.Time

	mu          sync.Mutex
	initialized bool
}

// NewManager builds a manager over an already-validated tier registry.
// Backends are not contacted until Initialize.
func NewManager(cfg config.Config, registry *tiers.Registry, embedder embeddings.Provider, logger *log.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		retriever: NewRetriever(registry, cfg.Search, logger),
		embedder:  embedder,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Initialize connects every tier's backend. Idempotent: a second call on
// an initialized manager is a no-op. Any backend connection failure is
// fatal, since subsequent operations assume all tiers are reachable.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	if err := m.registry.Open(ctx, m.cfg.Search, m.now); err != nil {
		return err
	}
	m.initialized = true
	m.logger.Info("memory manager initialized", "tiers", len(m.registry.ByPriority()))
	return nil
}

// Close releases all backend connections and returns the manager to the
// uninitialized state. Safe to call when never initialized.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	return m.registry.Close()
}

func (m *Manager) requireInitialized() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Store persists the item. With a layer name it writes only that tier;
// otherwise it broadcasts to every tier concurrently, tolerating partial
// failure: the call succeeds if at least one tier accepted the write, and
// reports a storage error only when all tiers failed.
func (m *Manager) Store(ctx context.Context, item types.MemoryItem, layer string) (string, error) {
	if err := m.requireInitialized(); err != nil {
		return "", err
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	if item.Type == "" {
		item.Type = types.TypeShortTerm
	}

	if layer != "" {
		t, err := m.registry.Resolve(layer)
		if err != nil {
			return "", err
		}
		prepared, err := m.prepareForTier(ctx, t, item)
		if err != nil {
			return "", err
		}
		return t.Adapter.Store(ctx, prepared)
	}

	targets := m.registry.ByPriority()
	var (
		wg       sync.WaitGroup
		resultMu sync.Mutex
		accepted int
		failures []error
	)
	for _, t := range targets {
		prepared, err := m.prepareForTier(ctx, t, item)
		if err != nil {
			// No embedding and no embedder: the vector tier cannot take
			// this item; broadcast continues on the remaining tiers.
			m.logger.Debug("skipping tier for broadcast write", "tier", t.Name, "id", item.ID, "reason", err)
			continue
		}
		wg.Add(1)
		go func(t *tiers.Tier, it types.MemoryItem) {
			defer wg.Done()
			if _, err := t.Adapter.Store(ctx, it); err != nil {
				m.logger.Warn("tier write failed", "tier", t.Name, "id", it.ID, "error", err)
				resultMu.Lock()
				failures = append(failures, fmt.Errorf("tier %q: %w", t.Name, err))
				resultMu.Unlock()
				return
			}
			resultMu.Lock()
			accepted++
			resultMu.Unlock()
		}(t, prepared)
	}
	wg.Wait()

	if accepted == 0 {
		return "", fmt.Errorf("store %s: all tiers failed: %w", item.ID, errors.Join(failures...))
	}
	return item.ID, nil
}

// prepareForTier makes the item acceptable to a tier: vector tiers need an
// embedding, which is computed from the content when an embedder is wired.
func (m *Manager) prepareForTier(ctx context.Context, t *tiers.Tier, item types.MemoryItem) (types.MemoryItem, error) {
	if t.Kind != store.KindVector || len(item.Embedding) > 0 {
		return item, nil
	}
	if m.embedder == nil {
		return item, fmt.Errorf("tier %q requires an embedding and no embedder is configured", t.Name)
	}
	emb, err := m.embedder.Embed(ctx, item.Content)
	if err != nil {
		return item, fmt.Errorf("embed content for tier %q: %w", t.Name, err)
	}
	item.Embedding = emb
	return item, nil
}

// Retrieve is a point lookup. With a layer name it checks only that tier.
// Otherwise tiers are walked strictly sequentially in descending priority
// order and the first hit wins, even if a lower-priority tier holds a
// different copy. Not-found returns (nil, nil); transient tier faults are
// logged and treated as misses.
func (m *Manager) Retrieve(ctx context.Context, id string, layer string) (*types.MemoryItem, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	var targets []*tiers.Tier
	if layer != "" {
		t, err := m.registry.Resolve(layer)
		if err != nil {
			return nil, err
		}
		targets = []*tiers.Tier{t}
	} else {
		targets = m.registry.ByPriority()
	}

	for _, t := range targets {
		item, err := t.Adapter.Retrieve(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				m.logger.Warn("tier retrieve failed", "tier", t.Name, "id", id, "error", err)
			}
			continue
		}
		return &item, nil
	}
	return nil, nil
}

// Query searches memories. With a layer name it delegates directly to that
// tier; otherwise it fans out across all tiers via the parallel retriever.
func (m *Manager) Query(ctx context.Context, q types.Query, layer string) ([]types.SearchResult, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	q = m.embedQueryText(ctx, q)

	if layer != "" {
		if _, err := m.registry.Resolve(layer); err != nil {
			return nil, err
		}
		return m.retriever.Search(ctx, q, SearchOptions{
			Layers:   []string{layer},
			MinScore: m.cfg.Search.MinScore,
		})
	}
	return m.retriever.Search(ctx, q, SearchOptions{MinScore: m.cfg.Search.MinScore})
}

// embedQueryText attaches an embedding to text queries so vector tiers can
// rank by similarity instead of falling back to containment.
func (m *Manager) embedQueryText(ctx context.Context, q types.Query) types.Query {
	if q.Text == "" || len(q.Embedding) > 0 || m.embedder == nil || len(m.registry.Vector()) == 0 {
		return q
	}
	emb, err := m.embedder.Embed(ctx, q.Text)
	if err != nil {
		m.logger.Warn("query embedding failed", "error", err)
		return q
	}
	q.Embedding = emb
	return q
}

// Delete removes the item from one tier, or from every tier when no layer
// is given. It reports true if any tier actually held the item; per-tier
// failures are logged, not propagated.
func (m *Manager) Delete(ctx context.Context, id string, layer string) (bool, error) {
	if err := m.requireInitialized(); err != nil {
		return false, err
	}

	if layer != "" {
		t, err := m.registry.Resolve(layer)
		if err != nil {
			return false, err
		}
		return t.Adapter.Delete(ctx, id)
	}

	targets := m.registry.ByPriority()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted bool
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t *tiers.Tier) {
			defer wg.Done()
			ok, err := t.Adapter.Delete(ctx, id)
			if err != nil {
				m.logger.Warn("tier delete failed", "tier", t.Name, "id", id, "error", err)
				return
			}
			if ok {
				mu.Lock()
				deleted = true
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return deleted, nil
}

// Clear removes all items from one tier, or from every tier when no layer
// is given, returning the total number removed.
func (m *Manager) Clear(ctx context.Context, layer string) (int64, error) {
	if err := m.requireInitialized(); err != nil {
		return 0, err
	}

	if layer != "" {
		t, err := m.registry.Resolve(layer)
		if err != nil {
			return 0, err
		}
		return t.Adapter.Clear(ctx)
	}

	targets := m.registry.ByPriority()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t *tiers.Tier) {
			defer wg.Done()
			n, err := t.Adapter.Clear(ctx)
			if err != nil {
				m.logger.Warn("tier clear failed", "tier", t.Name, "error", err)
				return
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return total, nil
}

// RememberConversation stores one conversational exchange, tagged with its
// scoping identifiers, broadcast across all tiers.
func (m *Manager) RememberConversation(ctx context.Context, text, userID, conversationID string, metadata map[string]any) (string, error) {
	return m.Store(ctx, types.MemoryItem{
		Content:        text,
		Type:           types.TypeConversation,
		UserID:         userID,
		ConversationID: conversationID,
		Metadata:       metadata,
	}, "")
}

// ConversationHistory returns the merged, ranked conversation items for
// one conversation across all tiers.
func (m *Manager) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]types.SearchResult, error) {
	return m.Query(ctx, types.Query{
		ConversationID: conversationID,
		Type:           types.TypeConversation,
		Limit:          limit,
	}, "")
}

// PurgeExpired sweeps TTL-expired items out of every tier. Lazy expiry on
// read remains the primary mechanism; this is the compaction pass behind
// the periodic worker.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	if err := m.requireInitialized(); err != nil {
		return 0, err
	}
	now := m.now()
	var total int64
	var errs []error
	for _, t := range m.registry.ByPriority() {
		n, err := t.Adapter.PurgeExpired(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("tier %q: %w", t.Name, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// TierStats summarizes one tier for dashboards.
type TierStats struct {
	Name      string
	StoreType string
	Priority  int
	Items     int64
}

// Stats reports per-tier item counts in priority order.
func (m *Manager) Stats(ctx context.Context) ([]TierStats, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	out := make([]TierStats, 0, len(m.registry.ByPriority()))
	for _, t := range m.registry.ByPriority() {
		n, err := t.Adapter.Count(ctx)
		if err != nil {
			m.logger.Warn("tier count failed", "tier", t.Name, "error", err)
			n = -1
		}
		out = append(out, TierStats{Name: t.Name, StoreType: t.Config.StoreType, Priority: t.Priority, Items: n})
	}
	return out, nil
}

package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/layered-memory/internal/config"
	"github.com/xiy/layered-memory/internal/store"
	"github.com/xiy/layered-memory/internal/tiers"
	"github.com/xiy/layered-memory/pkg/types"
)

// fakeAdapter is an in-memory store.Adapter that records every call and
// can be primed with canned query results, injected errors or a delay.
type fakeAdapter struct {
	mu       sync.Mutex
	items    map[string]types.MemoryItem
	matches  []store.Match
	storeErr error
	queryErr error
	delay    time.Duration

	stored  []types.MemoryItem
	queries []types.Query
	purged  int64
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{items: make(map[string]types.MemoryItem)}
}

func (f *fakeAdapter) Store(_ context.Context, item types.MemoryItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return "", f.storeErr
	}
	f.stored = append(f.stored, item)
	f.items[item.ID] = item
	return item.ID, nil
}

func (f *fakeAdapter) Retrieve(_ context.Context, id string) (types.MemoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return types.MemoryItem{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeAdapter) Query(ctx context.Context, q types.Query) ([]store.Match, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	delay, matches, err := f.delay, f.matches, f.queryErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (f *fakeAdapter) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[id]
	delete(f.items, id)
	return ok, nil
}

func (f *fakeAdapter) Clear(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.items))
	f.items = make(map[string]types.MemoryItem)
	return n, nil
}

func (f *fakeAdapter) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.items)), nil
}

func (f *fakeAdapter) PurgeExpired(_ context.Context, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purged, nil
}

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func (f *fakeAdapter) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeAdapter) lastQuery() types.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return types.Query{}
	}
	return f.queries[len(f.queries)-1]
}

// fakeEmbedder returns a fixed vector and counts invocations.
type fakeEmbedder struct {
	mu    sync.Mutex
	vec   []float32
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.vec == nil {
		return []float32{0.1, 0.2, 0.3}, nil
	}
	return f.vec, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

func discardLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func testManager(t *testing.T, ts []*tiers.Tier, embedder *fakeEmbedder) *Manager {
	t.Helper()
	reg := tiers.NewBound(ts, discardLogger())
	var mgr *Manager
	if embedder != nil {
		mgr = NewManager(config.Default(), reg, embedder, discardLogger())
	} else {
		mgr = NewManager(config.Default(), reg, nil, discardLogger())
	}
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func threeTierSetup() (*fakeAdapter, *fakeAdapter, *fakeAdapter, []*tiers.Tier) {
	fast, durable, vector := newFakeAdapter(), newFakeAdapter(), newFakeAdapter()
	ts := []*tiers.Tier{
		{Name: "short_term", Priority: 3, Kind: store.KindKeyword, Adapter: fast, Config: config.TierConfig{Name: "short_term", StoreType: "redis"}},
		{Name: "long_term", Priority: 2, Kind: store.KindKeyword, Adapter: durable, Config: config.TierConfig{Name: "long_term", StoreType: "sqlite"}},
		{Name: "semantic", Priority: 1, Kind: store.KindVector, Adapter: vector, Config: config.TierConfig{Name: "semantic", StoreType: "chromem"}},
	}
	return fast, durable, vector, ts
}

func TestManager_RequiresInitialize(t *testing.T) {
	t.Parallel()
	_, _, _, ts := threeTierSetup()
	reg := tiers.NewBound(ts, discardLogger())
	mgr := NewManager(config.Default(), reg, nil, discardLogger())

	if _, err := mgr.Store(context.Background(), types.MemoryItem{Content: "x"}, ""); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := mgr.Retrieve(context.Background(), "id", ""); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := mgr.Query(context.Background(), types.Query{}, ""); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestManager_CloseReturnsToUninitialized(t *testing.T) {
	t.Parallel()
	_, _, _, ts := threeTierSetup()
	mgr := testManager(t, ts, &fakeEmbedder{})

	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := mgr.Store(context.Background(), types.MemoryItem{Content: "x"}, ""); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after Close, got %v", err)
	}
}

func TestManager_InitializeIsIdempotent(t *testing.T) {
	t.Parallel()
	_, _, _, ts := threeTierSetup()
	mgr := testManager(t, ts, nil)
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
}

func TestManager_StoreBroadcastsToAllTiers(t *testing.T) {
	t.Parallel()
	fast, durable, vector, ts := threeTierSetup()
	mgr := testManager(t, ts, &fakeEmbedder{})

	id, err := mgr.Store(context.Background(), types.MemoryItem{Content: "remember the alpha rollout"}, "")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	for name, f := range map[string]*fakeAdapter{"fast": fast, "durable": durable, "vector": vector} {
		if f.storedCount() != 1 {
			t.Fatalf("tier %s: expected 1 write, got %d", name, f.storedCount())
		}
	}

	got := fast.stored[0]
	if got.ID != id {
		t.Fatalf("expected broadcast id %q, got %q", id, got.ID)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt default")
	}
	if got.Type != types.TypeShortTerm {
		t.Fatalf("expected default type short_term, got %q", got.Type)
	}
	if len(vector.stored[0].Embedding) == 0 {
		t.Fatal("expected embedding computed for the vector tier")
	}
	if len(fast.stored[0].Embedding) != 0 {
		t.Fatal("did not expect embedding on keyword tier writes")
	}
}

func TestManager_StoreExplicitLayer(t *testing.T) {
	t.Parallel()
	fast, durable, vector, ts := threeTierSetup()
	mgr := testManager(t, ts, &fakeEmbedder{})

	if _, err := mgr.Store(context.Background(), types.MemoryItem{Content: "durable only"}, "long_term"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if durable.storedCount() != 1 {
		t.Fatalf("expected 1 write on long_term, got %d", durable.storedCount())
	}
	if fast.storedCount() != 0 || vector.storedCount() != 0 {
		t.Fatal("expected no writes on other tiers")
	}

	if _, err := mgr.Store(context.Background(), types.MemoryItem{Content: "x"}, "no_such_tier"); err == nil {
		t.Fatal("expected error for unknown layer")
	}
}

func TestManager_StoreVectorLayerWithoutEmbedder(t *testing.T) {
	t.Parallel()
	_, _, _, ts := threeTierSetup()
	mgr := testManager(t, ts, nil)

	if _, err := mgr.Store(context.Background(), types.MemoryItem{Content: "x"}, "semantic"); err == nil {
		t.Fatal("expected error routing to vector tier without an embedder")
	}
}

func TestManager_BroadcastSkipsVectorWithoutEmbedder(t *testing.T) {
	t.Parallel()
	fast, durable, vector, ts := threeTierSetup()
	mgr := testManager(t, ts, nil)

	if _, err := mgr.Store(context.Background(), types.MemoryItem{Content: "no embedder wired"}, ""); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if fast.storedCount() != 1 || durable.storedCount() != 1 {
		t.Fatal("expected keyword tiers to accept the write")
	}
	if vector.storedCount() != 0 {
		t.Fatal("expected vector tier to be skipped")
	}
}

func TestManager_StorePartialFailureSucceeds(t *testing.T) {
	t.Parallel()
	fast, durable, _, ts := threeTierSetup()
	fast.storeErr = errors.New("connection refused")
	mgr := testManager(t, ts, &fakeEmbedder{})

	if _, err := mgr.Store(context.Background(), types.MemoryItem{Content: "x"}, ""); err != nil {
		t.Fatalf("expected partial failure to succeed, got %v", err)
	}
	if durable.storedCount() != 1 {
		t.Fatal("expected surviving tier to hold the write")
	}
}

func TestManager_StoreAllTiersFailed(t *testing.T) {
	t.Parallel()
	fast, durable, vector, ts := threeTierSetup()
	boom := errors.New("backend down")
	fast.storeErr, durable.storeErr, vector.storeErr = boom, boom, boom
	mgr := testManager(t, ts, &fakeEmbedder{})

	_, err := mgr.Store(context.Background(), types.MemoryItem{Content: "x"}, "")
	if err == nil {
		t.Fatal("expected error when every tier fails")
	}
	if !strings.Contains(err.Error(), "all tiers failed") {
		t.Fatalf("expected all-tiers-failed error, got %v", err)
	}
}

func TestManager_RetrieveWalksPriorityOrder(t *testing.T) {
	t.Parallel()
	fast, durable, _, ts := threeTierSetup()
	mgr := testManager(t, ts, nil)

	fast.items["m-1"] = types.MemoryItem{ID: "m-1", Content: "hot copy"}
	durable.items["m-1"] = types.MemoryItem{ID: "m-1", Content: "cold copy"}
	durable.items["m-2"] = types.MemoryItem{ID: "m-2", Content: "only durable"}

	got, err := mgr.Retrieve(context.Background(), "m-1", "")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if got == nil || got.Content != "hot copy" {
		t.Fatalf("expected highest-priority copy, got %+v", got)
	}

	got, err = mgr.Retrieve(context.Background(), "m-2", "")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if got == nil || got.Content != "only durable" {
		t.Fatalf("expected fallback to lower tier, got %+v", got)
	}

	got, err = mgr.Retrieve(context.Background(), "m-missing", "")
	if err != nil {
		t.Fatalf("Retrieve(missing) error = %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil item for miss, got %+v", got)
	}
}

func TestManager_RetrieveExplicitLayer(t *testing.T) {
	t.Parallel()
	fast, durable, _, ts := threeTierSetup()
	mgr := testManager(t, ts, nil)

	fast.items["m-1"] = types.MemoryItem{ID: "m-1", Content: "hot copy"}
	durable.items["m-1"] = types.MemoryItem{ID: "m-1", Content: "cold copy"}

	got, err := mgr.Retrieve(context.Background(), "m-1", "long_term")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if got == nil || got.Content != "cold copy" {
		t.Fatalf("expected long_term copy, got %+v", got)
	}

	if _, err := mgr.Retrieve(context.Background(), "m-1", "no_such_tier"); err == nil {
		t.Fatal("expected error for unknown layer")
	}
}

func TestManager_DeleteReportsAnyTierHit(t *testing.T) {
	t.Parallel()
	fast, durable, _, ts := threeTierSetup()
	mgr := testManager(t, ts, nil)

	durable.items["m-1"] = types.MemoryItem{ID: "m-1"}

	ok, err := mgr.Delete(context.Background(), "m-1", "")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !ok {
		t.Fatal("expected delete to report true when one tier held the item")
	}
	if _, held := fast.items["m-1"]; held {
		t.Fatal("item should not exist anywhere after delete")
	}

	ok, err = mgr.Delete(context.Background(), "m-missing", "")
	if err != nil {
		t.Fatalf("Delete(missing) error = %v", err)
	}
	if ok {
		t.Fatal("expected delete of missing item to report false")
	}
}

func TestManager_ClearSumsTiers(t *testing.T) {
	t.Parallel()
	fast, durable, _, ts := threeTierSetup()
	mgr := testManager(t, ts, nil)

	fast.items["a"] = types.MemoryItem{ID: "a"}
	durable.items["a"] = types.MemoryItem{ID: "a"}
	durable.items["b"] = types.MemoryItem{ID: "b"}

	n, err := mgr.Clear(context.Background(), "")
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 cleared across tiers, got %d", n)
	}
}

func TestManager_PurgeExpiredSumsTiers(t *testing.T) {
	t.Parallel()
	fast, durable, vector, ts := threeTierSetup()
	fast.purged, durable.purged, vector.purged = 2, 1, 1
	mgr := testManager(t, ts, nil)

	n, err := mgr.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 purged, got %d", n)
	}
}

func TestManager_Stats(t *testing.T) {
	t.Parallel()
	fast, _, _, ts := threeTierSetup()
	mgr := testManager(t, ts, nil)
	fast.items["a"] = types.MemoryItem{ID: "a"}

	stats, err := mgr.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("expected stats for 3 tiers, got %d", len(stats))
	}
	if stats[0].Name != "short_term" || stats[0].Items != 1 {
		t.Fatalf("expected short_term first with 1 item, got %+v", stats[0])
	}
}

func TestManager_RememberConversationAndHistory(t *testing.T) {
	t.Parallel()
	fast, durable, _, ts := threeTierSetup()
	mgr := testManager(t, ts, &fakeEmbedder{})

	id, err := mgr.RememberConversation(context.Background(), "user asked about deploys", "user-1", "conv-1", map[string]any{"turn": "1"})
	if err != nil {
		t.Fatalf("RememberConversation() error = %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	got := fast.stored[0]
	if got.Type != types.TypeConversation || got.ConversationID != "conv-1" || got.UserID != "user-1" {
		t.Fatalf("conversation tagging lost: %+v", got)
	}

	durable.matches = []store.Match{{Item: got, Score: 0.6}}
	results, err := mgr.ConversationHistory(context.Background(), "conv-1", 5)
	if err != nil {
		t.Fatalf("ConversationHistory() error = %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected history results")
	}

	q := durable.lastQuery()
	if q.ConversationID != "conv-1" || q.Type != types.TypeConversation {
		t.Fatalf("expected conversation-scoped query, got %+v", q)
	}
}

func TestManager_QueryEmbedsTextForVectorTiers(t *testing.T) {
	t.Parallel()
	_, _, vector, ts := threeTierSetup()
	emb := &fakeEmbedder{}
	mgr := testManager(t, ts, emb)

	if _, err := mgr.Query(context.Background(), types.Query{Text: "deploys"}, ""); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if got := vector.lastQuery(); len(got.Embedding) == 0 {
		t.Fatal("expected query embedding attached for vector tiers")
	}
}

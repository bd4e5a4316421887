package store

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/layered-memory/internal/config"
	"github.com/xiy/layered-memory/pkg/types"
)

func openTestChromem(t *testing.T, tier config.TierConfig, now func() time.Time) Adapter {
	t.Helper()
	if tier.StoreType == "" {
		tier.StoreType = "chromem"
	}
	st, err := openChromem(context.Background(), Options{
		Tier:   tier,
		Search: testSearchConfig(),
		Logger: log.NewWithOptions(io.Discard, log.Options{}),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("openChromem() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestChromemStore_RequiresEmbedding(t *testing.T) {
	t.Parallel()
	st := openTestChromem(t, config.TierConfig{Name: "semantic"}, nil)

	_, err := st.Store(context.Background(), types.MemoryItem{ID: "v-none", Content: "no vector", Type: types.TypeSemantic, CreatedAt: time.Now().UTC()})
	if err == nil {
		t.Fatal("expected error storing item without embedding")
	}
}

func TestChromemStore_SimilarityQuery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestChromem(t, config.TierConfig{Name: "semantic"}, nil)

	now := time.Now().UTC()
	seed := []types.MemoryItem{
		{ID: "v-1", Content: "kubernetes deployment guide", Type: types.TypeSemantic, Embedding: []float32{1, 0, 0}, CreatedAt: now},
		{ID: "v-2", Content: "cooking pasta at home", Type: types.TypeSemantic, Embedding: []float32{0, 1, 0}, CreatedAt: now},
		{ID: "v-3", Content: "rolling restarts in kubernetes", Type: types.TypeSemantic, Embedding: []float32{0.9, 0.1, 0}, CreatedAt: now},
	}
	for _, it := range seed {
		if _, err := st.Store(ctx, it); err != nil {
			t.Fatalf("Store(%s) error = %v", it.ID, err)
		}
	}

	matches, err := st.Query(ctx, types.Query{Embedding: []float32{1, 0, 0}, Limit: 2})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Item.ID != "v-1" {
		t.Fatalf("expected closest match v-1 first, got %q", matches[0].Item.ID)
	}
	if matches[0].Score < matches[1].Score {
		t.Fatalf("expected descending similarity, got %v then %v", matches[0].Score, matches[1].Score)
	}
}

func TestChromemStore_KeywordFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestChromem(t, config.TierConfig{Name: "semantic"}, nil)

	now := time.Now().UTC()
	if _, err := st.Store(ctx, types.MemoryItem{ID: "k-1", Content: "postgres tuning notes", Type: types.TypeSemantic, ConversationID: "conv-7", Embedding: []float32{1, 0, 0}, CreatedAt: now}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// Field-scoped fan-out queries carry no embedding; the tier still
	// answers them via the in-process scan.
	matches, err := st.Query(ctx, types.Query{ConversationID: "conv-7", Limit: 10})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 1 || matches[0].Item.ID != "k-1" {
		t.Fatalf("expected fallback match on k-1, got %+v", matches)
	}
	if matches[0].Score != 0.6 {
		t.Fatalf("expected field weight 0.6, got %v", matches[0].Score)
	}
}

func TestChromemStore_RetrieveAndLazyExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.Now().UTC()
	now := func() time.Time { return clock }
	st := openTestChromem(t, config.TierConfig{Name: "semantic", TTLSeconds: 60}, now)

	if _, err := st.Store(ctx, types.MemoryItem{ID: "e-1", Content: "expiring vector", Type: types.TypeShortTerm, Embedding: []float32{1, 0, 0}, CreatedAt: clock}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if _, err := st.Retrieve(ctx, "e-1"); err != nil {
		t.Fatalf("Retrieve() before expiry error = %v", err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := st.Retrieve(ctx, "e-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	n, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("expected lazy expiry to delete the item, got %d left", n)
	}
}

func TestChromemStore_DeleteAndClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestChromem(t, config.TierConfig{Name: "semantic"}, nil)

	now := time.Now().UTC()
	for _, id := range []string{"dc-1", "dc-2"} {
		if _, err := st.Store(ctx, types.MemoryItem{ID: id, Content: "x", Type: types.TypeSemantic, Embedding: []float32{1, 0, 0}, CreatedAt: now}); err != nil {
			t.Fatalf("Store(%s) error = %v", id, err)
		}
	}

	ok, err := st.Delete(ctx, "dc-1")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !ok {
		t.Fatal("expected delete of existing item to report true")
	}

	removed, err := st.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 cleared, got %d", removed)
	}

	// The collection is usable again after a clear.
	if _, err := st.Store(ctx, types.MemoryItem{ID: "dc-3", Content: "fresh", Type: types.TypeSemantic, Embedding: []float32{0, 1, 0}, CreatedAt: now}); err != nil {
		t.Fatalf("Store() after Clear error = %v", err)
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/xiy/layered-memory/internal/config"
	"github.com/xiy/layered-memory/pkg/types"
)

// RedisStore is the fast ephemeral tier. Items are stored as JSON values
// with the tier TTL applied natively; membership sets per agent and
// conversation act as secondary indexes for scoped queries.
type RedisStore struct {
	client *redis.Client
	tier   config.TierConfig
	search config.SearchConfig
	logger *log.Logger
	now    func() time.Time
	prefix string
}

func openRedis(ctx context.Context, opts Options) (Adapter, error) {
	addr := opts.Tier.Addr
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("tier %q: addr is required for redis", opts.Tier.Name)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Tier.Password,
		DB:       opts.Tier.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("tier %q: redis ping: %w", opts.Tier.Name, err)
	}

	return &RedisStore{
		client: client,
		tier:   opts.Tier,
		search: opts.Search,
		logger: opts.Logger,
		now:    opts.now(),
		prefix: "lm:" + opts.Tier.Name,
	}, nil
}

func (s *RedisStore) itemKey(id string) string  { return s.prefix + ":item:" + id }
func (s *RedisStore) allKey() string            { return s.prefix + ":all" }
func (s *RedisStore) agentKey(id string) string { return s.prefix + ":agent:" + id }
func (s *RedisStore) convKey(id string) string  { return s.prefix + ":conv:" + id }

func (s *RedisStore) Store(ctx context.Context, item types.MemoryItem) (string, error) {
	var expiration time.Duration
	if exp := ttlFor(s.tier, item, s.now()); exp != nil {
		item.ExpiresAt = exp
		expiration = exp.Sub(s.now())
	} else if item.ExpiresAt != nil {
		expiration = item.ExpiresAt.Sub(s.now())
	}

	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal memory item: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.itemKey(item.ID), data, expiration)
	pipe.SAdd(ctx, s.allKey(), item.ID)
	if item.AgentID != "" {
		pipe.SAdd(ctx, s.agentKey(item.AgentID), item.ID)
	}
	if item.ConversationID != "" {
		pipe.SAdd(ctx, s.convKey(item.ConversationID), item.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store memory item: %w", err)
	}
	return item.ID, nil
}

func (s *RedisStore) Retrieve(ctx context.Context, id string) (types.MemoryItem, error) {
	data, err := s.client.Get(ctx, s.itemKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.MemoryItem{}, ErrNotFound
		}
		return types.MemoryItem{}, fmt.Errorf("get memory item: %w", err)
	}

	var item types.MemoryItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return types.MemoryItem{}, fmt.Errorf("unmarshal memory item: %w", err)
	}
	if item.Expired(s.now()) {
		if _, derr := s.Delete(ctx, id); derr != nil {
			s.logger.Warn("lazy expiry delete failed", "tier", s.tier.Name, "id", id, "error", derr)
		}
		return types.MemoryItem{}, ErrNotFound
	}
	return item, nil
}

func (s *RedisStore) Query(ctx context.Context, q types.Query) ([]Match, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = s.search.DefaultLimit
	}

	ids, err := s.candidateIDs(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	score := baseScore(s.search, q)
	now := s.now()
	matches := make([]Match, 0, limit)
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.itemKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			// Index entry outlived its item (native TTL fired); drop it.
			s.client.SRem(ctx, s.allKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch candidate %s: %w", id, err)
		}

		var item types.MemoryItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			s.logger.Warn("skipping undecodable item", "tier", s.tier.Name, "id", id, "error", err)
			continue
		}
		if item.Expired(now) || !itemMatches(item, q) {
			continue
		}
		matches = append(matches, Match{Item: item, Score: score})
		if len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

func (s *RedisStore) candidateIDs(ctx context.Context, q types.Query) ([]string, error) {
	key := s.allKey()
	switch {
	case q.ConversationID != "":
		key = s.convKey(q.ConversationID)
	case q.AgentID != "":
		key = s.agentKey(q.AgentID)
	}
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list candidate ids: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	var item types.MemoryItem
	if data, err := s.client.Get(ctx, s.itemKey(id)).Result(); err == nil {
		_ = json.Unmarshal([]byte(data), &item)
	}

	pipe := s.client.Pipeline()
	del := pipe.Del(ctx, s.itemKey(id))
	pipe.SRem(ctx, s.allKey(), id)
	if item.AgentID != "" {
		pipe.SRem(ctx, s.agentKey(item.AgentID), id)
	}
	if item.ConversationID != "" {
		pipe.SRem(ctx, s.convKey(item.ConversationID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete memory item: %w", err)
	}
	return del.Val() > 0, nil
}

func (s *RedisStore) Clear(ctx context.Context) (int64, error) {
	ids, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list items for clear: %w", err)
	}

	var removed int64
	for _, id := range ids {
		n, err := s.client.Del(ctx, s.itemKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("clear item %s: %w", id, err)
		}
		removed += n
	}

	keys, err := s.client.Keys(ctx, s.prefix+":*").Result()
	if err == nil && len(keys) > 0 {
		_ = s.client.Del(ctx, keys...).Err()
	}
	return removed, nil
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.allKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count memory items: %w", err)
	}
	return n, nil
}

func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	// Redis expires values natively; this sweep only reconciles items whose
	// recorded expiry has passed under an injected clock, and stale index
	// members left behind by native expiry.
	ids, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list items for purge: %w", err)
	}

	var removed int64
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.itemKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			s.client.SRem(ctx, s.allKey(), id)
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("fetch item %s: %w", id, err)
		}
		var item types.MemoryItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			continue
		}
		if item.Expired(now) {
			if ok, err := s.Delete(ctx, id); err == nil && ok {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// itemMatches applies field, text and metadata filters uniformly for
// backends that filter in process.
func itemMatches(item types.MemoryItem, q types.Query) bool {
	if q.Type != "" && item.Type != q.Type {
		return false
	}
	if q.AgentID != "" && item.AgentID != q.AgentID {
		return false
	}
	if q.ConversationID != "" && item.ConversationID != q.ConversationID {
		return false
	}
	if q.UserID != "" && item.UserID != q.UserID {
		return false
	}
	if q.Text != "" && !strings.Contains(strings.ToLower(item.Content), strings.ToLower(q.Text)) {
		return false
	}
	return metadataMatches(item.Metadata, q.Metadata)
}

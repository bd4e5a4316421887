package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/layered-memory/internal/config"
	"github.com/xiy/layered-memory/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the durable document tier. It matches by text containment
// and exact scoping fields; expired rows are treated as absent on read and
// deleted when encountered.
type SQLiteStore struct {
	db     *sql.DB
	tier   config.TierConfig
	search config.SearchConfig
	logger *log.Logger
	now    func() time.Time
}

func openSQLite(ctx context.Context, opts Options) (Adapter, error) {
	if strings.TrimSpace(opts.Tier.DBPath) == "" {
		return nil, fmt.Errorf("tier %q: db_path is required for sqlite", opts.Tier.Name)
	}

	db, err := sql.Open("sqlite", opts.Tier.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:     db,
		tier:   opts.Tier,
		search: opts.Search,
		logger: opts.Logger,
		now:    opts.now(),
	}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt+";"); err != nil {
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Store(ctx context.Context, item types.MemoryItem) (string, error) {
	metaJSON, err := json.Marshal(orEmpty(item.Metadata))
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	var embJSON sql.NullString
	if len(item.Embedding) > 0 {
		b, err := json.Marshal(item.Embedding)
		if err != nil {
			return "", fmt.Errorf("marshal embedding: %w", err)
		}
		embJSON = sql.NullString{String: string(b), Valid: true}
	}

	expiresAt := sql.NullString{}
	if exp := ttlFor(s.tier, item, s.now()); exp != nil {
		expiresAt = sql.NullString{String: exp.UTC().Format(time.RFC3339Nano), Valid: true}
	} else if item.ExpiresAt != nil {
		expiresAt = sql.NullString{String: item.ExpiresAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	const q = `INSERT INTO memory_items (
		id, content, memory_type, agent_id, conversation_id, user_id,
		metadata_json, embedding_json, created_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		content = excluded.content,
		memory_type = excluded.memory_type,
		agent_id = excluded.agent_id,
		conversation_id = excluded.conversation_id,
		user_id = excluded.user_id,
		metadata_json = excluded.metadata_json,
		embedding_json = excluded.embedding_json,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at`
	_, err = s.db.ExecContext(ctx, q,
		item.ID,
		item.Content,
		item.Type,
		item.AgentID,
		item.ConversationID,
		item.UserID,
		string(metaJSON),
		embJSON,
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
		expiresAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert memory item: %w", err)
	}
	return item.ID, nil
}

func (s *SQLiteStore) Retrieve(ctx context.Context, id string) (types.MemoryItem, error) {
	const q = `SELECT id, content, memory_type, agent_id, conversation_id, user_id,
	       metadata_json, embedding_json, created_at, expires_at
	FROM memory_items WHERE id = ? LIMIT 1`
	item, err := scanItem(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.MemoryItem{}, ErrNotFound
		}
		return types.MemoryItem{}, fmt.Errorf("get memory item: %w", err)
	}
	if item.Expired(s.now()) {
		// Lazy expiry: drop the row now rather than waiting for the sweep.
		if _, derr := s.Delete(ctx, id); derr != nil {
			s.logger.Warn("lazy expiry delete failed", "tier", s.tier.Name, "id", id, "error", derr)
		}
		return types.MemoryItem{}, ErrNotFound
	}
	return item, nil
}

func (s *SQLiteStore) Query(ctx context.Context, q types.Query) ([]Match, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = s.search.DefaultLimit
	}

	base := `SELECT id, content, memory_type, agent_id, conversation_id, user_id,
	       metadata_json, embedding_json, created_at, expires_at
	FROM memory_items
	WHERE (expires_at IS NULL OR expires_at > ?)`
	args := []any{s.now().UTC().Format(time.RFC3339Nano)}

	for col, v := range map[string]string{
		"memory_type":     q.Type,
		"agent_id":        q.AgentID,
		"conversation_id": q.ConversationID,
		"user_id":         q.UserID,
	} {
		if v != "" {
			base += " AND " + col + " = ?"
			args = append(args, v)
		}
	}
	if q.Text != "" {
		base += " AND content LIKE ?"
		args = append(args, "%"+q.Text+"%")
	}
	base += " ORDER BY created_at DESC LIMIT ?"
	// Over-fetch so metadata filtering below cannot starve the limit.
	fetch := limit
	if len(q.Metadata) > 0 {
		fetch = limit * 4
	}
	args = append(args, fetch)

	rows, err := s.db.QueryContext(ctx, base, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory items: %w", err)
	}
	defer rows.Close()

	score := baseScore(s.search, q)
	matches := make([]Match, 0, limit)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if !metadataMatches(item.Metadata, q.Metadata) {
			continue
		}
		matches = append(matches, Match{Item: item, Score: score})
		if len(matches) >= limit {
			break
		}
	}
	return matches, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_items`)
	if err != nil {
		return 0, fmt.Errorf("clear memory items: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memory_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memory items: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_items WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge expired items: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (types.MemoryItem, error) {
	var (
		item      types.MemoryItem
		metaJSON  string
		embJSON   sql.NullString
		createdAt string
		expiresAt sql.NullString
	)
	err := sc.Scan(
		&item.ID,
		&item.Content,
		&item.Type,
		&item.AgentID,
		&item.ConversationID,
		&item.UserID,
		&metaJSON,
		&embJSON,
		&createdAt,
		&expiresAt,
	)
	if err != nil {
		return item, err
	}

	if err := json.Unmarshal([]byte(metaJSON), &item.Metadata); err != nil {
		item.Metadata = map[string]any{}
	}
	if embJSON.Valid {
		if err := json.Unmarshal([]byte(embJSON.String), &item.Embedding); err != nil {
			item.Embedding = nil
		}
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return item, err
	}
	item.CreatedAt = created

	if expiresAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, expiresAt.String); err == nil {
			item.ExpiresAt = &t
		}
	}
	return item, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// metadataMatches checks that every requested metadata key is present with
// an equal value. Values are compared through their JSON rendering so that
// numeric types survive the round trip.
func metadataMatches(have, want map[string]any) bool {
	if len(want) == 0 {
		return true
	}
	for k, v := range want {
		hv, ok := have[k]
		if !ok {
			return false
		}
		wb, err1 := json.Marshal(v)
		hb, err2 := json.Marshal(hv)
		if err1 != nil || err2 != nil || string(wb) != string(hb) {
			return false
		}
	}
	return true
}

package types

import "time"

// Memory type classifications. The type decides default TTL behavior:
// long-term and semantic items never expire.
const (
	TypeShortTerm    = "short_term"
	TypeMidTerm      = "mid_term"
	TypeLongTerm     = "long_term"
	TypeSemantic     = "semantic"
	TypeConversation = "conversation"
)

// Retrieval provenance tags carried on search results.
const (
	RetrievalSemantic = "semantic"
	RetrievalKeyword  = "keyword"
)

// NonExpiring reports whether items of the given memory type must never
// receive a TTL, regardless of the tier they are written to.
func NonExpiring(memoryType string) bool {
	return memoryType == TypeLongTerm || memoryType == TypeSemantic
}

// MemoryItem is the atomic unit of stored context. Once stored, an item is
// owned by whichever tier(s) it was written to; the manager keeps no copy.
type MemoryItem struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Embedding      []float32      `json:"embedding,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Type           string         `json:"memory_type"`
	AgentID        string         `json:"agent_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the item's TTL has elapsed at the given instant.
func (m MemoryItem) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Query describes a filtered search. All set fields must match; Text is
// interpreted per backend capability (containment for keyword tiers,
// similarity for vector tiers).
type Query struct {
	Text           string         `json:"text,omitempty"`
	Embedding      []float32      `json:"embedding,omitempty"`
	Type           string         `json:"memory_type,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Limit          int            `json:"limit,omitempty"`
}

// SearchResult wraps a MemoryItem with ranking context. Results are
// transient query artifacts and are never persisted.
type SearchResult struct {
	Item            MemoryItem `json:"item"`
	Score           float64    `json:"relevance_score"`
	SourceLayer     string     `json:"source_layer"`
	RetrievalType   string     `json:"retrieval_type,omitempty"`
	RetrievalTimeMS float64    `json:"retrieval_time_ms"`
}

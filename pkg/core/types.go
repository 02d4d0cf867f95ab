package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"
)

// NodeID identifies a stored node. Assigned by the database on insert.
type NodeID int64

// RobotID identifies a robot. Assigned by the database on first use.
type RobotID int64

// TagID identifies a tag row.
type TagID int64

// Node is the atomic memory unit: a short text with an optional embedding,
// open metadata, and access counters. Content is unique by SHA-256 hash
// across non-deleted nodes.
type Node struct {
	ID           NodeID         `db:"id"`
	Content      string         `db:"content"`
	ContentHash  string         `db:"content_hash"`
	TokenCount   int            `db:"token_count"`
	Embedding    []float32      `db:"-"`
	EmbeddingDim int            `db:"embedding_dim"` // original length before padding
	Metadata     map[string]any `db:"-"`
	AccessCount  int64          `db:"access_count"`
	LastAccessed *time.Time     `db:"last_accessed"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	DeletedAt    *time.Time     `db:"deleted_at"`
}

// Robot is a logical agent with its own working-memory view and shared
// access to long-term nodes.
type Robot struct {
	ID         RobotID   `db:"id"`
	Name       string    `db:"name"`
	LastActive time.Time `db:"last_active"`
}

// RobotNode joins a robot to a node it has remembered. WorkingMemory is true
// iff the node is currently in that robot's in-memory working set.
type RobotNode struct {
	RobotID          RobotID   `db:"robot_id"`
	NodeID           NodeID    `db:"node_id"`
	FirstRememberedAt time.Time `db:"first_remembered_at"`
	LastRememberedAt time.Time `db:"last_remembered_at"`
	RememberCount    int       `db:"remember_count"`
	WorkingMemory    bool      `db:"working_memory"`
}

// Tag is a hierarchical taxonomy entry; see tags.go for path semantics.
type Tag struct {
	ID        TagID     `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// HashContent computes the SHA-256 hex digest used for content
// deduplication.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// TokenCounter estimates the token cost of a text. The default heuristic is
// replaced with the provider tokenizer when one is configured.
type TokenCounter func(text string) int

// ApproxTokens is the fallback token counter: the larger of word count and
// rune count / 4, which tracks BPE tokenizers closely enough for budgeting.
func ApproxTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	runes := utf8.RuneCountInString(text)
	return max(words, runes/4)
}

// ValidateContent rejects empty or whitespace-only node content and content
// exceeding maxBytes (0 disables the size check).
func ValidateContent(content string, maxBytes int64) error {
	if strings.TrimSpace(content) == "" {
		return E(KindValidation, "core.ValidateContent", "content must not be empty")
	}
	if maxBytes > 0 && int64(len(content)) > maxBytes {
		return E(KindValidation, "core.ValidateContent",
			"content is %d bytes, limit is %d", len(content), maxBytes)
	}
	if !utf8.ValidString(content) {
		return E(KindValidation, "core.ValidateContent", "content is not valid UTF-8")
	}
	return nil
}

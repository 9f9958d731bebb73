// Package pattern implements the reusable-knowledge bank: deduplicated
// storage of learned patterns with embedding-based similarity search and a
// periodic consolidation job.
package pattern

import (
	"time"
)

// Pattern is one reusable piece of knowledge. AgentID and Domain are empty
// for legacy entries that predate agent scoping; scoped and unscoped
// patterns coexist in the same namespace.
type Pattern struct {
	// ID is the unique pattern identifier
	ID string `json:"id"`

	// Content is the pattern text
	Content string `json:"content"`

	// Embedding is the unit-normalized vector for the content
	Embedding []float32 `json:"embedding"`

	// Confidence is the pattern's confidence in [0, 1]
	Confidence float64 `json:"confidence"`

	// UsageCount is how many observations merged into this pattern
	UsageCount int64 `json:"usage_count"`

	// SuccessRate is the fraction of recorded outcomes that succeeded
	SuccessRate float64 `json:"success_rate"`

	// OutcomeCount is how many outcomes back SuccessRate
	OutcomeCount int64 `json:"outcome_count"`

	// AgentID scopes the pattern to one agent; empty means unscoped
	AgentID string `json:"agent_id,omitempty"`

	// Domain scopes the pattern to one domain; empty means unscoped
	Domain string `json:"domain,omitempty"`

	// CreatedAt is when the pattern was first stored
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the pattern last changed
	UpdatedAt time.Time `json:"updated_at"`
}

// scopeKey groups patterns into one ANN index per (agent, domain) pair.
func scopeKey(agentID, domain string) string {
	return agentID + "\x1f" + domain
}

// Options carries the optional scoping of a StorePattern call.
type Options struct {
	// AgentID scopes the pattern to one agent
	AgentID string

	// Domain scopes the pattern to one domain
	Domain string
}

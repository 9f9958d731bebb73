// Package blackboard holds the lightweight coordination surfaces shared
// between agents: partition-scoped hints, an append-only audit event log,
// and workflow checkpoints. Hints carry their own TTL and no per-owner
// ACL. Events expire on a fixed 30-day horizon and must never be load
// bearing for control flow. Checkpoints never expire.
package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmmem/swarmmem/pkg/agent"
	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/store"
)

// EventTTL is the fixed retention horizon for audit events.
const EventTTL = 30 * 24 * time.Hour

// Hint is a lightly structured coordination payload visible to every
// agent reading its partition.
type Hint struct {
	ID        string          `json:"id"`
	Partition string          `json:"partition"`
	Payload   json.RawMessage `json:"payload"`
	Source    agent.ID        `json:"source,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	// ExpiresAt is unix seconds; 0 means the hint never expires.
	ExpiresAt int64 `json:"expires_at"`
}

// Event is one append-only audit record.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Source    agent.ID        `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// ExpiresAt is unix seconds, always Timestamp plus EventTTL.
	ExpiresAt int64 `json:"expires_at"`
}

// Checkpoint is the latest durable state of a workflow. Checkpoints are
// exempt from TTL sweeping.
type Checkpoint struct {
	WorkflowID string          `json:"workflow_id"`
	State      json.RawMessage `json:"state"`
	Source     agent.ID        `json:"source,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Board exposes the three coordination surfaces over one row store.
type Board struct {
	rows           store.RowStore
	clock          func() time.Time
	defaultHintTTL int64
}

// BoardOption configures a Board.
type BoardOption func(*Board)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) BoardOption {
	return func(b *Board) { b.clock = clock }
}

// WithDefaultHintTTL sets the TTL in seconds applied when PostHint is
// called with ttlSeconds zero and the caller wants a default horizon.
func WithDefaultHintTTL(seconds int64) BoardOption {
	return func(b *Board) { b.defaultHintTTL = seconds }
}

// NewBoard creates a blackboard over the given rows.
func NewBoard(rows store.RowStore, opts ...BoardOption) *Board {
	b := &Board{rows: rows, clock: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PostHint publishes a hint into a partition. ttlSeconds zero falls back
// to the board default; a zero default means the hint never expires.
func (b *Board) PostHint(ctx context.Context, partition string, payload json.RawMessage, ttlSeconds int64) (*Hint, error) {
	if partition == "" {
		return nil, errors.Wrap(errors.ErrValidation, "hint partition must not be empty")
	}
	if strings.Contains(partition, ":") {
		return nil, errors.Wrap(errors.ErrValidation, "hint partition must not contain ':'")
	}
	if ttlSeconds < 0 {
		return nil, errors.Wrap(errors.ErrValidation, "hint ttl must not be negative")
	}
	if ttlSeconds == 0 {
		ttlSeconds = b.defaultHintTTL
	}

	now := b.clock().UTC()
	hint := &Hint{
		ID:        uuid.NewString(),
		Partition: partition,
		Payload:   payload,
		CreatedAt: now,
	}
	if agentCtx, ok := agent.GetAgentContext(ctx); ok {
		hint.Source = agentCtx.AgentID
	}
	if ttlSeconds > 0 {
		hint.ExpiresAt = now.Unix() + ttlSeconds
	}

	raw, err := json.Marshal(hint)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to encode hint")
	}
	key := partition + ":" + hint.ID
	if err := b.rows.Put(ctx, store.NamespaceHints, key, raw); err != nil {
		return nil, err
	}
	return hint, nil
}

// ReadHints returns the live hints of one partition, oldest first.
// Visibility is partition-only; there is no per-agent filtering.
func (b *Board) ReadHints(ctx context.Context, partition string) ([]Hint, error) {
	prefix := partition + ":"
	now := b.clock().Unix()

	var hints []Hint
	err := b.rows.Scan(ctx, store.NamespaceHints, func(row store.Row) error {
		if !strings.HasPrefix(row.Key, prefix) {
			return nil
		}
		var h Hint
		if err := json.Unmarshal(row.Value, &h); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode hint %s", row.Key)
		}
		if h.ExpiresAt > 0 && h.ExpiresAt <= now {
			return nil
		}
		hints = append(hints, h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(hints, func(i, j int) bool { return hints[i].CreatedAt.Before(hints[j].CreatedAt) })
	return hints, nil
}

// AppendEvent records one audit event with the fixed retention horizon.
func (b *Board) AppendEvent(ctx context.Context, eventType string, payload json.RawMessage) (*Event, error) {
	if eventType == "" {
		return nil, errors.Wrap(errors.ErrValidation, "event type must not be empty")
	}

	now := b.clock().UTC()
	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: now,
		ExpiresAt: now.Add(EventTTL).Unix(),
	}
	if agentCtx, ok := agent.GetAgentContext(ctx); ok {
		event.Source = agentCtx.AgentID
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to encode event")
	}
	key := fmt.Sprintf("%020d:%s", now.UnixNano(), event.ID)
	if err := b.rows.Put(ctx, store.NamespaceEvents, key, raw); err != nil {
		return nil, err
	}
	return event, nil
}

// QueryEvents returns live events of the given type inside [from, to),
// in chronological order. An empty type matches every event; zero bounds
// are open on that side.
func (b *Board) QueryEvents(ctx context.Context, eventType string, from, to time.Time) ([]Event, error) {
	now := b.clock().Unix()

	var events []Event
	err := b.rows.Scan(ctx, store.NamespaceEvents, func(row store.Row) error {
		var e Event
		if err := json.Unmarshal(row.Value, &e); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode event %s", row.Key)
		}
		if e.ExpiresAt > 0 && e.ExpiresAt <= now {
			return nil
		}
		if eventType != "" && e.Type != eventType {
			return nil
		}
		if !from.IsZero() && e.Timestamp.Before(from) {
			return nil
		}
		if !to.IsZero() && !e.Timestamp.Before(to) {
			return nil
		}
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}

// SaveCheckpoint persists a workflow checkpoint. Checkpoints accumulate
// per workflow and never expire; resume uses LatestCheckpoint.
func (b *Board) SaveCheckpoint(ctx context.Context, workflowID string, state json.RawMessage) (*Checkpoint, error) {
	if workflowID == "" {
		return nil, errors.Wrap(errors.ErrValidation, "workflow id must not be empty")
	}
	if strings.Contains(workflowID, ":") {
		return nil, errors.Wrap(errors.ErrValidation, "workflow id must not contain ':'")
	}

	now := b.clock().UTC()
	cp := &Checkpoint{
		WorkflowID: workflowID,
		State:      state,
		CreatedAt:  now,
	}
	if agentCtx, ok := agent.GetAgentContext(ctx); ok {
		cp.Source = agentCtx.AgentID
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to encode checkpoint")
	}
	key := fmt.Sprintf("%s:%020d", workflowID, now.UnixNano())
	if err := b.rows.Put(ctx, store.NamespaceWorkflow, key, raw); err != nil {
		return nil, err
	}
	return cp, nil
}

// LatestCheckpoint returns the most recent checkpoint for a workflow, or
// ErrNotFound when none exists.
func (b *Board) LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	prefix := workflowID + ":"
	var latest *Checkpoint
	err := b.rows.Scan(ctx, store.NamespaceWorkflow, func(row store.Row) error {
		if !strings.HasPrefix(row.Key, prefix) {
			return nil
		}
		var cp Checkpoint
		if err := json.Unmarshal(row.Value, &cp); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode checkpoint %s", row.Key)
		}
		if latest == nil || cp.CreatedAt.After(latest.CreatedAt) {
			latest = &cp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, errors.Wrap(errors.ErrNotFound, "no checkpoint for workflow %s", workflowID)
	}
	return latest, nil
}

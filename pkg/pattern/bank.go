package pattern

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/pattern/embed"
	"github.com/swarmmem/swarmmem/pkg/pattern/index"
	"github.com/swarmmem/swarmmem/pkg/scripting"
	"github.com/swarmmem/swarmmem/pkg/store"
)

// Bank stores patterns and their ANN indexes. The pattern row write and
// the index write are serialized behind one mutex so the index never
// observes a row without an index entry or vice versa.
type Bank struct {
	rows      store.RowStore
	embedder  embed.Embedder
	newIndex  index.Factory
	threshold float32
	clock     func() time.Time

	// scripts is optional; when present it can override quality scoring
	// during consolidation via a pattern_quality Lua function
	scripts scripting.Engine

	mu      sync.Mutex
	indexes map[string]index.Index
}

// BankOption configures a Bank.
type BankOption func(*Bank)

// WithClock overrides the bank time source.
func WithClock(clock func() time.Time) BankOption {
	return func(b *Bank) { b.clock = clock }
}

// WithScripting attaches a Lua hook engine consulted for quality scoring.
func WithScripting(engine scripting.Engine) BankOption {
	return func(b *Bank) { b.scripts = engine }
}

// WithSimilarityThreshold overrides the merge threshold (default 0.85).
func WithSimilarityThreshold(threshold float64) BankOption {
	return func(b *Bank) { b.threshold = float32(threshold) }
}

// NewBank creates a pattern bank over the given row store.
func NewBank(rows store.RowStore, embedder embed.Embedder, factory index.Factory, opts ...BankOption) *Bank {
	b := &Bank{
		rows:      rows,
		embedder:  embedder,
		newIndex:  factory,
		threshold: 0.85,
		clock:     time.Now,
		indexes:   make(map[string]index.Index),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// LoadIndexes rebuilds every scope index from the persisted patterns.
// Called once at engine startup.
func (b *Bank) LoadIndexes(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	err := b.rows.Scan(ctx, store.NamespacePatterns, func(row store.Row) error {
		var p Pattern
		if err := json.Unmarshal(row.Value, &p); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode pattern %s", row.Key)
		}
		idx, err := b.indexForLocked(p.AgentID, p.Domain)
		if err != nil {
			return err
		}
		if err := idx.Add(p.ID, p.Embedding); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}

	log.DebugContext(ctx, "Rebuilt pattern indexes", "patterns", count, "scopes", len(b.indexes))
	return nil
}

// StorePattern derives the embedding for content and either merges it into
// the nearest existing pattern of the same scope (cosine similarity at or
// above the threshold) or inserts a new pattern. The merged or inserted
// pattern is returned.
func (b *Bank) StorePattern(ctx context.Context, content string, confidence float64, opts Options) (*Pattern, error) {
	if content == "" {
		return nil, errors.Wrap(errors.ErrValidation, "pattern content must not be empty")
	}
	if confidence < 0 || confidence > 1 {
		return nil, errors.Wrap(errors.ErrValidation, "confidence must be in [0, 1], got %v", confidence)
	}

	vec, err := b.embedder.Embed(ctx, content)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to embed pattern content")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.indexForLocked(opts.AgentID, opts.Domain)
	if err != nil {
		return nil, err
	}

	matches, err := idx.Search(vec, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 && matches[0].Similarity >= b.threshold {
		existing, err := b.loadLocked(ctx, matches[0].ID)
		if err == nil {
			merged := b.mergeObservation(existing, confidence)
			if err := b.putLocked(ctx, merged); err != nil {
				return nil, err
			}
			log.DebugContext(ctx, "Merged near-duplicate pattern",
				"pattern_id", merged.ID,
				"similarity", matches[0].Similarity,
				"usage_count", merged.UsageCount,
			)
			return merged, nil
		}
		if !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		// Index pointed at a row that no longer exists; drop the stale
		// entry and fall through to insert.
		_ = idx.Remove(matches[0].ID)
	}

	now := b.clock().UTC()
	p := &Pattern{
		ID:         uuid.New().String(),
		Content:    content,
		Embedding:  vec,
		Confidence: confidence,
		UsageCount: 1,
		AgentID:    opts.AgentID,
		Domain:     opts.Domain,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := b.putLocked(ctx, p); err != nil {
		return nil, err
	}
	if err := idx.Add(p.ID, vec); err != nil {
		// Roll the row back rather than leave the pair inconsistent
		_ = b.rows.Delete(ctx, store.NamespacePatterns, p.ID)
		return nil, err
	}
	return p, nil
}

// mergeObservation folds one new observation into an existing pattern:
// the usage count grows by one and the confidence moves by a weighted
// average favoring the side with more usage. The representative content
// and embedding are kept.
func (b *Bank) mergeObservation(existing *Pattern, confidence float64) *Pattern {
	total := float64(existing.UsageCount + 1)
	existing.Confidence = (existing.Confidence*float64(existing.UsageCount) + confidence) / total
	existing.UsageCount++
	existing.UpdatedAt = b.clock().UTC()
	return existing
}

// RecordOutcome records a success or failure for a pattern, updating its
// success rate incrementally.
func (b *Bank) RecordOutcome(ctx context.Context, id string, success bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.loadLocked(ctx, id)
	if err != nil {
		return err
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	total := float64(p.OutcomeCount + 1)
	p.SuccessRate = (p.SuccessRate*float64(p.OutcomeCount) + outcome) / total
	p.OutcomeCount++
	p.UpdatedAt = b.clock().UTC()

	return b.putLocked(ctx, p)
}

// QueryByDomain returns the patterns of one domain ordered by success rate
// then confidence, both descending.
func (b *Bank) QueryByDomain(ctx context.Context, domain string) ([]Pattern, error) {
	return b.query(ctx, func(p *Pattern) bool { return p.Domain == domain })
}

// QueryByAgent returns the patterns of one agent ordered by success rate
// then confidence, both descending.
func (b *Bank) QueryByAgent(ctx context.Context, agentID string) ([]Pattern, error) {
	return b.query(ctx, func(p *Pattern) bool { return p.AgentID == agentID })
}

func (b *Bank) query(ctx context.Context, match func(*Pattern) bool) ([]Pattern, error) {
	var out []Pattern
	err := b.rows.Scan(ctx, store.NamespacePatterns, func(row store.Row) error {
		var p Pattern
		if err := json.Unmarshal(row.Value, &p); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode pattern %s", row.Key)
		}
		if match(&p) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out, nil
}

// indexForLocked returns (creating if needed) the scope index. Callers
// hold b.mu.
func (b *Bank) indexForLocked(agentID, domain string) (index.Index, error) {
	key := scopeKey(agentID, domain)
	if idx, ok := b.indexes[key]; ok {
		return idx, nil
	}
	idx, err := b.newIndex()
	if err != nil {
		return nil, err
	}
	b.indexes[key] = idx
	return idx, nil
}

func (b *Bank) loadLocked(ctx context.Context, id string) (*Pattern, error) {
	row, err := b.rows.Get(ctx, store.NamespacePatterns, id)
	if err != nil {
		return nil, err
	}
	var p Pattern
	if err := json.Unmarshal(row.Value, &p); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to decode pattern %s", id)
	}
	return &p, nil
}

func (b *Bank) putLocked(ctx context.Context, p *Pattern) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to encode pattern %s", p.ID)
	}
	return b.rows.Put(ctx, store.NamespacePatterns, p.ID, raw)
}

package pattern

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/pattern/embed"
	"github.com/swarmmem/swarmmem/pkg/store"
)

// ConsolidationReport summarizes one consolidation run.
type ConsolidationReport struct {
	// Scanned is the number of patterns considered
	Scanned int

	// Clusters is the number of similarity clusters found
	Clusters int

	// Merged is the number of patterns folded into a representative
	Merged int
}

// Consolidate batch-scans all patterns per domain, clusters them by
// embedding similarity at the bank threshold, keeps the highest-quality
// representative per cluster, folds the others' usage counts into it, and
// deletes the rest. Running it twice in sequence yields the same pattern
// set as running it once. The bank lock is held only per cluster merge, so
// concurrent StorePattern calls are not starved for the whole run.
func (b *Bank) Consolidate(ctx context.Context) (ConsolidationReport, error) {
	var report ConsolidationReport

	// Snapshot the pattern set without holding the bank lock
	byDomain := make(map[string][]*Pattern)
	err := b.rows.Scan(ctx, store.NamespacePatterns, func(row store.Row) error {
		var p Pattern
		if err := json.Unmarshal(row.Value, &p); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode pattern %s", row.Key)
		}
		key := scopeKey(p.AgentID, p.Domain)
		byDomain[key] = append(byDomain[key], &p)
		report.Scanned++
		return nil
	})
	if err != nil {
		return report, err
	}

	for _, patterns := range byDomain {
		clusters := b.cluster(patterns)
		report.Clusters += len(clusters)

		for _, cluster := range clusters {
			if len(cluster) < 2 {
				continue
			}
			merged, err := b.mergeCluster(ctx, cluster)
			if err != nil {
				return report, err
			}
			report.Merged += merged
		}
	}

	log.DebugContext(ctx, "Pattern consolidation finished",
		"scanned", report.Scanned,
		"clusters", report.Clusters,
		"merged", report.Merged,
	)
	return report, nil
}

// cluster greedily groups patterns by similarity to the first member of
// each cluster. Iteration order is fixed (oldest first) so clustering is
// deterministic across runs.
func (b *Bank) cluster(patterns []*Pattern) [][]*Pattern {
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].CreatedAt.Before(patterns[j].CreatedAt)
	})

	var clusters [][]*Pattern
	for _, p := range patterns {
		placed := false
		for i, cluster := range clusters {
			if embed.Dot(cluster[0].Embedding, p.Embedding) >= b.threshold {
				clusters[i] = append(cluster, p)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []*Pattern{p})
		}
	}
	return clusters
}

// mergeCluster folds a similarity cluster into its best representative
// under the bank lock, then deletes the absorbed rows and index entries.
// Returns the number of patterns absorbed.
func (b *Bank) mergeCluster(ctx context.Context, cluster []*Pattern) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Re-read the members: concurrent writes may have changed or removed
	// them since the snapshot.
	live := make([]*Pattern, 0, len(cluster))
	for _, p := range cluster {
		current, err := b.loadLocked(ctx, p.ID)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return 0, err
		}
		live = append(live, current)
	}
	if len(live) < 2 {
		return 0, nil
	}

	rep := b.pickRepresentative(ctx, live)

	var usage, outcomes int64
	confWeighted := 0.0
	rateWeighted := 0.0
	for _, p := range live {
		usage += p.UsageCount
		outcomes += p.OutcomeCount
		confWeighted += p.Confidence * float64(p.UsageCount)
		rateWeighted += p.SuccessRate * float64(p.OutcomeCount)
	}
	if usage > 0 {
		rep.Confidence = confWeighted / float64(usage)
	}
	if outcomes > 0 {
		rep.SuccessRate = rateWeighted / float64(outcomes)
	}
	rep.UsageCount = usage
	rep.OutcomeCount = outcomes
	rep.UpdatedAt = b.clock().UTC()

	if err := b.putLocked(ctx, rep); err != nil {
		return 0, err
	}

	idx, err := b.indexForLocked(rep.AgentID, rep.Domain)
	if err != nil {
		return 0, err
	}

	merged := 0
	for _, p := range live {
		if p.ID == rep.ID {
			continue
		}
		if err := b.rows.Delete(ctx, store.NamespacePatterns, p.ID); err != nil {
			return merged, err
		}
		_ = idx.Remove(p.ID)
		merged++
	}
	return merged, nil
}

// pickRepresentative returns the highest-quality member of a cluster.
// Equal scores are a consolidation conflict, resolved deterministically in
// favor of the earliest-created pattern.
func (b *Bank) pickRepresentative(ctx context.Context, cluster []*Pattern) *Pattern {
	best := cluster[0]
	bestScore := b.qualityScore(ctx, best)
	for _, p := range cluster[1:] {
		score := b.qualityScore(ctx, p)
		if score > bestScore || (score == bestScore && p.CreatedAt.Before(best.CreatedAt)) {
			best = p
			bestScore = score
		}
	}
	return best
}

// qualityScore rates a pattern in [0, 1] as a weighted function of
// readability, completeness, specificity, reusability, and success rate.
// A loaded pattern_quality Lua hook overrides the heuristic.
func (b *Bank) qualityScore(ctx context.Context, p *Pattern) float64 {
	if score, ok := b.callQualityHook(ctx, p); ok {
		return score
	}
	return defaultQualityScore(p)
}

// defaultQualityScore is the built-in heuristic. The sub-scores are crude
// content measurements; what matters is that the ranking is stable and
// favors specific, complete, proven patterns.
func defaultQualityScore(p *Pattern) float64 {
	words := strings.Fields(p.Content)
	n := float64(len(words))

	// Readability: penalize extreme average word lengths
	readability := 0.0
	if n > 0 {
		total := 0.0
		for _, w := range words {
			total += float64(len(w))
		}
		avg := total / n
		readability = clamp01(1 - abs(avg-5.5)/5.5)
	}

	// Completeness: longer patterns carry more of the knowledge
	completeness := clamp01(n / 20)

	// Specificity: identifiers, numbers, and mixed-case tokens
	specific := 0.0
	for _, w := range words {
		if strings.ContainsFunc(w, unicode.IsDigit) || w != strings.ToLower(w) {
			specific++
		}
	}
	specificity := clamp01(specific / 5)

	// Reusability: very long patterns tend to be one-off transcripts
	reusability := clamp01(1 - n/200)

	return 0.2*readability + 0.2*completeness + 0.15*specificity + 0.15*reusability + 0.3*p.SuccessRate
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

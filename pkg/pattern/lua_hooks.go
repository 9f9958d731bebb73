package pattern

import (
	"context"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/scripting"
)

// qualityHookName is the Lua function consolidation consults when a
// scripting engine is attached. The function receives a table with the
// pattern's content and counters and must return a number in [0, 1].
const qualityHookName = "pattern_quality"

// callQualityHook asks the attached Lua engine to score a pattern. The
// second return is false when no engine is attached, the hook is not
// defined, or the hook misbehaves, in which case the caller falls back to
// the built-in heuristic.
func (b *Bank) callQualityHook(ctx context.Context, p *Pattern) (float64, bool) {
	if b.scripts == nil {
		return 0, false
	}

	result, err := b.scripts.ExecuteFunction(ctx, qualityHookName, map[string]interface{}{
		"content":       p.Content,
		"confidence":    p.Confidence,
		"usage_count":   float64(p.UsageCount),
		"success_rate":  p.SuccessRate,
		"outcome_count": float64(p.OutcomeCount),
		"domain":        p.Domain,
	})
	if err != nil {
		if !errors.Is(err, scripting.ErrFunctionNotFound) {
			log.WarnContext(ctx, "pattern_quality hook failed, using heuristic",
				"pattern_id", p.ID, "error", err)
		}
		return 0, false
	}

	score, ok := result.(float64)
	if !ok {
		log.WarnContext(ctx, "pattern_quality hook returned non-numeric score, using heuristic",
			"pattern_id", p.ID)
		return 0, false
	}
	return clamp01(score), true
}

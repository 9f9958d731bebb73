package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/store"
)

// expiringRow is the minimal envelope the sweep decodes from any
// TTL-bearing namespace. Every expirable row type serializes an
// "expires_at" field in unix seconds, 0 meaning never.
type expiringRow struct {
	ExpiresAt int64 `json:"expires_at"`
}

// sweepNamespaces are the namespaces holding TTL-bearing rows. Workflow
// checkpoints never expire and are deliberately absent.
var sweepNamespaces = []string{
	store.NamespaceMemory,
	store.NamespaceHints,
	store.NamespaceEvents,
}

// Sweep removes every expired row across the TTL-bearing namespaces and
// returns the number removed. It is idempotent: a second sweep over already
// cleaned rows removes nothing. It never holds the store longer than one
// scan plus the individual deletes, so it is safe to run concurrently with
// reads and writes.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	now := e.clock()
	removed := 0

	for _, ns := range sweepNamespaces {
		var expired []string
		err := e.rows.Scan(ctx, ns, func(row store.Row) error {
			var env expiringRow
			if err := json.Unmarshal(row.Value, &env); err != nil {
				// A malformed row is skipped, not fatal to the sweep
				log.WarnContext(ctx, "Skipping undecodable row during sweep", "namespace", ns, "key", row.Key)
				return nil
			}
			if env.ExpiresAt != 0 && env.ExpiresAt <= now.Unix() {
				expired = append(expired, row.Key)
			}
			return nil
		})
		if err != nil {
			return removed, err
		}

		for _, key := range expired {
			if err := e.rows.Delete(ctx, ns, key); err != nil {
				return removed, err
			}
			if ns == store.NamespaceMemory {
				_ = e.rows.Delete(ctx, store.NamespaceACL, key)
				e.mods.Forget(key)
			}
			removed++
		}
	}

	if removed > 0 {
		log.DebugContext(ctx, "TTL sweep removed expired rows", "count", removed)
	}
	return removed, nil
}

// RunSweeper runs Sweep on the given interval until ctx is cancelled.
// Sweep failures are logged, never propagated: maintenance must not take
// down the engine.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.WarnContext(ctx, "TTL sweep failed", "error", err)
			}
		}
	}
}

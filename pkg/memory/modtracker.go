package memory

import (
	"sync"
)

// ModTracker records the last modification instant of every entry written
// by this process, keyed by "partition:key". The sync transport reads it to
// build outbound deltas without scanning the store.
type ModTracker struct {
	mu   sync.RWMutex
	mods map[string]int64
}

// NewModTracker creates an empty tracker.
func NewModTracker() *ModTracker {
	return &ModTracker{mods: make(map[string]int64)}
}

// Touch records a modification of key at the given unix-millisecond instant.
func (t *ModTracker) Touch(key string, modifiedAt int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if modifiedAt > t.mods[key] {
		t.mods[key] = modifiedAt
	}
}

// Forget drops a key from the tracker, used when an entry is deleted.
func (t *ModTracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mods, key)
}

// Since returns the keys modified strictly after the given instant.
func (t *ModTracker) Since(modifiedAfter int64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var keys []string
	for key, at := range t.mods {
		if at > modifiedAfter {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of tracked keys.
func (t *ModTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.mods)
}

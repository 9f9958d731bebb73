package index

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/swarmmem/swarmmem/pkg/errors"

	"github.com/swarmmem/swarmmem/pkg/pattern/embed"
)

// HNSWConfig tunes the hierarchical navigable small world graph.
type HNSWConfig struct {
	// M is the maximum number of connections per node per layer
	M int

	// EfConstruction is the candidate-list width during insertion
	EfConstruction int

	// EfSearch is the candidate-list width during search
	EfSearch int

	// LevelMultiplier normalizes the random level distribution
	LevelMultiplier float64
}

// DefaultHNSWConfig returns parameters suited to the single-node pattern
// bank scale (thousands of vectors, not millions).
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:              12,
		EfConstruction: 100,
		EfSearch:       50,
		LevelMultiplier: 1.0 / math.Log(2.0),
	}
}

// HNSW is an in-process approximate-nearest-neighbor index. All vectors
// must be unit-normalized; distance is 1 - dot.
type HNSW struct {
	config HNSWConfig

	mu         sync.RWMutex
	vectors    map[string][]float32
	graph      map[string]map[int][]string // id -> level -> neighbors
	entryPoint string
	maxLevel   int
	rng        *rand.Rand
}

// NewHNSW creates an empty HNSW index.
func NewHNSW(config HNSWConfig) *HNSW {
	if config.M <= 0 {
		config = DefaultHNSWConfig()
	}
	return &HNSW{
		config:  config,
		vectors: make(map[string][]float32),
		graph:   make(map[string]map[int][]string),
		rng:     rand.New(rand.NewSource(1)),
	}
}

// Add indexes a vector under id. Re-adding an existing id replaces its
// vector and relinks it.
func (idx *HNSW) Add(id string, vec []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.vectors[id]; exists {
		idx.removeLocked(id)
	}

	stored := make([]float32, len(vec))
	copy(stored, vec)
	idx.vectors[id] = stored

	level := idx.randomLevel()
	if level > idx.maxLevel {
		idx.maxLevel = level
	}

	idx.graph[id] = make(map[int][]string)
	for l := 0; l <= level; l++ {
		idx.graph[id][l] = []string{}
	}

	if idx.entryPoint == "" {
		idx.entryPoint = id
		return nil
	}
	idx.insert(id, stored, level)
	return nil
}

// Remove drops id from the index. Removing an absent id is a no-op.
func (idx *HNSW) Remove(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
	return nil
}

func (idx *HNSW) removeLocked(id string) {
	if _, exists := idx.vectors[id]; !exists {
		return
	}

	delete(idx.vectors, id)
	delete(idx.graph, id)

	// Drop back-references from remaining neighbors
	for _, neighbors := range idx.graph {
		for level, levelNeighbors := range neighbors {
			filtered := levelNeighbors[:0]
			for _, nid := range levelNeighbors {
				if nid != id {
					filtered = append(filtered, nid)
				}
			}
			neighbors[level] = filtered
		}
	}

	if idx.entryPoint == id {
		idx.entryPoint = ""
		for newID := range idx.vectors {
			idx.entryPoint = newID
			break
		}
	}
}

// Search returns up to k matches ordered by descending similarity.
func (idx *HNSW) Search(vec []float32, k int) ([]Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.vectors) == 0 || k <= 0 {
		return nil, nil
	}
	if len(vec) != len(idx.vectors[idx.entryPoint]) {
		return nil, errors.Wrap(errors.ErrValidation, "query dimension %d does not match index", len(vec))
	}

	// Greedy descent through the upper layers
	ep := idx.entryPoint
	for level := idx.maxLevel; level > 0; level-- {
		candidates := idx.searchLayer(vec, ep, 1, level)
		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	// Widened search on the base layer
	ef := idx.config.EfSearch
	if ef < k {
		ef = k
	}
	candidates := idx.searchLayer(vec, ep, ef, 0)

	matches := make([]Match, 0, k)
	for i := 0; i < len(candidates) && i < k; i++ {
		id := candidates[i]
		matches = append(matches, Match{
			ID:         id,
			Similarity: embed.Dot(vec, idx.vectors[id]),
		})
	}
	return matches, nil
}

// Len returns the number of indexed vectors.
func (idx *HNSW) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// insert links a new node into the graph, layer by layer.
func (idx *HNSW) insert(id string, vec []float32, level int) {
	ep := idx.entryPoint
	for lc := idx.maxLevel; lc > level; lc-- {
		candidates := idx.searchLayer(vec, ep, 1, lc)
		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	for lc := min(level, idx.maxLevel); lc >= 0; lc-- {
		candidates := idx.searchLayer(vec, ep, idx.config.EfConstruction, lc)

		m := idx.config.M
		if lc == 0 {
			m = idx.config.M * 2
		}

		neighbors := idx.selectNeighbors(vec, candidates, m)
		idx.graph[id][lc] = neighbors

		// Bidirectional links, pruning overloaded neighbors
		for _, nid := range neighbors {
			idx.graph[nid][lc] = append(idx.graph[nid][lc], id)
			if len(idx.graph[nid][lc]) > m {
				idx.graph[nid][lc] = idx.selectNeighbors(idx.vectors[nid], idx.graph[nid][lc], m)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}
}

// searchLayer performs the classic best-first search within one layer and
// returns up to ef ids ordered by ascending distance.
func (idx *HNSW) searchLayer(query []float32, ep string, ef, level int) []string {
	if _, ok := idx.vectors[ep]; !ok {
		return nil
	}

	visited := map[string]bool{ep: true}
	candidates := &minHeap{}
	results := &maxHeap{}

	dist := idx.distance(query, idx.vectors[ep])
	heap.Push(candidates, heapItem{id: ep, dist: dist})
	heap.Push(results, heapItem{id: ep, dist: dist})

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(heapItem)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}

		for _, nid := range idx.graph[c.id][level] {
			if visited[nid] {
				continue
			}
			visited[nid] = true

			d := idx.distance(query, idx.vectors[nid])
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, heapItem{id: nid, dist: d})
				heap.Push(results, heapItem{id: nid, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]string, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(heapItem).id
	}
	return out
}

// selectNeighbors keeps the m candidates closest to base.
func (idx *HNSW) selectNeighbors(base []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		out := make([]string, len(candidates))
		copy(out, candidates)
		return out
	}

	type scored struct {
		id   string
		dist float32
	}
	cands := make([]scored, 0, len(candidates))
	for _, cid := range candidates {
		if v, ok := idx.vectors[cid]; ok {
			cands = append(cands, scored{id: cid, dist: idx.distance(base, v)})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	if len(cands) > m {
		cands = cands[:m]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// randomLevel draws an insertion level from the standard exponential
// distribution.
func (idx *HNSW) randomLevel() int {
	u := idx.rng.Float64()
	for u == 0 {
		u = idx.rng.Float64()
	}
	level := int(-math.Log(u) * idx.config.LevelMultiplier)
	if level > 32 {
		level = 32
	}
	return level
}

// distance is 1 - cosine similarity, valid because vectors are unit length.
func (idx *HNSW) distance(a, b []float32) float32 {
	return 1 - embed.Dot(a, b)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// heapItem is a candidate with its distance to the query.
type heapItem struct {
	id   string
	dist float32
}

// minHeap pops the closest candidate first.
type minHeap []heapItem

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxHeap pops the farthest result first, bounding the result set at ef.
type maxHeap []heapItem

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

package index

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/swarmmem/swarmmem/pkg/errors"
)

// ChromemIndex adapts a chromem-go collection to the Index interface.
// Embeddings are always supplied by the caller, so the collection's own
// embedding function is a stub that refuses to run.
type ChromemIndex struct {
	mu         sync.RWMutex
	collection *chromem.Collection
	count      int
}

// NewChromemIndex creates an in-memory chromem-go collection with the
// given name.
func NewChromemIndex(db *chromem.DB, name string) (*ChromemIndex, error) {
	collection, err := db.GetOrCreateCollection(name, nil, rejectEmbedding)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to create chromem collection %s", name)
	}
	return &ChromemIndex{collection: collection, count: collection.Count()}, nil
}

// rejectEmbedding guards against chromem generating embeddings itself; the
// bank always supplies them.
func rejectEmbedding(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("chromem index requires caller-supplied embeddings")
}

// Add indexes a vector under id.
func (c *ChromemIndex) Add(id string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existed := c.has(id)
	err := c.collection.AddDocument(context.Background(), chromem.Document{
		ID:        id,
		Embedding: vec,
		Content:   id,
	})
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to index vector %s", id)
	}
	if !existed {
		c.count++
	}
	return nil
}

// Remove drops id from the index.
func (c *ChromemIndex) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.has(id) {
		return nil
	}
	if err := c.collection.Delete(context.Background(), nil, nil, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to remove vector %s", id)
	}
	c.count--
	return nil
}

// Search returns up to k matches ordered by descending similarity.
func (c *ChromemIndex) Search(vec []float32, k int) ([]Match, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// chromem rejects queries asking for more results than documents
	n := c.collection.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := c.collection.QueryEmbedding(context.Background(), vec, k, nil, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "chromem query failed")
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{ID: r.ID, Similarity: r.Similarity})
	}
	return matches, nil
}

// Len returns the number of indexed vectors.
func (c *ChromemIndex) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collection.Count()
}

func (c *ChromemIndex) has(id string) bool {
	doc, err := c.collection.GetByID(context.Background(), id)
	return err == nil && doc.ID == id
}

// Package index provides approximate-nearest-neighbor indexes over unit
// vectors. The pattern bank keeps one index per (agent, domain) scope and
// queries it by cosine similarity.
package index

// Match is one search hit.
type Match struct {
	// ID identifies the indexed vector
	ID string

	// Similarity is the cosine similarity to the query, in [-1, 1]
	Similarity float32
}

// Index is the interface every ANN backend implements. Vectors are assumed
// unit-normalized so cosine similarity reduces to a dot product.
type Index interface {
	// Add indexes a vector under id. Re-adding an existing id replaces
	// its vector.
	Add(id string, vec []float32) error

	// Remove drops id from the index. Removing an absent id is a no-op.
	Remove(id string) error

	// Search returns up to k matches ordered by descending similarity.
	Search(vec []float32, k int) ([]Match, error)

	// Len returns the number of indexed vectors.
	Len() int
}

// Factory builds an empty index. The bank calls it once per scope.
type Factory func() (Index, error)

// Package store is the long-term memory shared by runs: namespaced key/value
// items with optional embedding vectors for similarity search.
package store

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

var (
	ErrItemNotFound     = errors.New("item not found")
	ErrInvalidNamespace = errors.New("invalid namespace")
)

// Item is one stored value.
type Item struct {
	Namespace []string       `json:"namespace"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	Vector    []float64      `json:"vector,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	// Score is the similarity to the query, set by Search only.
	Score float64 `json:"score,omitempty"`
}

// Store is a namespaced key/value store with vector search.
type Store interface {
	Get(ctx context.Context, namespace []string, key string) (*Item, error)
	Put(ctx context.Context, namespace []string, key string, value map[string]any, vector []float64) error
	Delete(ctx context.Context, namespace []string, key string) error
	// List returns items whose namespace starts with prefix.
	List(ctx context.Context, prefix []string, limit int) ([]*Item, error)
	// Search ranks items under prefix by cosine similarity to query. Items
	// without a vector are skipped.
	Search(ctx context.Context, prefix []string, query []float64, limit int) ([]*Item, error)
}

const namespaceSep = "\x1f"

func joinNamespace(ns []string) (string, error) {
	if len(ns) == 0 {
		return "", ErrInvalidNamespace
	}
	for _, part := range ns {
		if part == "" || strings.Contains(part, namespaceSep) {
			return "", ErrInvalidNamespace
		}
	}
	return strings.Join(ns, namespaceSep), nil
}

func splitNamespace(joined string) []string {
	return strings.Split(joined, namespaceSep)
}

func hasPrefix(ns, prefix []string) bool {
	if len(prefix) > len(ns) {
		return false
	}
	for i, p := range prefix {
		if ns[i] != p {
			return false
		}
	}
	return true
}

// cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

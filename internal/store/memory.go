package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps items in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]*Item // joined namespace -> key -> item
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]map[string]*Item)}
}

func (m *MemoryStore) Get(_ context.Context, namespace []string, key string) (*Item, error) {
	ns, err := joinNamespace(namespace)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[ns][key]
	if !ok {
		return nil, ErrItemNotFound
	}
	return copyItem(item), nil
}

func (m *MemoryStore) Put(_ context.Context, namespace []string, key string, value map[string]any, vector []float64) error {
	ns, err := joinNamespace(namespace)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	bucket := m.items[ns]
	if bucket == nil {
		bucket = make(map[string]*Item)
		m.items[ns] = bucket
	}
	created := now
	if existing, ok := bucket[key]; ok {
		created = existing.CreatedAt
	}
	bucket[key] = &Item{
		Namespace: slices.Clone(namespace),
		Key:       key,
		Value:     maps.Clone(value),
		Vector:    slices.Clone(vector),
		CreatedAt: created,
		UpdatedAt: now,
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, namespace []string, key string) error {
	ns, err := joinNamespace(namespace)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[ns][key]; !ok {
		return ErrItemNotFound
	}
	delete(m.items[ns], key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix []string, limit int) ([]*Item, error) {
	items := m.matching(prefix)
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) Search(_ context.Context, prefix []string, query []float64, limit int) ([]*Item, error) {
	return rank(m.matching(prefix), query, limit), nil
}

func (m *MemoryStore) matching(prefix []string) []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []*Item
	for _, bucket := range m.items {
		for _, item := range bucket {
			if hasPrefix(item.Namespace, prefix) {
				items = append(items, copyItem(item))
			}
		}
	}
	return items
}

// rank scores items against query and returns the best limit of them.
func rank(items []*Item, query []float64, limit int) []*Item {
	scored := items[:0]
	for _, item := range items {
		if len(item.Vector) == 0 {
			continue
		}
		item.Score = cosine(item.Vector, query)
		scored = append(scored, item)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

func copyItem(item *Item) *Item {
	c := *item
	c.Namespace = slices.Clone(item.Namespace)
	c.Value = maps.Clone(item.Value)
	c.Vector = slices.Clone(item.Vector)
	return &c
}

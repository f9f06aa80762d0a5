package store

import (
	"context"
	"errors"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": s,
	}
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	ns := []string{"crew", "support"}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, ns, "missing"); !errors.Is(err, ErrItemNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrItemNotFound", err)
			}

			if err := s.Put(ctx, ns, "pref", map[string]any{"tone": "formal"}, nil); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := s.Put(ctx, ns, "pref", map[string]any{"tone": "casual"}, nil); err != nil {
				t.Fatalf("Put() overwrite error = %v", err)
			}

			item, err := s.Get(ctx, ns, "pref")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if item.Value["tone"] != "casual" {
				t.Errorf("Value[tone] = %v, want casual", item.Value["tone"])
			}
			if len(item.Namespace) != 2 || item.Namespace[1] != "support" {
				t.Errorf("Namespace = %v, want %v", item.Namespace, ns)
			}

			if err := s.Delete(ctx, ns, "pref"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := s.Delete(ctx, ns, "pref"); !errors.Is(err, ErrItemNotFound) {
				t.Errorf("second Delete() error = %v, want ErrItemNotFound", err)
			}
		})
	}
}

func TestStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Put(ctx, []string{"crew", "a"}, "k1", map[string]any{"n": 1}, nil)
			_ = s.Put(ctx, []string{"crew", "a", "user"}, "k2", map[string]any{"n": 2}, nil)
			_ = s.Put(ctx, []string{"crew", "ab"}, "k3", map[string]any{"n": 3}, nil)

			items, err := s.List(ctx, []string{"crew", "a"}, 0)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(items) != 2 {
				t.Errorf("List(crew/a) = %d items, want 2", len(items))
			}

			all, _ := s.List(ctx, nil, 0)
			if len(all) != 3 {
				t.Errorf("List(nil) = %d items, want 3", len(all))
			}
		})
	}
}

func TestStoreSearch(t *testing.T) {
	ctx := context.Background()
	ns := []string{"memories"}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Put(ctx, ns, "east", map[string]any{"v": "east"}, []float64{1, 0})
			_ = s.Put(ctx, ns, "north", map[string]any{"v": "north"}, []float64{0, 1})
			_ = s.Put(ctx, ns, "plain", map[string]any{"v": "no vector"}, nil)

			items, err := s.Search(ctx, ns, []float64{0.9, 0.1}, 1)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(items) != 1 || items[0].Key != "east" {
				t.Fatalf("Search() = %+v, want east first", items)
			}
			if items[0].Score <= 0.9 {
				t.Errorf("Score = %f, want > 0.9", items[0].Score)
			}
		})
	}
}

func TestInvalidNamespace(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Put(context.Background(), nil, "k", nil, nil); !errors.Is(err, ErrInvalidNamespace) {
		t.Errorf("Put(nil ns) error = %v, want ErrInvalidNamespace", err)
	}
	if err := s.Put(context.Background(), []string{""}, "k", nil, nil); !errors.Is(err, ErrInvalidNamespace) {
		t.Errorf("Put(empty part) error = %v, want ErrInvalidNamespace", err)
	}
}

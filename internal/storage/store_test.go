package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type doc struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		snap, err := s.Get(ctx, "nothing/here")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if snap.Exists {
			t.Fatalf("expected missing snapshot, got %+v", snap)
		}
	})

	t.Run("set keeps children", func(t *testing.T) {
		if err := s.Set(ctx, "rides/r1", doc{Name: "Coaster"}); err != nil {
			t.Fatalf("set: %v", err)
		}
		if _, err := s.Append(ctx, "rides/r1/queue", doc{Name: "a"}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := s.Set(ctx, "rides/r1", doc{Name: "Coaster II"}); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		snap, err := s.Get(ctx, "rides/r1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var d doc
		if err := snap.Decode(&d); err != nil || d.Name != "Coaster II" {
			t.Fatalf("decode: %v %+v", err, d)
		}
		if got := len(snap.Child("queue").Children); got != 1 {
			t.Fatalf("expected queue to survive overwrite, got %d entries", got)
		}
	})

	t.Run("append keeps insertion order", func(t *testing.T) {
		var keys []string
		for i := 0; i < 5; i++ {
			k, err := s.Append(ctx, "ordered", doc{N: i})
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			keys = append(keys, k)
		}
		snap, err := s.Get(ctx, "ordered")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(snap.Children) != len(keys) {
			t.Fatalf("expected %d children, got %d", len(keys), len(snap.Children))
		}
		for i, c := range snap.Children {
			if c.Key() != keys[i] {
				t.Fatalf("child %d: expected %s got %s", i, keys[i], c.Key())
			}
		}
	})

	t.Run("remove deletes subtree only", func(t *testing.T) {
		_ = s.Set(ctx, "packages/p1", doc{Name: "Family"})
		_ = s.Set(ctx, "packages/p2", doc{Name: "Group"})
		_ = s.Set(ctx, "packages/p1/extra", doc{Name: "x"})
		if err := s.Remove(ctx, "packages/p1"); err != nil {
			t.Fatalf("remove: %v", err)
		}
		snap, _ := s.Get(ctx, "packages")
		if len(snap.Children) != 1 || snap.Children[0].Key() != "p2" {
			t.Fatalf("unexpected packages after remove: %+v", snap.Children)
		}
		gone, _ := s.Get(ctx, "packages/p1/extra")
		if gone.Exists {
			t.Fatalf("expected descendant removed")
		}
	})

	t.Run("set nil removes subtree", func(t *testing.T) {
		_ = s.Set(ctx, "faq/f1", doc{Name: "Hours"})
		_ = s.Set(ctx, "faq/f1/votes", doc{N: 3})
		if err := s.Set(ctx, "faq/f1", nil); err != nil {
			t.Fatalf("set nil: %v", err)
		}
		for _, p := range []string{"faq/f1", "faq/f1/votes"} {
			if snap, _ := s.Get(ctx, p); snap.Exists {
				t.Fatalf("expected %s removed, got %+v", p, snap)
			}
		}
	})

	t.Run("transact abort leaves store unchanged", func(t *testing.T) {
		errStop := errors.New("stop")
		err := s.Transact(ctx, "tx", func(cur Snapshot) ([]Mutation, error) {
			return nil, errStop
		})
		if !errors.Is(err, errStop) {
			t.Fatalf("expected fn error, got %v", err)
		}
		err = s.Transact(ctx, "tx/a", func(cur Snapshot) ([]Mutation, error) {
			return []Mutation{SetOp("elsewhere", doc{})}, nil
		})
		if !errors.Is(err, ErrOutsideTx) {
			t.Fatalf("expected ErrOutsideTx, got %v", err)
		}
		snap, _ := s.Get(ctx, "elsewhere")
		if snap.Exists {
			t.Fatalf("mutation outside subtree was applied")
		}
	})

	t.Run("transact is check and set", func(t *testing.T) {
		var wg sync.WaitGroup
		var inserted atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Transact(ctx, "unique", func(cur Snapshot) ([]Mutation, error) {
					if cur.Exists {
						return nil, nil
					}
					return []Mutation{SetOp("unique/"+NewKey(), doc{Name: "only"})}, nil
				})
				if err != nil {
					t.Errorf("transact: %v", err)
					return
				}
				inserted.Add(1)
			}()
		}
		wg.Wait()
		snap, _ := s.Get(ctx, "unique")
		if len(snap.Children) != 1 {
			t.Fatalf("expected exactly one child, got %d", len(snap.Children))
		}
	})

	t.Run("subscribe sees changes", func(t *testing.T) {
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		got := make(chan int, 16)
		unsub, err := s.Subscribe(sctx, "watched", func(snap Snapshot) {
			got <- len(snap.Children)
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer unsub()
		waitFor(t, got, 0)
		if _, err := s.Append(ctx, "watched", doc{N: 1}); err != nil {
			t.Fatalf("append: %v", err)
		}
		waitFor(t, got, 1)
	})
}

func waitFor(t *testing.T, ch <-chan int, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d", want)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
}

func TestValidatePath(t *testing.T) {
	cases := map[string]bool{
		"rides":            true,
		"rides/abc/queue":  true,
		"package_bookings": true,
		"":                 false,
		"rides//x":         false,
		"rides/a.b":        false,
		"rides/$x":         false,
		"/rides":           false,
	}
	for p, ok := range cases {
		err := ValidatePath(p)
		if ok && err != nil {
			t.Errorf("%q: unexpected error %v", p, err)
		}
		if !ok && !errors.Is(err, ErrInvalidPath) {
			t.Errorf("%q: expected ErrInvalidPath, got %v", p, err)
		}
	}
}

func TestSnapshotLookup(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()
	_ = s.Set(ctx, "a/b/c", doc{Name: "deep"})
	root, _ := s.Get(ctx, "a")
	leaf := root.Lookup("b/c")
	var d doc
	if err := leaf.Decode(&d); err != nil || d.Name != "deep" {
		t.Fatalf("lookup: %v %+v", err, d)
	}
	if root.Lookup("b/missing").Exists {
		t.Fatalf("expected missing lookup")
	}
	if err := root.Decode(&d); !errors.Is(err, ErrNoValue) {
		t.Fatalf("expected ErrNoValue for intermediate node, got %v", err)
	}
}

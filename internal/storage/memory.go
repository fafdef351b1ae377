package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// MemoryStore is an in-process Store, used for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	root   *node
	closed bool
	watch  *watchers
	logger *slog.Logger
}

type node struct {
	value    json.RawMessage
	children map[string]*node
	order    []string
}

func newNode() *node { return &node{children: make(map[string]*node)} }

func (n *node) exists() bool {
	if n.value != nil {
		return true
	}
	for _, c := range n.children {
		if c.exists() {
			return true
		}
	}
	return false
}

func (n *node) snapshot(path string) Snapshot {
	s := Snapshot{Path: path, Exists: n.exists()}
	if !s.Exists {
		return s
	}
	if n.value != nil {
		s.Value = append(json.RawMessage(nil), n.value...)
	}
	for _, k := range n.order {
		c := n.children[k]
		if c.exists() {
			s.Children = append(s.Children, c.snapshot(Join(path, k)))
		}
	}
	return s
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{root: newNode(), watch: newWatchers(), logger: slog.Default()}
}

func (m *MemoryStore) lookup(path string) *node {
	cur := m.root
	for _, seg := range splitPath(path) {
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func (m *MemoryStore) ensure(path string) *node {
	cur := m.root
	for _, seg := range splitPath(path) {
		next, ok := cur.children[seg]
		if !ok {
			next = newNode()
			cur.children[seg] = next
			cur.order = append(cur.order, seg)
		}
		cur = next
	}
	return cur
}

func (m *MemoryStore) drop(path string) {
	parent, key := parentOf(path)
	p := m.lookup(parent)
	if parent == "" {
		p = m.root
	}
	if p == nil {
		return
	}
	if _, ok := p.children[key]; !ok {
		return
	}
	delete(p.children, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (m *MemoryStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ValidatePath(path); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Snapshot{}, ErrClosed
	}
	n := m.lookup(path)
	if n == nil {
		return Snapshot{Path: path}, nil
	}
	return n.snapshot(path), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	return m.watch.add(ctx, path, fn, m.Get, m.logger), nil
}

func (m *MemoryStore) Append(ctx context.Context, path string, value any) (string, error) {
	key := NewKey()
	child := Join(path, key)
	if err := m.Set(ctx, child, value); err != nil {
		return "", err
	}
	return key, nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, value any) error {
	return m.Transact(ctx, path, func(Snapshot) ([]Mutation, error) {
		return []Mutation{SetOp(path, value)}, nil
	})
}

func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	return m.Transact(ctx, path, func(Snapshot) ([]Mutation, error) {
		return []Mutation{RemoveOp(path)}, nil
	})
}

func (m *MemoryStore) Transact(ctx context.Context, path string, fn TxFunc) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	cur := Snapshot{Path: path}
	if n := m.lookup(path); n != nil {
		cur = n.snapshot(path)
	}
	muts, err := fn(cur)
	if err == nil {
		err = m.apply(path, muts)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	for _, mu := range muts {
		m.watch.changed(mu.Path)
	}
	return nil
}

// apply validates and encodes every mutation before touching the tree so a
// bad mutation leaves the store unchanged.
func (m *MemoryStore) apply(root string, muts []Mutation) error {
	if err := checkMutations(root, muts); err != nil {
		return err
	}
	values := make([]json.RawMessage, len(muts))
	for i, mu := range muts {
		if mu.Kind != OpSet {
			continue
		}
		raw, err := encode(mu.Value)
		if err != nil {
			return err
		}
		values[i] = raw
	}
	for i, mu := range muts {
		switch {
		case mu.Kind == OpRemove, values[i] == nil:
			m.drop(mu.Path)
		default:
			m.ensure(mu.Path).value = values[i]
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.watch.closeAll()
	return nil
}

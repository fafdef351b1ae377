package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrNoValue     = errors.New("no value at path")
	ErrConflict    = errors.New("transaction conflict: retries exhausted")
	ErrOutsideTx   = errors.New("mutation outside transaction subtree")
	ErrClosed      = errors.New("store closed")
)

// Store is the hierarchical collection store every workflow is written against.
// Paths are slash separated ("rides/abc/queue"). A node holds an optional JSON
// value and an ordered set of children; children keep their insertion order.
type Store interface {
	// Get returns the subtree rooted at path. A missing path yields a
	// snapshot with Exists == false and no error.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Subscribe calls fn with the current subtree and again after every
	// change at, above or below path. Calls for one subscription are
	// sequential; bursts of changes may be coalesced into one call.
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error)
	// Append stores value under a generated key below path and returns the key.
	Append(ctx context.Context, path string, value any) (string, error)
	// Set overwrites the value of the node at path; its children are kept.
	// A nil value removes the node and its whole subtree, like Remove.
	Set(ctx context.Context, path string, value any) error
	// Remove deletes the node and its whole subtree.
	Remove(ctx context.Context, path string) error
	// Transact reads the subtree at path and applies the mutations returned by
	// fn atomically. If the subtree changes concurrently the read is retried.
	// fn must not call back into the store and may run more than once.
	Transact(ctx context.Context, path string, fn TxFunc) error
	Close() error
}

// TxFunc computes the mutations for a transaction from the current subtree.
// Returning an error aborts the transaction and is passed through Transact.
type TxFunc func(cur Snapshot) ([]Mutation, error)

type OpKind int

const (
	OpSet OpKind = iota
	OpRemove
)

// Mutation is one write inside a transaction. Path must be the transaction
// path or below it.
type Mutation struct {
	Kind  OpKind
	Path  string
	Value any
}

func SetOp(path string, value any) Mutation { return Mutation{Kind: OpSet, Path: path, Value: value} }

func RemoveOp(path string) Mutation { return Mutation{Kind: OpRemove, Path: path} }

// Snapshot is an immutable copy of a subtree.
type Snapshot struct {
	Path     string
	Exists   bool
	Value    json.RawMessage
	Children []Snapshot
}

// Key is the last path segment.
func (s Snapshot) Key() string {
	if i := strings.LastIndexByte(s.Path, '/'); i >= 0 {
		return s.Path[i+1:]
	}
	return s.Path
}

// Decode unmarshals the node's own value into v.
func (s Snapshot) Decode(v any) error {
	if len(s.Value) == 0 {
		return fmt.Errorf("%s: %w", s.Path, ErrNoValue)
	}
	return json.Unmarshal(s.Value, v)
}

// Child returns the direct child with the given key, or a non-existing
// snapshot for that path.
func (s Snapshot) Child(key string) Snapshot {
	for _, c := range s.Children {
		if c.Key() == key {
			return c
		}
	}
	return Snapshot{Path: Join(s.Path, key)}
}

// Lookup walks a relative path below s.
func (s Snapshot) Lookup(rel string) Snapshot {
	cur := s
	if rel == "" {
		return cur
	}
	for _, seg := range strings.Split(rel, "/") {
		cur = cur.Child(seg)
		if !cur.Exists {
			return cur
		}
	}
	return cur
}

// Walk visits s and every descendant, parents before children.
func (s Snapshot) Walk(fn func(Snapshot)) {
	if !s.Exists {
		return
	}
	fn(s)
	for _, c := range s.Children {
		c.Walk(fn)
	}
}

// Join builds a path from segments.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// NewKey returns a time ordered unique key.
func NewKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidatePath rejects empty paths and segments the collection store cannot hold.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || strings.TrimSpace(seg) != seg {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
		if strings.ContainsAny(seg, ".#$[]") {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}

// ValidateKey checks a single path segment such as an entity id.
func ValidateKey(key string) error {
	if strings.Contains(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, key)
	}
	return ValidatePath(key)
}

func parentOf(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ancestors lists path and every prefix of it, shortest first.
func ancestors(path string) []string {
	segs := strings.Split(path, "/")
	out := make([]string, 0, len(segs))
	for i := range segs {
		out = append(out, strings.Join(segs[:i+1], "/"))
	}
	return out
}

func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}

// related reports whether a change at one path is visible from the other.
func related(a, b string) bool {
	return within(a, b) || within(b, a)
}

func relative(path, root string) string {
	if path == root {
		return ""
	}
	return strings.TrimPrefix(path, root+"/")
}

// encode turns a value into stored JSON; nil and JSON null encode to nil.
func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	var raw json.RawMessage
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = json.RawMessage(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		raw = b
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

func checkMutations(root string, muts []Mutation) error {
	for _, m := range muts {
		if err := ValidatePath(m.Path); err != nil {
			return err
		}
		if !within(m.Path, root) {
			return fmt.Errorf("%w: %s not under %s", ErrOutsideTx, m.Path, root)
		}
	}
	return nil
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

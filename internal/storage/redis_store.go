package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on plain Redis keys:
//
//	{prefix}v:{path}   JSON value of a node
//	{prefix}c:{path}   ZSET of child keys scored by insertion sequence
//	{prefix}ver:{path} version counter bumped by every write at or below path
//	{prefix}seq        global insertion sequence
//
// Transactions WATCH the version key of their root, so any concurrent write
// inside the subtree aborts EXEC and the transaction is retried.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	logger     *slog.Logger

	watch    *watchers
	feedOnce sync.Once
	feed     *redis.PubSub
}

type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string
	MaxRetries int
}

func NewRedisStore(opts RedisOptions, logger *slog.Logger) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	return NewRedisStoreFromClient(c, opts.Prefix, opts.MaxRetries, logger)
}

func NewRedisStoreFromClient(c *redis.Client, prefix string, maxRetries int, logger *slog.Logger) *RedisStore {
	if maxRetries <= 0 {
		maxRetries = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: c, prefix: prefix, maxRetries: maxRetries, logger: logger, watch: newWatchers()}
}

func (r *RedisStore) valueKey(path string) string   { return r.prefix + "v:" + path }
func (r *RedisStore) childKey(path string) string   { return r.prefix + "c:" + path }
func (r *RedisStore) versionKey(path string) string { return r.prefix + "ver:" + path }
func (r *RedisStore) seqKey() string                { return r.prefix + "seq" }
func (r *RedisStore) channel() string               { return r.prefix + "changes" }

// Ping checks connectivity, used by readiness probes.
func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

func (r *RedisStore) read(ctx context.Context, c redisReader, path string) (Snapshot, error) {
	s := Snapshot{Path: path}
	b, err := c.Get(ctx, r.valueKey(path)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return Snapshot{}, fmt.Errorf("redis get %s: %w", path, err)
	default:
		s.Value = json.RawMessage(b)
	}
	keys, err := c.ZRange(ctx, r.childKey(path), 0, -1).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis children %s: %w", path, err)
	}
	for _, k := range keys {
		child, err := r.read(ctx, c, Join(path, k))
		if err != nil {
			return Snapshot{}, err
		}
		if child.Exists {
			s.Children = append(s.Children, child)
		}
	}
	s.Exists = s.Value != nil || len(s.Children) > 0
	return s, nil
}

func (r *RedisStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ValidatePath(path); err != nil {
		return Snapshot{}, err
	}
	return r.read(ctx, r.client, path)
}

func (r *RedisStore) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	r.feedOnce.Do(r.startFeed)
	return r.watch.add(ctx, path, fn, r.Get, r.logger), nil
}

// startFeed relays change notifications from the shared pub/sub channel.
func (r *RedisStore) startFeed() {
	ctx := context.Background()
	r.feed = r.client.Subscribe(ctx, r.channel())
	// wait for the subscription to be confirmed so no change is missed
	if _, err := r.feed.Receive(ctx); err != nil {
		r.logger.Warn("redis change feed subscribe failed", "error", err)
	}
	ch := r.feed.Channel()
	go func() {
		for msg := range ch {
			r.watch.changed(msg.Payload)
		}
	}()
}

func (r *RedisStore) Append(ctx context.Context, path string, value any) (string, error) {
	key := NewKey()
	if err := r.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (r *RedisStore) Set(ctx context.Context, path string, value any) error {
	return r.Transact(ctx, path, func(Snapshot) ([]Mutation, error) {
		return []Mutation{SetOp(path, value)}, nil
	})
}

func (r *RedisStore) Remove(ctx context.Context, path string) error {
	return r.Transact(ctx, path, func(Snapshot) ([]Mutation, error) {
		return []Mutation{RemoveOp(path)}, nil
	})
}

func (r *RedisStore) Transact(ctx context.Context, path string, fn TxFunc) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := r.read(ctx, tx, path)
			if err != nil {
				return err
			}
			muts, err := fn(cur)
			if err != nil {
				return err
			}
			if err := checkMutations(path, muts); err != nil {
				return err
			}
			return r.apply(ctx, tx, path, cur, muts)
		}, r.versionKey(path))
		if errors.Is(err, redis.TxFailedErr) {
			r.logger.Debug("redis transaction conflict", "path", path, "attempt", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("%s: %w", path, ErrConflict)
}

func (r *RedisStore) apply(ctx context.Context, tx *redis.Tx, root string, cur Snapshot, muts []Mutation) error {
	type write struct {
		path string
		raw  json.RawMessage
		seq  float64
	}
	writes := make([]write, 0, len(muts))
	for _, m := range muts {
		w := write{path: m.Path}
		if m.Kind == OpSet {
			raw, err := encode(m.Value)
			if err != nil {
				return err
			}
			w.raw = raw
		}
		if w.raw != nil {
			seq, err := tx.Incr(ctx, r.seqKey()).Result()
			if err != nil {
				return fmt.Errorf("redis seq: %w", err)
			}
			w.seq = float64(seq)
		}
		writes = append(writes, w)
	}
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			for _, a := range ancestors(w.path) {
				pipe.Incr(ctx, r.versionKey(a))
			}
			if w.raw == nil {
				r.removeSubtree(ctx, pipe, cur.Lookup(relative(w.path, root)), w.path)
			} else {
				r.link(ctx, pipe, w.path, w.seq)
				pipe.Set(ctx, r.valueKey(w.path), []byte(w.raw), 0)
			}
			pipe.Publish(ctx, r.channel(), w.path)
		}
		return nil
	})
	return err
}

// link registers every segment of path in its parent's child set. Existing
// members keep their original score so insertion order is stable.
func (r *RedisStore) link(ctx context.Context, pipe redis.Pipeliner, path string, seq float64) {
	for _, a := range ancestors(path) {
		parent, key := parentOf(a)
		if parent == "" {
			continue
		}
		pipe.ZAddNX(ctx, r.childKey(parent), redis.Z{Score: seq, Member: key})
	}
}

func (r *RedisStore) removeSubtree(ctx context.Context, pipe redis.Pipeliner, snap Snapshot, path string) {
	if parent, key := parentOf(path); parent != "" {
		pipe.ZRem(ctx, r.childKey(parent), key)
	}
	pipe.Del(ctx, r.valueKey(path), r.childKey(path))
	snap.Walk(func(s Snapshot) {
		if s.Path == path {
			return
		}
		pipe.Del(ctx, r.valueKey(s.Path), r.childKey(s.Path), r.versionKey(s.Path))
	})
}

func (r *RedisStore) Close() error {
	r.watch.closeAll()
	if r.feed != nil {
		_ = r.feed.Close()
	}
	return r.client.Close()
}

package storage

import (
	"context"
	"log/slog"
	"sync"
)

type subscription struct {
	path string
	fn   func(Snapshot)
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() { s.once.Do(func() { close(s.done) }) }

func (s *subscription) run(ctx context.Context, get func(context.Context, string) (Snapshot, error), logger *slog.Logger) {
	deliver := func() {
		snap, err := get(ctx, s.path)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("subscription read failed", "path", s.path, "error", err)
			}
			return
		}
		s.fn(snap)
	}
	deliver()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
			deliver()
		}
	}
}

// watchers fans changed paths out to the subscriptions they affect.
type watchers struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newWatchers() *watchers {
	return &watchers{subs: make(map[*subscription]struct{})}
}

func (w *watchers) add(ctx context.Context, path string, fn func(Snapshot), get func(context.Context, string) (Snapshot, error), logger *slog.Logger) func() {
	sub := &subscription{path: path, fn: fn, wake: make(chan struct{}, 1), done: make(chan struct{})}
	w.mu.Lock()
	w.subs[sub] = struct{}{}
	w.mu.Unlock()
	go func() {
		sub.run(ctx, get, logger)
		w.remove(sub)
	}()
	return func() {
		sub.stop()
		w.remove(sub)
	}
}

func (w *watchers) remove(sub *subscription) {
	w.mu.Lock()
	delete(w.subs, sub)
	w.mu.Unlock()
}

func (w *watchers) changed(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sub := range w.subs {
		if related(sub.path, path) {
			sub.notify()
		}
	}
}

// resync wakes every subscription, used after a lost change feed.
func (w *watchers) resync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sub := range w.subs {
		sub.notify()
	}
}

func (w *watchers) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sub := range w.subs {
		sub.stop()
		delete(w.subs, sub)
	}
}

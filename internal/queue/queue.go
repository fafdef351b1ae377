package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/events"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/observability"
	"github.com/example/park-rides/internal/storage"
)

type Outcome int

const (
	Joined Outcome = iota + 1
	AlreadyQueued
	Left
	NotQueued
)

func (o Outcome) String() string {
	switch o {
	case Joined:
		return "joined"
	case AlreadyQueued:
		return "already_queued"
	case Left:
		return "left"
	case NotQueued:
		return "not_queued"
	}
	return "unknown"
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Result reports what a join or leave did. Position is 1-based and zero when
// the caller is not in the queue afterwards.
type Result struct {
	Outcome  Outcome           `json:"outcome"`
	Entry    models.QueueEntry `json:"entry"`
	Position int               `json:"position"`
	Length   int               `json:"length"`
}

// Manager runs the per-ride virtual queue. Entries live at
// rides/{rideId}/queue/{key}; the canonical order is insertion order.
type Manager struct {
	store  storage.Store
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(store storage.Store, pub events.Publisher, logger *slog.Logger) *Manager {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{store: store, events: pub, logger: logger, now: time.Now}
}

func ridePath(rideID string) string { return storage.Join("rides", rideID) }

func queuePath(rideID string) string { return storage.Join("rides", rideID, "queue") }

func checkRideID(rideID string) error {
	if rideID == "" {
		return models.ErrRideNotFound
	}
	if err := storage.ValidateKey(rideID); err != nil {
		return err
	}
	return nil
}

// entries decodes the queue subtree in insertion order. Malformed children are
// logged and skipped.
func (m *Manager) entries(q storage.Snapshot) []models.QueueEntry {
	out := make([]models.QueueEntry, 0, len(q.Children))
	for _, c := range q.Children {
		var e models.QueueEntry
		if err := c.Decode(&e); err != nil {
			m.logger.Warn("skipping malformed queue entry", "path", c.Path, "error", err)
			continue
		}
		e.ID = c.Key()
		out = append(out, e)
	}
	return out
}

// Join adds the caller to the ride's queue unless they already hold an entry.
// The existence check and the insert run as one transaction on the ride, so
// concurrent joins by the same user produce exactly one entry.
func (m *Manager) Join(ctx context.Context, caller auth.Principal, rideID string) (Result, error) {
	if err := caller.RequireMember(); err != nil {
		return Result{}, err
	}
	if err := checkRideID(rideID); err != nil {
		return Result{}, err
	}

	var res Result
	err := m.store.Transact(ctx, ridePath(rideID), func(cur storage.Snapshot) ([]storage.Mutation, error) {
		res = Result{}
		if cur.Value == nil {
			return nil, models.ErrRideNotFound
		}
		queue := m.entries(cur.Child("queue"))
		var mine []int
		for i, e := range queue {
			if e.UserID == caller.ID {
				mine = append(mine, i)
			}
		}
		if len(mine) > 0 {
			if len(mine) > 1 {
				m.logger.Warn("duplicate queue entries", "ride_id", rideID, "user_id", caller.ID, "count", len(mine))
			}
			res = Result{Outcome: AlreadyQueued, Entry: queue[mine[0]], Position: mine[0] + 1, Length: len(queue)}
			return nil, nil
		}
		key := storage.NewKey()
		entry := models.QueueEntry{
			UserID:        caller.ID,
			UserName:      caller.Name,
			Timestamp:     m.now().UnixMilli(),
			QueuePosition: key,
		}
		res = Result{Outcome: Joined, Position: len(queue) + 1, Length: len(queue) + 1}
		res.Entry = entry
		res.Entry.ID = key
		return []storage.Mutation{storage.SetOp(storage.Join(queuePath(rideID), key), entry)}, nil
	})
	if err != nil {
		return Result{}, m.fail("join", rideID, caller.ID, err)
	}
	observability.QueueJoinsTotal.WithLabelValues(res.Outcome.String()).Inc()
	if res.Outcome == Joined {
		m.logger.Info("queue joined", "ride_id", rideID, "user_id", caller.ID, "position", res.Position)
		events.Emit(ctx, m.events, m.logger, events.Event{Type: events.QueueJoined, RideID: rideID, UserID: caller.ID})
	}
	return res, nil
}

// Leave removes every entry the caller holds in the ride's queue. Removing all
// of them heals duplicates left behind by older writers.
func (m *Manager) Leave(ctx context.Context, caller auth.Principal, rideID string) (Result, error) {
	if err := caller.RequireMember(); err != nil {
		return Result{}, err
	}
	if err := checkRideID(rideID); err != nil {
		return Result{}, err
	}

	var res Result
	err := m.store.Transact(ctx, ridePath(rideID), func(cur storage.Snapshot) ([]storage.Mutation, error) {
		res = Result{}
		if cur.Value == nil {
			return nil, models.ErrRideNotFound
		}
		queue := m.entries(cur.Child("queue"))
		var muts []storage.Mutation
		for _, e := range queue {
			if e.UserID != caller.ID {
				continue
			}
			if len(muts) == 0 {
				res.Entry = e
			}
			muts = append(muts, storage.RemoveOp(storage.Join(queuePath(rideID), e.ID)))
		}
		if len(muts) == 0 {
			res = Result{Outcome: NotQueued, Length: len(queue)}
			return nil, nil
		}
		if len(muts) > 1 {
			m.logger.Warn("duplicate queue entries removed", "ride_id", rideID, "user_id", caller.ID, "count", len(muts))
		}
		res.Outcome = Left
		res.Length = len(queue) - len(muts)
		return muts, nil
	})
	if err != nil {
		return Result{}, m.fail("leave", rideID, caller.ID, err)
	}
	observability.QueueLeavesTotal.WithLabelValues(res.Outcome.String()).Inc()
	if res.Outcome == Left {
		m.logger.Info("queue left", "ride_id", rideID, "user_id", caller.ID)
		events.Emit(ctx, m.events, m.logger, events.Event{Type: events.QueueLeft, RideID: rideID, UserID: caller.ID})
	}
	return res, nil
}

func (m *Manager) fail(op, rideID, userID string, err error) error {
	switch {
	case errors.Is(err, models.ErrRideNotFound), errors.Is(err, storage.ErrInvalidPath):
		return err
	case errors.Is(err, storage.ErrConflict):
		observability.TxConflictsTotal.WithLabelValues("queue_" + op).Inc()
	}
	m.logger.Error("queue "+op+" failed", "ride_id", rideID, "user_id", userID, "error", err)
	return fmt.Errorf("queue %s: %w", op, err)
}

// List returns the ride's queue in canonical order.
func (m *Manager) List(ctx context.Context, rideID string) ([]models.QueueEntry, error) {
	if err := checkRideID(rideID); err != nil {
		return nil, err
	}
	snap, err := m.store.Get(ctx, ridePath(rideID))
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if snap.Value == nil {
		return nil, models.ErrRideNotFound
	}
	return m.entries(snap.Child("queue")), nil
}

// Position returns the caller's 1-based place in the queue, or 0.
func (m *Manager) Position(ctx context.Context, caller auth.Principal, rideID string) (int, error) {
	if err := caller.RequireMember(); err != nil {
		return 0, err
	}
	queue, err := m.List(ctx, rideID)
	if err != nil {
		return 0, err
	}
	return position(queue, caller.ID), nil
}

func position(queue []models.QueueEntry, userID string) int {
	for i, e := range queue {
		if e.UserID == userID {
			return i + 1
		}
	}
	return 0
}

// Watch calls fn with the queue now and after every change until ctx ends or
// the returned cancel func is called.
func (m *Manager) Watch(ctx context.Context, rideID string, fn func([]models.QueueEntry)) (func(), error) {
	if err := checkRideID(rideID); err != nil {
		return nil, err
	}
	observability.QueueWatchers.Inc()
	stop, err := m.store.Subscribe(ctx, queuePath(rideID), func(s storage.Snapshot) {
		fn(m.entries(s))
	})
	if err != nil {
		observability.QueueWatchers.Dec()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(observability.QueueWatchers.Dec)
		stop()
	}, nil
}

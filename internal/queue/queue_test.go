package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/events"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/storage"
)

type fakePublisher struct {
	mu  sync.Mutex
	got []events.Event
}

func (f *fakePublisher) Publish(_ context.Context, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, e)
	return nil
}

func newTestManager(t *testing.T) (*Manager, storage.Store, *fakePublisher) {
	t.Helper()
	s := storage.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	pub := &fakePublisher{}
	return NewManager(s, pub, slog.New(slog.NewTextHandler(io.Discard, nil))), s, pub
}

func addRide(t *testing.T, s storage.Store, id, name string) {
	t.Helper()
	err := s.Set(context.Background(), "rides/"+id, models.RideFields{Name: name, Latitude: 30.1, Longitude: -97.2})
	if err != nil {
		t.Fatalf("add ride: %v", err)
	}
}

var (
	alice = auth.Principal{ID: "u-alice", Name: "Alice", Role: auth.User}
	bob   = auth.Principal{ID: "u-bob", Name: "Bob", Role: auth.User}
)

func TestJoinLeaveRoundTrip(t *testing.T) {
	m, s, pub := newTestManager(t)
	ctx := context.Background()
	addRide(t, s, "ride1", "Coaster")

	res, err := m.Join(ctx, alice, "ride1")
	if err != nil || res.Outcome != Joined || res.Position != 1 {
		t.Fatalf("join: %+v %v", res, err)
	}
	res, err = m.Leave(ctx, alice, "ride1")
	if err != nil || res.Outcome != Left {
		t.Fatalf("leave: %+v %v", res, err)
	}
	q, err := m.List(ctx, "ride1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if position(q, alice.ID) != 0 {
		t.Fatalf("alice still queued: %+v", q)
	}
	res, err = m.Leave(ctx, alice, "ride1")
	if err != nil || res.Outcome != NotQueued {
		t.Fatalf("second leave: %+v %v", res, err)
	}
	if len(pub.got) != 2 || pub.got[0].Type != events.QueueJoined || pub.got[1].Type != events.QueueLeft {
		t.Fatalf("unexpected events %+v", pub.got)
	}
}

func TestJoinTwiceReportsAlreadyQueued(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()
	addRide(t, s, "ride1", "Coaster")

	if _, err := m.Join(ctx, alice, "ride1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	res, err := m.Join(ctx, alice, "ride1")
	if err != nil || res.Outcome != AlreadyQueued || res.Position != 1 {
		t.Fatalf("second join: %+v %v", res, err)
	}
	q, _ := m.List(ctx, "ride1")
	if len(q) != 1 {
		t.Fatalf("expected one entry, got %d", len(q))
	}
}

func TestConcurrentJoinsProduceOneEntry(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()
	addRide(t, s, "ride1", "Coaster")

	const n = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := m.Join(ctx, alice, "ride1")
			if err != nil {
				t.Errorf("join: %v", err)
				return
			}
			if res.Outcome == Joined {
				mu.Lock()
				joined++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if joined != 1 {
		t.Fatalf("expected exactly one successful join, got %d", joined)
	}
	q, _ := m.List(ctx, "ride1")
	if len(q) != 1 {
		t.Fatalf("expected one entry, got %d", len(q))
	}
}

func TestCoasterScenario(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()
	addRide(t, s, "coaster", "Coaster")

	if _, err := m.Join(ctx, alice, "coaster"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	res, err := m.Join(ctx, bob, "coaster")
	if err != nil || res.Position != 2 || res.Length != 2 {
		t.Fatalf("bob join: %+v %v", res, err)
	}
	q, err := m.List(ctx, "coaster")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(q) != 2 || q[0].UserID != alice.ID || q[1].UserID != bob.ID {
		t.Fatalf("unexpected order: %+v", q)
	}
	if q[0].QueuePosition != q[0].ID || q[0].UserName != "Alice" {
		t.Fatalf("entry fields not filled: %+v", q[0])
	}
	pos, err := m.Position(ctx, bob, "coaster")
	if err != nil || pos != 2 {
		t.Fatalf("position: %d %v", pos, err)
	}
}

func TestLeaveRemovesDuplicates(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx := context.Background()
	addRide(t, s, "ride1", "Coaster")
	for i := 0; i < 2; i++ {
		if _, err := s.Append(ctx, "rides/ride1/queue", models.QueueEntry{UserID: alice.ID}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	res, err := m.Leave(ctx, alice, "ride1")
	if err != nil || res.Outcome != Left || res.Length != 0 {
		t.Fatalf("leave: %+v %v", res, err)
	}
}

func TestJoinErrors(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Join(ctx, auth.Anonymous, "ride1"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("guest join: %v", err)
	}
	if _, err := m.Join(ctx, alice, "missing"); !errors.Is(err, models.ErrRideNotFound) {
		t.Fatalf("missing ride: %v", err)
	}
	if _, err := m.Join(ctx, alice, "bad.id"); !errors.Is(err, storage.ErrInvalidPath) {
		t.Fatalf("bad id: %v", err)
	}
	if _, err := m.List(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("list missing: %v", err)
	}
}

func TestWatchSeesJoins(t *testing.T) {
	m, s, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addRide(t, s, "ride1", "Coaster")

	lengths := make(chan int, 16)
	stop, err := m.Watch(ctx, "ride1", func(q []models.QueueEntry) { lengths <- len(q) })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	waitFor := func(want int) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case n := <-lengths:
				if n == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for queue length %d", want)
			}
		}
	}
	waitFor(0)
	if _, err := m.Join(ctx, alice, "ride1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(1)
	if _, err := m.Join(ctx, bob, "ride1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(2)
}

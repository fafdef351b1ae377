package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/payments"
	"github.com/example/park-rides/internal/storage"
)

var (
	alice = auth.Principal{ID: "u-alice", Name: "Alice", Role: auth.User}
	bob   = auth.Principal{ID: "u-bob", Name: "Bob", Role: auth.User}
	admin = auth.Principal{ID: "u-admin", Name: "Root", Role: auth.Admin}
)

type fakeHolder struct {
	held      []payments.HoldRequest
	captured  []string
	cancelled []string
	holdErr   error
}

func (f *fakeHolder) Hold(_ context.Context, req payments.HoldRequest) (string, error) {
	if f.holdErr != nil {
		return "", f.holdErr
	}
	f.held = append(f.held, req)
	return "pi_test", nil
}

func (f *fakeHolder) Capture(_ context.Context, id string) error {
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakeHolder) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

// failingStore refuses writes to one collection.
type failingStore struct {
	storage.Store
	failPrefix string
}

func (f *failingStore) Transact(ctx context.Context, path string, fn storage.TxFunc) error {
	if len(path) >= len(f.failPrefix) && path[:len(f.failPrefix)] == f.failPrefix {
		return errors.New("store unavailable")
	}
	return f.Store.Transact(ctx, path, fn)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seed(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.Set(ctx, "rides/ride1", models.RideFields{Name: "Coaster", Image: "img.example.com/c.png"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, "rides/ride1/queue", models.QueueEntry{UserID: bob.ID}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "packages/pkg1", models.Package{Name: "Thrill", Price: 49.99, Rides: []string{"ride1"}}); err != nil {
		t.Fatal(err)
	}
}

func TestBookRideLeavesRideUnchanged(t *testing.T) {
	s := storage.NewMemoryStore()
	seed(t, s)
	ctx := context.Background()
	before, _ := s.Get(ctx, "rides/ride1")

	r := NewRecorder(s, discard())
	b, err := r.BookRide(ctx, alice, "ride1")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if b.RideName != "Coaster" || b.UserID != alice.ID || b.ID == "" {
		t.Fatalf("unexpected booking %+v", b)
	}

	after, _ := s.Get(ctx, "rides/ride1")
	if string(before.Value) != string(after.Value) || len(before.Children) != len(after.Children) {
		t.Fatalf("ride changed: before %+v after %+v", before, after)
	}
}

func TestBookingKeysDoNotCollide(t *testing.T) {
	s := storage.NewMemoryStore()
	seed(t, s)
	r := NewRecorder(s, discard())
	fixed := time.UnixMilli(1700000000000)
	r.now = func() time.Time { return fixed }
	ctx := context.Background()

	first, err := r.BookRide(ctx, alice, "ride1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.BookRide(ctx, bob, "ride1")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "1700000000000" || second.ID != "1700000000000-1" {
		t.Fatalf("unexpected keys %s %s", first.ID, second.ID)
	}
	all, err := r.Rides(ctx, admin)
	if err != nil || len(all) != 2 {
		t.Fatalf("admin list: %d %v", len(all), err)
	}
	mine, err := r.Rides(ctx, alice)
	if err != nil || len(mine) != 1 || mine[0].UserID != alice.ID {
		t.Fatalf("user list: %+v %v", mine, err)
	}
}

func TestBookRideErrors(t *testing.T) {
	s := storage.NewMemoryStore()
	r := NewRecorder(s, discard())
	ctx := context.Background()
	if _, err := r.BookRide(ctx, auth.Anonymous, "ride1"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("guest: %v", err)
	}
	if _, err := r.BookRide(ctx, alice, "nope"); !errors.Is(err, models.ErrRideNotFound) {
		t.Fatalf("missing: %v", err)
	}
	if _, err := r.BookRide(ctx, alice, ""); !errors.Is(err, models.ErrRideNotFound) {
		t.Fatalf("empty id: %v", err)
	}
}

func TestBookPackageHoldsPayment(t *testing.T) {
	s := storage.NewMemoryStore()
	seed(t, s)
	h := &fakeHolder{}
	r := NewRecorder(s, discard(), WithPayments(h, "usd"))
	ctx := context.Background()

	b, err := r.BookPackage(ctx, alice, "pkg1")
	if err != nil {
		t.Fatalf("book package: %v", err)
	}
	if b.PaymentIntentID != "pi_test" || len(h.held) != 1 || h.held[0].Amount != 4999 {
		t.Fatalf("unexpected hold: %+v %+v", b, h.held)
	}
	if err := r.CapturePackagePayment(ctx, alice, b.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("user capture: %v", err)
	}
	if err := r.CapturePackagePayment(ctx, admin, b.ID); err != nil || len(h.captured) != 1 {
		t.Fatalf("capture: %v %v", err, h.captured)
	}
	if _, err := r.PackageBooking(ctx, bob, b.ID); !errors.Is(err, models.ErrBookingNotFound) {
		t.Fatalf("other user must not see booking: %v", err)
	}
}

func TestBookPackageReleasesHoldOnWriteFailure(t *testing.T) {
	mem := storage.NewMemoryStore()
	seed(t, mem)
	h := &fakeHolder{}
	r := NewRecorder(&failingStore{Store: mem, failPrefix: "package_bookings"}, discard(), WithPayments(h, "usd"))

	if _, err := r.BookPackage(context.Background(), alice, "pkg1"); err == nil {
		t.Fatalf("expected write failure")
	}
	if len(h.cancelled) != 1 || h.cancelled[0] != "pi_test" {
		t.Fatalf("hold not released: %+v", h.cancelled)
	}
}

func TestBookPackageWithoutPayments(t *testing.T) {
	s := storage.NewMemoryStore()
	seed(t, s)
	r := NewRecorder(s, discard())
	b, err := r.BookPackage(context.Background(), alice, "pkg1")
	if err != nil || b.PaymentIntentID != "" || b.PackageName != "Thrill" {
		t.Fatalf("book: %+v %v", b, err)
	}
	if err := r.CapturePackagePayment(context.Background(), admin, b.ID); !errors.Is(err, ErrNoPayment) {
		t.Fatalf("expected ErrNoPayment, got %v", err)
	}
}

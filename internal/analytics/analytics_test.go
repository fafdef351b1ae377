package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/storage"
)

func TestSummary(t *testing.T) {
	s := storage.NewMemoryStore()
	ctx := context.Background()
	jan := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(s.Set(ctx, "rides/r1", models.RideFields{Name: "Coaster", CreatedAt: jan}))
	must(s.Set(ctx, "rides/r2", models.RideFields{Name: "Wheel", CreatedAt: feb}))
	must(s.Set(ctx, "rides/r3", map[string]any{"name": "Legacy"}))
	must(s.Set(ctx, "packages/p1", models.Package{Name: "Thrill", CreatedAt: jan}))
	_, err := s.Append(ctx, "rides/r1/queue", models.QueueEntry{UserID: "u1"})
	must(err)
	must(s.Set(ctx, "bookings/1", models.Booking{RideID: "r1"}))
	must(s.Set(ctx, "bookings/2", models.Booking{RideID: "r1"}))
	must(s.Set(ctx, "bookings/3", models.Booking{RideID: "r2"}))
	must(s.Set(ctx, "package_bookings/1", models.PackageBooking{PackageID: "p1"}))
	must(s.Set(ctx, "users/u1", models.User{Name: "A"}))

	svc := NewService(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := svc.Summary(ctx, auth.Principal{ID: "u1", Role: auth.User}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("user summary: %v", err)
	}
	sum, err := svc.Summary(ctx, auth.Principal{ID: "a", Role: auth.Admin})
	if err != nil {
		t.Fatal(err)
	}

	want := []MonthCount{{"2024-01", 1, 1}, {"2024-02", 1, 0}, {UnknownMonth, 1, 0}}
	if len(sum.Monthly) != len(want) {
		t.Fatalf("monthly %+v", sum.Monthly)
	}
	for i := range want {
		if sum.Monthly[i] != want[i] {
			t.Fatalf("monthly[%d] = %+v, want %+v", i, sum.Monthly[i], want[i])
		}
	}
	if sum.RideBookings[0] != (Count{ID: "r1", Name: "Coaster", Count: 2}) {
		t.Fatalf("ride bookings %+v", sum.RideBookings)
	}
	if len(sum.PackageBookings) != 1 || sum.PackageBookings[0].Count != 1 {
		t.Fatalf("package bookings %+v", sum.PackageBookings)
	}
	if sum.QueueLengths[0] != (Count{ID: "r1", Name: "Coaster", Count: 1}) || sum.Users != 1 {
		t.Fatalf("queue lengths %+v users %d", sum.QueueLengths, sum.Users)
	}
}

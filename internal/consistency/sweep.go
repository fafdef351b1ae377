package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/observability"
	"github.com/example/park-rides/internal/storage"
)

type Class string

const (
	DuplicateQueueEntry   Class = "duplicate_queue_entry"
	PackageMissingRide    Class = "package_missing_ride"
	BookingMissingRide    Class = "booking_missing_ride"
	BookingMissingPackage Class = "booking_missing_package"
	NotificationNoUser    Class = "notification_missing_user"
)

var classes = []Class{DuplicateQueueEntry, PackageMissingRide, BookingMissingRide, BookingMissingPackage, NotificationNoUser}

type Violation struct {
	Class  Class  `json:"class"`
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

type Report struct {
	At         time.Time     `json:"at"`
	Violations []Violation   `json:"violations"`
	Counts     map[Class]int `json:"counts"`
}

// Sweeper scans the store for cross-collection invariants that are not
// enforced on write. It only reports; nothing is repaired.
type Sweeper struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(store storage.Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, logger: logger, now: time.Now}
}

func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	colls := map[string]storage.Snapshot{}
	for _, p := range []string{"rides", "packages", "bookings", "package_bookings", "notifications", "users"} {
		snap, err := s.store.Get(ctx, p)
		if err != nil {
			return Report{}, fmt.Errorf("load %s: %w", p, err)
		}
		colls[p] = snap
	}
	rides, packages, users := colls["rides"], colls["packages"], colls["users"]

	rep := Report{At: s.now().UTC(), Counts: make(map[Class]int, len(classes))}
	add := func(c Class, path, detail string) {
		rep.Violations = append(rep.Violations, Violation{Class: c, Path: path, Detail: detail})
		rep.Counts[c]++
	}

	for _, ride := range rides.Children {
		seen := map[string]int{}
		for _, q := range ride.Child("queue").Children {
			var e models.QueueEntry
			if q.Decode(&e) != nil {
				continue
			}
			seen[e.UserID]++
			if seen[e.UserID] == 2 {
				add(DuplicateQueueEntry, ride.Path, "user "+e.UserID)
			}
		}
	}
	for _, p := range packages.Children {
		var pkg models.Package
		if p.Decode(&pkg) != nil {
			continue
		}
		for _, id := range pkg.Rides {
			if storage.ValidateKey(id) != nil || rides.Child(id).Value == nil {
				add(PackageMissingRide, p.Path, "ride "+id)
			}
		}
	}
	for _, b := range colls["bookings"].Children {
		var bk models.Booking
		if b.Decode(&bk) != nil {
			continue
		}
		if storage.ValidateKey(bk.RideID) != nil || rides.Child(bk.RideID).Value == nil {
			add(BookingMissingRide, b.Path, "ride "+bk.RideID)
		}
	}
	for _, b := range colls["package_bookings"].Children {
		var bk models.PackageBooking
		if b.Decode(&bk) != nil {
			continue
		}
		if storage.ValidateKey(bk.PackageID) != nil || packages.Child(bk.PackageID).Value == nil {
			add(BookingMissingPackage, b.Path, "package "+bk.PackageID)
		}
	}
	for _, n := range colls["notifications"].Children {
		var note models.Notification
		if n.Decode(&note) != nil {
			continue
		}
		if storage.ValidateKey(note.UserID) != nil || users.Child(note.UserID).Value == nil {
			add(NotificationNoUser, n.Path, "user "+note.UserID)
		}
	}

	for _, c := range classes {
		observability.ConsistencyViolations.WithLabelValues(string(c)).Set(float64(rep.Counts[c]))
	}
	for _, v := range rep.Violations {
		s.logger.Warn("consistency violation", "class", v.Class, "path", v.Path, "detail", v.Detail)
	}
	s.logger.Info("consistency sweep finished", "violations", len(rep.Violations))
	return rep, nil
}

// Schedule runs the sweep on a cron spec with seconds, e.g. "0 */15 * * * *".
// The returned cron is started; callers Stop it on shutdown.
func (s *Sweeper) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(spec, func() {
		if _, err := s.Run(ctx); err != nil {
			s.logger.Error("consistency sweep failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

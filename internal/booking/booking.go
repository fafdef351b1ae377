package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/events"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/observability"
	"github.com/example/park-rides/internal/payments"
	"github.com/example/park-rides/internal/storage"
)

const (
	bookingsPath        = "bookings"
	packageBookingsPath = "package_bookings"
)

var ErrNoPayment = errors.New("booking has no payment hold")

// Recorder writes immutable booking records keyed by their creation time in
// milliseconds. Bookings never touch the ride or package they refer to.
type Recorder struct {
	store    storage.Store
	payments payments.Holder
	currency string
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Recorder)

// WithPayments places a manual-capture hold for the package price on every
// package booking.
func WithPayments(h payments.Holder, currency string) Option {
	return func(r *Recorder) {
		r.payments = h
		r.currency = currency
	}
}

func WithEvents(p events.Publisher) Option {
	return func(r *Recorder) { r.events = p }
}

func NewRecorder(store storage.Store, logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{store: store, events: events.Nop{}, logger: logger, now: time.Now, currency: "usd"}
	for _, o := range opts {
		o(r)
	}
	return r
}

// BookRide records that the caller booked the ride. The write is confirmed
// before the booking is returned.
func (r *Recorder) BookRide(ctx context.Context, caller auth.Principal, rideID string) (models.Booking, error) {
	if err := caller.RequireMember(); err != nil {
		return models.Booking{}, err
	}
	ride, err := r.loadRide(ctx, rideID)
	if err != nil {
		return models.Booking{}, err
	}
	b := models.Booking{
		RideID:    rideID,
		RideName:  ride.Name,
		RideImg:   ride.Image,
		UserID:    caller.ID,
		UserName:  caller.Name,
		Timestamp: r.now().UnixMilli(),
	}
	key, err := storage.CreateUnique(ctx, r.store, bookingsPath, storage.TimeKey(b.Timestamp), b)
	if err != nil {
		observability.BookingFailuresTotal.WithLabelValues("ride").Inc()
		r.logger.Error("book ride failed", "ride_id", rideID, "user_id", caller.ID, "error", err)
		return models.Booking{}, fmt.Errorf("book ride: %w", err)
	}
	b.ID = key
	observability.BookingsTotal.WithLabelValues("ride").Inc()
	r.logger.Info("ride booked", "booking_id", key, "ride_id", rideID, "user_id", caller.ID)
	events.Emit(ctx, r.events, r.logger, events.Event{Type: events.RideBooked, RideID: rideID, UserID: caller.ID})
	return b, nil
}

// BookPackage records a package booking. When payments are configured the
// package price is held first and the hold is released if the write fails.
func (r *Recorder) BookPackage(ctx context.Context, caller auth.Principal, packageID string) (models.PackageBooking, error) {
	if err := caller.RequireMember(); err != nil {
		return models.PackageBooking{}, err
	}
	pkg, err := r.loadPackage(ctx, packageID)
	if err != nil {
		return models.PackageBooking{}, err
	}
	b := models.PackageBooking{
		PackageID:   packageID,
		PackageName: pkg.Name,
		UserID:      caller.ID,
		UserName:    caller.Name,
		Timestamp:   r.now().UnixMilli(),
	}
	if r.payments != nil && pkg.Price > 0 {
		id, err := r.payments.Hold(ctx, payments.HoldRequest{
			Amount:      payments.MinorUnits(pkg.Price),
			Currency:    r.currency,
			Description: "Package " + pkg.Name,
			Metadata:    map[string]string{"package_id": packageID, "user_id": caller.ID},
		})
		if err != nil {
			observability.BookingFailuresTotal.WithLabelValues("package").Inc()
			r.logger.Error("payment hold failed", "package_id", packageID, "user_id", caller.ID, "error", err)
			return models.PackageBooking{}, fmt.Errorf("hold payment: %w", err)
		}
		b.PaymentIntentID = id
	}

	key, err := storage.CreateUnique(ctx, r.store, packageBookingsPath, storage.TimeKey(b.Timestamp), b)
	if err != nil {
		observability.BookingFailuresTotal.WithLabelValues("package").Inc()
		r.logger.Error("book package failed", "package_id", packageID, "user_id", caller.ID, "error", err)
		if b.PaymentIntentID != "" {
			if cerr := r.payments.Cancel(context.WithoutCancel(ctx), b.PaymentIntentID); cerr != nil {
				r.logger.Error("release payment hold failed", "payment_intent", b.PaymentIntentID, "error", cerr)
				err = errors.Join(err, cerr)
			}
		}
		return models.PackageBooking{}, fmt.Errorf("book package: %w", err)
	}
	b.ID = key
	observability.BookingsTotal.WithLabelValues("package").Inc()
	r.logger.Info("package booked", "booking_id", key, "package_id", packageID, "user_id", caller.ID)
	events.Emit(ctx, r.events, r.logger, events.Event{Type: events.PackageBooked, PackageID: packageID, UserID: caller.ID})
	return b, nil
}

// CapturePackagePayment turns the hold on a package booking into a charge.
func (r *Recorder) CapturePackagePayment(ctx context.Context, caller auth.Principal, bookingID string) error {
	if err := caller.RequireAdmin(); err != nil {
		return err
	}
	b, err := r.PackageBooking(ctx, caller, bookingID)
	if err != nil {
		return err
	}
	if b.PaymentIntentID == "" || r.payments == nil {
		return ErrNoPayment
	}
	if err := r.payments.Capture(ctx, b.PaymentIntentID); err != nil {
		r.logger.Error("capture payment failed", "booking_id", bookingID, "payment_intent", b.PaymentIntentID, "error", err)
		return fmt.Errorf("capture payment: %w", err)
	}
	r.logger.Info("payment captured", "booking_id", bookingID, "payment_intent", b.PaymentIntentID)
	return nil
}

func (r *Recorder) loadRide(ctx context.Context, rideID string) (models.RideFields, error) {
	var ride models.RideFields
	if err := r.load(ctx, "rides", rideID, &ride); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ride, models.ErrRideNotFound
		}
		return ride, err
	}
	return ride, nil
}

func (r *Recorder) loadPackage(ctx context.Context, packageID string) (models.Package, error) {
	var pkg models.Package
	if err := r.load(ctx, "packages", packageID, &pkg); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return pkg, models.ErrPackageNotFound
		}
		return pkg, err
	}
	return pkg, nil
}

func (r *Recorder) load(ctx context.Context, parent, id string, v any) error {
	if storage.ValidateKey(id) != nil {
		return models.ErrNotFound
	}
	path := storage.Join(parent, id)
	snap, err := r.store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if snap.Value == nil {
		return models.ErrNotFound
	}
	return snap.Decode(v)
}

// Rides lists ride bookings oldest first. Admins see every booking, users
// only their own.
func (r *Recorder) Rides(ctx context.Context, caller auth.Principal) ([]models.Booking, error) {
	if err := caller.RequireMember(); err != nil {
		return nil, err
	}
	snap, err := r.store.Get(ctx, bookingsPath)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}
	out := make([]models.Booking, 0, len(snap.Children))
	for _, c := range snap.Children {
		var b models.Booking
		if err := c.Decode(&b); err != nil {
			r.logger.Warn("skipping malformed booking", "path", c.Path, "error", err)
			continue
		}
		if caller.RequireSelfOrAdmin(b.UserID) != nil {
			continue
		}
		b.ID = c.Key()
		out = append(out, b)
	}
	return out, nil
}

// Packages lists package bookings with the same visibility rules as Rides.
func (r *Recorder) Packages(ctx context.Context, caller auth.Principal) ([]models.PackageBooking, error) {
	if err := caller.RequireMember(); err != nil {
		return nil, err
	}
	snap, err := r.store.Get(ctx, packageBookingsPath)
	if err != nil {
		return nil, fmt.Errorf("load package bookings: %w", err)
	}
	out := make([]models.PackageBooking, 0, len(snap.Children))
	for _, c := range snap.Children {
		var b models.PackageBooking
		if err := c.Decode(&b); err != nil {
			r.logger.Warn("skipping malformed package booking", "path", c.Path, "error", err)
			continue
		}
		if caller.RequireSelfOrAdmin(b.UserID) != nil {
			continue
		}
		b.ID = c.Key()
		out = append(out, b)
	}
	return out, nil
}

// Ride returns one ride booking visible to the caller.
func (r *Recorder) Ride(ctx context.Context, caller auth.Principal, id string) (models.Booking, error) {
	var b models.Booking
	if err := r.loadBooking(ctx, caller, bookingsPath, id, &b, func() string { return b.UserID }); err != nil {
		return models.Booking{}, err
	}
	b.ID = id
	return b, nil
}

func (r *Recorder) PackageBooking(ctx context.Context, caller auth.Principal, id string) (models.PackageBooking, error) {
	var b models.PackageBooking
	if err := r.loadBooking(ctx, caller, packageBookingsPath, id, &b, func() string { return b.UserID }); err != nil {
		return models.PackageBooking{}, err
	}
	b.ID = id
	return b, nil
}

func (r *Recorder) loadBooking(ctx context.Context, caller auth.Principal, parent, id string, v any, owner func() string) error {
	if err := caller.RequireMember(); err != nil {
		return err
	}
	if err := r.load(ctx, parent, id, v); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrBookingNotFound
		}
		return err
	}
	if err := caller.RequireSelfOrAdmin(owner()); err != nil {
		// do not reveal other users' bookings
		return models.ErrBookingNotFound
	}
	return nil
}

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/events"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/notify"
	"github.com/example/park-rides/internal/storage"
	"github.com/example/park-rides/internal/validation"
)

// RideInput is the admin form for a ride. Coordinates accept JSON numbers or
// numeric strings.
type RideInput struct {
	Name        string      `json:"name" validate:"required"`
	Description string      `json:"description" validate:"required"`
	Image       string      `json:"image" validate:"required,imageurl"`
	Latitude    json.Number `json:"latitude" validate:"required,latitude"`
	Longitude   json.Number `json:"longitude" validate:"required,longitude"`
}

func (in RideInput) validate() (models.RideFields, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.Image = strings.TrimSpace(in.Image)
	in.Latitude = json.Number(strings.TrimSpace(string(in.Latitude)))
	in.Longitude = json.Number(strings.TrimSpace(string(in.Longitude)))
	f := models.RideFields{Name: in.Name, Description: in.Description, Image: in.Image}
	if err := validation.Struct(in); err != nil {
		return f, err
	}
	var err error
	if f.Latitude, err = in.Latitude.Float64(); err != nil {
		return f, validation.New("latitude", "must be numeric")
	}
	if f.Longitude, err = in.Longitude.Float64(); err != nil {
		return f, validation.New("longitude", "must be numeric")
	}
	return f, nil
}

func ridePath(id string) string { return storage.Join(ridesPath, id) }

func checkID(id string, notFound error) error {
	if storage.ValidateKey(id) != nil {
		return notFound
	}
	return nil
}

func (c *Catalog) CreateRide(ctx context.Context, caller auth.Principal, in RideInput) (models.Ride, notify.Report, error) {
	if err := caller.RequireAdmin(); err != nil {
		return models.Ride{}, notify.Report{}, err
	}
	f, err := in.validate()
	if err != nil {
		return models.Ride{}, notify.Report{}, err
	}
	f.CreatedAt = c.now().UTC()
	id, err := c.store.Append(ctx, ridesPath, f)
	if err != nil {
		c.logger.Error("create ride failed", "name", f.Name, "error", err)
		return models.Ride{}, notify.Report{}, fmt.Errorf("create ride: %w", err)
	}
	c.index(ctx, id, f)
	c.logger.Info("ride created", "ride_id", id, "name", f.Name)
	rep := c.announce(ctx, "New ride added: "+f.Name, events.Event{Type: events.RideCreated, RideID: id, UserID: caller.ID})
	return rideFrom(id, f), rep, nil
}

// UpdateRide overwrites the ride's fields. Its queue and reviews are kept and
// the original creation time is preserved.
func (c *Catalog) UpdateRide(ctx context.Context, caller auth.Principal, id string, in RideInput) (models.Ride, notify.Report, error) {
	if err := caller.RequireAdmin(); err != nil {
		return models.Ride{}, notify.Report{}, err
	}
	if err := checkID(id, models.ErrRideNotFound); err != nil {
		return models.Ride{}, notify.Report{}, err
	}
	f, err := in.validate()
	if err != nil {
		return models.Ride{}, notify.Report{}, err
	}
	path := ridePath(id)
	err = c.store.Transact(ctx, path, func(cur storage.Snapshot) ([]storage.Mutation, error) {
		var old models.RideFields
		if cur.Value == nil || cur.Decode(&old) != nil {
			return nil, models.ErrRideNotFound
		}
		f.CreatedAt = old.CreatedAt
		return []storage.Mutation{storage.SetOp(path, f)}, nil
	})
	if err != nil {
		return models.Ride{}, notify.Report{}, c.writeErr("update ride", id, err)
	}
	c.index(ctx, id, f)
	c.logger.Info("ride updated", "ride_id", id)
	rep := c.announce(ctx, "Ride updated: "+f.Name, events.Event{Type: events.RideUpdated, RideID: id, UserID: caller.ID})
	ride, err := c.Ride(ctx, id)
	if err != nil {
		ride = rideFrom(id, f)
	}
	return ride, rep, nil
}

// DeleteRide removes the ride with its queue and reviews. Packages that list
// the ride keep the stale reference; reads report it in MissingRides.
func (c *Catalog) DeleteRide(ctx context.Context, caller auth.Principal, id string) (notify.Report, error) {
	if err := caller.RequireAdmin(); err != nil {
		return notify.Report{}, err
	}
	if err := checkID(id, models.ErrRideNotFound); err != nil {
		return notify.Report{}, err
	}
	path := ridePath(id)
	var name string
	err := c.store.Transact(ctx, path, func(cur storage.Snapshot) ([]storage.Mutation, error) {
		var old models.RideFields
		if cur.Value == nil || cur.Decode(&old) != nil {
			return nil, models.ErrRideNotFound
		}
		name = old.Name
		return []storage.Mutation{storage.RemoveOp(path)}, nil
	})
	if err != nil {
		return notify.Report{}, c.writeErr("delete ride", id, err)
	}
	if err := c.locator.Remove(ctx, id); err != nil {
		c.logger.Warn("unindex ride failed", "ride_id", id, "error", err)
	}
	c.logger.Info("ride deleted", "ride_id", id)
	return c.announce(ctx, "Ride removed: "+name, events.Event{Type: events.RideDeleted, RideID: id, UserID: caller.ID}), nil
}

func (c *Catalog) Ride(ctx context.Context, id string) (models.Ride, error) {
	if err := checkID(id, models.ErrRideNotFound); err != nil {
		return models.Ride{}, err
	}
	snap, err := c.store.Get(ctx, ridePath(id))
	if err != nil {
		return models.Ride{}, fmt.Errorf("load ride: %w", err)
	}
	if snap.Value == nil {
		return models.Ride{}, models.ErrRideNotFound
	}
	return c.decodeRide(snap)
}

func (c *Catalog) Rides(ctx context.Context) ([]models.Ride, error) {
	snap, err := c.store.Get(ctx, ridesPath)
	if err != nil {
		return nil, fmt.Errorf("load rides: %w", err)
	}
	out := make([]models.Ride, 0, len(snap.Children))
	for _, child := range snap.Children {
		if child.Value == nil {
			continue
		}
		r, err := c.decodeRide(child)
		if err != nil {
			c.logger.Warn("skipping malformed ride", "path", child.Path, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (c *Catalog) decodeRide(snap storage.Snapshot) (models.Ride, error) {
	var f models.RideFields
	if err := snap.Decode(&f); err != nil {
		return models.Ride{}, err
	}
	r := rideFrom(snap.Key(), f)
	for _, q := range snap.Child("queue").Children {
		var e models.QueueEntry
		if q.Decode(&e) != nil {
			continue
		}
		e.ID = q.Key()
		r.Queue = append(r.Queue, e)
	}
	for _, rv := range snap.Child("reviews").Children {
		var review models.Review
		if rv.Decode(&review) != nil {
			continue
		}
		review.ID = rv.Key()
		r.Reviews = append(r.Reviews, review)
	}
	return r, nil
}

func rideFrom(id string, f models.RideFields) models.Ride {
	return models.Ride{
		ID:          id,
		Name:        f.Name,
		Description: f.Description,
		Image:       f.Image,
		Latitude:    f.Latitude,
		Longitude:   f.Longitude,
		CreatedAt:   f.CreatedAt,
	}
}

// AddReview appends a review to an existing ride.
func (c *Catalog) AddReview(ctx context.Context, caller auth.Principal, rideID string, rating int, comment string) (models.Review, error) {
	if err := caller.RequireMember(); err != nil {
		return models.Review{}, err
	}
	if err := checkID(rideID, models.ErrRideNotFound); err != nil {
		return models.Review{}, err
	}
	if rating < 1 || rating > 5 {
		return models.Review{}, validation.New("rating", "must be between 1 and 5")
	}
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return models.Review{}, validation.New("comment", "is required")
	}
	review := models.Review{UserID: caller.ID, Rating: rating, Comment: comment, Timestamp: c.now().UnixMilli()}
	key := storage.NewKey()
	path := ridePath(rideID)
	err := c.store.Transact(ctx, path, func(cur storage.Snapshot) ([]storage.Mutation, error) {
		if cur.Value == nil {
			return nil, models.ErrRideNotFound
		}
		return []storage.Mutation{storage.SetOp(storage.Join(path, "reviews", key), review)}, nil
	})
	if err != nil {
		return models.Review{}, c.writeErr("add review", rideID, err)
	}
	review.ID = key
	events.Emit(ctx, c.events, c.logger, events.Event{Type: events.RideReviewed, RideID: rideID, UserID: caller.ID})
	return review, nil
}

// NearbyRide is a ride with its distance from the query point.
type NearbyRide struct {
	models.Ride
	DistanceMeters float64 `json:"distanceMeters"`
}

// Nearby lists rides within radiusMeters of at, closest first.
func (c *Catalog) Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]NearbyRide, error) {
	hits, err := c.locator.Nearby(ctx, at, radiusMeters, limit)
	if err != nil {
		return nil, fmt.Errorf("nearby rides: %w", err)
	}
	out := make([]NearbyRide, 0, len(hits))
	for _, h := range hits {
		r, err := c.Ride(ctx, h.RideID)
		if errors.Is(err, models.ErrRideNotFound) {
			c.logger.Warn("location index references missing ride", "ride_id", h.RideID)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, NearbyRide{Ride: r, DistanceMeters: h.Distance})
	}
	return out, nil
}

// Reindex loads every ride location into the locator. Called at startup.
func (c *Catalog) Reindex(ctx context.Context) (int, error) {
	rides, err := c.Rides(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range rides {
		if err := c.locator.Upsert(ctx, r.ID, r.Loc()); err != nil {
			return 0, fmt.Errorf("index ride %s: %w", r.ID, err)
		}
	}
	return len(rides), nil
}

func (c *Catalog) index(ctx context.Context, id string, f models.RideFields) {
	loc := models.Coord{Lat: f.Latitude, Lon: f.Longitude}
	if err := c.locator.Upsert(ctx, id, loc); err != nil {
		c.logger.Warn("index ride failed", "ride_id", id, "error", err)
	}
}

func (c *Catalog) writeErr(op, id string, err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return err
	}
	c.logger.Error(op+" failed", "id", id, "error", err)
	return fmt.Errorf("%s: %w", op, err)
}

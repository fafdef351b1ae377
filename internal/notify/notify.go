package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/observability"
	"github.com/example/park-rides/internal/storage"
)

const notificationsPath = "notifications"

var ErrNotificationNotFound = fmt.Errorf("notification %w", models.ErrNotFound)

// Report describes one fan-out. Writes are best effort: a failed write is
// counted and recorded, the remaining users are still notified. Errors
// carries the failure text to HTTP callers.
type Report struct {
	Users   int      `json:"users"`
	Written int      `json:"written"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`

	errs []error
}

// Record adds a failure to the report.
func (r *Report) Record(err error) {
	r.errs = append(r.errs, err)
	r.Errors = append(r.Errors, err.Error())
}

// Err joins the recorded failures, nil when every write landed.
func (r Report) Err() error { return errors.Join(r.errs...) }

type FanOut struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewFanOut(store storage.Store, logger *slog.Logger) *FanOut {
	return &FanOut{store: store, logger: logger, now: time.Now}
}

// NotifyAll appends one unread notification per existing user. The returned
// error is set only when the user list could not be read, and is recorded in
// the Report as well; partial failures are reported in the Report only.
func (f *FanOut) NotifyAll(ctx context.Context, message string) (Report, error) {
	users, err := f.store.Get(ctx, "users")
	if err != nil {
		f.logger.Error("notify: load users failed", "error", err)
		err = fmt.Errorf("load users: %w", err)
		var rep Report
		rep.Record(err)
		return rep, err
	}
	rep := Report{Users: len(users.Children)}
	ts := f.now().UTC()
	for _, u := range users.Children {
		n := models.Notification{Message: message, UserID: u.Key(), Timestamp: ts, Read: false}
		if _, err := f.store.Append(ctx, notificationsPath, n); err != nil {
			rep.Failed++
			rep.Record(fmt.Errorf("notify %s: %w", u.Key(), err))
			continue
		}
		rep.Written++
	}
	observability.NotificationsWritten.Add(float64(rep.Written))
	observability.NotificationsFailed.Add(float64(rep.Failed))
	if rep.Failed > 0 {
		f.logger.Warn("notification fan-out incomplete", "users", rep.Users, "written", rep.Written, "failed", rep.Failed, "error", rep.Err())
	} else {
		f.logger.Info("notification fan-out", "users", rep.Users, "written", rep.Written)
	}
	return rep, nil
}

// ForUser returns the notifications addressed to userID, oldest first.
func (f *FanOut) ForUser(ctx context.Context, caller auth.Principal, userID string) ([]models.Notification, error) {
	if err := caller.RequireSelfOrAdmin(userID); err != nil {
		return nil, err
	}
	snap, err := f.store.Get(ctx, notificationsPath)
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	var out []models.Notification
	for _, c := range snap.Children {
		var n models.Notification
		if err := c.Decode(&n); err != nil {
			f.logger.Warn("skipping malformed notification", "path", c.Path, "error", err)
			continue
		}
		if n.UserID != userID {
			continue
		}
		n.ID = c.Key()
		out = append(out, n)
	}
	return out, nil
}

// MarkRead flags one of the caller's notifications as read.
func (f *FanOut) MarkRead(ctx context.Context, caller auth.Principal, id string) error {
	if err := caller.RequireMember(); err != nil {
		return err
	}
	if storage.ValidateKey(id) != nil {
		return ErrNotificationNotFound
	}
	path := storage.Join(notificationsPath, id)
	return f.store.Transact(ctx, path, func(cur storage.Snapshot) ([]storage.Mutation, error) {
		var n models.Notification
		if cur.Value == nil || cur.Decode(&n) != nil {
			return nil, ErrNotificationNotFound
		}
		if caller.RequireSelfOrAdmin(n.UserID) != nil {
			return nil, ErrNotificationNotFound
		}
		if n.Read {
			return nil, nil
		}
		n.Read = true
		return []storage.Mutation{storage.SetOp(path, n)}, nil
	})
}

// Unread counts the caller's unread notifications.
func (f *FanOut) Unread(ctx context.Context, caller auth.Principal) (int, error) {
	list, err := f.ForUser(ctx, caller, caller.ID)
	if err != nil {
		return 0, err
	}
	var n int
	for _, x := range list {
		if !x.Read {
			n++
		}
	}
	return n, nil
}

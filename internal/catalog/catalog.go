package catalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/park-rides/internal/events"
	"github.com/example/park-rides/internal/geo"
	"github.com/example/park-rides/internal/notify"
	"github.com/example/park-rides/internal/storage"
)

const (
	ridesPath    = "rides"
	packagesPath = "packages"
)

// Notifier broadcasts a message to every registered user.
type Notifier interface {
	NotifyAll(ctx context.Context, message string) (notify.Report, error)
}

// Catalog manages rides and packages. Every admin mutation is announced to
// all users and published as a domain event once the write is confirmed.
type Catalog struct {
	store    storage.Store
	notifier Notifier
	locator  geo.Locator
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func New(store storage.Store, notifier Notifier, locator geo.Locator, pub events.Publisher, logger *slog.Logger) *Catalog {
	if locator == nil {
		locator = geo.NewIndex()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Catalog{store: store, notifier: notifier, locator: locator, events: pub, logger: logger, now: time.Now}
}

// announce runs the fan-out for a confirmed change. Failures never undo the
// change; they are returned in the report.
func (c *Catalog) announce(ctx context.Context, message string, ev events.Event) notify.Report {
	events.Emit(ctx, c.events, c.logger, ev)
	if c.notifier == nil {
		return notify.Report{}
	}
	rep, err := c.notifier.NotifyAll(ctx, message)
	if err != nil {
		c.logger.Error("announce failed", "message", message, "error", err)
		if rep.Err() == nil {
			rep.Record(err)
		}
	}
	return rep
}

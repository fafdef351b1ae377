package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/storage"
)

// UnknownMonth collects records stored without a creation time.
const UnknownMonth = "unknown"

type MonthCount struct {
	Month    string `json:"month"` // YYYY-MM
	Rides    int    `json:"rides"`
	Packages int    `json:"packages"`
}

type Count struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Summary struct {
	Monthly         []MonthCount `json:"monthly"`
	RideBookings    []Count      `json:"rideBookings"`
	PackageBookings []Count      `json:"packageBookings"`
	QueueLengths    []Count      `json:"queueLengths"`
	Users           int          `json:"users"`
}

type Service struct {
	store  storage.Store
	logger *slog.Logger
}

func NewService(store storage.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

type named struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary aggregates the catalog and booking collections. Admins only.
func (s *Service) Summary(ctx context.Context, caller auth.Principal) (Summary, error) {
	if err := caller.RequireAdmin(); err != nil {
		return Summary{}, err
	}
	colls := map[string]storage.Snapshot{}
	for _, p := range []string{"rides", "packages", "bookings", "package_bookings", "users"} {
		snap, err := s.store.Get(ctx, p)
		if err != nil {
			return Summary{}, fmt.Errorf("load %s: %w", p, err)
		}
		colls[p] = snap
	}

	var out Summary
	months := map[string]*MonthCount{}
	bump := func(snap storage.Snapshot, ride bool) map[string]string {
		names := map[string]string{}
		for _, c := range snap.Children {
			var n named
			if c.Decode(&n) != nil {
				continue
			}
			names[c.Key()] = n.Name
			m := UnknownMonth
			if !n.CreatedAt.IsZero() {
				m = n.CreatedAt.UTC().Format("2006-01")
			}
			mc, ok := months[m]
			if !ok {
				mc = &MonthCount{Month: m}
				months[m] = mc
			}
			if ride {
				mc.Rides++
			} else {
				mc.Packages++
			}
		}
		return names
	}
	rideNames := bump(colls["rides"], true)
	packageNames := bump(colls["packages"], false)
	for _, mc := range months {
		out.Monthly = append(out.Monthly, *mc)
	}
	// "unknown" sorts after every YYYY-MM
	sort.Slice(out.Monthly, func(i, j int) bool { return out.Monthly[i].Month < out.Monthly[j].Month })

	out.RideBookings = s.countBy(colls["bookings"], "rideId", rideNames)
	out.PackageBookings = s.countBy(colls["package_bookings"], "packageId", packageNames)

	for _, c := range colls["rides"].Children {
		if c.Value == nil {
			continue
		}
		out.QueueLengths = append(out.QueueLengths, Count{ID: c.Key(), Name: rideNames[c.Key()], Count: len(c.Child("queue").Children)})
	}
	sortCounts(out.QueueLengths)
	out.Users = len(colls["users"].Children)
	return out, nil
}

func (s *Service) countBy(snap storage.Snapshot, field string, names map[string]string) []Count {
	counts := map[string]int{}
	for _, c := range snap.Children {
		var rec map[string]any
		if err := c.Decode(&rec); err != nil {
			s.logger.Warn("skipping malformed booking", "path", c.Path, "error", err)
			continue
		}
		id, _ := rec[field].(string)
		if id == "" {
			continue
		}
		counts[id]++
	}
	out := make([]Count, 0, len(counts))
	for id, n := range counts {
		out = append(out, Count{ID: id, Name: names[id], Count: n})
	}
	sortCounts(out)
	return out
}

// sortCounts orders by count descending, then id.
func sortCounts(cs []Count) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Count != cs[j].Count {
			return cs[i].Count > cs[j].Count
		}
		return cs[i].ID < cs[j].ID
	})
}

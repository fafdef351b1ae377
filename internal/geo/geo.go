package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/park-rides/internal/models"
)

// Hit is one ride found by a proximity query.
type Hit struct {
	RideID   string       `json:"rideId"`
	Loc      models.Coord `json:"loc"`
	Distance float64      `json:"distanceMeters"`
}

// Locator indexes ride locations for "rides near me" queries.
type Locator interface {
	Upsert(ctx context.Context, rideID string, loc models.Coord) error
	Remove(ctx context.Context, rideID string) error
	Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]Hit, error)
}

var (
	_ Locator = (*Index)(nil)
	_ Locator = (*RedisGeo)(nil)
)

type Index struct {
	mu    sync.RWMutex
	rides map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{rides: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, rideID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rides[rideID] = loc
	return nil
}

func (g *Index) Remove(_ context.Context, rideID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rides, rideID)
	return nil
}

// Nearby scans every ride; parks hold tens of rides, not millions.
func (g *Index) Nearby(_ context.Context, at models.Coord, radiusMeters float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.rides))
	for id, loc := range g.rides {
		d := Haversine(at.Lat, at.Lon, loc.Lat, loc.Lon)
		if radiusMeters > 0 && d > radiusMeters {
			continue
		}
		hits = append(hits, Hit{RideID: id, Loc: loc, Distance: d})
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance == hits[j].Distance {
			return hits[i].RideID < hits[j].RideID
		}
		return hits[i].Distance < hits[j].Distance
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

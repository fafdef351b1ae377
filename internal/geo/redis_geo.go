package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/park-rides/internal/models"
)

// RedisGeo implements Locator using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, rideID string, loc models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: rideID}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, rideID string) error {
	return r.client.ZRem(ctx, r.key, rideID).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, radiusMeters float64, limit int) ([]Hit, error) {
	if radiusMeters <= 0 {
		// GEORADIUS needs a bound; half the earth's circumference covers everything
		radiusMeters = 20037508
	}
	q := &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}
	res, err := r.client.GeoRadius(ctx, r.key, at.Lon, at.Lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			RideID:   g.Name,
			Loc:      models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			Distance: g.Dist,
		})
	}
	return out, nil
}

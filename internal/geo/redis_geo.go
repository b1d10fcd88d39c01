package geo

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
	legacy atomic.Bool
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	if key == "" {
		key = "driver_locations"
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, loc models.Coord) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      driverID,
		Longitude: loc.Lon,
		Latitude:  loc.Lat,
	}).Err()
	if err != nil {
		return models.Unavailable("geoadd", err)
	}
	return nil
}

// Nearby returns members within radiusKm ordered nearest first. Servers
// without GEOSEARCH (before Redis 6.2) are queried with GEORADIUS instead.
func (r *RedisIndex) Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]string, error) {
	if radiusKm < 0 {
		return []string{}, nil
	}
	if !r.legacy.Load() {
		ids, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		}).Result()
		switch {
		case err == nil:
			return ids, nil
		case err == redis.Nil:
			return []string{}, nil
		case !unknownCommand(err):
			return nil, models.Unavailable("geosearch", err)
		}
		r.legacy.Store(true)
	}
	return r.nearbyRadius(ctx, center, radiusKm)
}

func (r *RedisIndex) nearbyRadius(ctx context.Context, center models.Coord, radiusKm float64) ([]string, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm,
		Unit:   "km",
		Sort:   "ASC",
	}).Result()
	if err == redis.Nil {
		return []string{}, nil
	}
	if err != nil {
		return nil, models.Unavailable("georadius", err)
	}
	ids := make([]string, 0, len(res))
	for _, loc := range res {
		ids = append(ids, loc.Name)
	}
	return ids, nil
}

func unknownCommand(err error) bool {
	return strings.HasPrefix(err.Error(), "ERR unknown command")
}

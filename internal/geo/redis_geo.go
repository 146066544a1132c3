package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisGeo implements Geo on a Redis GEO set plus a metadata hash per driver,
// so every server instance and the location consumer share one index.
type RedisGeo struct {
	client    *redis.Client
	key       string
	radiusM   float64
	metaTTL   time.Duration
	ownClient bool
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	g := NewRedisGeoFromClient(c, key)
	g.ownClient = true
	return g
}

func NewRedisGeoFromClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key, radiusM: 5000, metaTTL: 10 * time.Minute}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverLocation) error {
	if !d.Online {
		return r.Remove(ctx, d.DriverID)
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID})
	pipe.HSet(ctx, MetaKey(d.DriverID), map[string]interface{}{
		"online":  strconv.FormatBool(d.Online),
		"updated": d.Updated.UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, MetaKey(d.DriverID), r.metaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", d.DriverID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, MetaKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo remove %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, limit int) ([]models.DriverLocation, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius: r.radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo nearby: %w", err)
	}
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		d := models.DriverLocation{DriverID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		// members whose metadata expired are stale; skip them
		m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		d.Online = m["online"] == "true"
		if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
			d.Updated = ts
		}
		if d.Online {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisGeo) Close() error {
	if !r.ownClient {
		return nil
	}
	return r.client.Close()
}

func MetaKey(id string) string { return "driver:meta:" + id }

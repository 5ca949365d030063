package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-relay/internal/models"
)

// MaxIndexLat is the largest latitude Redis GEO accepts.
const MaxIndexLat = 85.05112878

// ErrOutsideIndexRange marks samples the geo index cannot hold. Retrying them
// never helps.
var ErrOutsideIndexRange = errors.New("latitude outside geo index range")

type geoClient interface {
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	GeoSearchLocation(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) *redis.GeoSearchLocationCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// RedisGeo mirrors rider positions with GEOADD and keeps sample metadata in a
// hash per rider. With a ttl the metadata hash expires, and Nearby prunes
// members whose hash is gone, so riders that stop reporting drop out.
type RedisGeo struct {
	client geoClient
	key    string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisGeo(client *redis.Client, key string, ttl time.Duration) *RedisGeo {
	return newRedisGeo(client, key, ttl)
}

func newRedisGeo(client geoClient, key string, ttl time.Duration) *RedisGeo {
	return &RedisGeo{client: client, key: key, ttl: ttl, now: time.Now}
}

func (r *RedisGeo) Upsert(ctx context.Context, s models.LocationSample) error {
	if math.Abs(s.Lat) > MaxIndexLat {
		return fmt.Errorf("%w: %s lat %v", ErrOutsideIndexRange, s.RiderID, s.Lat)
	}
	loc := &redis.GeoLocation{Longitude: s.Lng, Latitude: s.Lat, Name: s.RiderID}
	if err := r.client.GeoAdd(ctx, r.key, loc).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", s.RiderID, err)
	}
	meta := map[string]interface{}{
		"ts":      strconv.FormatInt(s.Timestamp, 10),
		"orderId": s.OrderID,
		"updated": r.now().UTC().Format(time.RFC3339),
	}
	if err := r.client.HSet(ctx, metaKey(s.RiderID), meta).Err(); err != nil {
		return fmt.Errorf("hset meta %s: %w", s.RiderID, err)
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, metaKey(s.RiderID), r.ttl).Err(); err != nil {
			return fmt.Errorf("expire meta %s: %w", s.RiderID, err)
		}
	}
	return nil
}

// Nearby lists mirrored riders within radiusM meters of the point, closest
// first.
func (r *RedisGeo) Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]NearbyRider, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]NearbyRider, 0, len(res))
	var expired []interface{}
	for _, g := range res {
		n := NearbyRider{RiderID: g.Name, Lat: g.Latitude, Lng: g.Longitude, DistanceM: g.Dist}
		// metadata is best effort
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if len(m) == 0 && r.ttl > 0 {
				expired = append(expired, g.Name)
				continue
			}
			if v, ok := m["ts"]; ok {
				if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
					n.Timestamp = ts
				}
			}
			n.OrderID = m["orderId"]
		}
		out = append(out, n)
	}
	if len(expired) > 0 {
		// pruning is best effort; the next query retries it
		_ = r.client.ZRem(ctx, r.key, expired...).Err()
	}
	return out, nil
}

func metaKey(id string) string { return "rider:meta:" + id }

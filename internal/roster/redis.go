package roster

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-stream/internal/models"
)

// Redis implements Roster over Redis GEO commands: one geo set for
// positions, one hash per driver for the display metadata.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(addr, password, key string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, key: key}
}

// NewRedisWithClient is used by the consumer, which owns its own client.
func NewRedisWithClient(client *redis.Client, key string) *Redis {
	return &Redis{client: client, key: key}
}

func (r *Redis) Upsert(ctx context.Context, d models.Driver) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Location.Longitude,
		Latitude:  d.Location.Latitude,
		Name:      d.ID,
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"geohash":         d.Geohash,
		"name":            d.Name,
		"profile_picture": d.ProfilePicture,
		"car_plate":       d.CarPlate,
		"package_slug":    d.PackageSlug,
	}).Err()
}

func (r *Redis) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

func (r *Redis) Nearby(ctx context.Context, at models.Coordinate, packageSlug string, limit int) ([]models.Driver, error) {
	locs, err := r.client.GeoRadius(ctx, r.key, at.Longitude, at.Latitude, &redis.GeoRadiusQuery{
		Radius:    5000,
		Unit:      "m",
		WithCoord: true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(locs))
	for _, g := range locs {
		d, err := r.hydrate(ctx, g.Name, g.Latitude, g.Longitude)
		if err != nil {
			return nil, err
		}
		if packageSlug != "" && d.PackageSlug != packageSlug {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *Redis) All(ctx context.Context) ([]models.Driver, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	positions, err := r.client.GeoPos(ctx, r.key, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(ids))
	for i, id := range ids {
		if positions[i] == nil {
			continue
		}
		d, err := r.hydrate(ctx, id, positions[i].Latitude, positions[i].Longitude)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Redis) hydrate(ctx context.Context, id string, lat, lon float64) (models.Driver, error) {
	d := models.Driver{
		ID:       id,
		Location: models.Coordinate{Latitude: lat, Longitude: lon},
	}
	meta, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return d, err
	}
	d.Geohash = meta["geohash"]
	d.Name = meta["name"]
	d.ProfilePicture = meta["profile_picture"]
	d.CarPlate = meta["car_plate"]
	d.PackageSlug = meta["package_slug"]
	return d, nil
}

func metaKey(id string) string { return "driver:meta:" + id }

package geo

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-stream/internal/models"
)

// DriverPrecision is the geohash length drivers self-report at. Cells at
// this precision are roughly 150m x 150m, coarse enough that a rider sees a
// proximity rectangle rather than the driver's exact point.
const DriverPrecision = 7

const base32Alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

var (
	ErrInvalidCoordinate = errors.New("geo: coordinate out of range")
	ErrInvalidGeohash    = errors.New("geo: invalid geohash")
)

// Bounds is the rectangular cell a geohash represents.
type Bounds struct {
	LatMin float64
	LatMax float64
	LonMin float64
	LonMax float64
}

// Contains reports whether c lies inside the cell.
func (b Bounds) Contains(c models.Coordinate) bool {
	return c.Latitude >= b.LatMin && c.Latitude <= b.LatMax &&
		c.Longitude >= b.LonMin && c.Longitude <= b.LonMax
}

// Encode maps a coordinate to its geohash cell at the given precision.
// Deterministic and pure; a higher precision always refines the cell of a
// lower one. Out-of-range coordinates are rejected, never wrapped.
func Encode(c models.Coordinate, precision uint) (string, error) {
	if !c.Valid() {
		return "", fmt.Errorf("%w: lat=%f lon=%f", ErrInvalidCoordinate, c.Latitude, c.Longitude)
	}
	if precision == 0 {
		return "", fmt.Errorf("%w: precision must be >= 1", ErrInvalidGeohash)
	}
	return geohash.EncodeWithPrecision(c.Latitude, c.Longitude, precision), nil
}

// DecodeBounds returns the cell the hash represents. Every point inside the
// returned bounds encodes back to the same hash at len(hash) precision.
func DecodeBounds(hash string) (Bounds, error) {
	if hash == "" {
		return Bounds{}, fmt.Errorf("%w: empty", ErrInvalidGeohash)
	}
	for _, r := range hash {
		if !strings.ContainsRune(base32Alphabet, r) {
			return Bounds{}, fmt.Errorf("%w: bad character %q in %q", ErrInvalidGeohash, r, hash)
		}
	}
	box := geohash.BoundingBox(hash)
	return Bounds{
		LatMin: box.MinLat,
		LatMax: box.MaxLat,
		LonMin: box.MinLng,
		LonMax: box.MaxLng,
	}, nil
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over model coordinates.
func Distance(a, b models.Coordinate) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

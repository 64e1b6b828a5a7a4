package trips

import (
	"github.com/example/ride-stream/internal/geo"
	"github.com/example/ride-stream/internal/models"
)

// routeSegments controls how many interpolated points the estimated
// geometry carries between pickup and destination.
const routeSegments = 8

// EstimateRoute builds a straight-line route between two points: haversine
// distance, duration at the given cruising speed, and an interpolated
// geometry. A real routing engine is an external collaborator; this keeps
// the preview flow self-contained.
func EstimateRoute(pickup, destination models.Coordinate, speedMps float64) models.Route {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	distance := geo.Distance(pickup, destination)

	coords := make([]models.Coordinate, 0, routeSegments+1)
	for i := 0; i <= routeSegments; i++ {
		f := float64(i) / float64(routeSegments)
		coords = append(coords, models.Coordinate{
			Latitude:  pickup.Latitude + (destination.Latitude-pickup.Latitude)*f,
			Longitude: pickup.Longitude + (destination.Longitude-pickup.Longitude)*f,
		})
	}

	return models.Route{
		Geometry: []models.Geometry{{Coordinates: coords}},
		Distance: distance,
		Duration: distance / speedMps,
	}
}

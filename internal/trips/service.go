package trips

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-stream/internal/models"
	"github.com/example/ride-stream/internal/storage"
)

// Pricing holds per-package fare multipliers over a distance/time base rate.
type Pricing struct {
	PricePerMeter  float64
	PricePerMinute float64
	Multipliers    map[string]float64
}

func DefaultPricing() Pricing {
	return Pricing{
		PricePerMeter:  0.0015,
		PricePerMinute: 0.25,
		Multipliers: map[string]float64{
			models.PackageSedan:  1.0,
			models.PackageSUV:    1.3,
			models.PackageVan:    1.5,
			models.PackageLuxury: 2.2,
		},
	}
}

// Service is the gateway-side half of the preview/start contract: it prices
// candidate routes into time-bounded fares and commits a fare into a trip.
type Service struct {
	Store    storage.TripStore
	Pricing  Pricing
	SpeedMps float64
	FareTTL  time.Duration

	now func() time.Time

	mu     sync.Mutex
	fares  map[string]models.RouteFare
	active map[string]*models.Trip
}

func NewService(store storage.TripStore, pricing Pricing, speedMps float64, fareTTL time.Duration) *Service {
	if fareTTL <= 0 {
		fareTTL = 5 * time.Minute
	}
	return &Service{
		Store:    store,
		Pricing:  pricing,
		SpeedMps: speedMps,
		FareTTL:  fareTTL,
		now:      time.Now,
		fares:    make(map[string]models.RouteFare),
		active:   make(map[string]*models.Trip),
	}
}

// PreviewTrip estimates a route and generates one fare per car package, each
// valid until its expiry horizon. Fares are retained so StartTrip can
// re-check them.
func (s *Service) PreviewTrip(ctx context.Context, userID string, pickup, destination models.Coordinate) (*models.TripPreview, error) {
	if userID == "" {
		return nil, &models.PreconditionError{Action: "trip preview", Missing: "userID"}
	}
	if !pickup.Valid() || !destination.Valid() {
		return nil, &models.PreconditionError{Action: "trip preview", Missing: "valid coordinates"}
	}

	route := EstimateRoute(pickup, destination, s.SpeedMps)
	expiresAt := s.now().Add(s.FareTTL)

	fares := make([]models.RouteFare, 0, len(s.Pricing.Multipliers))
	for _, slug := range []string{models.PackageSedan, models.PackageSUV, models.PackageVan, models.PackageLuxury} {
		mult, ok := s.Pricing.Multipliers[slug]
		if !ok {
			continue
		}
		base := route.Distance*s.Pricing.PricePerMeter + (route.Duration/60)*s.Pricing.PricePerMinute
		fare := models.RouteFare{
			ID:                uuid.NewString(),
			PackageSlug:       slug,
			BasePrice:         base,
			TotalPriceInCents: int64(base * mult * 100),
			ExpiresAt:         expiresAt,
			Route:             route,
		}
		fares = append(fares, fare)
	}

	s.mu.Lock()
	for _, f := range fares {
		s.fares[f.ID] = f
	}
	s.mu.Unlock()

	return &models.TripPreview{Route: route, RideFares: fares}, nil
}

// StartTrip commits the fare into a trip. Unknown fares are precondition
// failures; expired fares are rejected outright rather than started stale.
func (s *Service) StartTrip(ctx context.Context, rideFareID, userID string) (*models.Trip, error) {
	if userID == "" {
		return nil, &models.PreconditionError{Action: "trip start", Missing: "userID"}
	}

	s.mu.Lock()
	fare, ok := s.fares[rideFareID]
	if ok {
		delete(s.fares, rideFareID)
	}
	s.mu.Unlock()

	if !ok {
		return nil, &models.PreconditionError{Action: "trip start", Missing: "fare " + rideFareID}
	}
	if fare.Expired(s.now()) {
		return nil, &models.ExpiredResourceError{Resource: "fare", ID: fare.ID, ExpiredAt: fare.ExpiresAt}
	}

	trip := &models.Trip{
		ID:           uuid.NewString(),
		UserID:       userID,
		Status:       models.TripStatusCreated,
		SelectedFare: fare,
		Route:        fare.Route,
	}
	if err := s.Store.SaveTrip(trip); err != nil {
		return nil, fmt.Errorf("save trip: %w", err)
	}

	s.mu.Lock()
	s.active[trip.ID] = trip
	s.mu.Unlock()
	return trip, nil
}

// Get returns a copy of an active (not yet completed or cancelled) trip.
func (s *Service) Get(tripID string) (models.Trip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[tripID]
	if !ok {
		return models.Trip{}, false
	}
	return *t, true
}

// AssignDriver records the accepting driver on the trip and persists the
// update. The returned trip is the full replacement snapshot broadcast to
// the rider.
func (s *Service) AssignDriver(ctx context.Context, tripID string, d models.Driver) (models.Trip, error) {
	s.mu.Lock()
	t, ok := s.active[tripID]
	if !ok {
		s.mu.Unlock()
		return models.Trip{}, &models.PreconditionError{Action: "assign driver", Missing: "trip " + tripID}
	}
	t.Driver = &d
	t.Status = models.TripStatusAssigned
	snapshot := *t
	s.mu.Unlock()

	if err := s.Store.UpdateTrip(&snapshot); err != nil {
		return models.Trip{}, fmt.Errorf("update trip: %w", err)
	}
	return snapshot, nil
}

// Finish marks the trip completed or cancelled and drops it from the active
// set.
func (s *Service) Finish(ctx context.Context, tripID, status string) (models.Trip, error) {
	s.mu.Lock()
	t, ok := s.active[tripID]
	if !ok {
		s.mu.Unlock()
		return models.Trip{}, &models.PreconditionError{Action: "finish trip", Missing: "trip " + tripID}
	}
	delete(s.active, tripID)
	t.Status = status
	snapshot := *t
	s.mu.Unlock()

	if err := s.Store.UpdateTrip(&snapshot); err != nil {
		return models.Trip{}, fmt.Errorf("update trip: %w", err)
	}
	return snapshot, nil
}

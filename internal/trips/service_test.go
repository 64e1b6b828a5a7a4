package trips

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-stream/internal/models"
	"github.com/example/ride-stream/internal/storage"
)

var (
	pickup = models.Coordinate{Latitude: 37.7749, Longitude: -122.4194}
	oak    = models.Coordinate{Latitude: 37.8044, Longitude: -122.2712}
)

func newTestService() *Service {
	return NewService(storage.NewMemoryStore(), DefaultPricing(), 8.0, 5*time.Minute)
}

func TestPreviewTripGeneratesFarePerPackage(t *testing.T) {
	svc := newTestService()

	preview, err := svc.PreviewTrip(context.Background(), "rider-1", pickup, oak)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(preview.RideFares) != 4 {
		t.Fatalf("got %d fares, want 4", len(preview.RideFares))
	}
	if preview.Route.Distance <= 0 || preview.Route.Duration <= 0 {
		t.Fatalf("degenerate route: %+v", preview.Route)
	}

	seen := map[string]bool{}
	var sedanCents, luxuryCents int64
	for _, f := range preview.RideFares {
		if f.ID == "" {
			t.Fatal("fare missing id")
		}
		if f.ExpiresAt.IsZero() {
			t.Fatal("fare missing expiry")
		}
		if f.TotalPriceInCents <= 0 {
			t.Fatalf("fare %s priced at %d cents", f.PackageSlug, f.TotalPriceInCents)
		}
		seen[f.PackageSlug] = true
		switch f.PackageSlug {
		case models.PackageSedan:
			sedanCents = f.TotalPriceInCents
		case models.PackageLuxury:
			luxuryCents = f.TotalPriceInCents
		}
	}
	for _, slug := range []string{models.PackageSedan, models.PackageSUV, models.PackageVan, models.PackageLuxury} {
		if !seen[slug] {
			t.Fatalf("missing fare for %s", slug)
		}
	}
	if luxuryCents <= sedanCents {
		t.Fatalf("luxury (%d) should cost more than sedan (%d)", luxuryCents, sedanCents)
	}
}

func TestPreviewTripRejectsBadInput(t *testing.T) {
	svc := newTestService()

	if _, err := svc.PreviewTrip(context.Background(), "", pickup, oak); err == nil {
		t.Fatal("expected error for missing userID")
	}
	bad := models.Coordinate{Latitude: 91, Longitude: 0}
	if _, err := svc.PreviewTrip(context.Background(), "rider-1", bad, oak); err == nil {
		t.Fatal("expected error for out-of-range pickup")
	}
}

func TestStartTripCommitsFare(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store, DefaultPricing(), 8.0, 5*time.Minute)

	preview, err := svc.PreviewTrip(context.Background(), "rider-1", pickup, oak)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	fare := preview.RideFares[0]

	trip, err := svc.StartTrip(context.Background(), fare.ID, "rider-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if trip.ID == "" || trip.Status != models.TripStatusCreated {
		t.Fatalf("unexpected trip: %+v", trip)
	}
	if trip.SelectedFare.ID != fare.ID {
		t.Fatalf("selected fare = %s, want %s", trip.SelectedFare.ID, fare.ID)
	}
	if _, ok := store.Get(trip.ID); !ok {
		t.Fatal("trip not persisted")
	}
	if _, ok := svc.Get(trip.ID); !ok {
		t.Fatal("trip not tracked as active")
	}
}

func TestStartTripUnknownFare(t *testing.T) {
	svc := newTestService()

	_, err := svc.StartTrip(context.Background(), "no-such-fare", "rider-1")
	var pre *models.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
}

func TestStartTripExpiredFare(t *testing.T) {
	svc := newTestService()

	preview, err := svc.PreviewTrip(context.Background(), "rider-1", pickup, oak)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	fare := preview.RideFares[0]

	svc.now = func() time.Time { return fare.ExpiresAt.Add(time.Second) }

	_, err = svc.StartTrip(context.Background(), fare.ID, "rider-1")
	var expired *models.ExpiredResourceError
	if !errors.As(err, &expired) {
		t.Fatalf("expected ExpiredResourceError, got %v", err)
	}
	if expired.ID != fare.ID {
		t.Fatalf("expired fare = %s, want %s", expired.ID, fare.ID)
	}
}

func TestAssignDriverAndFinish(t *testing.T) {
	svc := newTestService()

	preview, _ := svc.PreviewTrip(context.Background(), "rider-1", pickup, oak)
	trip, err := svc.StartTrip(context.Background(), preview.RideFares[0].ID, "rider-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	d := models.Driver{ID: "d1", Name: "Driver d1", PackageSlug: models.PackageSedan}
	assigned, err := svc.AssignDriver(context.Background(), trip.ID, d)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.Status != models.TripStatusAssigned {
		t.Fatalf("status = %s, want %s", assigned.Status, models.TripStatusAssigned)
	}
	if assigned.Driver == nil || assigned.Driver.ID != "d1" {
		t.Fatalf("driver = %+v", assigned.Driver)
	}

	finished, err := svc.Finish(context.Background(), trip.ID, models.TripStatusCompleted)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.Status != models.TripStatusCompleted {
		t.Fatalf("status = %s, want %s", finished.Status, models.TripStatusCompleted)
	}
	if _, ok := svc.Get(trip.ID); ok {
		t.Fatal("finished trip still active")
	}

	if _, err := svc.Finish(context.Background(), trip.ID, models.TripStatusCancelled); err == nil {
		t.Fatal("expected error finishing an already finished trip")
	}
}

func TestEstimateRoute(t *testing.T) {
	route := EstimateRoute(pickup, oak, 8.0)
	if route.Distance <= 0 {
		t.Fatalf("distance = %f", route.Distance)
	}
	if want := route.Distance / 8.0; route.Duration != want {
		t.Fatalf("duration = %f, want %f", route.Duration, want)
	}
	if len(route.Geometry) == 0 || len(route.Geometry[0].Coordinates) < 2 {
		t.Fatalf("degenerate geometry: %+v", route.Geometry)
	}
	first := route.Geometry[0].Coordinates[0]
	if first != pickup {
		t.Fatalf("geometry starts at %+v, want pickup", first)
	}
	last := route.Geometry[0].Coordinates[len(route.Geometry[0].Coordinates)-1]
	if last != oak {
		t.Fatalf("geometry ends at %+v, want destination", last)
	}
}

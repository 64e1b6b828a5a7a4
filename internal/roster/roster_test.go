package roster

import (
	"context"
	"testing"

	"github.com/example/ride-stream/internal/models"
)

func driver(id, slug string, lat, lon float64) models.Driver {
	return models.Driver{
		ID:          id,
		PackageSlug: slug,
		Location:    models.Coordinate{Latitude: lat, Longitude: lon},
	}
}

func TestMemoryNearbyOrdersByDistance(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// distances from downtown SF, roughly increasing
	for _, d := range []models.Driver{
		driver("far", models.PackageSedan, 37.8044, -122.2712),
		driver("near", models.PackageSedan, 37.7750, -122.4190),
		driver("mid", models.PackageSedan, 37.7900, -122.4000),
	} {
		if err := m.Upsert(ctx, d); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	at := models.Coordinate{Latitude: 37.7749, Longitude: -122.4194}
	got, err := m.Nearby(ctx, at, models.PackageSedan, 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d drivers, want 3", len(got))
	}
	for i, want := range []string{"near", "mid", "far"} {
		if got[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestMemoryNearbyFiltersPackageAndLimits(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Upsert(ctx, driver("s1", models.PackageSedan, 37.775, -122.419))
	m.Upsert(ctx, driver("s2", models.PackageSedan, 37.776, -122.420))
	m.Upsert(ctx, driver("v1", models.PackageVan, 37.775, -122.419))

	at := models.Coordinate{Latitude: 37.7749, Longitude: -122.4194}
	got, err := m.Nearby(ctx, at, models.PackageSedan, 1)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d drivers, want 1", len(got))
	}
	if got[0].PackageSlug != models.PackageSedan {
		t.Fatalf("wrong package: %+v", got[0])
	}
}

func TestMemoryUpsertReplacesAndRemove(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Upsert(ctx, driver("d1", models.PackageSedan, 1, 1))
	m.Upsert(ctx, driver("d1", models.PackageSedan, 2, 2))

	all, err := m.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d drivers, want 1", len(all))
	}
	if all[0].Location.Latitude != 2 {
		t.Fatalf("upsert did not replace: %+v", all[0])
	}

	if err := m.Remove(ctx, "d1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	all, _ = m.All(ctx)
	if len(all) != 0 {
		t.Fatalf("driver still present after remove: %+v", all)
	}
}

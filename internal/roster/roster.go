// Package roster tracks the currently connected drivers and answers the
// proximity queries the gateway uses for trip dispatch and rider display.
package roster

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-stream/internal/geo"
	"github.com/example/ride-stream/internal/models"
)

// Roster is the minimal interface required by the gateway and the location
// consumer.
type Roster interface {
	Upsert(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, at models.Coordinate, packageSlug string, limit int) ([]models.Driver, error)
	All(ctx context.Context) ([]models.Driver, error)
}

// Memory is the in-process roster used when Redis is not configured.
type Memory struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemory() *Memory {
	return &Memory{drivers: make(map[string]models.Driver)}
}

func (m *Memory) Upsert(ctx context.Context, d models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
	return nil
}

func (m *Memory) Remove(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, driverID)
	return nil
}

func (m *Memory) Nearby(ctx context.Context, at models.Coordinate, packageSlug string, limit int) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(m.drivers))
	for _, d := range m.drivers {
		if packageSlug != "" && d.PackageSlug != packageSlug {
			continue
		}
		arr = append(arr, pair{d, geo.Distance(at, d.Location)})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && limit < len(arr) {
		arr = arr[:limit]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}

func (m *Memory) All(ctx context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

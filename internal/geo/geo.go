package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is the location store the matcher and handlers depend on.
type Index interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]string, error)
}

// MemoryIndex keeps the last known position of every driver in process.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = loc
	return nil
}

// Nearby scans every driver; results are sorted nearest first.
func (g *MemoryIndex) Nearby(_ context.Context, center models.Coord, radiusKm float64) ([]string, error) {
	if radiusKm < 0 {
		return []string{}, nil
	}
	limit := radiusKm * 1000
	type pair struct {
		id   string
		dist float64
	}
	g.mu.RLock()
	arr := make([]pair, 0, len(g.drivers))
	for id, loc := range g.drivers {
		dist := Haversine(center.Lat, center.Lon, loc.Lat, loc.Lon)
		if dist <= limit {
			arr = append(arr, pair{id, dist})
		}
	}
	g.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].id < arr[j].id
		}
		return arr[i].dist < arr[j].dist
	})
	out := make([]string, len(arr))
	for i, p := range arr {
		out[i] = p.id
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

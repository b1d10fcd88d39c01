package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	mu      sync.Mutex
	rides   map[string]*models.Ride
	drivers map[string]*models.DriverProfile
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		drivers: make(map[string]*models.DriverProfile),
		now:     time.Now,
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s already exists: %w", r.ID, models.ErrConflict)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	return r.Clone(), nil
}

// ListRidesByStatus returns the oldest rides first.
func (m *MemoryStore) ListRidesByStatus(_ context.Context, status models.RideStatus, limit int) ([]*models.Ride, error) {
	m.mu.Lock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetDriverProfile(_ context.Context, driverID string) (*models.DriverProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return nil, models.ErrDriverProfileNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) SaveDriverProfile(_ context.Context, p *models.DriverProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Available && m.holdsRide(p.DriverID) {
		return fmt.Errorf("driver %s: %w", p.DriverID, ErrDriverEngaged)
	}
	cp := p.Clone()
	cp.UpdatedAt = m.now()
	m.drivers[p.DriverID] = cp
	return nil
}

// holdsRide requires m.mu.
func (m *MemoryStore) holdsRide(driverID string) bool {
	for _, r := range m.rides {
		if r.DriverID == driverID && models.DriverHeld(r.Status) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CommitMatch(_ context.Context, rideID, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	p, ok := m.drivers[driverID]
	if !ok {
		return nil, models.ErrDriverProfileNotFound
	}
	if r.Status != models.StatusRequested {
		return nil, fmt.Errorf("ride %s is %s: %w", rideID, r.Status, ErrRideStateChanged)
	}
	if !p.Available {
		return nil, fmt.Errorf("driver %s: %w", driverID, ErrDriverTaken)
	}
	now := m.now()
	r.Status = models.StatusMatched
	r.DriverID = driverID
	r.UpdatedAt = now
	p.Available = false
	p.UpdatedAt = now
	return r.Clone(), nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, rideID string, from, to models.RideStatus) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrRideNotFound
	}
	if r.Status != from {
		return nil, fmt.Errorf("ride %s is %s, not %s: %w", rideID, r.Status, from, ErrRideStateChanged)
	}
	now := m.now()
	if r.DriverID != "" && models.DriverHeld(from) && !models.DriverHeld(to) {
		if p, ok := m.drivers[r.DriverID]; ok {
			p.Available = true
			p.UpdatedAt = now
		}
	}
	r.Status = to
	if !models.HasDriver(to) {
		r.DriverID = ""
	}
	r.UpdatedAt = now
	return r.Clone(), nil
}

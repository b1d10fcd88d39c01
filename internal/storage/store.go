package storage

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Lost compare-and-swap outcomes. Both wrap models.ErrConflict.
var (
	ErrRideStateChanged = fmt.Errorf("ride status changed concurrently: %w", models.ErrConflict)
	ErrDriverTaken      = fmt.Errorf("driver no longer available: %w", models.ErrConflict)
	ErrDriverEngaged    = fmt.Errorf("driver holds an active ride: %w", models.ErrConflict)
)

// Store is the ride store and driver registry consumed by the matcher.
//
// CommitMatch and TransitionRide are the only multi-row mutations; each is
// one atomic unit guarded by a compare-and-swap on the current status (and,
// for CommitMatch, on the driver's availability flag). A lost swap returns
// models.ErrConflict and leaves nothing changed.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRidesByStatus(ctx context.Context, status models.RideStatus, limit int) ([]*models.Ride, error)

	GetDriverProfile(ctx context.Context, driverID string) (*models.DriverProfile, error)
	// SaveDriverProfile upserts the profile. Marking a driver available
	// while a ride in matched or in_progress references them fails with
	// ErrDriverEngaged; the check and the write are one atomic step.
	SaveDriverProfile(ctx context.Context, p *models.DriverProfile) error

	CommitMatch(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	TransitionRide(ctx context.Context, rideID string, from, to models.RideStatus) (*models.Ride, error)
}

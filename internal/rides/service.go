package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrBadRequest marks caller input that fails validation.
var ErrBadRequest = errors.New("bad request")

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeDenied   Outcome = "denied"
)

// Service owns the ride lifecycle outside of autonomous matching.
//
// The matcher is the usual committer of a match. RespondToMatch confirms an
// engine commit without touching state, and commits by itself only while the
// ride is still requested, under the same driver lock the matcher uses.
type Service struct {
	Store   storage.Store
	Index   geo.Index
	Locks   lock.Locker
	Events  matcher.Publisher // optional
	Logger  *slog.Logger
	LockTTL time.Duration

	now   func() time.Time
	newID func() string
}

func NewService(store storage.Store, index geo.Index, locks lock.Locker, events matcher.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:   store,
		Index:   index,
		Locks:   locks,
		Events:  events,
		Logger:  logger,
		LockTTL: lock.DefaultTTL,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Submit records a new requested ride. Matching is triggered separately.
func (s *Service) Submit(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if strings.TrimSpace(req.RiderID) == "" {
		return nil, fmt.Errorf("rider_id is required: %w", ErrBadRequest)
	}
	if !req.Origin.Valid() || !req.Destination.Valid() {
		return nil, fmt.Errorf("coordinates out of range: %w", ErrBadRequest)
	}
	now := s.now()
	r := &models.Ride{
		ID:          s.newID(),
		RiderID:     req.RiderID,
		Origin:      req.Origin,
		Destination: req.Destination,
		Status:      models.StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	s.Logger.Info("ride requested", "ride_id", r.ID, "rider_id", r.RiderID)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Ride, error) {
	return s.Store.GetRide(ctx, id)
}

// RespondToMatch applies a driver's accept/deny answer for a ride.
func (s *Service) RespondToMatch(ctx context.Context, rideID, driverID string, accept bool) (Outcome, error) {
	log := s.Logger.With("ride_id", rideID, "driver_id", driverID)
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return "", err
	}
	if !accept {
		log.Info("driver denied ride")
		return OutcomeDenied, nil
	}
	if ride.Status == models.StatusMatched && ride.DriverID == driverID {
		log.Info("driver confirmed match")
		return OutcomeAccepted, nil
	}
	if ride.Status != models.StatusRequested {
		return "", fmt.Errorf("ride %s is %s: %w", rideID, ride.Status, models.ErrRideAlreadyResolved)
	}

	prof, err := s.Store.GetDriverProfile(ctx, driverID)
	if err != nil {
		return "", err
	}
	if !prof.Available {
		return "", models.ErrDriverNotAvailable
	}

	key := lock.DriverKey(driverID)
	ok, err := s.Locks.TryAcquire(ctx, key, s.lockTTL())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", models.ErrDriverBusy
	}
	defer s.release(ctx, key)

	matched, err := s.Store.CommitMatch(ctx, rideID, driverID)
	switch {
	case errors.Is(err, storage.ErrRideStateChanged):
		return "", fmt.Errorf("ride %s: %w", rideID, models.ErrRideAlreadyResolved)
	case errors.Is(err, storage.ErrDriverTaken):
		return "", models.ErrDriverNotAvailable
	case err != nil:
		return "", fmt.Errorf("%w: %w", models.ErrMatchCommitFailed, err)
	}
	observability.MatchesTotal.Inc()
	log.Info("driver accepted ride")
	s.publish(ctx, "ride.matched", matched)
	return OutcomeAccepted, nil
}

func (s *Service) Cancel(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, ride, models.StatusCancelled)
}

func (s *Service) Start(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, ride, models.StatusInProgress)
}

func (s *Service) Complete(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, ride, models.StatusCompleted)
}

func (s *Service) transition(ctx context.Context, ride *models.Ride, to models.RideStatus) (*models.Ride, error) {
	if !models.CanTransition(ride.Status, to) {
		return nil, fmt.Errorf("ride %s cannot move from %s to %s: %w", ride.ID, ride.Status, to, models.ErrInvalidState)
	}
	updated, err := s.Store.TransitionRide(ctx, ride.ID, ride.Status, to)
	if errors.Is(err, storage.ErrRideStateChanged) {
		return nil, fmt.Errorf("ride %s: %w", ride.ID, models.ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(to)).Inc()
	s.Logger.Info("ride transitioned", "ride_id", ride.ID, "from", ride.Status, "to", to)
	s.publish(ctx, "ride."+string(to), updated)
	return updated, nil
}

// DriverUpdate is a partial profile write. Nil fields keep their stored
// value; Available is always applied.
type DriverUpdate struct {
	Available    bool
	LicensePlate *string
	CarModel     *string
	Location     *models.Coord
}

// SetAvailability is UpdateDriver with only the flag.
func (s *Service) SetAvailability(ctx context.Context, driverID string, available bool) (*models.DriverProfile, error) {
	return s.UpdateDriver(ctx, driverID, DriverUpdate{Available: available})
}

// UpdateDriver creates the driver's profile if needed and applies upd.
// The write happens under the driver lock so it cannot interleave with a
// matcher's re-check and commit. A driver with a matched or in-progress ride
// cannot be made available again; that fails with ErrDriverNotAvailable.
func (s *Service) UpdateDriver(ctx context.Context, driverID string, upd DriverUpdate) (*models.DriverProfile, error) {
	if strings.TrimSpace(driverID) == "" {
		return nil, fmt.Errorf("driver id is required: %w", ErrBadRequest)
	}
	if upd.Location != nil && !upd.Location.Valid() {
		return nil, fmt.Errorf("coordinates out of range: %w", ErrBadRequest)
	}
	key := lock.DriverKey(driverID)
	ok, err := s.Locks.TryAcquire(ctx, key, s.lockTTL())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrDriverBusy
	}
	defer s.release(ctx, key)

	prof, err := s.Store.GetDriverProfile(ctx, driverID)
	if errors.Is(err, models.ErrNotFound) {
		prof = &models.DriverProfile{DriverID: driverID}
	} else if err != nil {
		return nil, err
	}
	prof.Available = upd.Available
	if upd.LicensePlate != nil {
		prof.LicensePlate = *upd.LicensePlate
	}
	if upd.CarModel != nil {
		prof.CarModel = *upd.CarModel
	}
	if upd.Location != nil {
		loc := *upd.Location
		prof.LastLocation = &loc
	}
	err = s.Store.SaveDriverProfile(ctx, prof)
	if errors.Is(err, storage.ErrDriverEngaged) {
		return nil, fmt.Errorf("driver %s has an active ride: %w", driverID, models.ErrDriverNotAvailable)
	}
	if err != nil {
		return nil, err
	}
	if upd.Location != nil {
		if err := s.Index.Upsert(ctx, driverID, *upd.Location); err != nil {
			return nil, err
		}
		observability.LocationUpdates.Inc()
	}
	s.Logger.Info("driver profile updated", "driver_id", driverID, "available", prof.Available)
	return s.Store.GetDriverProfile(ctx, driverID)
}

func (s *Service) GetDriver(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	return s.Store.GetDriverProfile(ctx, driverID)
}

// UpdateLocation overwrites the driver's position in the index.
func (s *Service) UpdateLocation(ctx context.Context, loc models.DriverLocation) error {
	if strings.TrimSpace(loc.DriverID) == "" {
		return fmt.Errorf("driver_id is required: %w", ErrBadRequest)
	}
	if !loc.Loc.Valid() {
		return fmt.Errorf("coordinates out of range: %w", ErrBadRequest)
	}
	if err := s.Index.Upsert(ctx, loc.DriverID, loc.Loc); err != nil {
		return err
	}
	observability.LocationUpdates.Inc()
	return nil
}

func (s *Service) release(ctx context.Context, key string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.Locks.Release(rctx, key); err != nil {
		observability.LockReleaseErrors.Inc()
		s.Logger.Warn("lock release failed; key will expire", "key", key, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, typ string, r *models.Ride) {
	if s.Events == nil {
		return
	}
	ev := models.RideEvent{Type: typ, RideID: r.ID, DriverID: r.DriverID, Status: r.Status, At: r.UpdatedAt}
	if err := s.Events.PublishRideEvent(ctx, ev); err != nil {
		s.Logger.Warn("publish ride event failed", "ride_id", r.ID, "error", err)
	}
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return lock.DefaultTTL
	}
	return s.LockTTL
}

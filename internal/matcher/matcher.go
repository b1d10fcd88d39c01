package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultRadiusKm = 5.0
	releaseTimeout  = 2 * time.Second
)

// Publisher receives ride events after a commit. Delivery is best effort.
type Publisher interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

// Service assigns available drivers to requested rides.
//
// Concurrent MatchRide calls coordinate only through Locks: a driver is
// re-checked and committed while its lock is held, and a candidate whose lock
// is taken is skipped, never waited on.
type Service struct {
	Index    geo.Index
	Locks    lock.Locker
	Store    storage.Store
	Events   Publisher // optional
	Logger   *slog.Logger
	RadiusKm float64
	LockTTL  time.Duration
}

type candidateResult int

const (
	candidateMatched candidateResult = iota
	candidateLocked
	candidateUnavailable
)

// MatchRide tries to commit one nearby driver to the ride. It returns
// matched=false with a nil error when no candidate could be taken; the ride
// then stays requested and a later call may retry.
func (s *Service) MatchRide(ctx context.Context, rideID string) (string, bool, error) {
	start := time.Now()
	log := s.logger().With("ride_id", rideID)

	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		observability.MatchOutcomes.WithLabelValues("error").Inc()
		return "", false, err
	}
	if ride.Status != models.StatusRequested {
		observability.MatchOutcomes.WithLabelValues("not_eligible").Inc()
		log.Info("ride not eligible for matching", "status", ride.Status)
		return "", false, fmt.Errorf("ride %s is %s: %w", rideID, ride.Status, models.ErrRideNotEligible)
	}

	candidates, err := s.Index.Nearby(ctx, ride.Origin, s.radius())
	if err != nil {
		observability.MatchOutcomes.WithLabelValues("error").Inc()
		return "", false, err
	}
	log.Info("candidate drivers found", "count", len(candidates))

	for _, driverID := range candidates {
		if err := ctx.Err(); err != nil {
			observability.MatchOutcomes.WithLabelValues("cancelled").Inc()
			return "", false, err
		}
		matched, res, err := s.tryCandidate(ctx, rideID, driverID)
		if err != nil {
			observability.MatchOutcomes.WithLabelValues("error").Inc()
			return "", false, err
		}
		switch res {
		case candidateLocked:
			observability.CandidatesSkipped.WithLabelValues("locked").Inc()
			log.Info("driver locked by another matcher", "driver_id", driverID)
			continue
		case candidateUnavailable:
			observability.CandidatesSkipped.WithLabelValues("unavailable").Inc()
			log.Debug("driver not available", "driver_id", driverID)
			continue
		}

		observability.MatchesTotal.Inc()
		observability.MatchOutcomes.WithLabelValues("matched").Inc()
		observability.MatchLatency.Observe(time.Since(start).Seconds())
		log.Info("ride matched", "driver_id", driverID, "duration_ms", time.Since(start).Milliseconds())
		s.publish(ctx, matched)
		return driverID, true, nil
	}

	observability.MatchOutcomes.WithLabelValues("no_match").Inc()
	log.Warn("no available drivers found")
	return "", false, nil
}

// tryCandidate holds the driver's lock for the availability re-check and the
// commit. The lock is released on every return path.
func (s *Service) tryCandidate(ctx context.Context, rideID, driverID string) (*models.Ride, candidateResult, error) {
	key := lock.DriverKey(driverID)
	ok, err := s.Locks.TryAcquire(ctx, key, s.lockTTL())
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, candidateLocked, nil
	}
	defer s.release(ctx, key)

	prof, err := s.Store.GetDriverProfile(ctx, driverID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, candidateUnavailable, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if !prof.Available {
		return nil, candidateUnavailable, nil
	}

	ride, err := s.Store.CommitMatch(ctx, rideID, driverID)
	switch {
	case err == nil:
		return ride, candidateMatched, nil
	case errors.Is(err, storage.ErrDriverTaken):
		return nil, candidateUnavailable, nil
	case errors.Is(err, storage.ErrRideStateChanged):
		return nil, 0, fmt.Errorf("ride %s: %w", rideID, models.ErrRideNotEligible)
	default:
		return nil, 0, fmt.Errorf("%w: %w", models.ErrMatchCommitFailed, err)
	}
}

// release runs detached from ctx so a cancelled caller still frees the key.
func (s *Service) release(ctx context.Context, key string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.Locks.Release(rctx, key); err != nil {
		observability.LockReleaseErrors.Inc()
		s.logger().Warn("lock release failed; key will expire", "key", key, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, r *models.Ride) {
	if s.Events == nil || r == nil {
		return
	}
	ev := models.RideEvent{Type: "ride.matched", RideID: r.ID, DriverID: r.DriverID, Status: r.Status, At: r.UpdatedAt}
	if err := s.Events.PublishRideEvent(ctx, ev); err != nil {
		s.logger().Warn("publish ride event failed", "ride_id", r.ID, "error", err)
	}
}

func (s *Service) radius() float64 {
	if s.RadiusKm <= 0 {
		return DefaultRadiusKm
	}
	return s.RadiusKm
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return lock.DefaultTTL
	}
	return s.LockTTL
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

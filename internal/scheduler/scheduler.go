package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Matcher is the subset of matcher.Service the scheduler drives.
type Matcher interface {
	MatchRide(ctx context.Context, rideID string) (string, bool, error)
}

// Lister finds rides still waiting for a driver.
type Lister interface {
	ListRidesByStatus(ctx context.Context, status models.RideStatus, limit int) ([]*models.Ride, error)
}

// Scheduler periodically re-runs matching for requested rides. A candidate
// locked by a peer is never retried inside one MatchRide call; the next tick
// is the retry.
type Scheduler struct {
	Matcher  Matcher
	Rides    Lister
	Logger   *slog.Logger
	Interval time.Duration
	Batch    int
	Attempts int
	Backoff  time.Duration
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger().Info("match scheduler started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger().Info("match scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass over the pending rides and returns how many matched.
func (s *Scheduler) Tick(ctx context.Context) int {
	pending, err := s.Rides.ListRidesByStatus(ctx, models.StatusRequested, s.batch())
	if err != nil {
		s.logger().Warn("list pending rides failed", "error", err)
		return 0
	}
	matched := 0
	for _, r := range pending {
		if ctx.Err() != nil {
			break
		}
		driverID, ok, err := s.matchWithRetry(ctx, r.ID)
		switch {
		case err != nil && errors.Is(err, models.ErrInvalidState):
			// resolved by another path since the listing
		case err != nil:
			s.logger().Warn("match failed", "ride_id", r.ID, "error", err)
		case ok:
			matched++
			s.logger().Debug("scheduled match", "ride_id", r.ID, "driver_id", driverID)
		}
	}
	return matched
}

// matchWithRetry retries only transient store failures, with exponential
// backoff. Each retry is a fresh MatchRide call that re-reads eligibility.
// A failed commit is never retried even when its cause was transient: the
// write may have landed, and the next tick re-reads the ride anyway.
func (s *Scheduler) matchWithRetry(ctx context.Context, rideID string) (string, bool, error) {
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := s.Backoff
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	const maxDelay = 5 * time.Second

	var lastErr error
	for i := 0; i < attempts; i++ {
		driverID, ok, err := s.Matcher.MatchRide(ctx, rideID)
		if err == nil || errors.Is(err, models.ErrCommitFailed) || !errors.Is(err, models.ErrStoreUnavailable) {
			return driverID, ok, err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return "", false, lastErr
}

func (s *Scheduler) batch() int {
	if s.Batch <= 0 {
		return 100
	}
	return s.Batch
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	origin      = models.Coord{Lat: 37.7749, Lon: -122.4194}
	destination = models.Coord{Lat: 37.7849, Lon: -122.4094}
)

// recordingLocker logs acquire/release calls on top of a MemoryLocker.
type recordingLocker struct {
	*lock.MemoryLocker
	mu    sync.Mutex
	calls []string
}

func (r *recordingLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.MemoryLocker.TryAcquire(ctx, key, ttl)
	r.record(fmt.Sprintf("acquire %s %v", key, ok))
	return ok, err
}

func (r *recordingLocker) Release(ctx context.Context, key string) error {
	r.record("release " + key)
	return r.MemoryLocker.Release(ctx, key)
}

func (r *recordingLocker) record(c string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// failingCommitStore fails every CommitMatch with a transport error.
type failingCommitStore struct {
	*storage.MemoryStore
}

func (f *failingCommitStore) CommitMatch(context.Context, string, string) (*models.Ride, error) {
	return nil, models.Unavailable("commit", errors.New("connection reset"))
}

// cancellingStore cancels the caller's context while the driver is locked.
type cancellingStore struct {
	*storage.MemoryStore
	cancel context.CancelFunc
}

func (c *cancellingStore) GetDriverProfile(ctx context.Context, id string) (*models.DriverProfile, error) {
	c.cancel()
	return nil, ctx.Err()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.RideEvent
}

func (p *recordingPublisher) PublishRideEvent(_ context.Context, ev models.RideEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	idx   *geo.MemoryIndex
	locks *lock.MemoryLocker
	store *storage.MemoryStore
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		idx:   geo.NewMemoryIndex(),
		locks: lock.NewMemoryLocker(0),
		store: storage.NewMemoryStore(),
	}
	t.Cleanup(func() { _ = f.locks.Close() })
	f.svc = &Service{
		Index:  f.idx,
		Locks:  f.locks,
		Store:  f.store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return f
}

func (f *fixture) ride(t *testing.T, id string, status models.RideStatus) {
	t.Helper()
	now := time.Now()
	r := &models.Ride{ID: id, RiderID: "rider-" + id, Origin: origin, Destination: destination, Status: status, CreatedAt: now, UpdatedAt: now}
	if models.HasDriver(status) {
		r.DriverID = "someone"
	}
	if err := f.store.CreateRide(context.Background(), r); err != nil {
		t.Fatalf("create ride: %v", err)
	}
}

func (f *fixture) driver(t *testing.T, id string, available bool, loc models.Coord) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.SaveDriverProfile(ctx, &models.DriverProfile{DriverID: id, Available: available}); err != nil {
		t.Fatalf("save driver: %v", err)
	}
	if err := f.idx.Upsert(ctx, id, loc); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func near(km float64) models.Coord {
	// ~111km per degree of latitude
	return models.Coord{Lat: origin.Lat + km/111.0, Lon: origin.Lon}
}

func TestMatchRideSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pub := &recordingPublisher{}
	f.svc.Events = pub
	f.ride(t, "r1", models.StatusRequested)
	f.driver(t, "d1", true, origin)

	driverID, ok, err := f.svc.MatchRide(ctx, "r1")
	if err != nil || !ok || driverID != "d1" {
		t.Fatalf("expected d1, got %q ok=%v err=%v", driverID, ok, err)
	}
	r, _ := f.store.GetRide(ctx, "r1")
	if r.Status != models.StatusMatched || r.DriverID != "d1" {
		t.Fatalf("unexpected ride %+v", r)
	}
	p, _ := f.store.GetDriverProfile(ctx, "d1")
	if p.Available {
		t.Fatal("matched driver must be unavailable")
	}
	if f.locks.Held(lock.DriverKey("d1")) {
		t.Fatal("lock must be released after a successful match")
	}
	if len(pub.events) != 1 || pub.events[0].Type != "ride.matched" || pub.events[0].DriverID != "d1" {
		t.Fatalf("expected one ride.matched event, got %+v", pub.events)
	}
}

func TestMatchRidePrefersNearestDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "r1", models.StatusRequested)
	f.driver(t, "far", true, near(4))
	f.driver(t, "close", true, near(0.5))

	driverID, ok, err := f.svc.MatchRide(ctx, "r1")
	if err != nil || !ok || driverID != "close" {
		t.Fatalf("expected close, got %q ok=%v err=%v", driverID, ok, err)
	}
}

func TestMatchRideNotEligible(t *testing.T) {
	ctx := context.Background()
	for _, status := range []models.RideStatus{models.StatusMatched, models.StatusInProgress, models.StatusCompleted, models.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.ride(t, "r1", status)
			f.driver(t, "d1", true, origin)

			_, ok, err := f.svc.MatchRide(ctx, "r1")
			if ok || !errors.Is(err, models.ErrInvalidState) {
				t.Fatalf("expected invalid state, got ok=%v err=%v", ok, err)
			}
			r, _ := f.store.GetRide(ctx, "r1")
			if r.Status != status {
				t.Fatalf("ride must not change, got %s", r.Status)
			}
			if p, _ := f.store.GetDriverProfile(ctx, "d1"); !p.Available {
				t.Fatal("driver must not change")
			}
		})
	}
}

func TestMatchRideUnknownRide(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.svc.MatchRide(context.Background(), "missing"); !errors.Is(err, models.ErrRideNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMatchRideNoCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "r1", models.StatusRequested)
	f.driver(t, "la", true, models.Coord{Lat: 34.0522, Lon: -118.2437})

	driverID, ok, err := f.svc.MatchRide(ctx, "r1")
	if err != nil || ok || driverID != "" {
		t.Fatalf("expected no match, got %q ok=%v err=%v", driverID, ok, err)
	}
	r, _ := f.store.GetRide(ctx, "r1")
	if r.Status != models.StatusRequested {
		t.Fatalf("ride must stay requested, got %s", r.Status)
	}
}

func TestMatchRideSkipsLockedDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "r1", models.StatusRequested)
	f.driver(t, "d1", true, origin)
	f.driver(t, "d2", true, near(1))
	// another matcher is working on d1
	_, _ = f.locks.TryAcquire(ctx, lock.DriverKey("d1"), time.Minute)

	driverID, ok, err := f.svc.MatchRide(ctx, "r1")
	if err != nil || !ok || driverID != "d2" {
		t.Fatalf("expected d2, got %q ok=%v err=%v", driverID, ok, err)
	}
	if p, _ := f.store.GetDriverProfile(ctx, "d1"); !p.Available {
		t.Fatal("locked driver must not be touched")
	}
	if !f.locks.Held(lock.DriverKey("d1")) {
		t.Fatal("a skipped candidate's lock belongs to its holder and must stay")
	}
}

func TestMatchRideAllLocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "r1", models.StatusRequested)
	f.driver(t, "d1", true, origin)
	_, _ = f.locks.TryAcquire(ctx, lock.DriverKey("d1"), time.Minute)

	_, ok, err := f.svc.MatchRide(ctx, "r1")
	if err != nil || ok {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}
	r, _ := f.store.GetRide(ctx, "r1")
	if r.Status != models.StatusRequested {
		t.Fatalf("ride must stay requested, got %s", r.Status)
	}
}

func TestMatchRideReleasesLockOfUnavailableDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := &recordingLocker{MemoryLocker: f.locks}
	f.svc.Locks = rec
	f.ride(t, "r1", models.StatusRequested)
	f.driver(t, "busy", false, origin)
	f.driver(t, "free", true, near(1))

	driverID, ok, err := f.svc.MatchRide(ctx, "r1")
	if err != nil || !ok || driverID != "free" {
		t.Fatalf("expected free, got %q ok=%v err=%v", driverID, ok, err)
	}
	want := []string{
		"acquire lock:driver:busy true",
		"release lock:driver:busy",
		"acquire lock:driver:free true",
		"release lock:driver:free",
	}
	if fmt.Sprint(rec.calls) != fmt.Sprint(want) {
		t.Fatalf("unexpected lock calls:\n got %v\nwant %v", rec.calls, want)
	}
	if ok, _ := f.locks.TryAcquire(ctx, lock.DriverKey("busy"), time.Second); !ok {
		t.Fatal("lock of the unavailable driver must be acquirable again")
	}
}

func TestMatchRideDriverWithoutProfileIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "r1", models.StatusRequested)
	_ = f.idx.Upsert(ctx, "ghost", origin)

	_, ok, err := f.svc.MatchRide(ctx, "r1")
	if err != nil || ok {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}
	if f.locks.Held(lock.DriverKey("ghost")) {
		t.Fatal("lock must be released")
	}
}

func TestMatchRideCommitFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "r1", models.StatusRequested)
	f.driver(t, "d1", true, origin)
	f.svc.Store = &failingCommitStore{MemoryStore: f.store}

	_, ok, err := f.svc.MatchRide(ctx, "r1")
	if ok || !errors.Is(err, models.ErrCommitFailed) {
		t.Fatalf("expected commit failed, got ok=%v err=%v", ok, err)
	}
	r, _ := f.store.GetRide(ctx, "r1")
	p, _ := f.store.GetDriverProfile(ctx, "d1")
	if r.Status != models.StatusRequested || !p.Available {
		t.Fatalf("no partial mutation allowed: ride=%s available=%v", r.Status, p.Available)
	}
	if f.locks.Held(lock.DriverKey("d1")) {
		t.Fatal("lock must be released after a failed commit")
	}
}

func TestMatchRideCancelledContextReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.ride(t, "r1", models.StatusRequested)
	f.driver(t, "d1", true, origin)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.Store = &cancellingStore{MemoryStore: f.store, cancel: cancel}

	_, ok, err := f.svc.MatchRide(ctx, "r1")
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got ok=%v err=%v", ok, err)
	}
	if f.locks.Held(lock.DriverKey("d1")) {
		t.Fatal("lock must be released even when the caller is cancelled")
	}
}

func TestMatchRideIsIdempotentAfterSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "r1", models.StatusRequested)
	f.driver(t, "d1", true, origin)
	f.driver(t, "d2", true, origin)

	first, ok, err := f.svc.MatchRide(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("first match: ok=%v err=%v", ok, err)
	}
	if _, ok, err := f.svc.MatchRide(ctx, "r1"); ok || !errors.Is(err, models.ErrRideNotEligible) {
		t.Fatalf("second match must be rejected, got ok=%v err=%v", ok, err)
	}
	r, _ := f.store.GetRide(ctx, "r1")
	if r.DriverID != first {
		t.Fatalf("driver changed from %s to %s", first, r.DriverID)
	}
}

// TestConcurrentMatchingNeverDoubleBooks races many rides over a shared,
// smaller driver pool.
func TestConcurrentMatchingNeverDoubleBooks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const drivers, rides = 8, 40
	for i := 0; i < drivers; i++ {
		f.driver(t, fmt.Sprintf("d%d", i), true, near(float64(i)*0.1))
	}
	for i := 0; i < rides; i++ {
		f.ride(t, fmt.Sprintf("r%d", i), models.StatusRequested)
	}

	var wg sync.WaitGroup
	results := make(chan string, rides)
	for i := 0; i < rides; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			driverID, ok, err := f.svc.MatchRide(ctx, id)
			if err != nil {
				t.Errorf("match %s: %v", id, err)
				return
			}
			if ok {
				results <- driverID
			}
		}(fmt.Sprintf("r%d", i))
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for d := range results {
		if seen[d] {
			t.Fatalf("driver %s matched twice", d)
		}
		seen[d] = true
	}
	if len(seen) > drivers {
		t.Fatalf("matched %d drivers, only %d were available", len(seen), drivers)
	}

	matched, _ := f.store.ListRidesByStatus(ctx, models.StatusMatched, 0)
	if len(matched) != len(seen) {
		t.Fatalf("store has %d matched rides, engine reported %d", len(matched), len(seen))
	}
	for _, r := range matched {
		if p, _ := f.store.GetDriverProfile(ctx, r.DriverID); p.Available {
			t.Fatalf("driver %s of ride %s is still available", r.DriverID, r.ID)
		}
	}
}

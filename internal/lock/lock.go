package lock

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a crashed matcher can hold a driver.
const DefaultTTL = 10 * time.Second

// Locker is a shared mutual-exclusion store keyed by arbitrary strings.
// TryAcquire must be a single atomic create-if-absent with expiry.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DriverKey is the lock key serializing matching attempts for one driver.
func DriverKey(driverID string) string { return "lock:driver:" + driverID }

// MemoryLocker is a single-process Locker. Expired entries count as free and
// are swept periodically so abandoned keys do not accumulate.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

func NewMemoryLocker(sweepEvery time.Duration) *MemoryLocker {
	m := &MemoryLocker{
		locks: make(map[string]time.Time),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if sweepEvery > 0 {
		go m.sweep(sweepEvery)
	}
	return m
}

func (m *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.locks[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

// Held reports whether key is currently locked and unexpired.
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.locks[key]
	return ok && m.now().Before(exp)
}

func (m *MemoryLocker) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryLocker) sweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for key, exp := range m.locks {
		if !now.Before(exp) {
			delete(m.locks, key)
			n++
		}
	}
	return n
}

// Close stops the sweeper goroutine. Safe to call more than once.
func (m *MemoryLocker) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

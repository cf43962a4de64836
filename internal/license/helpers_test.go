package license_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"license-server/internal/events"
	"license-server/internal/license"
	"license-server/internal/license/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	hours    float64
}

func (r *recorder) ObserveOperation(op, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[op+"/"+outcome]++
}

func (r *recorder) ObserveHoursConsumed(h float64) {
	r.mu.Lock()
	r.hours += h
	r.mu.Unlock()
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[key]
}

type fixture struct {
	ctx   context.Context
	store *memstore.Store
	clock *fakeClock
	bus   *events.EventBus
	rec   *recorder
	svc   *license.Services
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: memstore.New(),
		clock: newFakeClock(),
		bus:   events.NewEventBus(),
		rec:   &recorder{},
	}
	f.svc = license.NewServices(f.store, license.DefaultConfig(),
		license.WithClock(f.clock.Now),
		license.WithPublisher(f.bus),
		license.WithRecorder(f.rec),
	)
	return f
}

// seed stores an active license with the given balance and returns it.
func (f *fixture) seed(t *testing.T, hours float64, mutate ...func(*license.License)) *license.License {
	t.Helper()
	key, err := license.GenerateKey("TST")
	require.NoError(t, err)
	now := f.clock.Now()
	l := &license.License{
		ID:             uuid.New().String(),
		Key:            key,
		UserID:         "user-1",
		Type:           license.TypeStandard,
		Status:         license.StatusActive,
		HoursPurchased: hours,
		HoursRemaining: hours,
		MaxActivations: 1,
		PurchaseDate:   now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, m := range mutate {
		m(l)
	}
	f.store.Seed(l)
	return l
}

func (f *fixture) collect(types ...events.EventType) func() []events.Event {
	var (
		mu  sync.Mutex
		got []events.Event
	)
	for _, typ := range types {
		f.bus.Subscribe(typ, func(e events.Event) {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		})
	}
	return func() []events.Event {
		f.bus.Wait()
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesTypedAndWildcardSubscribers(t *testing.T) {
	bus := NewEventBus()

	var (
		mu    sync.Mutex
		typed []Event
		all   []Event
	)
	bus.Subscribe(EventLicenseCreated, func(e Event) {
		mu.Lock()
		typed = append(typed, e)
		mu.Unlock()
	})
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		all = append(all, e)
		mu.Unlock()
	})

	bus.Publish(Event{Type: EventLicenseCreated, UserID: "u1", Data: map[string]interface{}{"license_id": "l1"}})
	bus.Publish(Event{Type: EventUsageTracked, UserID: "u1"})
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, typed, 1)
	assert.Equal(t, "l1", typed[0].Data["license_id"])
	assert.False(t, typed[0].Timestamp.IsZero())
	assert.Len(t, all, 2)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewEventBus()
	bus.Publish(Event{Type: EventTrialExpired})
	bus.Wait()
}

package devices

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airthings-bridge/internal/events"
	"airthings-bridge/internal/types"
)

// fakeFetcher serves canned device lists or errors, one per call, repeating
// the last entry once exhausted
type fakeFetcher struct {
	mu        sync.Mutex
	responses []fetchResult
	calls     int
}

type fetchResult struct {
	devices []types.Device
	err     error
}

func (f *fakeFetcher) GetDevices(ctx context.Context) ([]types.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.responses) == 0 {
		return nil, fmt.Errorf("no canned response")
	}

	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++

	r := f.responses[idx]
	return r.devices, r.err
}

// eventCounter tallies hub deliveries per topic
type eventCounter struct {
	added   int64
	removed int64
}

func (c *eventCounter) subscribe(hub *events.Hub) {
	hub.Subscribe(TopicDeviceAdded, func(interface{}) {
		atomic.AddInt64(&c.added, 1)
	})
	hub.Subscribe(TopicDeviceRemoved, func(interface{}) {
		atomic.AddInt64(&c.removed, 1)
	})
}

func newTestPoller(fetcher DeviceFetcher) (*Poller, *Registry, *events.Hub) {
	hub := events.NewHub(nil)
	registry := NewRegistry(nil)

	cfg := DefaultPollerConfig()
	cfg.Interval = time.Hour // cycles driven manually in tests

	return NewPoller(cfg, fetcher, registry, hub), registry, hub
}

func TestPoller_ReconcileEmitsChangeEvents(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fetchResult{
		{devices: []types.Device{makeDevice("A", "Bedroom", 20), makeDevice("B", "Kitchen", 22)}},
		{devices: []types.Device{makeDevice("B", "Kitchen", 23), makeDevice("C", "Office", 21)}},
	}}

	poller, registry, hub := newTestPoller(fetcher)

	counter := &eventCounter{}
	counter.subscribe(hub)

	require.NoError(t, poller.reconcileOnce(context.Background()))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&counter.added) == 2
	}, time.Second, 10*time.Millisecond, "initial fetch should add both devices")

	// Watch B's own channel and A's removal channel
	var updatedB, removedA int64
	stateA, ok := registry.Get("A")
	require.True(t, ok)
	stateA.Subscribe(TopicRemoved, func(interface{}) {
		atomic.AddInt64(&removedA, 1)
	})
	stateB, ok := registry.Get("B")
	require.True(t, ok)
	stateB.Subscribe(TopicUpdated, func(interface{}) {
		atomic.AddInt64(&updatedB, 1)
	})

	require.NoError(t, poller.reconcileOnce(context.Background()))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&counter.added) == 3 &&
			atomic.LoadInt64(&counter.removed) == 1 &&
			atomic.LoadInt64(&updatedB) == 1 &&
			atomic.LoadInt64(&removedA) == 1
	}, time.Second, 10*time.Millisecond)

	// A is gone from the registry before its removal events fire
	_, ok = registry.Get("A")
	assert.False(t, ok)
	assert.Equal(t, []string{"B", "C"}, serials(registry.List()))
}

func TestPoller_FetchErrorLeavesRegistryUnchanged(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fetchResult{
		{devices: []types.Device{makeDevice("A", "Bedroom", 20)}},
		{err: fmt.Errorf("api unavailable")},
		{devices: []types.Device{makeDevice("A", "Bedroom", 20), makeDevice("B", "Kitchen", 22)}},
	}}

	poller, registry, hub := newTestPoller(fetcher)

	counter := &eventCounter{}
	counter.subscribe(hub)

	require.NoError(t, poller.reconcileOnce(context.Background()))
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&counter.added) == 1
	}, time.Second, 10*time.Millisecond)

	// Failed cycle: registry stays on last-known-good state, no events
	err := poller.reconcileOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"A"}, serials(registry.List()))
	assert.Equal(t, int64(1), atomic.LoadInt64(&counter.added))
	assert.Equal(t, int64(0), atomic.LoadInt64(&counter.removed))

	// Next success resumes diffing against the last-known-good state
	require.NoError(t, poller.reconcileOnce(context.Background()))
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&counter.added) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&counter.removed))
	assert.Equal(t, []string{"A", "B"}, serials(registry.List()))
}

func TestPoller_IdenticalFetchesAreIdempotent(t *testing.T) {
	devicesList := []types.Device{makeDevice("A", "Bedroom", 20), makeDevice("B", "Kitchen", 22)}
	fetcher := &fakeFetcher{responses: []fetchResult{{devices: devicesList}}}

	poller, registry, hub := newTestPoller(fetcher)

	counter := &eventCounter{}
	counter.subscribe(hub)

	require.NoError(t, poller.reconcileOnce(context.Background()))
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&counter.added) == 2
	}, time.Second, 10*time.Millisecond)

	var updates int64
	for _, state := range registry.List() {
		state.Subscribe(TopicUpdated, func(interface{}) {
			atomic.AddInt64(&updates, 1)
		})
	}

	require.NoError(t, poller.reconcileOnce(context.Background()))

	// Exactly one updated per device, no adds or removes
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&updates) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), atomic.LoadInt64(&counter.added))
	assert.Equal(t, int64(0), atomic.LoadInt64(&counter.removed))
}

func TestPoller_StartWhileRunningFails(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fetchResult{{devices: nil}}}
	poller, _, _ := newTestPoller(fetcher)

	ctx := context.Background()
	require.NoError(t, poller.Start(ctx))

	err := poller.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, poller.Stop(stopCtx))

	// A stopped poller can be started again
	require.NoError(t, poller.Start(ctx))
	require.NoError(t, poller.Stop(stopCtx))
}

func TestPoller_LoopSurvivesFailingCycles(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fetchResult{
		{err: fmt.Errorf("api unavailable")},
	}}

	hub := events.NewHub(nil)
	registry := NewRegistry(nil)

	cfg := DefaultPollerConfig()
	cfg.Interval = 10 * time.Millisecond

	poller := NewPoller(cfg, fetcher, registry, hub)

	ctx := context.Background()
	require.NoError(t, poller.Start(ctx))
	defer poller.Stop(ctx)

	// Several failed cycles elapse without terminating the loop
	require.Eventually(t, func() bool {
		stats := poller.Stats()
		return stats.CycleCount >= 3 && stats.IsRunning
	}, 2*time.Second, 10*time.Millisecond)

	stats := poller.Stats()
	assert.Error(t, stats.LastError)
	assert.Equal(t, stats.CycleCount, stats.ErrorCount)
}

// recordingPublisher notes the order in which registry-level events are
// initiated before handing them to a real hub
type recordingPublisher struct {
	hub   *events.Hub
	mu    sync.Mutex
	order []string
}

func (r *recordingPublisher) Publish(topic string, payload interface{}) *events.Dispatch {
	if state, ok := payload.(*DeviceState); ok {
		r.mu.Lock()
		r.order = append(r.order, topic+":"+state.SerialNumber())
		r.mu.Unlock()
	}
	return r.hub.Publish(topic, payload)
}

func (r *recordingPublisher) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
}

func (r *recordingPublisher) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestPoller_RemovalsAnnouncedBeforeAdditions(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fetchResult{
		{devices: []types.Device{makeDevice("A", "Bedroom", 20), makeDevice("B", "Kitchen", 22)}},
		{devices: []types.Device{makeDevice("B", "Kitchen", 23), makeDevice("C", "Office", 21), makeDevice("D", "Hall", 19)}},
	}}

	pub := &recordingPublisher{hub: events.NewHub(nil)}
	registry := NewRegistry(nil)

	cfg := DefaultPollerConfig()
	cfg.Interval = time.Hour

	poller := NewPoller(cfg, fetcher, registry, pub)

	ctx := context.Background()
	require.NoError(t, poller.reconcileOnce(ctx))
	pub.reset()

	require.NoError(t, poller.reconcileOnce(ctx))

	assert.Equal(t, []string{
		TopicDeviceRemoved + ":A",
		TopicDeviceAdded + ":C",
		TopicDeviceAdded + ":D",
	}, pub.sequence())
}

// gatedFetcher answers the first call immediately and blocks later calls
// until released
type gatedFetcher struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (f *gatedFetcher) GetDevices(ctx context.Context) ([]types.Device, error) {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()

	if n == 0 {
		return nil, nil
	}

	select {
	case <-f.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *gatedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPoller_TimedOutStopKeepsPollerMarkedRunning(t *testing.T) {
	fetcher := &gatedFetcher{release: make(chan struct{})}

	hub := events.NewHub(nil)
	registry := NewRegistry(nil)

	cfg := DefaultPollerConfig()
	cfg.Interval = 10 * time.Millisecond

	poller := NewPoller(cfg, fetcher, registry, hub)

	ctx := context.Background()
	require.NoError(t, poller.Start(ctx))

	// Wait for the loop to block inside the gated second fetch
	require.Eventually(t, func() bool {
		return fetcher.callCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, poller.Stop(stopCtx))

	// The cycle is still in flight, so a second run must be refused
	err := poller.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	close(fetcher.release)

	require.Eventually(t, func() bool {
		return !poller.Stats().IsRunning
	}, 2*time.Second, 5*time.Millisecond)

	// Once the loop has actually exited, a fresh run is allowed
	require.NoError(t, poller.Start(ctx))

	stopCtx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	require.NoError(t, poller.Stop(stopCtx2))
}

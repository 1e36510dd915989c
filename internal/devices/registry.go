package devices

import (
	"sort"
	"sync"

	"airthings-bridge/internal/types"

	"github.com/sirupsen/logrus"
)

// Registry maps serial numbers to their tracked DeviceState. It is mutated
// exclusively by the reconciliation loop; external readers go through the
// synchronized accessors. Its key set always equals the serial numbers of the
// most recently successful fetch — a failed fetch leaves it untouched.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*DeviceState
	logger *logrus.Logger
}

// NewRegistry creates an empty device registry
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}

	return &Registry{
		states: make(map[string]*DeviceState),
		logger: logger,
	}
}

// Get returns the tracked state for a serial number
func (r *Registry) Get(serialNumber string) (*DeviceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[serialNumber]
	return state, ok
}

// List returns all tracked device states, ordered by serial number
func (r *Registry) List() []*DeviceState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*DeviceState, 0, len(r.states))
	for _, state := range r.states {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SerialNumber() < out[j].SerialNumber()
	})
	return out
}

// Len returns the number of tracked devices
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// diff is the outcome of reconciling one fetched snapshot against tracked
// state
type diff struct {
	removed []*DeviceState
	added   []*DeviceState
	updated []*DeviceState
}

// reconcile mutates the registry to match the fetched device list and
// reports what changed. The whole diff-and-mutate sequence runs under the
// write lock so concurrent readers never observe a half-updated map.
// Removals are applied before additions, so no moment exists where two live
// cells share a serial number.
func (r *Registry) reconcile(fetched []types.Device) diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	fetchedBySerial := make(map[string]types.Device, len(fetched))
	for _, device := range fetched {
		fetchedBySerial[device.SerialNumber] = device
	}

	var d diff

	for serial, state := range r.states {
		if _, ok := fetchedBySerial[serial]; !ok {
			delete(r.states, serial)
			d.removed = append(d.removed, state)
		}
	}

	for _, device := range fetched {
		if state, ok := r.states[device.SerialNumber]; ok {
			state.setDevice(device)
			d.updated = append(d.updated, state)
			continue
		}

		state := newDeviceState(device, r.logger)
		r.states[device.SerialNumber] = state
		d.added = append(d.added, state)
	}

	return d
}

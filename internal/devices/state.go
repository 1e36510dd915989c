package devices

import (
	"fmt"
	"sync"

	"airthings-bridge/internal/events"
	"airthings-bridge/internal/types"

	"github.com/sirupsen/logrus"
)

// Per-device event topics
const (
	TopicUpdated = "updated"
	TopicRemoved = "removed"
)

// DeviceState is the mutable cell tracking one device. It wraps the latest
// fetched snapshot and owns its own event channel for "updated" and
// "removed". Mutation is performed exclusively by the reconciliation loop;
// every other component treats it as read-only.
type DeviceState struct {
	mu           sync.RWMutex
	serialNumber string
	device       types.Device

	hub *events.Hub
}

// newDeviceState creates the cell for a serial number observed for the first
// time
func newDeviceState(device types.Device, logger *logrus.Logger) *DeviceState {
	return &DeviceState{
		serialNumber: device.SerialNumber,
		device:       device,
		hub:          events.NewHub(logger),
	}
}

// SerialNumber returns the device's stable identity key
func (s *DeviceState) SerialNumber() string {
	return s.serialNumber
}

// Device returns the latest fetched snapshot
func (s *DeviceState) Device() types.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}

// GetSensor returns the named sensor from the latest snapshot, or nil if the
// device does not report it
func (s *DeviceState) GetSensor(sensorType string) *types.Sensor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sensor := s.device.GetSensor(sensorType)
	if sensor == nil {
		return nil
	}

	// Copy so callers never alias the tracked snapshot
	out := *sensor
	return &out
}

// Subscribe registers a handler on the device's own event channel
func (s *DeviceState) Subscribe(topic string, handler events.Handler) int {
	return s.hub.Subscribe(topic, handler)
}

// Unsubscribe removes a handler from the device's own event channel
func (s *DeviceState) Unsubscribe(topic string, id int) {
	s.hub.Unsubscribe(topic, id)
}

// setDevice replaces the snapshot wholesale. Called only by the
// reconciliation loop; the paired "updated" emission follows once the whole
// diff has been applied.
func (s *DeviceState) setDevice(device types.Device) {
	s.mu.Lock()
	s.device = device
	s.mu.Unlock()
}

// publishUpdated announces a snapshot replacement on the device's own
// channel
func (s *DeviceState) publishUpdated() *events.Dispatch {
	return s.hub.Publish(TopicUpdated, nil)
}

// markRemoved announces removal on the device's own channel. Emitted exactly
// once, only after the cell has been detached from the registry.
func (s *DeviceState) markRemoved() *events.Dispatch {
	return s.hub.Publish(TopicRemoved, nil)
}

func (s *DeviceState) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%s#%s", s.device.RoomName, s.serialNumber)
}

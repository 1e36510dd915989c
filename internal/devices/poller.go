package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"airthings-bridge/internal/events"
	"airthings-bridge/internal/types"
)

// Registry-level event topics. Payload is the affected *DeviceState.
const (
	TopicDeviceAdded   = "device_added"
	TopicDeviceRemoved = "device_removed"
)

// DeviceFetcher fetches the authoritative device list from the cloud
type DeviceFetcher interface {
	GetDevices(ctx context.Context) ([]types.Device, error)
}

// EventPublisher receives registry-level change events. *events.Hub
// satisfies it.
type EventPublisher interface {
	Publish(topic string, payload interface{}) *events.Dispatch
}

// PollerConfig holds configuration for the reconciliation poller
type PollerConfig struct {
	Interval time.Duration `json:"interval"` // Interval between reconciliation cycles
	Timeout  time.Duration `json:"timeout"`  // Timeout for a single fetch
}

// DefaultPollerConfig returns a poller configuration with sensible defaults
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
	}
}

// Poller runs the periodic fetch-diff-mutate-emit cycle that keeps the
// registry in sync with the cloud. A failed cycle is logged and absorbed;
// the registry stays on its last-known-good state until the next successful
// cycle. Only one poller may run per registry at a time.
type Poller struct {
	mu       sync.RWMutex
	config   PollerConfig
	logger   *logrus.Logger
	fetcher  DeviceFetcher
	registry *Registry
	hub      EventPublisher

	// State
	isRunning   bool
	isStopping  bool
	lastSuccess time.Time
	lastError   error
	cycleCount  int64
	errorCount  int64

	// Control
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// PollerOption is a functional option for configuring the Poller
type PollerOption func(*Poller)

// WithPollerLogger sets the logger for the poller
func WithPollerLogger(logger *logrus.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a reconciliation poller
func NewPoller(
	config PollerConfig,
	fetcher DeviceFetcher,
	registry *Registry,
	hub EventPublisher,
	opts ...PollerOption,
) *Poller {
	p := &Poller{
		config:    config,
		logger:    logrus.New(),
		fetcher:   fetcher,
		registry:  registry,
		hub:       hub,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins the reconciliation loop. It fails if the poller is already
// running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return fmt.Errorf("poller is already running")
	}
	p.isRunning = true
	p.isStopping = false
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})
	p.mu.Unlock()

	p.logger.WithField("interval", p.config.Interval).Info("Starting device poller")

	// Run an initial cycle so subscribers see the current device set without
	// waiting a full interval
	p.runCycle(ctx)

	go p.pollLoop(ctx)

	return nil
}

// Stop gracefully stops the poller between cycles. An in-flight fetch is not
// aborted beyond context propagation; only its continuation is prevented.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	if !p.isStopping {
		p.isStopping = true
		close(p.stopCh)
	}
	stoppedCh := p.stoppedCh
	p.mu.Unlock()

	p.logger.Info("Stopping device poller")

	// The loop itself clears isRunning when it exits, so a timed-out Stop
	// leaves the poller marked running until the in-flight cycle finishes.
	select {
	case <-stoppedCh:
		p.logger.Info("Device poller stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Device poller stop timed out")
		return ctx.Err()
	case <-time.After(10 * time.Second):
		p.logger.Warn("Device poller stop timed out after 10 seconds")
		return fmt.Errorf("poller stop timed out")
	}
}

// PollerStats contains statistics about reconciliation cycles
type PollerStats struct {
	IsRunning   bool          `json:"isRunning"`
	LastSuccess time.Time     `json:"lastSuccess"`
	LastError   error         `json:"lastError,omitempty"`
	CycleCount  int64         `json:"cycleCount"`
	ErrorCount  int64         `json:"errorCount"`
	Interval    time.Duration `json:"interval"`
}

// Stats returns poller statistics
func (p *Poller) Stats() PollerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PollerStats{
		IsRunning:   p.isRunning,
		LastSuccess: p.lastSuccess,
		LastError:   p.lastError,
		CycleCount:  p.cycleCount,
		ErrorCount:  p.errorCount,
		Interval:    p.config.Interval,
	}
}

// pollLoop runs the main reconciliation loop until cancelled
func (p *Poller) pollLoop(ctx context.Context) {
	p.mu.RLock()
	stopCh, stoppedCh := p.stopCh, p.stoppedCh
	p.mu.RUnlock()

	defer func() {
		p.mu.Lock()
		p.isRunning = false
		p.mu.Unlock()
		close(stoppedCh)
	}()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poll loop stopped due to context cancellation")
			return
		case <-stopCh:
			p.logger.Info("Poll loop stopped")
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

// runCycle performs one fetch-diff-mutate-emit pass. This is the designated
// error boundary: any failure is logged and absorbed so a single bad cycle
// never terminates the loop.
func (p *Poller) runCycle(ctx context.Context) {
	err := p.reconcileOnce(ctx)

	p.mu.Lock()
	p.cycleCount++
	if err != nil {
		p.lastError = err
		p.errorCount++
	} else {
		p.lastSuccess = time.Now()
		p.lastError = nil
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.WithError(err).Error("Reconciliation cycle failed")
	} else {
		p.logger.Debug("Reconciliation cycle completed")
	}
}

// reconcileOnce fetches the device list, applies the diff to the registry,
// and emits change events. A fetch error fails the whole cycle before any
// mutation, leaving the registry and event history unchanged.
func (p *Poller) reconcileOnce(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	fetched, err := p.fetcher.GetDevices(fetchCtx)
	if err != nil {
		return fmt.Errorf("device fetch failed: %w", err)
	}

	d := p.registry.reconcile(fetched)

	// Removals are announced before any addition or update
	for _, state := range d.removed {
		p.logger.WithField("device", state.String()).Info("Device removed")
		p.hub.Publish(TopicDeviceRemoved, state)
		state.markRemoved()
	}

	for _, state := range d.added {
		p.logger.WithField("device", state.String()).Info("Device added")
		p.hub.Publish(TopicDeviceAdded, state)
	}

	for _, state := range d.updated {
		state.publishUpdated()
	}

	return nil
}

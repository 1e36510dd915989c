package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler is a topic subscriber callback. Handlers run concurrently, each on
// its own goroutine; a panicking handler is recovered and logged without
// affecting other handlers or the publisher.
type Handler func(payload interface{})

// Dispatch is a handle for one in-flight publish. Callers may wait on it but
// are not required to; publishes are fire-and-forget.
type Dispatch struct {
	done chan struct{}
}

// Done returns a channel closed once every handler has returned
func (d *Dispatch) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until every handler has returned
func (d *Dispatch) Wait() {
	<-d.done
}

// Hub is a topic-based publish/subscribe broadcaster. Subscriptions are
// keyed by id so repeated subscribe calls can be undone without unbounded
// handler growth.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[int]Handler
	nextID int
	logger *logrus.Logger
}

// NewHub creates an event hub
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}

	return &Hub{
		topics: make(map[string]map[int]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler for a topic and returns its subscription id
func (h *Hub) Subscribe(topic string, handler Handler) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	handlers, ok := h.topics[topic]
	if !ok {
		handlers = make(map[int]Handler)
		h.topics[topic] = handlers
	}

	h.nextID++
	handlers[h.nextID] = handler
	return h.nextID
}

// Unsubscribe removes a handler by its subscription id. Unknown ids are a
// no-op.
func (h *Hub) Unsubscribe(topic string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	handlers, ok := h.topics[topic]
	if !ok {
		return
	}

	delete(handlers, id)
	if len(handlers) == 0 {
		delete(h.topics, topic)
	}
}

// Publish fans the payload out to every handler registered for the topic at
// the moment the publish begins. Delivery is concurrent and at-most-once per
// handler; there is no ordering guarantee between handlers. A topic with no
// handlers is a no-op. The returned handle completes when all handlers have
// returned.
func (h *Hub) Publish(topic string, payload interface{}) *Dispatch {
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.topics[topic]))
	for _, handler := range h.topics[topic] {
		handlers = append(handlers, handler)
	}
	h.mu.RUnlock()

	dispatch := &Dispatch{done: make(chan struct{})}

	if len(handlers) == 0 {
		close(dispatch.done)
		return dispatch
	}

	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, handler := range handlers {
		go h.dispatchTo(topic, handler, payload, &wg)
	}

	go func() {
		wg.Wait()
		close(dispatch.done)
	}()

	return dispatch
}

// dispatchTo invokes one handler, isolating its failure from the rest of the
// fan-out
func (h *Hub) dispatchTo(topic string, handler Handler, payload interface{}, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"topic": topic,
				"panic": r,
			}).Error("Event handler failed")
		}
	}()

	handler(payload)
}

package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"airthings-bridge/internal/config"
	"airthings-bridge/internal/devices"
	"airthings-bridge/internal/events"
	"airthings-bridge/internal/types"
)

// Message is a device event pushed to connected WebSocket clients
type Message struct {
	Type         string        `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	SerialNumber string        `json:"serialNumber"`
	Device       *types.Device `json:"device,omitempty"`
}

// Message types sent over the feed
const (
	MessageDeviceAdded   = "device_added"
	MessageDeviceRemoved = "device_removed"
	MessageDeviceUpdated = "device_updated"
)

// connection is a single WebSocket client with its own send queue. Slow
// clients drop messages rather than blocking the broadcast.
type connection struct {
	conn *websocket.Conn
	send chan Message
}

// Server exposes the device event feed and a small query surface over HTTP.
// It subscribes to the registry's event hub and fans device events out to
// connected WebSocket clients.
type Server struct {
	mu          sync.RWMutex
	connections map[*connection]struct{}

	upgrader websocket.Upgrader
	logger   *logrus.Logger
	registry *devices.Registry
	hub      *events.Hub
	server   *http.Server

	subAdded   int
	subRemoved int
}

// NewServer creates a feed server listening on the configured address
func NewServer(cfg *config.Config, registry *devices.Registry, hub *events.Hub, logger *logrus.Logger) *Server {
	s := &Server{
		connections: make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:   logger,
		registry: registry,
		hub:      hub,
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	router.HandleFunc("/devices/{serialNumber}", s.handleGetDevice).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         cfg.FeedListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.subAdded = s.hub.Subscribe(devices.TopicDeviceAdded, s.onDeviceAdded)
	s.subRemoved = s.hub.Subscribe(devices.TopicDeviceRemoved, s.onDeviceRemoved)

	return s
}

// Handler exposes the HTTP handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving on the configured address
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting event feed server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Event feed server failed")
		}
	}()

	return nil
}

// Stop shuts the server down and closes all client connections
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Unsubscribe(devices.TopicDeviceAdded, s.subAdded)
	s.hub.Unsubscribe(devices.TopicDeviceRemoved, s.subRemoved)

	s.mu.Lock()
	for c := range s.connections {
		close(c.send)
		delete(s.connections, c)
	}
	s.mu.Unlock()

	return s.server.Shutdown(ctx)
}

func (s *Server) onDeviceAdded(payload interface{}) {
	state, ok := payload.(*devices.DeviceState)
	if !ok {
		return
	}

	device := state.Device()
	s.broadcast(Message{
		Type:         MessageDeviceAdded,
		Timestamp:    time.Now(),
		SerialNumber: state.SerialNumber(),
		Device:       &device,
	})

	// Relay the device's own update stream for as long as it is tracked
	state.Subscribe(devices.TopicUpdated, func(interface{}) {
		device := state.Device()
		s.broadcast(Message{
			Type:         MessageDeviceUpdated,
			Timestamp:    time.Now(),
			SerialNumber: state.SerialNumber(),
			Device:       &device,
		})
	})
}

func (s *Server) onDeviceRemoved(payload interface{}) {
	state, ok := payload.(*devices.DeviceState)
	if !ok {
		return
	}

	s.broadcast(Message{
		Type:         MessageDeviceRemoved,
		Timestamp:    time.Now(),
		SerialNumber: state.SerialNumber(),
	})
}

// broadcast queues a message on every connection, dropping it for clients
// whose send queue is full
func (s *Server) broadcast(msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.connections {
		select {
		case c.send <- msg:
		default:
			s.logger.Warn("Dropping feed message for slow client")
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &connection{
		conn: conn,
		send: make(chan Message, 64),
	}

	s.mu.Lock()
	s.connections[c] = struct{}{}
	s.mu.Unlock()

	s.logger.WithField("remote_addr", r.RemoteAddr).Debug("Feed client connected")

	go s.writePump(c)
	go s.readPump(c)
}

// writePump drains a connection's send queue
func (s *Server) writePump(c *connection) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(msg); err != nil {
			s.logger.WithError(err).Debug("Feed write failed")
			s.dropConnection(c)
			return
		}
	}
}

// readPump discards client messages and detects disconnects
func (s *Server) readPump(c *connection) {
	c.conn.SetReadLimit(512)
	// Clear the server-level read deadline inherited from the upgrade
	c.conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.dropConnection(c)
			return
		}
	}
}

func (s *Server) dropConnection(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[c]; ok {
		delete(s.connections, c)
		close(c.send)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"devices": s.registry.Len(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	states := s.registry.List()
	out := make([]types.Device, 0, len(states))
	for _, state := range states {
		out = append(out, state.Device())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": out})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serialNumber"]

	state, ok := s.registry.Get(serial)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	device := state.Device()
	writeJSON(w, http.StatusOK, &device)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

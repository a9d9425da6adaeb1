package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/metrics"
	"aquatrack/backend/services/usage-service/internal/models"
)

// ErrDeviceNotConnected is returned by Send when the device holds no channel.
var ErrDeviceNotConnected = errors.New("ws: device not connected")

// Hub tracks device connections and delivers commands over them.
type Hub struct {
	mu           sync.RWMutex
	connections  map[string]*Connection
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewHub builds the connection hub.
func NewHub(pingInterval time.Duration, logger *zap.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		connections:  make(map[string]*Connection),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Add registers a connection, closing any older one of the same device.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	previous := h.connections[conn.DeviceID()]
	h.connections[conn.DeviceID()] = conn
	count := len(h.connections)
	h.mu.Unlock()

	metrics.ConnectedDevices.Set(float64(count))
	if previous != nil && previous != conn {
		h.logger.Info("replacing device connection", zap.String("device_id", conn.DeviceID()))
		previous.Close()
	}
}

// Remove drops conn if it is still the registered connection of its device.
func (h *Hub) Remove(conn *Connection) {
	h.mu.Lock()
	if h.connections[conn.DeviceID()] == conn {
		delete(h.connections, conn.DeviceID())
	}
	count := len(h.connections)
	h.mu.Unlock()
	metrics.ConnectedDevices.Set(float64(count))
}

// Connected reports whether the device currently holds a channel.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[deviceID]
	return ok
}

// Send writes cmd to the device and waits until the frame is on the wire.
func (h *Hub) Send(ctx context.Context, deviceID string, cmd models.DeviceCommand) error {
	h.mu.RLock()
	conn, ok := h.connections[deviceID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("ws: encode command: %w", err)
	}
	return conn.Deliver(ctx, payload)
}

// Start pings every connection until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			for _, conn := range h.snapshot() {
				if err := conn.Ping(); err != nil {
					h.logger.Debug("ping failed", zap.String("device_id", conn.DeviceID()), zap.Error(err))
				}
			}
		}
	}
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		out = append(out, conn)
	}
	return out
}

func (h *Hub) closeAll() {
	for _, conn := range h.snapshot() {
		conn.Close()
	}
}

package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/models"
)

// Authenticator checks device credentials presented on upgrade.
type Authenticator interface {
	Authenticate(ctx context.Context, deviceID, key string) (*models.Device, error)
}

// Server upgrades device HTTP requests to command channels.
type Server struct {
	hub          *Hub
	processor    MessageProcessor
	auth         Authenticator
	logger       *zap.Logger
	writeTimeout time.Duration
	baseCtx      context.Context
	upgrader     websocket.Upgrader
}

// NewServer builds the ws server. Connections live until baseCtx is done.
func NewServer(baseCtx context.Context, hub *Hub, processor MessageProcessor, auth Authenticator, writeTimeout time.Duration, logger *zap.Logger) *Server {
	return &Server{
		hub:          hub,
		processor:    processor,
		auth:         auth,
		logger:       logger,
		writeTimeout: writeTimeout,
		baseCtx:      baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is the HTTP handler for /devices/ws.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-ID")
	}
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	if s.auth != nil {
		if _, err := s.auth.Authenticate(r.Context(), deviceID, r.Header.Get("X-Device-Key")); err != nil {
			s.logger.Warn("device channel rejected", zap.String("device_id", deviceID), zap.Error(err))
			http.Error(w, "device credentials rejected", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	connection := NewConnection(deviceID, conn, s.processor, s.writeTimeout, s.logger, func(c *Connection) {
		s.hub.Remove(c)
		cancel()
		s.logger.Info("device disconnected", zap.String("device_id", c.DeviceID()))
	})
	s.hub.Add(connection)

	go connection.Start(ctx)
	s.logger.Info("device connected", zap.String("device_id", deviceID))
}

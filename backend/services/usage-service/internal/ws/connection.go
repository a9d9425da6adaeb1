package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readLimit  = 64 * 1024
	pongWait   = 90 * time.Second
	sendBuffer = 16
)

// ErrConnectionClosed is returned for writes on a closed connection.
var ErrConnectionClosed = errors.New("ws: connection closed")

// MessageProcessor handles inbound device frames and returns an optional reply.
type MessageProcessor interface {
	Process(ctx context.Context, deviceID string, raw []byte) ([]byte, error)
}

type outbound struct {
	data []byte
	done chan error
}

// Connection is one device's websocket command channel.
type Connection struct {
	deviceID     string
	ws           *websocket.Conn
	send         chan outbound
	closed       chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex
	logger       *zap.Logger
	processor    MessageProcessor
	writeTimeout time.Duration
	onClose      func(*Connection)
}

// NewConnection builds the connection wrapper.
func NewConnection(deviceID string, ws *websocket.Conn, processor MessageProcessor, writeTimeout time.Duration, logger *zap.Logger, onClose func(*Connection)) *Connection {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Connection{
		deviceID:     deviceID,
		ws:           ws,
		send:         make(chan outbound, sendBuffer),
		closed:       make(chan struct{}),
		logger:       logger,
		processor:    processor,
		writeTimeout: writeTimeout,
		onClose:      onClose,
	}
}

// DeviceID returns the device identifier.
func (c *Connection) DeviceID() string {
	return c.deviceID
}

// Start runs the read and write pumps until the connection closes.
func (c *Connection) Start(ctx context.Context) {
	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.Close()
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Info("device connection read closed", zap.String("device_id", c.deviceID), zap.Error(err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.processor == nil {
			continue
		}

		reply, err := c.processor.Process(ctx, c.deviceID, message)
		if err != nil {
			c.logger.Warn("failed to process device frame", zap.String("device_id", c.deviceID), zap.Error(err))
			continue
		}
		if reply != nil {
			c.enqueue(reply)
		}
	}
}

// writePump serializes queued frames. Pings come from Hub.Start.
func (c *Connection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.closed:
			return
		case msg := <-c.send:
			err := c.write(websocket.TextMessage, msg.data)
			if msg.done != nil {
				msg.done <- err
			}
			if err != nil {
				c.logger.Warn("device write failed", zap.String("device_id", c.deviceID), zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

// Deliver queues data and waits for the write to finish, the connection to close,
// or ctx to end.
func (c *Connection) Deliver(ctx context.Context, data []byte) error {
	done := make(chan error, 1)
	select {
	case c.send <- outbound{data: data, done: done}:
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue queues a reply without waiting for the write.
func (c *Connection) enqueue(data []byte) {
	select {
	case c.send <- outbound{data: data}:
	case <-c.closed:
	default:
		c.logger.Warn("dropping outgoing frame, buffer full", zap.String("device_id", c.deviceID))
	}
}

// Ping sends a websocket ping.
func (c *Connection) Ping() error {
	return c.write(websocket.PingMessage, []byte("ping"))
}

func (c *Connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// Close shuts the connection down once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

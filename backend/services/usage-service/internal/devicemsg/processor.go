package devicemsg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/service"
)

// HandlerFunc processes one frame and returns the reply data.
type HandlerFunc func(ctx context.Context, deviceID string, payload json.RawMessage) (any, error)

// Router dispatches frames by type.
type Router struct {
	handlers map[string]HandlerFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register attaches a handler to a frame type.
func (r *Router) Register(frameType string, handler HandlerFunc) {
	r.handlers[frameType] = handler
}

// Processor parses, routes and encodes replies. It implements ws.MessageProcessor.
type Processor struct {
	router  *Router
	devices DeviceToucher
	logger  *zap.Logger
	now     func() time.Time
}

// NewProcessor builds the processor. devices may be nil.
func NewProcessor(router *Router, devices DeviceToucher, logger *zap.Logger) *Processor {
	return &Processor{router: router, devices: devices, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Process handles a raw frame. Handler failures become error replies; only an
// unencodable reply is returned as an error.
func (p *Processor) Process(ctx context.Context, deviceID string, raw []byte) ([]byte, error) {
	if p.devices != nil {
		if err := p.devices.TouchDevice(ctx, deviceID, p.now()); err != nil {
			p.logger.Debug("touch device failed", zap.String("device_id", deviceID), zap.Error(err))
		}
	}

	frame, err := Parse(raw)
	if err != nil {
		return BuildError(nil, string(service.KindValidation), err.Error())
	}

	handler, ok := p.router.handlers[frame.Type]
	if !ok {
		return BuildError(frame, string(service.KindValidation), fmt.Sprintf("unsupported frame type %q", frame.Type))
	}

	data, err := handler(ctx, deviceID, frame.Payload)
	if err != nil {
		p.logger.Warn("device frame failed",
			zap.String("device_id", deviceID),
			zap.String("type", frame.Type),
			zap.Error(err),
		)
		return BuildError(frame, string(service.KindOf(err)), err.Error())
	}
	return BuildResult(frame, data)
}

// DeviceToucher records device contact.
type DeviceToucher interface {
	TouchDevice(ctx context.Context, id string, at time.Time) error
}

// SessionOperations is the part of the session manager devices drive.
type SessionOperations interface {
	SubmitMeasurement(ctx context.Context, in service.MeasurementInput) (*service.MeasurementResult, error)
	Tap(ctx context.Context, deviceID, tokenID string, resource models.Resource) (any, error)
}

// NewMeasurementHandler settles a session from a measurement frame.
func NewMeasurementHandler(sessions SessionOperations) HandlerFunc {
	return func(ctx context.Context, deviceID string, payload json.RawMessage) (any, error) {
		req, err := Decode[MeasurementFrame](payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
		}
		return sessions.SubmitMeasurement(ctx, service.MeasurementInput{
			DeviceID:        deviceID,
			SessionID:       req.SessionID,
			TotalQuantity:   req.TotalAmount,
			DurationSeconds: req.Duration,
			EndReason:       req.EndReason,
		})
	}
}

// NewTapHandler starts or ends a session from a token tap.
func NewTapHandler(sessions SessionOperations) HandlerFunc {
	return func(ctx context.Context, deviceID string, payload json.RawMessage) (any, error) {
		req, err := Decode[TapFrame](payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
		}
		if req.TokenID == "" {
			return nil, fmt.Errorf("%w: tokenId is required", service.ErrInvalidInput)
		}
		return sessions.Tap(ctx, deviceID, req.TokenID, models.Resource(req.Resource))
	}
}

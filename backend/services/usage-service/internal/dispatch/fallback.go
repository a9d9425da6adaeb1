package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/service"
)

// Transport names a dispatcher in a fallback chain.
type Transport struct {
	Name       string
	Dispatcher service.CommandDispatcher
}

// Fallback tries each transport in order and stops at the first delivery.
type Fallback struct {
	transports []Transport
	logger     *zap.Logger
}

// NewFallback builds a chain. Transports with a nil dispatcher are skipped.
func NewFallback(logger *zap.Logger, transports ...Transport) *Fallback {
	chain := make([]Transport, 0, len(transports))
	for _, t := range transports {
		if t.Dispatcher != nil {
			chain = append(chain, t)
		}
	}
	return &Fallback{transports: chain, logger: logger}
}

// Send delivers cmd through the first transport that accepts it.
func (f *Fallback) Send(ctx context.Context, deviceID string, cmd models.DeviceCommand) error {
	if len(f.transports) == 0 {
		return errors.New("dispatch: no transports configured")
	}

	var errs []error
	for _, t := range f.transports {
		err := t.Dispatcher.Send(ctx, deviceID, cmd)
		if err == nil {
			if len(errs) > 0 {
				f.logger.Debug("command delivered by fallback transport",
					zap.String("device_id", deviceID),
					zap.String("transport", t.Name),
				)
			}
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

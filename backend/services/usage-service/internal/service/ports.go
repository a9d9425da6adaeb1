package service

import (
	"context"
	"time"

	"aquatrack/backend/services/usage-service/internal/models"
)

// CommandDispatcher delivers control messages to a device's command channel.
// A nil error means the message was delivered, not that the device acted on it.
type CommandDispatcher interface {
	Send(ctx context.Context, deviceID string, cmd models.DeviceCommand) error
}

// TokenResolver maps a physical token to a stable account id.
type TokenResolver interface {
	Resolve(ctx context.Context, tokenID string) (string, error)
}

// Clock returns the current time. Tests swap it for a fixed clock.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// dayKey formats t as a ledger date in loc.
func dayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(models.DateLayout)
}

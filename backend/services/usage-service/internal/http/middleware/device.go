package middleware

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/auth"
	"aquatrack/backend/services/usage-service/internal/models"
)

// Device credential headers.
const (
	DeviceIDHeader  = "X-Device-ID"
	DeviceKeyHeader = "X-Device-Key"
)

// DeviceAuthenticator checks device API keys.
type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, deviceID, key string) (*models.Device, error)
}

// DeviceMiddleware authenticates the calling device from its headers. A nil
// authenticator trusts the device id header, which only suits local runs.
func DeviceMiddleware(devices DeviceAuthenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := r.Header.Get(DeviceIDHeader)
			if deviceID == "" {
				writeError(w, http.StatusUnauthorized, "missing device id header")
				return
			}

			device := &models.Device{ID: deviceID}
			if devices != nil {
				authed, err := devices.Authenticate(r.Context(), deviceID, r.Header.Get(DeviceKeyHeader))
				if err != nil {
					if !errors.Is(err, auth.ErrDeviceUnauthorized) {
						logger.Error("device authentication failed", zap.String("device_id", deviceID), zap.Error(err))
					}
					writeError(w, http.StatusUnauthorized, "device credentials rejected")
					return
				}
				device = authed
			}

			ctx := context.WithValue(r.Context(), deviceKey, device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceFromContext retrieves the authenticated device.
func DeviceFromContext(ctx context.Context) (*models.Device, bool) {
	device, ok := ctx.Value(deviceKey).(*models.Device)
	return device, ok && device != nil
}

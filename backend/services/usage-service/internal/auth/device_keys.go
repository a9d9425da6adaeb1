package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/repository"
)

// ErrDeviceUnauthorized is returned for unknown devices and wrong keys alike.
var ErrDeviceUnauthorized = errors.New("auth: device credentials rejected")

// DeviceKeys hashes and checks device API keys with bcrypt.
type DeviceKeys struct {
	devices repository.DeviceStore
	cost    int
}

// NewDeviceKeys returns a bcrypt-backed device authenticator.
func NewDeviceKeys(devices repository.DeviceStore, cost int) *DeviceKeys {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &DeviceKeys{devices: devices, cost: cost}
}

// Hash converts a plain device key into its stored form.
func (k *DeviceKeys) Hash(key string) (string, error) {
	if key == "" {
		return "", errors.New("auth: empty device key")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), k.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authenticate returns the device when key matches its stored hash.
func (k *DeviceKeys) Authenticate(ctx context.Context, deviceID, key string) (*models.Device, error) {
	if deviceID == "" || key == "" {
		return nil, ErrDeviceUnauthorized
	}
	device, err := k.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceUnauthorized
		}
		return nil, err
	}
	if device.APIKeyHash == "" {
		return nil, ErrDeviceUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(device.APIKeyHash), []byte(key)); err != nil {
		return nil, ErrDeviceUnauthorized
	}
	return device, nil
}

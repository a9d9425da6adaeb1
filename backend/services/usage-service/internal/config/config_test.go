package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	libconfig "aquatrack/backend/libs/config"
)

func TestLoadAppliesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.yaml")
	yaml := `
storage:
  driver: memory
auth:
  jwtSecret: from-file
sessions:
  maxDuration: 90m
scoring:
  timezone: Europe/Berlin
  waterBaseline: 120
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv(libconfig.PathEnv, path)
	t.Setenv("USAGE_HTTP_PORT", "9090")
	t.Setenv("USAGE_DISPATCH_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, ":9090", cfg.HTTPAddress())
	assert.Equal(t, 5*time.Second, cfg.Sessions.DispatchTimeout)
	assert.Equal(t, 90*time.Minute, cfg.Sessions.MaxDuration)
	assert.Equal(t, 120.0, cfg.Scoring.WaterBaseline)
	assert.Equal(t, 1800.0, cfg.Scoring.ElectricityBaseline, "defaults survive partial files")
	assert.Equal(t, "Europe/Berlin", cfg.ScoringLocation().String())
	assert.False(t, cfg.RedisEnabled())
	assert.True(t, cfg.SweepEnabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"memory with secret", func(c *Config) { c.Storage.Driver = DriverMemory }, true},
		{"postgres needs dsn", func(c *Config) {}, false},
		{"postgres with dsn", func(c *Config) { c.Database.DSN = "postgres://localhost/usage" }, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, false},
		{"missing secret", func(c *Config) { c.Storage.Driver = DriverMemory; c.Auth.JWTSecret = "" }, false},
		{"trusted headers need memory", func(c *Config) {
			c.Database.DSN = "postgres://localhost/usage"
			c.Auth.TrustDeviceHeaders = true
		}, false},
		{"bad timezone", func(c *Config) { c.Storage.Driver = DriverMemory; c.Scoring.Timezone = "Mars/Olympus" }, false},
		{"zero baseline", func(c *Config) { c.Storage.Driver = DriverMemory; c.Scoring.WaterBaseline = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = "secret"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestHTTPAddress(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8084", cfg.HTTPAddress())
	cfg.HTTP.Port = "127.0.0.1:7000"
	assert.Equal(t, "127.0.0.1:7000", cfg.HTTPAddress())
	cfg.HTTP.Port = ""
	assert.Equal(t, ":8084", cfg.HTTPAddress())
}

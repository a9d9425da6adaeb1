package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aquatrack/backend/services/usage-service/internal/config"
	"aquatrack/backend/services/usage-service/internal/dispatch"
	"aquatrack/backend/services/usage-service/internal/models"
	"aquatrack/backend/services/usage-service/internal/service"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	cfg.Auth.JWTSecret = "secret"
	cfg.HTTP.Port = "127.0.0.1:0"
	return cfg
}

func TestNewWithMemoryStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Migrate(ctx))
	assert.NotNil(t, a.Sessions())
	assert.NotNil(t, a.Scorer())
	assert.NotNil(t, a.Auditor())

	token, err := a.Tokens().GenerateToken("acct-1", "")
	require.NoError(t, err)
	claims, err := a.Tokens().ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.AccountID)

	_, err = a.Sessions().ForceEnd(ctx, service.ForceEndInput{SessionID: "missing"})
	assert.ErrorIs(t, err, service.ErrSessionNotFound)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestNewConnectsRedisWhenConfigured(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Redis.Addr = mr.Addr()

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	checks := a.healthChecks()
	require.Contains(t, checks, "redis")
	assert.NoError(t, checks["redis"].Ping(context.Background()))
}

func TestWatchCommandsReceivesPublishedCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Redis.Addr = mr.Addr()

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan models.DeviceCommand, 1)
	done := make(chan error, 1)
	go func() {
		done <- a.WatchCommands(ctx, "dev-1", func(c models.DeviceCommand) { got <- c })
	}()

	publisher := dispatch.NewRedisPublisher(a.redisClient, cfg.Redis.ChannelPrefix)
	require.Eventually(t, func() bool {
		return publisher.Send(context.Background(), "dev-1", models.DeviceCommand{Command: models.CommandStartMeasurement, SessionID: "sess-1"}) == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case c := <-got:
		assert.Equal(t, "sess-1", c.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("command not received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WatchCommands did not return after cancel")
	}
}

func TestWatchCommandsWithoutRedis(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.ErrorIs(t, a.WatchCommands(context.Background(), "dev-1", func(models.DeviceCommand) {}), ErrRedisDisabled)
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	cfg := memoryConfig()
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

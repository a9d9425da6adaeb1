package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"aquatrack/backend/services/usage-service/internal/models"
)

const defaultChannelPrefix = "devices"

// ErrNoSubscribers is returned when nobody listens on a device's channel.
var ErrNoSubscribers = errors.New("dispatch: no subscriber for device channel")

// RedisPublisher delivers commands over redis pub/sub, one channel per device.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher returns a redis-backed dispatcher.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the command channel of a device.
func (p *RedisPublisher) Channel(deviceID string) string {
	return fmt.Sprintf("%s:%s:commands", p.prefix, deviceID)
}

// Send publishes cmd. A publish that reaches no subscriber counts as undelivered.
func (p *RedisPublisher) Send(ctx context.Context, deviceID string, cmd models.DeviceCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("dispatch: encode command: %w", err)
	}
	receivers, err := p.client.Publish(ctx, p.Channel(deviceID), data).Result()
	if err != nil {
		return fmt.Errorf("dispatch: publish to %s: %w", deviceID, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscribers, deviceID)
	}
	return nil
}

// Listen is the device side of Send: it subscribes to a device channel and calls
// fn for each command until ctx is done. Device gateways and the watch-commands
// operator command use it. Payloads that do not decode are skipped.
func (p *RedisPublisher) Listen(ctx context.Context, deviceID string, fn func(models.DeviceCommand)) error {
	sub := p.client.Subscribe(ctx, p.Channel(deviceID))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("dispatch: subscribe %s: %w", deviceID, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var cmd models.DeviceCommand
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				continue
			}
			fn(cmd)
		}
	}
}

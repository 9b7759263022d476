package config

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "ipwarden:config:settings"
	redisConfigChannel = "ipwarden:config:updates"
	redisOpTimeout     = 5 * time.Second
)

type redisSync struct {
	client *redis.Client
	ctx    context.Context
}

// EnableRedisSynchronization shares settings between instances: the stored
// copy is adopted on startup and later changes are published and applied.
func (m *Manager) EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.configMu.Lock()
	if m.redisSync != nil {
		m.configMu.Unlock()
		return
	}
	m.redisSync = &redisSync{client: client, ctx: ctx}
	m.configMu.Unlock()

	loaded, err := m.loadConfigFromRedis(ctx, client)
	if err != nil {
		log.Error("Config sync: failed to load configuration from redis", "error", err)
	}

	if !loaded {
		payload, err := json.Marshal(m.GetConfig())
		if err != nil {
			log.Error("Config sync: failed to serialize configuration for redis", "error", err)
		} else {
			m.configMu.Lock()
			err := m.broadcastConfigUpdate(payload)
			m.configMu.Unlock()
			if err != nil {
				log.Error("Config sync: failed to publish configuration to redis", "error", err)
			}
		}
	}

	go m.subscribeToConfigUpdates(ctx, client)
}

func (m *Manager) loadConfigFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisConfigKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	cfg, err := Parse(payload)
	if err != nil {
		return true, err
	}

	if err := m.applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
		return true, err
	}
	return true, nil
}

func (m *Manager) subscribeToConfigUpdates(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisConfigChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		cfg, err := Parse([]byte(msg.Payload))
		if err != nil {
			log.Error("Config sync: invalid payload", "error", err)
			continue
		}
		if err := m.applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
			log.Error("Config sync: failed to apply remote update", "error", err)
		}
	}
}

// broadcastConfigUpdate runs with configMu held.
func (m *Manager) broadcastConfigUpdate(payload []byte) error {
	if len(payload) == 0 || m.redisSync == nil {
		return nil
	}

	ctx := m.redisSync.ctx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	client := m.redisSync.client
	if err := client.Set(opCtx, redisConfigKey, payload, 0).Err(); err != nil {
		return err
	}
	return client.Publish(opCtx, redisConfigChannel, payload).Err()
}

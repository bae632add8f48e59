// Package eventbus distributes broker events to in-process subscribers, optionally
// relaying them through redis pub/sub so several processes observe the same stream.
package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"qmt-monitor-go/internal/config"
)

// SubscriptionID identifies a subscription. It is derived from the kind and the subscriber name.
type SubscriptionID string

// Bus is the publish/subscribe surface shared by both transports.
type Bus interface {
	// Publish stamps the payload and returns without waiting for any handler.
	Publish(ctx context.Context, kind Kind, payload any) error
	// PublishSync delivers to local handlers on the calling goroutine before returning.
	PublishSync(ctx context.Context, kind Kind, payload any) error
	// Subscribe registers handler under name. Registering the same (kind, name) twice counts once.
	Subscribe(kind Kind, name string, handler Handler) SubscriptionID
	Unsubscribe(id SubscriptionID)
	Close()
}

// New builds the bus selected by cfg.Mode.
func New(cfg config.EventBus, log *zap.Logger) (Bus, error) {
	switch cfg.Mode {
	case "", config.BusModeMemory:
		return NewMemoryBus(log), nil
	case config.BusModeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisBus(client, log), nil
	}
	return nil, fmt.Errorf("unknown event bus mode %q", cfg.Mode)
}

func subscriptionID(kind Kind, name string) SubscriptionID {
	return SubscriptionID(string(kind) + "/" + name)
}

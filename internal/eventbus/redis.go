package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisMaxResubscribeInterval = 30 * time.Second

// RedisBus relays events through redis pub/sub. Handlers stay local: Publish hands the
// event to an embedded MemoryBus directly, and a background listener dispatches messages
// on qmt:event:* from other processes. Messages carrying this bus's origin are skipped,
// so local delivery does not depend on the subscription being up.
type RedisBus struct {
	local  *MemoryBus
	client *redis.Client
	log    *zap.Logger
	origin string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

// NewRedisBus starts the listener and returns immediately; use Ready to wait for the
// first successful subscription.
func NewRedisBus(client *redis.Client, log *zap.Logger) *RedisBus {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		local:  NewMemoryBus(log),
		client: client,
		log:    log.Named("eventbus.redis"),
		origin: uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.listen()
	return b
}

// Ready is closed once the listener holds an active subscription.
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Publish delivers the event to local handlers and relays it to redis for other
// processes. A failed relay is logged and not returned.
func (b *RedisBus) Publish(ctx context.Context, kind Kind, payload any) error {
	if err := validate(kind, payload); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	evt := stamp(kind, payload, b.local.now())
	evt.Origin = b.origin
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	b.local.deliver(evt)
	if err := b.client.Publish(ctx, Channel(kind), data).Err(); err != nil {
		b.log.Warn("Redis publish failed, event delivered locally only",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	return nil
}

// PublishSync delivers to local handlers inline. It does not go through redis.
func (b *RedisBus) PublishSync(ctx context.Context, kind Kind, payload any) error {
	return b.local.PublishSync(ctx, kind, payload)
}

func (b *RedisBus) Subscribe(kind Kind, name string, handler Handler) SubscriptionID {
	return b.local.Subscribe(kind, name, handler)
}

func (b *RedisBus) Unsubscribe(id SubscriptionID) {
	b.local.Unsubscribe(id)
}

// Flush waits for locally queued events.
func (b *RedisBus) Flush(ctx context.Context) error {
	return b.local.Flush(ctx)
}

// Close stops the listener, closes the redis client, and stops local subscribers.
func (b *RedisBus) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		if err := b.client.Close(); err != nil {
			b.log.Warn("Closing redis client failed", zap.Error(err))
		}
		b.local.Close()
	})
}

func (b *RedisBus) listen() {
	defer b.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = redisMaxResubscribeInterval

	for {
		if b.ctx.Err() != nil {
			return
		}
		err := b.consume(retry)
		if b.ctx.Err() != nil {
			return
		}
		sleep := retry.NextBackOff()
		if sleep == backoff.Stop {
			sleep = redisMaxResubscribeInterval
		}
		b.log.Warn("Redis subscription lost, retrying",
			zap.Duration("retry_after", sleep),
			zap.Error(err))
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// consume holds one PSUBSCRIBE session until it fails or the bus closes.
func (b *RedisBus) consume(retry *backoff.ExponentialBackOff) error {
	ps := b.client.PSubscribe(b.ctx, channelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(b.ctx); err != nil {
		return err
	}
	retry.Reset()
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.Info("Subscribed to redis event channels", zap.String("pattern", channelPrefix+"*"))

	ch := ps.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			evt, err := Decode([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("Dropping undecodable event",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			if evt.Origin == b.origin {
				continue
			}
			b.local.deliver(evt)
		}
	}
}

var _ Bus = (*RedisBus)(nil)

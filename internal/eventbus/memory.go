package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MemoryBus is the in-process transport. Each subscriber owns a goroutine and an
// unbounded FIFO queue, so Publish never blocks and per-subscriber order is kept.
type MemoryBus struct {
	log *zap.Logger
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	subscribers map[Kind]map[SubscriptionID]*subscriber
	closed      bool

	// inflight counts events queued or running across all subscribers.
	inflight atomic.Int64
}

type subscriber struct {
	id      SubscriptionID
	kind    Kind
	handler Handler

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// NewMemoryBus constructs an in-process bus.
func NewMemoryBus(log *zap.Logger) *MemoryBus {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		log:         log.Named("eventbus"),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[Kind]map[SubscriptionID]*subscriber),
	}
}

// Publish enqueues the event for every subscriber of kind.
func (b *MemoryBus) Publish(ctx context.Context, kind Kind, payload any) error {
	if err := validate(kind, payload); err != nil {
		return err
	}
	b.deliver(stamp(kind, payload, b.now()))
	return nil
}

// PublishSync runs every handler of kind on the calling goroutine.
func (b *MemoryBus) PublishSync(ctx context.Context, kind Kind, payload any) error {
	if err := validate(kind, payload); err != nil {
		return err
	}
	evt := stamp(kind, payload, b.now())
	if ctx == nil {
		ctx = b.ctx
	}
	for _, sub := range b.snapshot(kind) {
		b.invoke(ctx, sub, evt)
	}
	return nil
}

// Subscribe registers handler for kind under name.
func (b *MemoryBus) Subscribe(kind Kind, name string, handler Handler) SubscriptionID {
	id := subscriptionID(kind, name)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return id
	}
	subs, ok := b.subscribers[kind]
	if !ok {
		subs = make(map[SubscriptionID]*subscriber)
		b.subscribers[kind] = subs
	}
	if _, exists := subs[id]; exists {
		return id
	}

	sub := &subscriber{
		id:      id,
		kind:    kind,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	subs[id] = sub
	go b.run(sub)

	b.log.Debug("Subscribed", zap.String("subscription", string(id)))
	return id
}

// Unsubscribe removes the subscription. Events still queued for it are dropped.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	var found *subscriber
	for kind, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			found = sub
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, kind)
			}
			break
		}
	}
	b.mu.Unlock()

	if found != nil {
		// Not waiting for the goroutine lets a handler unsubscribe itself.
		b.stop(found, false)
	}
}

// Close stops every subscriber goroutine.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for kind, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
		delete(b.subscribers, kind)
	}
	b.mu.Unlock()

	b.cancel()
	for _, sub := range all {
		b.stop(sub, true)
	}
}

// Flush blocks until every queued event has been handled or ctx ends.
func (b *MemoryBus) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for b.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// deliver hands an already stamped event to every local subscriber.
func (b *MemoryBus) deliver(evt Event) {
	for _, sub := range b.snapshot(evt.Kind) {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		sub.queue = append(sub.queue, evt)
		b.inflight.Add(1)
		sub.mu.Unlock()

		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (b *MemoryBus) snapshot(kind Kind) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscribers[kind]
	out := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out
}

func (b *MemoryBus) run(sub *subscriber) {
	defer close(sub.exited)
	for {
		sub.mu.Lock()
		batch := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for i, evt := range batch {
			select {
			case <-sub.done:
				b.inflight.Add(-int64(len(batch) - i))
				return
			default:
			}
			b.invoke(b.ctx, sub, evt)
			b.inflight.Add(-1)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-sub.wake:
		case <-sub.done:
			return
		}
	}
}

func (b *MemoryBus) stop(sub *subscriber, wait bool) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	dropped := len(sub.queue)
	sub.queue = nil
	sub.mu.Unlock()

	b.inflight.Add(-int64(dropped))
	close(sub.done)
	if wait {
		<-sub.exited
	}
}

func (b *MemoryBus) invoke(ctx context.Context, sub *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event handler panicked",
				zap.String("subscription", string(sub.id)),
				zap.Any("panic", r))
		}
	}()
	sub.handler(ctx, evt)
}

func validate(kind Kind, payload any) error {
	if kind == "" {
		return fmt.Errorf("eventbus: event kind required")
	}
	if payload == nil {
		return fmt.Errorf("eventbus: %s payload required", kind)
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)

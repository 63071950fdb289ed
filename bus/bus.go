// Package bus is an in-process typed publish/subscribe channel. Each
// subscriber owns one goroutine fed by a bounded queue; a full queue drops the
// message for that subscriber only and hands it to the subscriber's drop
// handler, if any. Delivery is at-most-once.
package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const DefaultBuffer = 256

// Handler consumes one message. It runs on the subscriber's goroutine.
type Handler[T any] func(ctx context.Context, msg T)

type subscription[T any] struct {
	name    string
	queue   chan T
	handler Handler[T]
	accept  func(T) bool
	dropped func(T)
}

// SubscribeOption tunes one subscription.
type SubscribeOption[T any] func(*subscription[T])

// WithFilter skips messages for which accept returns false. Skipped messages
// take no queue slot and are not reported as dropped.
func WithFilter[T any](accept func(T) bool) SubscribeOption[T] {
	return func(s *subscription[T]) { s.accept = accept }
}

// WithDropHandler registers fn for messages the subscriber could not accept,
// either because its queue was full or because the bus was closed. fn runs on
// the publisher's goroutine.
func WithDropHandler[T any](fn func(T)) SubscribeOption[T] {
	return func(s *subscription[T]) { s.dropped = fn }
}

type Bus[T any] struct {
	mu     sync.RWMutex
	subs   []*subscription[T]
	closed bool
	buffer int
	logger *zap.Logger
	wg     sync.WaitGroup
}

func New[T any](buffer int, logger *zap.Logger) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus[T]{buffer: buffer, logger: logger}
}

// Subscribe registers h under name and starts its worker. Subscribing to a
// closed bus is a no-op.
func (b *Bus[T]) Subscribe(name string, h Handler[T], opts ...SubscribeOption[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	sub := &subscription[T]{name: name, queue: make(chan T, b.buffer), handler: h}
	for _, opt := range opts {
		opt(sub)
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.run(sub)
}

// Publish enqueues msg for every subscriber without blocking.
func (b *Bus[T]) Publish(msg T) {
	var dropped []*subscription[T]

	b.mu.RLock()
	if b.closed {
		b.logger.Warn("bus closed, message dropped")
	}
	for _, sub := range b.subs {
		if sub.accept != nil && !sub.accept(msg) {
			continue
		}
		if b.closed {
			dropped = append(dropped, sub)
			continue
		}
		select {
		case sub.queue <- msg:
		default:
			b.logger.Warn("subscriber queue full, message dropped", zap.String("subscriber", sub.name))
			dropped = append(dropped, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range dropped {
		if sub.dropped != nil {
			sub.dropped(msg)
		}
	}
}

// Close stops accepting messages and waits until every queued message was handled.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus[T]) run(sub *subscription[T]) {
	defer b.wg.Done()
	for msg := range sub.queue {
		b.deliver(sub, msg)
	}
}

func (b *Bus[T]) deliver(sub *subscription[T], msg T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", zap.String("subscriber", sub.name), zap.Any("panic", r))
		}
	}()
	sub.handler(context.Background(), msg)
}

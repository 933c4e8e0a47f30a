package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/workorder/model"
)

// MemoryBus is an in-process Bus backed by a buffered channel. Failed
// deliveries are retried in-process up to maxAttempts.
type MemoryBus struct {
	logger      *zap.Logger
	ch          chan model.LifecycleEvent
	maxAttempts int

	mu     sync.RWMutex
	subs   []subscription
	closed bool
	done   chan struct{}
}

// NewMemoryBus creates a bus with the given buffer size.
func NewMemoryBus(bufferSize int, logger *zap.Logger) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		logger:      logger,
		ch:          make(chan model.LifecycleEvent, bufferSize),
		maxAttempts: 3,
		done:        make(chan struct{}),
	}
}

// Subscribe registers a handler.
func (b *MemoryBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, handler: h})
}

// Publish enqueues the event, blocking while the buffer is full until ctx
// ends or the bus is closed. It takes no lock.
func (b *MemoryBus) Publish(ctx context.Context, event model.LifecycleEvent) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- event:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers events until ctx is cancelled or the bus is closed. Events
// still buffered at shutdown are drained first.
func (b *MemoryBus) Run(ctx context.Context) error {
	for {
		select {
		case event := <-b.ch:
			b.deliver(ctx, event)
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx))
			return nil
		case <-b.done:
			b.drain(ctx)
			return nil
		}
	}
}

func (b *MemoryBus) drain(ctx context.Context) {
	for {
		select {
		case event := <-b.ch:
			b.deliver(ctx, event)
		default:
			return
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, event model.LifecycleEvent) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		subs = dispatch(ctx, b.logger, subs, event)
		if len(subs) == 0 {
			return
		}
	}
	b.logger.Error("event dropped after retries",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Int("attempts", b.maxAttempts),
	)
}

// Close stops accepting events and lets Run return.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

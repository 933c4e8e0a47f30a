// Package events carries lifecycle events from the engine to their
// consumers. Delivery is at-least-once, so handlers must be idempotent.
package events

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("events: bus closed")

// Handler consumes one event. A returned error asks the bus to deliver the
// event again later.
type Handler func(ctx context.Context, event model.LifecycleEvent) error

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, event model.LifecycleEvent) error
}

// Bus is a Publisher that also delivers to subscribed handlers while Run is
// active.
type Bus interface {
	Publisher
	// Subscribe registers h under name. Must be called before Run.
	Subscribe(name string, h Handler)
	// Run delivers events until ctx is cancelled.
	Run(ctx context.Context) error
	Close() error
}

type subscription struct {
	name    string
	handler Handler
}

// dispatch calls every handler, recovering panics so one bad consumer does
// not take the loop down. Each call runs in a span continuing the trace of
// the change that raised the event. It returns the subscriptions that failed.
func dispatch(ctx context.Context, logger *zap.Logger, subs []subscription, event model.LifecycleEvent) []subscription {
	ctx = observability.ContextWithTraceCarrier(ctx, event.Trace)
	var failed []subscription
	for _, s := range subs {
		hctx, span := observability.StartSpan(ctx, "events.handle "+s.name,
			observability.AttrEventType.String(string(event.Type)),
			observability.AttrInstanceID.String(event.InstanceID),
		)
		err := safeInvoke(hctx, s.handler, event)
		observability.EndSpanWithError(span, err)
		if err != nil {
			failed = append(failed, s)
			logger.Warn("event handler failed",
				zap.String("handler", s.name),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.String("instance_id", event.InstanceID),
				zap.Error(err),
			)
		}
	}
	return failed
}

func safeInvoke(ctx context.Context, h Handler, event model.LifecycleEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, event)
}

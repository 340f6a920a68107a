package hub

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/tracing"
)

// Handler processes one delivered message. The returned value is only
// surfaced to the sender on blocking deliveries.
type Handler func(ctx context.Context, msg *Message) (any, error)

type deliveryModeKey struct{}

// WithBlockingDelivery marks the context of a delivery whose value is
// returned to the sender. The hub sets it on blocking and direct sends;
// anything invoking a Handler by hand gets the queued behavior unless
// it opts in.
func WithBlockingDelivery(ctx context.Context) context.Context {
	return context.WithValue(ctx, deliveryModeKey{}, true)
}

// BlockingDelivery reports whether the sender of the current delivery
// is waiting on the handler's value. Modules that bridge to slower
// transports use this to decide between a full round trip and an
// accept-only handshake.
func BlockingDelivery(ctx context.Context) bool {
	v, _ := ctx.Value(deliveryModeKey{}).(bool)
	return v
}

// Middleware wraps a Handler to add additional behavior.
// Middleware functions are composed using ChainMiddleware.
type Middleware func(Handler) Handler

// ChainMiddleware applies middlewares to a handler in reverse order.
// The first middleware in the list will be the outermost wrapper.
// For example: ChainMiddleware(handler, recovery, logging)
// Results in: recovery(logging(handler))
func ChainMiddleware(handler Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// ===========================================================================
// Recovery Middleware
// ===========================================================================

// NewRecoveryMiddleware converts handler panics into errors so one
// misbehaving module cannot take down the hub.
func NewRecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
					log.Error(log.CatHub, "handler panicked",
						"message_id", msg.ID,
						"message_type", msg.Type,
						"panic", fmt.Sprint(r),
					)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// ===========================================================================
// Logging Middleware
// ===========================================================================

// SlowDeliveryThreshold is the duration past which a delivery is logged
// at warn level instead of debug.
const SlowDeliveryThreshold = 100 * time.Millisecond

// NewLoggingMiddleware creates a middleware that logs message delivery.
func NewLoggingMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (any, error) {
			start := time.Now()

			result, err := next(ctx, msg)

			duration := time.Since(start)
			if err != nil {
				log.Error(log.CatHub, "delivery failed",
					"message_id", msg.ID,
					"message_type", msg.Type,
					"source", msg.Source,
					"dest", msg.Dest,
					"trace_id", msg.TraceID,
					"duration", duration,
					"error", err.Error(),
				)
			} else if duration > SlowDeliveryThreshold {
				log.Warn(log.CatHub, "slow delivery",
					"message_id", msg.ID,
					"message_type", msg.Type,
					"dest", msg.Dest,
					"duration", duration,
					"threshold", SlowDeliveryThreshold,
				)
			} else {
				log.Debug(log.CatHub, "delivered",
					"message_id", msg.ID,
					"message_type", msg.Type,
					"source", msg.Source,
					"dest", msg.Dest,
					"duration", duration,
				)
			}

			return result, err
		}
	}
}

// ===========================================================================
// Tracing Middleware
// ===========================================================================

// NewTracingMiddleware creates a middleware that opens a span around each
// delivery and stashes the message's trace ID in the context for
// downstream modules. A nil tracer yields a pass-through middleware.
func NewTracingMiddleware(tracer trace.Tracer) Middleware {
	return func(next Handler) Handler {
		if tracer == nil {
			return next
		}
		return func(ctx context.Context, msg *Message) (any, error) {
			ctx = tracing.ContextWithTraceID(ctx, msg.TraceID)
			ctx, span := tracer.Start(ctx, tracing.SpanHubDeliver,
				trace.WithAttributes(
					attribute.String(tracing.AttrMessageID, msg.ID),
					attribute.String(tracing.AttrMessageType, msg.Type),
					attribute.String(tracing.AttrMessageSource, msg.Source),
					attribute.String(tracing.AttrMessageDest, msg.Dest),
				),
			)
			defer span.End()

			result, err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return result, err
		}
	}
}

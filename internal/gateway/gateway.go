package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fingerhq/finger/internal/hub"
	"github.com/fingerhq/finger/internal/tracing"
)

// Gateway exposes one manifest's child process as a hub output module.
// Blocking deliveries run the full request/result round trip; queued
// deliveries stop at the accept handshake.
type Gateway struct {
	manifest *Manifest
	session  *Session
	tracer   trace.Tracer
}

// New builds a gateway around a fresh session. The child is not
// spawned until Start or the first delivery.
func New(ctx context.Context, m *Manifest, cfg SessionConfig) *Gateway {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = m.AckTimeout()
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = m.ResultTimeout()
	}
	return &Gateway{
		manifest: m,
		session:  NewSession(ctx, m, cfg),
		tracer:   cfg.Tracer,
	}
}

// ID returns the gateway's module id.
func (g *Gateway) ID() string { return g.manifest.ID }

// Manifest returns the definition this gateway was built from.
func (g *Gateway) Manifest() *Manifest { return g.manifest }

// Session exposes the underlying child session.
func (g *Gateway) Session() *Session { return g.session }

// Start spawns the child. Part of the supervised process contract.
func (g *Gateway) Start(_ context.Context) error {
	return g.session.Start()
}

// Stop terminates the child; later deliveries fail until Start.
func (g *Gateway) Stop(_ context.Context) error {
	g.session.Stop()
	return nil
}

// Healthy reports whether the child is running. A gateway that has
// never spawned reports healthy; it starts on demand.
func (g *Gateway) Healthy() bool {
	status := g.session.ChildStatus()
	return status == StatusPending || status == StatusRunning
}

// Handler adapts the session to the hub. The routed message travels
// whole inside the request envelope; the child interprets it.
func (g *Gateway) Handler() hub.Handler {
	return func(ctx context.Context, msg *hub.Message) (any, error) {
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encoding message %s for gateway %s: %w", msg.ID, g.manifest.ID, err)
		}

		if hub.BlockingDelivery(ctx) {
			ctx, span := g.startRequestSpan(ctx, msg, DeliverSync)
			output, err := g.session.RequestSync(ctx, raw)
			g.endRequestSpan(span, err)
			if err != nil {
				return nil, err
			}
			if len(output) == 0 {
				return nil, nil
			}
			return json.RawMessage(output), nil
		}

		ctx, span := g.startRequestSpan(ctx, msg, DeliverAsync)
		ack, err := g.session.RequestAsync(ctx, raw)
		if err == nil && span != nil {
			span.AddEvent(tracing.EventGatewayAccepted)
		}
		g.endRequestSpan(span, err)
		if err != nil {
			return nil, err
		}
		return ack, nil
	}
}

// startRequestSpan opens the per-request span, nil tracer means none.
func (g *Gateway) startRequestSpan(ctx context.Context, msg *hub.Message, mode DeliveryMode) (context.Context, trace.Span) {
	if g.tracer == nil {
		return ctx, nil
	}
	return g.tracer.Start(ctx, tracing.SpanGatewayRequest,
		trace.WithAttributes(
			attribute.String(tracing.AttrGatewayID, g.manifest.ID),
			attribute.String(tracing.AttrMessageID, msg.ID),
			attribute.String(tracing.AttrDeliveryMode, string(mode)),
		),
	)
}

func (g *Gateway) endRequestSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

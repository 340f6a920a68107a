package pubsub

import "context"

// Forward pumps events from a subscription channel into fn until ctx is
// cancelled or the channel closes. It is the building block for listener
// goroutines that bridge broker subscriptions to sinks such as websocket
// clients or log tails.
func Forward[T any](ctx context.Context, ch <-chan Event[T], fn func(Event[T])) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fn(ev)
		}
	}
}

// Listen subscribes to the broker and forwards events into fn on the
// calling goroutine until ctx is cancelled or the broker closes.
func Listen[T any](ctx context.Context, broker *Broker[T], fn func(Event[T])) {
	Forward(ctx, broker.Subscribe(ctx), fn)
}

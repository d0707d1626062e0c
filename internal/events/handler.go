// internal/events/handler.go
package events

import (
	"context"
)

// Handler processes events of a specific type. Handle must not block.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls f(ctx, event).
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription is returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id  string
	bus *Bus
	typ EventType
}

func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id, s.typ)
}

// StageFunc subscribes fn to both stage event types and passes only
// StageEvent values through.
func StageFunc(b *Bus, fn func(StageEvent)) []Subscription {
	h := HandlerFunc(func(_ context.Context, e Event) error {
		if se, ok := e.(StageEvent); ok {
			fn(se)
		}
		return nil
	})
	return []Subscription{
		b.Subscribe(StageCompleted, h),
		b.Subscribe(StageFailed, h),
	}
}

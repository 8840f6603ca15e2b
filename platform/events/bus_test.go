package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"afiss_backend/platform/logger"
)

type pingEvent struct {
	BaseEvent
}

func (pingEvent) EventName() string { return "test.ping" }

func TestInMemoryBus_PublishSyncJoinsErrors(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	var calls int32
	bus.Subscribe("test.ping", HandlerFunc(func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	bus.Subscribe("test.ping", HandlerFunc(func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}))

	err := bus.PublishSync(context.Background(), pingEvent{BaseEvent: NewBaseEvent()})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if calls != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls)
	}
}

func TestInMemoryBus_PublishSurvivesCancelledContext(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	var sawCancelled atomic.Bool
	bus.Subscribe("test.ping", HandlerFunc(func(ctx context.Context, e Event) error {
		sawCancelled.Store(ctx.Err() != nil)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, pingEvent{BaseEvent: NewBaseEvent()})
	bus.Wait()

	if sawCancelled.Load() {
		t.Fatalf("expected handler context to be detached from caller cancellation")
	}
}

func TestInMemoryBus_RecoversFromHandlerPanic(t *testing.T) {
	bus := NewInMemoryBus(logger.Nop())
	bus.Subscribe("test.ping", HandlerFunc(func(ctx context.Context, e Event) error {
		panic("handler bug")
	}))

	bus.Publish(context.Background(), pingEvent{BaseEvent: NewBaseEvent()})
	bus.Wait()
}

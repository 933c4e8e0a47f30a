package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/workorder/model"
)

type recorder struct {
	mu     sync.Mutex
	events []model.LifecycleEvent
	fail   int // fail this many calls before succeeding
}

func (r *recorder) handle(_ context.Context, e model.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("not yet")
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testEvent(id string, typ model.EventType) model.LifecycleEvent {
	return model.LifecycleEvent{
		ID:         id,
		Type:       typ,
		InstanceID: "wo-1",
		ProcessID:  "change-request",
		ActorID:    "7",
		Timestamp:  time.Now().UTC(),
	}
}

func TestMemoryBus_deliversToAllHandlers(t *testing.T) {
	bus := NewMemoryBus(8, nil)
	a, b := &recorder{}, &recorder{}
	bus.Subscribe("a", a.handle)
	bus.Subscribe("b", b.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	for _, id := range []string{"e1", "e2"} {
		if err := bus.Publish(ctx, testEvent(id, model.EventInstanceSubmitted)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitFor(t, func() bool { return a.count() == 2 && b.count() == 2 })
	if a.events[0].ID != "e1" || a.events[1].ID != "e2" {
		t.Errorf("order = %s,%s, want e1,e2", a.events[0].ID, a.events[1].ID)
	}
}

func TestMemoryBus_retriesOnlyFailedHandler(t *testing.T) {
	bus := NewMemoryBus(8, nil)
	ok, flaky := &recorder{}, &recorder{fail: 2}
	bus.Subscribe("ok", ok.handle)
	bus.Subscribe("flaky", flaky.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	bus.Publish(ctx, testEvent("e1", model.EventInstanceRejected))

	waitFor(t, func() bool { return flaky.count() == 1 })
	if ok.count() != 1 {
		t.Errorf("ok handler calls = %d, want 1", ok.count())
	}
}

func TestMemoryBus_recoversPanics(t *testing.T) {
	bus := NewMemoryBus(8, nil)
	after := &recorder{}
	bus.Subscribe("panics", func(context.Context, model.LifecycleEvent) error { panic("boom") })
	bus.Subscribe("after", after.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	bus.Publish(ctx, testEvent("e1", model.EventInstanceCreated))
	waitFor(t, func() bool { return after.count() == 1 })
}

func TestMemoryBus_publishAfterClose(t *testing.T) {
	bus := NewMemoryBus(1, nil)
	bus.Close()

	err := bus.Publish(context.Background(), testEvent("e1", model.EventInstanceCreated))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() error = %v, want ErrClosed", err)
	}
}

func TestMemoryBus_publishRespectsContextWhenFull(t *testing.T) {
	bus := NewMemoryBus(1, nil)
	bus.Publish(context.Background(), testEvent("e1", model.EventInstanceCreated))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, testEvent("e2", model.EventInstanceCreated))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Publish() error = %v, want DeadlineExceeded", err)
	}
}

func TestMemoryBus_closeReleasesBlockedPublisher(t *testing.T) {
	bus := NewMemoryBus(1, nil)
	bus.Publish(context.Background(), testEvent("e1", model.EventInstanceCreated))

	published := make(chan error, 1)
	go func() {
		published <- bus.Publish(context.Background(), testEvent("e2", model.EventInstanceCreated))
	}()
	time.Sleep(10 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		bus.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close() blocked behind a waiting publisher")
	}

	select {
	case err := <-published:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Publish() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish() still blocked after Close()")
	}

	done := make(chan struct{})
	go func() {
		bus.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return on a closed bus")
	}
}

func TestMemoryBus_drainsOnClose(t *testing.T) {
	bus := NewMemoryBus(4, nil)
	rec := &recorder{}
	bus.Subscribe("rec", rec.handle)

	bus.Publish(context.Background(), testEvent("e1", model.EventInstanceCreated))
	bus.Publish(context.Background(), testEvent("e2", model.EventInstanceCreated))

	done := make(chan struct{})
	go func() {
		bus.Run(context.Background())
		close(done)
	}()
	bus.Close()
	<-done

	if rec.count() != 2 {
		t.Errorf("delivered = %d, want 2", rec.count())
	}
}

package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 10)
	bus.Subscribe("profile.published", received)

	bus.Publish(Event{
		Type:       "profile.published",
		ProjectID:  "proj-1",
		OccurredAt: time.Now(),
		Payload:    map[string]string{"sensor_id": "sensor-1"},
	})

	select {
	case evt := <-received:
		if evt.Type != "profile.published" {
			t.Errorf("expected profile.published, got %s", evt.Type)
		}
		if evt.ProjectID != "proj-1" {
			t.Errorf("expected proj-1, got %s", evt.ProjectID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Event, 10)
	ch2 := make(chan Event, 10)
	bus.Subscribe("run.started", ch1)
	bus.Subscribe("run.started", ch2)

	bus.Publish(Event{Type: "run.started"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	runCh := make(chan Event, 10)
	sessionCh := make(chan Event, 10)
	bus.Subscribe("run.started", runCh)
	bus.Subscribe("capture_session.stopped", sessionCh)

	bus.Publish(Event{Type: "run.started"})

	select {
	case <-runCh:
	case <-time.After(time.Second):
		t.Fatal("run subscriber did not receive event")
	}

	select {
	case <-sessionCh:
		t.Fatal("session subscriber should NOT receive run.started event")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}

func TestBus_PublishBatch(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 100)
	bus.Subscribe("backfill.completed", received)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: "backfill.completed"})
		}()
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 50 {
		t.Errorf("expected 50 events, got %d", len(received))
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := New()
	received := make(chan Event, 1)
	bus.Subscribe("x", received)
	bus.Close()
	bus.Publish(Event{Type: "x"})

	select {
	case <-received:
		t.Fatal("expected no delivery after Close")
	case <-time.After(50 * time.Millisecond):
	}
}

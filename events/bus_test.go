package events

import "testing"

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := NewBus()
	received := make(chan TaskEvent, 1)
	b.Subscribe(TaskCompleted, func(payload interface{}) {
		if ev, ok := payload.(TaskEvent); ok {
			received <- ev
		}
	})

	b.Publish(TaskCompleted, TaskEvent{TaskID: "t1", Result: "ok"})

	select {
	case ev := <-received:
		if ev.TaskID != "t1" {
			t.Fatalf("expected t1, got %s", ev.TaskID)
		}
	default:
		t.Fatal("expected handler to run synchronously within Publish")
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	b := NewBus()
	b.Publish(TaskCompleted, TaskEvent{TaskID: "t1"})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	calls := 0
	sub := b.Subscribe(TaskFailed, func(payload interface{}) { calls++ })
	sub.Unsubscribe()

	b.Publish(TaskFailed, TaskEvent{TaskID: "t1"})
	if calls != 0 {
		t.Fatalf("expected no calls after unsubscribe, got %d", calls)
	}
}

func TestPublishRecoversFromPanickingHandler(t *testing.T) {
	b := NewBus()
	b.Subscribe(TaskCompleted, func(payload interface{}) { panic("boom") })
	b.Publish(TaskCompleted, TaskEvent{TaskID: "t1"}) // must not panic the caller
}

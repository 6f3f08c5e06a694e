package engine_test

import (
	"testing"

	"github.com/Adelost/decl-worker-api/internal/engine"
)

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	kinds := []string{engine.EventStepStart, engine.EventStepComplete, engine.EventPipelineComplete}
	for _, k := range kinds {
		b.Publish("j1", engine.Event{Kind: k, StepID: "a"})
	}
	b.Close("j1")

	var got []string
	for ev := range ch {
		got = append(got, ev.Kind)
	}

	if len(got) != len(kinds) {
		t.Fatalf("got %d events, want %d", len(got), len(kinds))
	}
	for i, k := range got {
		if k != kinds[i] {
			t.Errorf("event[%d] = %q, want %q", i, k, kinds[i])
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish("j1", engine.Event{Kind: engine.EventStepStart, StepID: "a"})
	b.Close("j1")

	var got1, got2 []engine.Event
	for ev := range ch1 {
		got1 = append(got1, ev)
	}
	for ev := range ch2 {
		got2 = append(got2, ev)
	}

	if len(got1) != 1 || got1[0].StepID != "a" {
		t.Errorf("subscriber 1 got %v, want one step a event", got1)
	}
	if len(got2) != 1 || got2[0].StepID != "a" {
		t.Errorf("subscriber 2 got %v, want one step a event", got2)
	}
}

func TestEventBrokerCloseClosesChannels(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	b.Close("j1")

	_, ok := <-ch
	if ok {
		t.Error("channel should be closed after Close()")
	}
}

func TestEventBrokerLateSubscriberGetsReplay(t *testing.T) {
	b := engine.NewEventBroker()
	b.Publish("j1", engine.Event{Kind: engine.EventStepStart, StepID: "a"})
	b.Publish("j1", engine.Event{Kind: engine.EventStepComplete, StepID: "a"})
	b.Close("j1")

	// Attaching after Close still yields the retained history, then
	// end-of-stream.
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	var got []engine.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("late subscriber got %d events, want 2 replayed", len(got))
	}
	if got[0].Kind != engine.EventStepStart || got[1].Kind != engine.EventStepComplete {
		t.Errorf("replayed kinds = [%s %s], want start then complete", got[0].Kind, got[1].Kind)
	}
}

func TestEventBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")

	b.Publish("j1", engine.Event{Kind: engine.EventStepStart})
	unsub()
	b.Publish("j1", engine.Event{Kind: engine.EventStepComplete})
	b.Close("j1")

	var got []engine.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Kind != engine.EventStepStart {
		t.Errorf("got %v, want only the event published before unsubscribe", got)
	}
}

func TestEventBrokerHistory(t *testing.T) {
	b := engine.NewEventBroker()
	b.Publish("j1", engine.Event{Kind: engine.EventStepStart, StepID: "a"})
	b.Publish("j1", engine.Event{Kind: engine.EventPipelineComplete})

	history := b.History("j1")
	if len(history) != 2 {
		t.Fatalf("history = %d events, want 2", len(history))
	}
	if history[1].Kind != engine.EventPipelineComplete {
		t.Errorf("history[1] = %s, want pipeline:complete", history[1].Kind)
	}

	if got := b.History("unknown"); got != nil {
		t.Errorf("History(unknown) = %v, want nil", got)
	}
}

func TestEventBrokerIsolatesTopics(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	b.Publish("j2", engine.Event{Kind: engine.EventStepStart})
	b.Close("j1")

	if _, ok := <-ch; ok {
		t.Error("subscriber received event published to a different job")
	}
}

package events

import "testing"

func TestBusDeliversToTopicSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	probes := bus.Subscribe(TopicProbeAttempted, 1)
	states := bus.Subscribe(TopicStatusChanged, 1)

	bus.Publish(TopicProbeAttempted, ProbeAttempted{Seq: 1, Result: "success"})

	evt := <-probes
	p, ok := evt.Payload.(ProbeAttempted)
	if !ok || p.Seq != 1 {
		t.Fatalf("unexpected event %+v", evt)
	}
	select {
	case e := <-states:
		t.Fatalf("status subscriber got %+v", e)
	default:
	}
}

func TestBusDropsWhenSaturated(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicCommand, 1)
	bus.Publish(TopicCommand, CommandReceived{Name: "a"})
	bus.Publish(TopicCommand, CommandReceived{Name: "b"})
	bus.Close()

	var got []string
	for evt := range ch {
		got = append(got, evt.Payload.(CommandReceived).Name)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected only first event, got %v", got)
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(TopicStatusChanged, StatusChanged{State: "running"})
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	bus := NewBus()
	bus.Close()
	if _, ok := <-bus.Subscribe(TopicStatusChanged, 1); ok {
		t.Fatal("expected closed channel")
	}
}

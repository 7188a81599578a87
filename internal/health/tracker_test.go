package health

import (
	"testing"
	"time"

	"mcpd/internal/events"
)

func TestTrackerSetAndSorted(t *testing.T) {
	tracker := NewTracker()
	tracker.Setf("b", LevelOK, "initialized")
	tracker.Setf("a", LevelWarn, "probe %d failed", 2)
	snap := tracker.Sorted()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].Name != "a" || snap[0].Message != "probe 2 failed" {
		t.Fatalf("unexpected first entry %+v", snap[0])
	}
}

func TestTrackerOverall(t *testing.T) {
	tracker := NewTracker()
	tracker.Setf("a", LevelOK, "ok")
	tracker.Setf("b", LevelWarn, "warn")
	if tracker.Overall() != LevelWarn {
		t.Fatalf("expected overall warn")
	}
	tracker.Setf("c", LevelError, "fail")
	if tracker.Overall() != LevelError {
		t.Fatalf("expected overall error")
	}
}

func TestTrackerObserveStatusChanges(t *testing.T) {
	tracker := NewTracker()
	bus := events.NewBus()
	defer bus.Close()
	tracker.Observe(bus)

	bus.Publish(events.TopicStatusChanged, events.StatusChanged{State: "failed", Reason: "health check failed after 5 attempts"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := tracker.Status(ComponentStartup); ok && st.Level == LevelError {
			if st.Message != "health check failed after 5 attempts" {
				t.Fatalf("unexpected message %q", st.Message)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tracker never observed failed status")
}

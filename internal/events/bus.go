package events

import (
	"sync"
	"time"
)

// Topic enumerates bus channels shared across mcpd subsystems.
type Topic string

const (
	TopicProbeAttempted Topic = "probe_attempted"
	TopicStatusChanged  Topic = "status_changed"
	TopicCommand        Topic = "command"
)

// Event represents a message broadcast on the event bus.
type Event struct {
	Topic   Topic
	Payload any
}

// ProbeAttempted is published after every self-probe, startup or heartbeat.
type ProbeAttempted struct {
	AttemptID  string
	Seq        int
	Result     string
	StatusCode int
	Latency    time.Duration
	Error      string
}

// StatusChanged announces a reported server outcome.
type StatusChanged struct {
	AttemptID string
	State     string
	Reason    string
	Attempts  int
	Address   string
}

// CommandReceived records a host command routed to the dispatcher.
type CommandReceived struct {
	Name   string
	Source string
	Error  string
}

// Bus is a simple pub/sub dispatcher for intra-process events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan Event
	closed bool
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers a buffered channel for a topic. The channel is closed
// when the bus closes.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish broadcasts an event to all subscribers without blocking. A nil bus
// is a no-op so components can run unwired in tests.
func (b *Bus) Publish(topic Topic, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	evt := Event{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
			// Saturated subscriber; size buffers for the expected burst.
		}
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}

package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"mcpd/internal/events"
)

// Component names used by mcpd.
const (
	ComponentListener = "listener"
	ComponentStartup  = "startup"
	ComponentMonitor  = "monitor"
	ComponentMQTT     = "mqtt"
	ComponentStatusDB = "status-db"
)

type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

type Status struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is a named status, as returned by Sorted.
type Entry struct {
	Name string
	Status
}

// Tracker maintains a thread-safe collection of component health statuses.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]Status), now: time.Now}
}

func (t *Tracker) Setf(name string, level Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	t.mu.Lock()
	t.statuses[name] = Status{Level: level, Message: msg, UpdatedAt: t.now().UTC()}
	t.mu.Unlock()
}

func (t *Tracker) Status(name string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[name]
	return s, ok
}

// Sorted returns a snapshot ordered by component name.
func (t *Tracker) Sorted() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.statuses))
	for name, st := range t.statuses {
		out = append(out, Entry{Name: name, Status: st})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Tracker) Overall() Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := LevelOK
	for _, st := range t.statuses {
		if st.Level > worst {
			worst = st.Level
		}
	}
	return worst
}

// Observe mirrors startup outcomes and heartbeat probe failures into the
// tracker until the bus closes.
func (t *Tracker) Observe(bus *events.Bus) {
	if bus == nil {
		return
	}
	states := bus.Subscribe(events.TopicStatusChanged, 16)
	probes := bus.Subscribe(events.TopicProbeAttempted, 64)
	go func() {
		for evt := range states {
			p, ok := evt.Payload.(events.StatusChanged)
			if !ok {
				continue
			}
			switch p.State {
			case "running":
				t.Setf(ComponentStartup, LevelOK, "running on %s after %d probe(s)", p.Address, p.Attempts)
				t.Setf(ComponentListener, LevelOK, "accepting on %s", p.Address)
			case "stopped":
				t.Setf(ComponentStartup, LevelWarn, "stopped: %s", p.Reason)
				t.Setf(ComponentListener, LevelWarn, "not listening")
			case "failed":
				t.Setf(ComponentStartup, LevelError, "%s", p.Reason)
				t.Setf(ComponentListener, LevelError, "not listening")
			default:
				t.Setf(ComponentStartup, LevelWarn, "startup %s", p.State)
			}
		}
	}()
	go func() {
		for evt := range probes {
			p, ok := evt.Payload.(events.ProbeAttempted)
			if !ok || p.Result == "success" {
				continue
			}
			t.Setf(ComponentListener, LevelWarn, "probe %d: %s", p.Seq, p.Result)
		}
	}()
}

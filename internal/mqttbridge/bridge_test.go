package mqttbridge

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mcpd/internal/health"
	"mcpd/internal/runtime/commands"
	"mcpd/internal/status"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	mqtt.Client
	opts *mqtt.ClientOptions

	mu           sync.Mutex
	connected    bool
	publishes    []published
	handlers     map[string]mqtt.MessageHandler
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
	return doneToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	c.mu.Lock()
	c.publishes = append(c.publishes, published{topic: topic, retained: retained, payload: s})
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	if c.handlers == nil {
		c.handlers = make(map[string]mqtt.MessageHandler)
	}
	c.handlers[topic] = cb
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeClient) lastOn(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.publishes) - 1; i >= 0; i-- {
		if c.publishes[i].topic == topic {
			return c.publishes[i], true
		}
	}
	return published{}, false
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingDispatcher struct {
	cmds chan commands.Command
}

func (d *recordingDispatcher) Dispatch(_ context.Context, cmd commands.Command) (commands.Response, error) {
	d.cmds <- cmd
	return nil, nil
}

func newBridge(t *testing.T) (*Bridge, *fakeClient, *recordingDispatcher, *health.Tracker) {
	t.Helper()
	fc := &fakeClient{}
	d := &recordingDispatcher{cmds: make(chan commands.Command, 4)}
	tracker := health.NewTracker()
	b := New(Config{Broker: "tcp://broker.local:1883", ClientID: "mcpd", Topic: "domoticz/mcp", QoS: 1}, d,
		WithTracker(tracker),
		WithLogger(log.New(io.Discard, "", 0)),
		WithClientFactory(func(o *mqtt.ClientOptions) mqtt.Client {
			fc.opts = o
			return fc
		}))
	return b, fc, d, tracker
}

func TestStartConfiguresWillAndAnnouncesOnline(t *testing.T) {
	b, fc, _, tracker := newBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !fc.opts.WillEnabled || fc.opts.WillTopic != "domoticz/mcp/availability" || string(fc.opts.WillPayload) != "offline" {
		t.Fatalf("unexpected will %q %q", fc.opts.WillTopic, fc.opts.WillPayload)
	}
	p, ok := fc.lastOn("domoticz/mcp/availability")
	if !ok || p.payload != "online" || !p.retained {
		t.Fatalf("unexpected availability %+v", p)
	}
	if st, _ := tracker.Status(health.ComponentMQTT); st.Level != health.LevelOK {
		t.Fatalf("mqtt health %+v", st)
	}
}

func TestReportPublishesRetainedState(t *testing.T) {
	b, fc, _, _ := newBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	out, _ := status.NewPending("a1", "0.0.0.0:8765").Running(1)
	if err := b.Report(context.Background(), out); err != nil {
		t.Fatalf("report: %v", err)
	}
	p, ok := fc.lastOn("domoticz/mcp/state")
	if !ok || !p.retained {
		t.Fatalf("missing state publish")
	}
	var got StatePayload
	if err := json.Unmarshal([]byte(p.payload), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "running" || got.Switch != "On" || got.AttemptID != "a1" || got.Attempts != 1 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestReportBeforeConnectIsReplayed(t *testing.T) {
	b, fc, _, _ := newBridge(t)
	out, _ := status.NewPending("a2", "0.0.0.0:8765").Failed(0, "bind error: address already in use")
	if err := b.Report(context.Background(), out); err != nil {
		t.Fatalf("report: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p, ok := fc.lastOn("domoticz/mcp/state")
	if !ok {
		t.Fatal("state not replayed on connect")
	}
	var got StatePayload
	_ = json.Unmarshal([]byte(p.payload), &got)
	if got.State != "failed" || got.Switch != "Off" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestCommandsRouteToDispatcher(t *testing.T) {
	b, fc, d, _ := newBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for payload, want := range map[string]string{
		"On":      commands.CommandStart,
		" off ":   commands.CommandStop,
		"Restart": commands.CommandRestart,
	} {
		fc.deliver("domoticz/mcp/set", payload)
		select {
		case cmd := <-d.cmds:
			if cmd.Name != want || cmd.Source != "mqtt" {
				t.Fatalf("payload %q: unexpected cmd %+v", payload, cmd)
			}
		case <-time.After(time.Second):
			t.Fatalf("payload %q: no command dispatched", payload)
		}
	}

	fc.deliver("domoticz/mcp/set", "Dim 40%")
	select {
	case cmd := <-d.cmds:
		t.Fatalf("unexpected dispatch %+v", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopPublishesOffline(t *testing.T) {
	b, fc, _, _ := newBridge(t)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	p, _ := fc.lastOn("domoticz/mcp/availability")
	if p.payload != "offline" || !fc.disconnected {
		t.Fatalf("unexpected stop state %+v disconnected=%v", p, fc.disconnected)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

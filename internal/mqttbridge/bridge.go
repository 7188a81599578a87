// Package mqttbridge publishes server status to an MQTT broker and turns
// switch commands from the host into dispatcher commands.
//
// Topics, relative to Config.Topic:
//
//	<topic>/state         retained JSON outcome
//	<topic>/availability  retained "online" / "offline" (last will)
//	<topic>/set           commands: On, Off, Restart, Status
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mcpd/internal/health"
	"mcpd/internal/runtime/commands"
	"mcpd/internal/status"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
	defaultTimeout      = 5 * time.Second
)

// Dispatcher routes commands received from the broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd commands.Command) (commands.Response, error)
}

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
}

func (c Config) stateTopic() string        { return c.Topic + "/state" }
func (c Config) availabilityTopic() string { return c.Topic + "/availability" }
func (c Config) commandTopic() string      { return c.Topic + "/set" }

// StatePayload is the retained document on <topic>/state.
type StatePayload struct {
	State     string    `json:"state"`
	Switch    string    `json:"switch"`
	Message   string    `json:"message"`
	Reason    string    `json:"reason,omitempty"`
	Address   string    `json:"address"`
	Attempts  int       `json:"attempts"`
	AttemptID string    `json:"attempt_id"`
	At        time.Time `json:"at"`
}

func newStatePayload(o status.Outcome) StatePayload {
	sw := "Off"
	if o.IsRunning() {
		sw = "On"
	}
	return StatePayload{
		State:     o.State.String(),
		Switch:    sw,
		Message:   o.Message(),
		Reason:    o.Reason,
		Address:   o.Address,
		Attempts:  o.Attempts,
		AttemptID: o.AttemptID,
		At:        o.At,
	}
}

// Bridge is both a status.Reporter and a daemon component.
type Bridge struct {
	cfg        Config
	dispatcher Dispatcher
	tracker    *health.Tracker
	logger     *log.Logger
	newClient  func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
	last   *StatePayload
}

type Option func(*Bridge)

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(fn func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(b *Bridge) { b.newClient = fn }
}

func WithTracker(t *health.Tracker) Option {
	return func(b *Bridge) { b.tracker = t }
}

func WithLogger(l *log.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

func New(cfg Config, d Dispatcher, opts ...Option) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	b := &Bridge{
		cfg:        cfg,
		dispatcher: d,
		logger:     log.Default(),
		newClient:  mqtt.NewClient,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) Name() string { return health.ComponentMQTT }

func (b *Bridge) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(b.cfg.Timeout).
		SetWill(b.cfg.availabilityTopic(), availabilityOffline, b.cfg.QoS, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Printf("WARN: MQTT connection lost: %v", err)
			b.setHealth(health.LevelWarn, "connection lost: %v", err)
		})
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	return opts
}

// Start connects to the broker. An unreachable broker is not fatal: the
// client keeps retrying in the background and publishes on connect.
func (b *Bridge) Start(ctx context.Context) error {
	client := b.newClient(b.options())
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	tok := client.Connect()
	if !waitToken(ctx, tok, b.cfg.Timeout) {
		b.logger.Printf("WARN: MQTT broker %s not reachable yet; retrying in background", b.cfg.Broker)
		b.setHealth(health.LevelWarn, "connecting to %s", b.cfg.Broker)
		return nil
	}
	if err := tok.Error(); err != nil {
		b.logger.Printf("WARN: MQTT connect %s: %v", b.cfg.Broker, err)
		b.setHealth(health.LevelWarn, "connect: %v", err)
	}
	return nil
}

func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Printf("INFO: MQTT connected to %s", b.cfg.Broker)
	b.setHealth(health.LevelOK, "connected to %s", b.cfg.Broker)
	// Handlers must not block on tokens; results are checked asynchronously.
	client.Subscribe(b.cfg.commandTopic(), b.cfg.QoS, b.handleMessage)
	client.Publish(b.cfg.availabilityTopic(), b.cfg.QoS, true, availabilityOnline)

	b.mu.Lock()
	last := b.last
	b.mu.Unlock()
	if last != nil {
		if payload, err := json.Marshal(last); err == nil {
			client.Publish(b.cfg.stateTopic(), b.cfg.QoS, true, payload)
		}
	}
}

// Report publishes o as the retained state. While disconnected the state is
// kept and published on the next connect.
func (b *Bridge) Report(ctx context.Context, o status.Outcome) error {
	p := newStatePayload(o)
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("mqtt state: %w", err)
	}
	b.mu.Lock()
	b.last = &p
	client := b.client
	b.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return nil
	}
	tok := client.Publish(b.cfg.stateTopic(), b.cfg.QoS, true, payload)
	if !waitToken(ctx, tok, b.cfg.Timeout) {
		return errors.New("mqtt state: publish timed out")
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt state: %w", err)
	}
	return nil
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	name, ok := commandFor(string(msg.Payload()))
	if !ok {
		b.logger.Printf("WARN: MQTT ignoring command %q on %s", msg.Payload(), msg.Topic())
		return
	}
	// Lifecycle commands can take seconds; keep the paho router free.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := b.dispatcher.Dispatch(ctx, commands.Command{Name: name, Source: "mqtt"}); err != nil {
			b.logger.Printf("WARN: MQTT command %s: %v", name, err)
		}
	}()
}

func commandFor(payload string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on", "1", "start":
		return commands.CommandStart, true
	case "off", "0", "stop":
		return commands.CommandStop, true
	case "restart":
		return commands.CommandRestart, true
	case "status":
		return commands.CommandStatus, true
	}
	return "", false
}

// Stop marks the bridge offline and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client == nil {
		return nil
	}
	if client.IsConnected() {
		tok := client.Publish(b.cfg.availabilityTopic(), b.cfg.QoS, true, availabilityOffline)
		waitToken(ctx, tok, b.cfg.Timeout)
	}
	client.Disconnect(250)
	return nil
}

func (b *Bridge) setHealth(level health.Level, format string, args ...any) {
	if b.tracker != nil {
		b.tracker.Setf(health.ComponentMQTT, level, format, args...)
	}
}

// waitToken waits for tok, bounded by timeout and ctx.
func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Package plugin owns the management server lifecycle for the host: the
// initial startup, operator start/stop/restart commands and heartbeat-driven
// restarts bounded by a restart ceiling.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpd/internal/api"
	"mcpd/internal/events"
	"mcpd/internal/netaddr"
	"mcpd/internal/runtime/commands"
	"mcpd/internal/runtime/supervisor"
	"mcpd/internal/status"
)

// ErrMaxRestarts is returned by Heartbeat once the restart ceiling is hit.
var ErrMaxRestarts = errors.New("plugin: max restarts exceeded")

// Prober is the probe surface used for heartbeats and info enrichment.
type Prober interface {
	supervisor.Prober
	Info(ctx context.Context, target netaddr.ProbeTarget, timeout time.Duration) (api.InfoResponse, error)
}

// RestartObserver is told about every heartbeat-driven restart.
type RestartObserver interface {
	ObserveRestart()
}

type Config struct {
	// Name is the service name /info must carry to be trusted.
	Name         string
	Bind         netaddr.BindSpec
	Startup      supervisor.Options
	MaxRestarts  int
	RestartDelay time.Duration
	AutoStart    bool
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State           status.State
	Address         string
	ProbeAddress    string
	StartedAt       time.Time
	Uptime          time.Duration
	LastCheck       time.Time
	RestartAttempts int
	Last            status.Outcome
}

// Controller serializes lifecycle operations on one management server.
type Controller struct {
	cfg      Config
	startup  *supervisor.Startup
	prober   Prober
	reporter status.Reporter
	restarts RestartObserver
	bus      *events.Bus
	logger   *log.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	// opMu serializes Start/Stop/Restart/Heartbeat. Reporters may call back
	// into Snapshot while it is held, so state lives under stateMu.
	opMu   sync.Mutex
	handle supervisor.Handle

	stateMu         sync.RWMutex
	last            status.Outcome
	startedAt       time.Time
	lastCheck       time.Time
	restartAttempts int
	operatorStopped bool
	exhausted       bool
	closed          bool
}

type Option func(*Controller)

func WithLogger(l *log.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRestartObserver counts heartbeat restarts, typically into metrics.
func WithRestartObserver(o RestartObserver) Option {
	return func(c *Controller) { c.restarts = o }
}

// WithBus publishes the transitions the controller reports itself.
func WithBus(b *events.Bus) Option {
	return func(c *Controller) { c.bus = b }
}

// WithSleep replaces the restart delay wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New builds a controller. reporter receives the transitions the controller
// produces itself (stop, restart ceiling); startup outcomes are reported by
// the Startup.
func New(cfg Config, startup *supervisor.Startup, prober Prober, reporter status.Reporter, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		startup:  startup,
		prober:   prober,
		reporter: reporter,
		logger:   log.Default(),
		sleep:    sleepContext,
		last:     status.NewPending("", cfg.Bind.Addr()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Boot performs the initial startup, or records a stopped state when auto
// start is disabled.
func (c *Controller) Boot(ctx context.Context) status.Outcome {
	if !c.cfg.AutoStart {
		out := status.Stopped(uuid.NewString(), c.cfg.Bind.Addr(), "auto-start disabled")
		c.stateMu.Lock()
		c.operatorStopped = true
		c.last = out
		c.stateMu.Unlock()
		c.report(ctx, out)
		return out
	}
	return c.Start(ctx)
}

// Start runs a startup sequence unless the server is already running.
func (c *Controller) Start(ctx context.Context) status.Outcome {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stateMu.Lock()
	c.operatorStopped = false
	c.exhausted = false
	c.stateMu.Unlock()
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) status.Outcome {
	if c.handle != nil || c.isClosed() {
		return c.Snapshot().Last
	}
	out, h := c.startup.Run(ctx, c.cfg.Bind, c.cfg.Startup)
	c.handle = h

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.last = out
	c.lastCheck = out.At
	if out.IsRunning() {
		c.startedAt = out.At
		c.restartAttempts = 0
	}
	return out
}

// Stop shuts the server down and suppresses heartbeat restarts until the
// next Start.
func (c *Controller) Stop(ctx context.Context, reason string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stateMu.Lock()
	c.operatorStopped = true
	c.stateMu.Unlock()
	return c.stopLocked(ctx, reason)
}

func (c *Controller) stopLocked(ctx context.Context, reason string) error {
	if c.handle == nil {
		return nil
	}
	err := c.handle.Stop(ctx)
	c.handle = nil

	last := c.Snapshot().Last
	out := status.Stopped(last.AttemptID, last.Address, reason)
	c.stateMu.Lock()
	c.last = out
	c.startedAt = time.Time{}
	c.stateMu.Unlock()
	c.report(ctx, out)
	if err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}

// Restart stops a running server and starts a fresh startup sequence.
func (c *Controller) Restart(ctx context.Context) status.Outcome {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stateMu.Lock()
	c.operatorStopped = false
	c.exhausted = false
	c.stateMu.Unlock()
	if err := c.stopLocked(ctx, "restart requested"); err != nil {
		c.logger.Printf("WARN: %v", err)
	}
	return c.startLocked(ctx)
}

// Heartbeat probes a running server once and restarts it on failure. A
// server that is down without an operator stop is restarted as well. At most
// MaxRestarts consecutive restarts are attempted.
func (c *Controller) Heartbeat(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	snap := c.Snapshot()
	c.stateMu.RLock()
	stopped, exhausted := c.operatorStopped || c.closed, c.exhausted
	c.stateMu.RUnlock()
	if stopped {
		return nil
	}
	if exhausted {
		return ErrMaxRestarts
	}

	if c.handle != nil {
		target := netaddr.BindSpec{Host: c.cfg.Bind.Host, Port: c.handle.Port()}.ProbeTarget()
		a := c.prober.Health(ctx, target, c.cfg.Startup.AttemptTimeout)
		c.stateMu.Lock()
		c.lastCheck = time.Now().UTC()
		c.stateMu.Unlock()
		if a.OK() {
			return nil
		}
		c.logger.Printf("WARN: Heartbeat failed: %s", a)
		if err := c.handle.Stop(ctx); err != nil {
			c.logger.Printf("WARN: stopping unhealthy server: %v", err)
		}
		c.handle = nil
	}

	if snap.RestartAttempts >= c.cfg.MaxRestarts {
		out, _ := status.NewPending(uuid.NewString(), c.cfg.Bind.Addr()).Failed(snap.RestartAttempts, "max restarts exceeded")
		c.stateMu.Lock()
		c.exhausted = true
		c.last = out
		c.stateMu.Unlock()
		c.report(ctx, out)
		return ErrMaxRestarts
	}

	c.stateMu.Lock()
	c.restartAttempts++
	attempt := c.restartAttempts
	c.stateMu.Unlock()
	if c.restarts != nil {
		c.restarts.ObserveRestart()
	}
	c.logger.Printf("INFO: Restarting server (attempt %d/%d)", attempt, c.cfg.MaxRestarts)
	if err := c.sleep(ctx, c.cfg.RestartDelay); err != nil {
		return err
	}
	if out := c.startLocked(ctx); !out.IsRunning() {
		return fmt.Errorf("restart %d: %s", attempt, out.Reason)
	}
	return nil
}

// Snapshot returns the current state without blocking on lifecycle work.
func (c *Controller) Snapshot() Snapshot {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	s := Snapshot{
		State:           c.last.State,
		Address:         c.last.Address,
		StartedAt:       c.startedAt,
		LastCheck:       c.lastCheck,
		RestartAttempts: c.restartAttempts,
		Last:            c.last,
	}
	if s.Address == "" {
		s.Address = c.cfg.Bind.Addr()
	}
	s.ProbeAddress = c.cfg.Bind.ProbeTarget().Addr()
	if !c.startedAt.IsZero() {
		s.Uptime = time.Since(c.startedAt)
	}
	return s
}

// DeviceInfo supplies the info device document fields. The server's own
// /info payload is merged in when it answers with the configured service
// name; reporters run before the controller records the new state, so the
// fetch is attempted regardless. A bind error means the port belongs to
// another process and is not queried.
func (c *Controller) DeviceInfo(ctx context.Context, out status.Outcome) map[string]any {
	snap := c.Snapshot()
	doc := map[string]any{
		"host":             c.cfg.Bind.Host,
		"port":             c.cfg.Bind.Port,
		"uptime":           int64(snap.Uptime.Seconds()),
		"restart_attempts": snap.RestartAttempts,
	}
	if !snap.LastCheck.IsZero() {
		doc["last_check"] = snap.LastCheck.Format(time.RFC3339)
	}
	if c.prober == nil || out.IsBindError() {
		return doc
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	info, err := c.prober.Info(ctx, c.cfg.Bind.ProbeTarget(), time.Second)
	if err != nil || (c.cfg.Name != "" && info.Name != c.cfg.Name) {
		return doc
	}
	doc["name"] = info.Name
	doc["version"] = info.Version
	doc["address"] = info.Address
	return doc
}

// RegisterCommands installs the server.* command handlers.
func (c *Controller) RegisterCommands(d *commands.Dispatcher) {
	d.Register(commands.CommandStart, commands.HandlerFunc(func(ctx context.Context, _ commands.Command) (commands.Response, error) {
		out := c.Start(ctx)
		if !out.IsRunning() {
			return out.Message(), errors.New(out.Message())
		}
		return out.Message(), nil
	}))
	d.Register(commands.CommandStop, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		reason := "stopped by " + cmd.Source
		if cmd.Source == "" {
			reason = "stopped by operator"
		}
		if err := c.Stop(ctx, reason); err != nil {
			return nil, err
		}
		return c.Snapshot().Last.Message(), nil
	}))
	d.Register(commands.CommandRestart, commands.HandlerFunc(func(ctx context.Context, _ commands.Command) (commands.Response, error) {
		out := c.Restart(ctx)
		if !out.IsRunning() {
			return out.Message(), errors.New(out.Message())
		}
		return out.Message(), nil
	}))
	d.Register(commands.CommandStatus, commands.HandlerFunc(func(context.Context, commands.Command) (commands.Response, error) {
		return c.Snapshot(), nil
	}))
}

// Close stops the server for good. Later heartbeats and starts are no-ops.
func (c *Controller) Close(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stateMu.Lock()
	c.closed = true
	c.stateMu.Unlock()
	return c.stopLocked(ctx, "shutdown")
}

func (c *Controller) isClosed() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.closed
}

func (c *Controller) report(ctx context.Context, out status.Outcome) {
	c.bus.Publish(events.TopicStatusChanged, events.StatusChanged{
		AttemptID: out.AttemptID,
		State:     out.State.String(),
		Reason:    out.Reason,
		Attempts:  out.Attempts,
		Address:   out.Address,
	})
	if c.reporter == nil {
		return
	}
	if err := c.reporter.Report(context.WithoutCancel(ctx), out); err != nil {
		c.logger.Printf("WARN: status report: %v", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

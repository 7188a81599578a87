// Package daemon wires mcpd's subsystems together and runs them until the
// process is told to stop.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"mcpd/internal/api"
	"mcpd/internal/config"
	"mcpd/internal/events"
	"mcpd/internal/health"
	"mcpd/internal/metrics"
	"mcpd/internal/monitor"
	"mcpd/internal/mqttbridge"
	"mcpd/internal/netaddr"
	"mcpd/internal/plugin"
	"mcpd/internal/probe"
	"mcpd/internal/runtime/commands"
	"mcpd/internal/runtime/supervisor"
	"mcpd/internal/server"
	"mcpd/internal/status"
)

const shutdownTimeout = 10 * time.Second

// Daemon is one assembled mcpd process.
type Daemon struct {
	cfg        config.Config
	bus        *events.Bus
	tracker    *health.Tracker
	metrics    *metrics.Metrics
	store      *status.DeviceStore
	dispatcher *commands.Dispatcher
	controller *plugin.Controller
	components supervisor.Group
}

// Option adjusts assembly, mainly for tests.
type Option func(*assembly)

type assembly struct {
	extraReporters []status.Reporter
	systemd        bool
}

// WithReporter adds a status sink.
func WithReporter(r status.Reporter) Option {
	return func(a *assembly) { a.extraReporters = append(a.extraReporters, r) }
}

// WithoutSystemd skips sd_notify reporting.
func WithoutSystemd() Option {
	return func(a *assembly) { a.systemd = false }
}

// New assembles the daemon from cfg.
func New(cfg config.Config, version string, opts ...Option) (*Daemon, error) {
	a := &assembly{systemd: true}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	d := &Daemon{
		cfg:        cfg,
		bus:        events.NewBus(),
		tracker:    health.NewTracker(),
		metrics:    metrics.New(),
		dispatcher: commands.NewDispatcher(),
	}
	d.tracker.Observe(d.bus)
	d.metrics.Observe(d.bus)
	d.dispatcher.Use(commands.Publish(d.bus))

	reporters := status.Multi{status.LogReporter{}}
	if a.systemd {
		reporters = append(reporters, status.NewSystemdReporter())
	}
	var history plugin.HistorySource
	if cfg.StatusDB != "" {
		store, err := status.OpenDeviceStore(cfg.StatusDB)
		if err != nil {
			return nil, fmt.Errorf("status store: %w", err)
		}
		d.store = store
		history = store
		reporters = append(reporters, store)
		d.tracker.Setf(health.ComponentStatusDB, health.LevelOK, "%s", cfg.StatusDB)
	}
	var bridge *mqttbridge.Bridge
	if cfg.MQTT.Enabled() {
		bridge = mqttbridge.New(mqttbridge.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		}, d.dispatcher, mqttbridge.WithTracker(d.tracker))
		reporters = append(reporters, bridge)
	}
	reporters = append(reporters, a.extraReporters...)

	var proberOpts []probe.Option
	if cfg.APIValidate {
		v, err := api.NewValidator()
		if err != nil {
			d.closeStore()
			return nil, fmt.Errorf("openapi validator: %w", err)
		}
		proberOpts = append(proberOpts, probe.WithValidator(v))
	}
	prober := probe.New(proberOpts...)

	// The controller and the routes it serves refer to each other, so the
	// route set is bound through a closure resolved at first Start.
	var ctrl *plugin.Controller
	srv, err := server.New(
		server.WithName(cfg.Name),
		server.WithVersion(version),
		server.WithHealthTracker(d.tracker),
		server.WithMetrics(d.metrics),
		server.WithAPIValidation(cfg.APIValidate),
		server.WithAllowedOrigins(cfg.AllowedOrigins...),
		server.WithMaxConnections(cfg.MaxConnections),
		server.WithRoutes(func(r gin.IRouter) { ctrl.Routes(history)(r) }),
	)
	if err != nil {
		d.closeStore()
		return nil, err
	}

	startup := supervisor.NewStartup(listenerFor(srv), prober, reporters, supervisor.WithBus(d.bus))
	ctrl = plugin.New(plugin.Config{
		Name: cfg.Name,
		Bind: cfg.Bind,
		Startup: supervisor.Options{
			MaxAttempts:    cfg.Startup.Attempts,
			Interval:       cfg.Startup.Interval.Std(),
			AttemptTimeout: cfg.Startup.ProbeTimeout.Std(),
		},
		MaxRestarts:  cfg.Monitor.MaxRestarts,
		RestartDelay: cfg.Monitor.RestartDelay.Std(),
		AutoStart:    cfg.AutoStart,
	}, startup, prober, reporters, plugin.WithRestartObserver(d.metrics), plugin.WithBus(d.bus))
	ctrl.RegisterCommands(d.dispatcher)
	if d.store != nil {
		d.store.SetInfoSource(ctrl.DeviceInfo)
	}
	d.controller = ctrl

	// Stopped in reverse: the monitor goes first so no heartbeat can restart
	// the server during shutdown, and the bridge last so it still sees the
	// final stopped outcome.
	if bridge != nil {
		d.components.Add(bridge)
	}
	d.components.Add(supervisor.Func{
		ComponentName: "controller",
		OnStart: func(ctx context.Context) error {
			out := ctrl.Boot(ctx)
			log.Printf("INFO: mcpd %s: %s", cfg.Name, out.Message())
			return nil
		},
		OnStop: ctrl.Close,
	})
	d.components.Add(monitor.New(ctrl, cfg.Monitor.Interval.Std(), monitor.WithTracker(d.tracker)))
	return d, nil
}

// listenerFor adapts the server so a failed Start yields a nil interface.
func listenerFor(srv *server.Server) supervisor.Listener {
	return supervisor.ListenerFunc(func(spec netaddr.BindSpec) (supervisor.Handle, error) {
		h, err := srv.Start(spec)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
}

// Controller exposes the lifecycle controller.
func (d *Daemon) Controller() *plugin.Controller { return d.controller }

// Dispatcher exposes the command dispatcher.
func (d *Daemon) Dispatcher() *commands.Dispatcher { return d.dispatcher }

// Run starts every component, including the initial startup, and blocks
// until ctx ends or SIGINT/SIGTERM arrives. SIGHUP restarts the server.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if err := d.components.Start(ctx); err != nil {
		d.shutdown()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("INFO: Shutting down")
			return d.shutdown()
		case <-hup:
			log.Printf("INFO: SIGHUP received, restarting server")
			if _, err := d.dispatcher.Dispatch(ctx, commands.Command{Name: commands.CommandRestart, Source: "signal"}); err != nil {
				log.Printf("WARN: restart: %v", err)
			}
		}
	}
}

func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := d.components.Stop(ctx)
	// Close again in case the group never reached the controller.
	if closeErr := d.controller.Close(ctx); closeErr != nil && err == nil {
		err = closeErr
	}
	d.closeStore()
	d.bus.Close()
	return err
}

func (d *Daemon) closeStore() {
	if d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		log.Printf("WARN: closing status store: %v", err)
	}
}

// Package monitor drives the periodic heartbeat that keeps the management
// server alive, and pings the systemd watchdog when one is configured.
package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mcpd/internal/health"
)

// Heartbeater checks the server once per tick and repairs it if needed.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// Monitor runs heartbeats on a fixed interval.
type Monitor struct {
	target   Heartbeater
	interval time.Duration
	tracker  *health.Tracker
	logger   *log.Logger

	watchdogInterval func() (time.Duration, error)
	notify           func(state string) error

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Monitor)

func WithTracker(t *health.Tracker) Option {
	return func(m *Monitor) { m.tracker = t }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithWatchdog overrides systemd watchdog discovery and notification.
func WithWatchdog(interval func() (time.Duration, error), notify func(state string) error) Option {
	return func(m *Monitor) {
		m.watchdogInterval = interval
		m.notify = notify
	}
}

func New(target Heartbeater, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		target:   target,
		interval: interval,
		logger:   log.Default(),
		watchdogInterval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
		notify: func(state string) error {
			_, err := daemon.SdNotify(false, state)
			return err
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Name() string { return health.ComponentMonitor }

// Start launches the heartbeat loop. The loop ends on Stop or when ctx is
// cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	if m.interval <= 0 {
		return errors.New("monitor: interval must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	m.wg.Add(1)
	go m.heartbeatLoop(loopCtx)

	if wd, err := m.watchdogInterval(); err != nil {
		m.logger.Printf("WARN: systemd watchdog: %v", err)
	} else if wd > 0 {
		m.wg.Add(1)
		go m.watchdogLoop(loopCtx, wd/2)
	}
	m.setHealth(health.LevelOK, "every %s", m.interval)
	return nil
}

// Stop ends the loops and waits for an in-flight heartbeat to finish.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(ctx)
		}
	}
}

func (m *Monitor) beat(ctx context.Context) {
	err := m.target.Heartbeat(ctx)
	switch {
	case err == nil:
		m.setHealth(health.LevelOK, "last heartbeat %s", time.Now().UTC().Format(time.RFC3339))
	case errors.Is(err, context.Canceled):
	default:
		m.logger.Printf("WARN: Heartbeat: %v", err)
		m.setHealth(health.LevelError, "%v", err)
	}
}

func (m *Monitor) watchdogLoop(ctx context.Context, every time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.notify(daemon.SdNotifyWatchdog); err != nil {
				m.logger.Printf("WARN: watchdog notify: %v", err)
			}
		}
	}
}

func (m *Monitor) setHealth(level health.Level, format string, args ...any) {
	if m.tracker != nil {
		m.tracker.Setf(health.ComponentMonitor, level, format, args...)
	}
}

package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"mcpd/internal/events"
	"mcpd/internal/netaddr"
	"mcpd/internal/probe"
	"mcpd/internal/status"
)

// Handle is a bound listener as seen by the startup loop.
type Handle interface {
	Port() int
	Stop(ctx context.Context) error
}

// Listener binds a management socket and serves it in the background.
type Listener interface {
	Start(spec netaddr.BindSpec) (Handle, error)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(spec netaddr.BindSpec) (Handle, error)

func (f ListenerFunc) Start(spec netaddr.BindSpec) (Handle, error) { return f(spec) }

// Prober performs one bounded health probe.
type Prober interface {
	Health(ctx context.Context, target netaddr.ProbeTarget, timeout time.Duration) probe.Attempt
}

// Options bound the startup probe loop.
type Options struct {
	MaxAttempts    int
	Interval       time.Duration
	AttemptTimeout time.Duration
}

const (
	DefaultMaxAttempts    = 5
	DefaultInterval       = time.Second
	DefaultAttemptTimeout = 3 * time.Second
)

func DefaultOptions() Options {
	return Options{
		MaxAttempts:    DefaultMaxAttempts,
		Interval:       DefaultInterval,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Interval < 0 {
		o.Interval = 0
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	return o
}

// Startup runs the bind, probe and report sequence for one listener.
type Startup struct {
	listener Listener
	prober   Prober
	reporter status.Reporter
	bus      *events.Bus
	logger   *log.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	newID    func() string
}

type StartupOption func(*Startup)

// WithBus publishes probe attempts and outcomes.
func WithBus(b *events.Bus) StartupOption {
	return func(s *Startup) { s.bus = b }
}

func WithLogger(l *log.Logger) StartupOption {
	return func(s *Startup) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) StartupOption {
	return func(s *Startup) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithIDFunc replaces the attempt ID generator.
func WithIDFunc(fn func() string) StartupOption {
	return func(s *Startup) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStartup wires a startup sequence. A nil reporter discards outcomes.
func NewStartup(l Listener, p Prober, r status.Reporter, opts ...StartupOption) *Startup {
	s := &Startup{
		listener: l,
		prober:   p,
		reporter: r,
		logger:   log.Default(),
		sleep:    sleepContext,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run binds spec, probes the listener until it answers or the attempt
// ceiling is reached, and reports the outcome exactly once. The handle is
// non-nil only when the outcome is Running; on any other outcome the
// listener has already been stopped.
func (s *Startup) Run(ctx context.Context, spec netaddr.BindSpec, opts Options) (status.Outcome, Handle) {
	opts = opts.withDefaults()
	pending := status.NewPending(s.newID(), spec.Addr())

	h, err := s.listener.Start(spec)
	if err != nil {
		out, _ := pending.Failed(0, status.BindErrorPrefix+err.Error())
		s.report(ctx, out)
		return out, nil
	}

	bound := netaddr.BindSpec{Host: spec.Host, Port: h.Port()}
	pending.Address = bound.Addr()
	// Resolved once; every attempt targets the same address.
	target := bound.ProbeTarget()
	s.logger.Printf("INFO: Probing %s (bind %s, up to %d attempts)", target.URL("/health"), bound.Addr(), opts.MaxAttempts)

	out := s.probeLoop(ctx, pending, target, opts)
	s.report(ctx, out)
	if !out.IsRunning() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Stop(stopCtx); err != nil {
			s.logger.Printf("WARN: stopping listener after failed startup: %v", err)
		}
		return out, nil
	}
	return out, h
}

func (s *Startup) probeLoop(ctx context.Context, pending status.Outcome, target netaddr.ProbeTarget, opts Options) status.Outcome {
	attempts := 0
	for attempts < opts.MaxAttempts {
		if ctx.Err() != nil {
			break
		}
		attempts++
		a := s.prober.Health(ctx, target, opts.AttemptTimeout)
		a.Seq = attempts
		s.publishAttempt(pending.AttemptID, a)
		if a.OK() {
			out, _ := pending.Running(attempts)
			return out
		}
		s.logger.Printf("WARN: Health %s", a)
		if attempts == opts.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, opts.Interval); err != nil {
			break
		}
	}
	if ctx.Err() != nil && attempts < opts.MaxAttempts {
		out, _ := pending.Failed(attempts, fmt.Sprintf("startup cancelled after %d attempts", attempts))
		return out
	}
	out, _ := pending.Failed(attempts, fmt.Sprintf("health check failed after %d attempts", attempts))
	return out
}

func (s *Startup) publishAttempt(id string, a probe.Attempt) {
	evt := events.ProbeAttempted{
		AttemptID:  id,
		Seq:        a.Seq,
		Result:     a.Result.String(),
		StatusCode: a.StatusCode,
		Latency:    a.Latency,
	}
	if a.Err != nil {
		evt.Error = a.Err.Error()
	}
	s.bus.Publish(events.TopicProbeAttempted, evt)
}

func (s *Startup) report(ctx context.Context, out status.Outcome) {
	s.bus.Publish(events.TopicStatusChanged, events.StatusChanged{
		AttemptID: out.AttemptID,
		State:     out.State.String(),
		Reason:    out.Reason,
		Attempts:  out.Attempts,
		Address:   out.Address,
	})
	if s.reporter == nil {
		return
	}
	// Reporting must not be skipped because the caller's context ended.
	if err := s.reporter.Report(context.WithoutCancel(ctx), out); err != nil {
		s.logger.Printf("WARN: status report for %s: %v", out.AttemptID, err)
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

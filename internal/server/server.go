package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"

	apidocs "mcpd/docs/api"
	"mcpd/internal/api"
	"mcpd/internal/health"
	"mcpd/internal/metrics"
	"mcpd/internal/netaddr"
)

const (
	DefaultServiceName     = "domoticz-mcp"
	defaultMaxConnections  = 64
	defaultShutdownTimeout = 5 * time.Second
)

// RouteFunc mounts application routes. It runs after the diagnostic routes
// are registered.
type RouteFunc func(r gin.IRouter)

// Server builds management listeners. It holds configuration only; each
// Start returns an independent Handle that owns its socket.
type Server struct {
	name            string
	version         string
	tracker         *health.Tracker
	metrics         *metrics.Metrics
	validator       *api.Validator
	validate        bool
	routes          []RouteFunc
	allowedOrigins  []string
	maxConns        int
	shutdownTimeout time.Duration
	listenConfig    net.ListenConfig
}

// Option configures a Server.
type Option func(*Server)

func WithName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.name = name
		}
	}
}

func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

func WithHealthTracker(t *health.Tracker) Option {
	return func(s *Server) { s.tracker = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAPIValidation enables OpenAPI request validation for /api/ routes.
func WithAPIValidation(enabled bool) Option {
	return func(s *Server) { s.validate = enabled }
}

// WithRoutes appends application route groups.
func WithRoutes(fns ...RouteFunc) Option {
	return func(s *Server) { s.routes = append(s.routes, fns...) }
}

// WithAllowedOrigins restricts CORS; empty allows any origin without credentials.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithMaxConnections caps concurrently accepted connections; 0 keeps the default.
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates the management server configuration.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		name:            DefaultServiceName,
		version:         "dev",
		maxConns:        defaultMaxConnections,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validate {
		v, err := api.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("openapi validator: %w", err)
		}
		s.validator = v
	}
	return s, nil
}

// Name returns the service name reported by /health.
func (s *Server) Name() string { return s.name }

// Start binds spec and begins serving in the background. Bind failures are
// returned as *BindError and are never retried here.
func (s *Server) Start(spec netaddr.BindSpec) (h *Handle, err error) {
	ln, err := s.listenConfig.Listen(context.Background(), "tcp", spec.Addr())
	if err != nil {
		return nil, &BindError{Addr: spec.Addr(), Err: err}
	}
	defer func() {
		if h == nil {
			_ = ln.Close()
		}
	}()

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return nil, &BindError{Addr: spec.Addr(), Err: fmt.Errorf("unexpected listener address %T", ln.Addr())}
	}
	bound := netaddr.BindSpec{Host: spec.Host, Port: tcpAddr.Port}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	handle := &Handle{
		spec:            bound,
		ln:              ln,
		startedAt:       time.Now().UTC(),
		shutdownTimeout: s.shutdownTimeout,
		done:            make(chan struct{}),
	}
	handle.srv = &http.Server{
		Handler:           s.buildRouter(handle),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go handle.serve()
	log.Printf("INFO: Management server listening on http://%s (probe %s)", bound.Addr(), bound.ProbeTarget().Addr())
	return handle, nil
}

func (s *Server) buildRouter(h *Handle) *gin.Engine {
	r := gin.New()
	r.Use(s.requestLoggingMiddleware())
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	r.Use(s.corsMiddleware())
	r.Use(s.securityHeadersMiddleware())
	if s.validator != nil {
		r.Use(s.validationMiddleware())
	}

	// Transport diagnostics first; application routes may not be ready yet.
	r.GET("/health", s.handleHealth)
	r.GET("/info", s.handleInfo(h))
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	v1 := r.Group("/api/v1")
	{
		v1.GET("/health/detail", s.handleHealthDetail)
		v1.GET("/openapi.yaml", func(c *gin.Context) {
			c.Data(http.StatusOK, "application/yaml; charset=utf-8", apidocs.Spec)
		})
	}

	for _, fn := range s.routes {
		fn(r)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{Status: api.HealthyStatus, Service: s.name})
}

func (s *Server) handleInfo(h *Handle) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, api.InfoResponse{
			Name:          s.name,
			Version:       s.version,
			Address:       h.Addr(),
			ProbeAddress:  h.ProbeTarget().Addr(),
			StartedAt:     h.startedAt,
			UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
			Components:    s.components(),
		})
	}
}

func (s *Server) handleHealthDetail(c *gin.Context) {
	overall := "unknown"
	if s.tracker != nil {
		overall = s.tracker.Overall().String()
	}
	comps := s.components()
	if comps == nil {
		comps = []api.ComponentHealth{}
	}
	c.JSON(http.StatusOK, api.HealthDetailResponse{Overall: overall, Components: comps})
}

func (s *Server) components() []api.ComponentHealth {
	if s.tracker == nil {
		return nil
	}
	entries := s.tracker.Sorted()
	out := make([]api.ComponentHealth, 0, len(entries))
	for _, e := range entries {
		out = append(out, api.ComponentHealth{
			Name:      e.Name,
			Level:     e.Level.String(),
			Message:   e.Message,
			UpdatedAt: e.UpdatedAt,
		})
	}
	return out
}

// Handle is one bound listener. It is the only owner of the socket.
type Handle struct {
	spec            netaddr.BindSpec
	ln              net.Listener
	srv             *http.Server
	startedAt       time.Time
	shutdownTimeout time.Duration

	done    chan struct{}
	serveMu sync.Mutex
	serveEr error

	stopOnce sync.Once
	stopErr  error
}

func (h *Handle) serve() {
	defer close(h.done)
	if err := h.srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("WARN: management server on %s stopped: %v", h.Addr(), err)
		h.serveMu.Lock()
		h.serveEr = err
		h.serveMu.Unlock()
	}
}

// Port is the bound TCP port.
func (h *Handle) Port() int { return h.spec.Port }

// BindSpec is the configured host with the bound port.
func (h *Handle) BindSpec() netaddr.BindSpec { return h.spec }

// Addr is the configured host with the bound port, as host:port.
func (h *Handle) Addr() string { return h.spec.Addr() }

// ProbeTarget is where this process reaches the listener.
func (h *Handle) ProbeTarget() netaddr.ProbeTarget { return h.spec.ProbeTarget() }

func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the serve loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the error that ended the serve loop unexpectedly, if any.
func (h *Handle) Err() error {
	h.serveMu.Lock()
	defer h.serveMu.Unlock()
	return h.serveEr
}

// Stop shuts the server down and releases the socket. It is safe to call
// more than once; later calls return the first result.
func (h *Handle) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, h.shutdownTimeout)
		defer cancel()
		if err := h.srv.Shutdown(ctx); err != nil {
			h.stopErr = fmt.Errorf("shutdown %s: %w", h.Addr(), err)
			_ = h.srv.Close()
		}
		<-h.done
		log.Printf("INFO: Management server on %s stopped", h.Addr())
	})
	return h.stopErr
}

func (h *Handle) String() string {
	return "management server " + h.Addr()
}

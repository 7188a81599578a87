// Package probe issues the synthetic requests mcpd uses to confirm that its
// own management listener is reachable.
//
// A probe never retries. Each call performs one GET bounded by the caller's
// timeout and classifies the result; retry policy lives in the supervisor.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"mcpd/internal/api"
	"mcpd/internal/netaddr"
)

const maxBodyBytes = 64 << 10

// ErrUnhealthy marks a well-formed health payload whose status is not "healthy".
var ErrUnhealthy = errors.New("probe: service reported unhealthy status")

// Result classifies one probe attempt.
type Result int

const (
	ResultSuccess Result = iota
	ResultRefused
	ResultTimeout
	ResultTransport
	ResultHTTPStatus
	ResultMalformed
	ResultUnhealthy
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRefused:
		return "connection_refused"
	case ResultTimeout:
		return "timeout"
	case ResultTransport:
		return "transport_error"
	case ResultHTTPStatus:
		return "http_error"
	case ResultMalformed:
		return "malformed_payload"
	case ResultUnhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Transport reports whether the failure happened before an HTTP response.
func (r Result) Transport() bool {
	return r == ResultRefused || r == ResultTimeout || r == ResultTransport
}

// Attempt is the outcome of a single probe.
type Attempt struct {
	Seq        int
	Result     Result
	StatusCode int
	Err        error
	Latency    time.Duration
}

func (a Attempt) OK() bool { return a.Result == ResultSuccess }

func (a Attempt) String() string {
	switch {
	case a.OK():
		return fmt.Sprintf("probe %d: success in %s", a.Seq, a.Latency.Round(time.Millisecond))
	case a.Result == ResultHTTPStatus:
		return fmt.Sprintf("probe %d: http status %d", a.Seq, a.StatusCode)
	default:
		return fmt.Sprintf("probe %d: %s: %v", a.Seq, a.Result, a.Err)
	}
}

// ResponseValidator checks a response body against the API contract.
type ResponseValidator interface {
	ValidateResponse(req *http.Request, status int, header http.Header, body []byte) error
}

// Prober performs health and info requests against a ProbeTarget.
type Prober struct {
	client    *http.Client
	validator ResponseValidator
}

type Option func(*Prober)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) { p.client = c }
}

// WithValidator enables schema validation of probe responses.
func WithValidator(v ResponseValidator) Option {
	return func(p *Prober) { p.validator = v }
}

// New builds a Prober. The default transport ignores proxy environment
// variables and never reuses connections, so every probe dials afresh.
func New(opts ...Option) *Prober {
	p := &Prober{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:             nil,
				DisableKeepAlives: true,
				DialContext:       (&net.Dialer{}).DialContext,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Health issues GET /health against target within timeout.
func (p *Prober) Health(ctx context.Context, target netaddr.ProbeTarget, timeout time.Duration) Attempt {
	start := time.Now()
	attempt := p.health(ctx, target, timeout)
	attempt.Latency = time.Since(start)
	return attempt
}

func (p *Prober) health(ctx context.Context, target netaddr.ProbeTarget, timeout time.Duration) Attempt {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL("/health"), nil)
	if err != nil {
		return Attempt{Result: ResultTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return Attempt{Result: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Attempt{Result: classifyTransport(err), StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Attempt{
			Result:     ResultHTTPStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	if p.validator != nil {
		if err := p.validator.ValidateResponse(req, resp.StatusCode, resp.Header, body); err != nil {
			return Attempt{Result: ResultMalformed, StatusCode: resp.StatusCode, Err: err}
		}
	}
	var payload api.HealthResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Attempt{Result: ResultMalformed, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode health payload: %w", err)}
	}
	if payload.Service == "" {
		return Attempt{Result: ResultMalformed, StatusCode: resp.StatusCode, Err: errors.New("health payload missing service")}
	}
	if payload.Status != api.HealthyStatus {
		return Attempt{Result: ResultUnhealthy, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %q", ErrUnhealthy, payload.Status)}
	}
	return Attempt{Result: ResultSuccess, StatusCode: resp.StatusCode}
}

// Info fetches GET /info from target.
func (p *Prober) Info(ctx context.Context, target netaddr.ProbeTarget, timeout time.Duration) (api.InfoResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var info api.InfoResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL("/info"), nil)
	if err != nil {
		return info, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return info, fmt.Errorf("info request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("info request: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&info); err != nil {
		return info, fmt.Errorf("decode info payload: %w", err)
	}
	return info, nil
}

func classifyTransport(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return ResultTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ResultTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ResultRefused
	}
	return ResultTransport
}

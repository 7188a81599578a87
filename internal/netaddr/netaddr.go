package netaddr

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// LoopbackIPv4 is the probe target substituted for wildcard bind hosts.
const LoopbackIPv4 = "127.0.0.1"

// ErrInvalidBind is returned by BindSpec.Validate.
var ErrInvalidBind = errors.New("invalid bind address")

// BindSpec is the configured listen address of the management server.
type BindSpec struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProbeTarget is the address the process uses to reach its own listener.
type ProbeTarget struct {
	Host string
	Port int
}

// IsWildcard reports whether host means "every local interface".
func IsWildcard(host string) bool {
	switch strings.Trim(strings.TrimSpace(host), "[]") {
	case "", "0.0.0.0", "::":
		return true
	}
	return false
}

// ProbeHost maps a bind host to a host that is valid as a connection target.
// Wildcards become the IPv4 loopback; anything else is returned unchanged.
func ProbeHost(bindHost string) string {
	if IsWildcard(bindHost) {
		return LoopbackIPv4
	}
	return bindHost
}

// Addr returns host:port suitable for net.Listen.
func (b BindSpec) Addr() string {
	return net.JoinHostPort(strings.Trim(b.Host, "[]"), strconv.Itoa(b.Port))
}

// ProbeTarget derives the self-probe address for this bind spec.
func (b BindSpec) ProbeTarget() ProbeTarget {
	return ProbeTarget{Host: ProbeHost(b.Host), Port: b.Port}
}

func (b BindSpec) String() string { return b.Addr() }

// Validate checks the port range and rejects hosts that cannot be bound
// (URLs, paths, embedded ports).
func (b BindSpec) Validate() error {
	if b.Port < 1 || b.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range [1,65535]", ErrInvalidBind, b.Port)
	}
	host := strings.TrimSpace(b.Host)
	if host != b.Host {
		return fmt.Errorf("%w: host %q has surrounding whitespace", ErrInvalidBind, b.Host)
	}
	bare := strings.Trim(host, "[]")
	if bare == "" || net.ParseIP(bare) != nil {
		return nil
	}
	if strings.ContainsAny(bare, ":/ \t") {
		return fmt.Errorf("%w: host %q is not an address or hostname", ErrInvalidBind, b.Host)
	}
	return nil
}

// Addr returns host:port for dialing.
func (t ProbeTarget) Addr() string {
	return net.JoinHostPort(strings.Trim(t.Host, "[]"), strconv.Itoa(t.Port))
}

// URL builds an http URL for path on the target.
func (t ProbeTarget) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + t.Addr() + path
}

func (t ProbeTarget) String() string { return t.Addr() }

// Package config loads mcpd settings from defaults, an optional YAML file
// and MCPD_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mcpd/internal/netaddr"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Duration accepts Go duration strings ("1500ms", "30s") or bare seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

type Startup struct {
	Attempts     int      `yaml:"attempts"`
	Interval     Duration `yaml:"interval"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

type Monitor struct {
	Interval     Duration `yaml:"interval"`
	MaxRestarts  int      `yaml:"max_restarts"`
	RestartDelay Duration `yaml:"restart_delay"`
}

type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// Enabled reports whether a broker is configured.
func (m MQTT) Enabled() bool { return m.Broker != "" }

type Config struct {
	Name           string           `yaml:"name"`
	Bind           netaddr.BindSpec `yaml:"bind"`
	Startup        Startup          `yaml:"startup"`
	Monitor        Monitor          `yaml:"monitor"`
	AutoStart      bool             `yaml:"auto_start"`
	APIValidate    bool             `yaml:"api_validate"`
	AllowedOrigins []string         `yaml:"allowed_origins"`
	MaxConnections int              `yaml:"max_connections"`
	StatusDB       string           `yaml:"status_db"`
	MQTT           MQTT             `yaml:"mqtt"`
	Debug          bool             `yaml:"debug"`
}

func Default() Config {
	return Config{
		Name: "domoticz-mcp",
		Bind: netaddr.BindSpec{Host: "0.0.0.0", Port: 8765},
		Startup: Startup{
			Attempts:     5,
			Interval:     Duration(time.Second),
			ProbeTimeout: Duration(3 * time.Second),
		},
		Monitor: Monitor{
			Interval:     Duration(30 * time.Second),
			MaxRestarts:  3,
			RestartDelay: Duration(2 * time.Second),
		},
		AutoStart:      true,
		MaxConnections: 64,
		StatusDB:       "mcpd-status.db",
		MQTT: MQTT{
			ClientID: "mcpd",
			Topic:    "mcpd/server",
			QoS:      1,
		},
	}
}

// Load builds the effective configuration. MCPD_CONFIG names an optional
// YAML file; environment variables override it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("MCPD_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	// optional keys switch a feature off when set to an empty value.
	optional := func(dst *string, key string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(dst *int, keys ...string) {
		for _, k := range keys {
			v, ok := lookup(k)
			if !ok || v == "" {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, k, v))
				return
			}
			*dst = n
			return
		}
	}
	boolean := func(dst *bool, key string) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, key, v))
			return
		}
		*dst = b
	}
	duration := func(dst *Duration, key string) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err))
			return
		}
		*dst = Duration(d)
	}

	str(&c.Name, "MCPD_SERVICE_NAME")
	// MCPD_* wins over the SERVER_* names older plugin hosts export.
	str(&c.Bind.Host, "MCPD_HOST", "SERVER_HOST")
	integer(&c.Bind.Port, "MCPD_PORT", "SERVER_PORT")
	integer(&c.Startup.Attempts, "MCPD_STARTUP_ATTEMPTS")
	duration(&c.Startup.Interval, "MCPD_STARTUP_INTERVAL")
	duration(&c.Startup.ProbeTimeout, "MCPD_PROBE_TIMEOUT")
	duration(&c.Monitor.Interval, "MCPD_HEALTH_INTERVAL")
	integer(&c.Monitor.MaxRestarts, "MCPD_MAX_RESTARTS")
	duration(&c.Monitor.RestartDelay, "MCPD_RESTART_DELAY")
	boolean(&c.AutoStart, "MCPD_AUTO_START")
	boolean(&c.APIValidate, "MCPD_API_VALIDATE")
	boolean(&c.Debug, "MCPD_DEBUG")
	integer(&c.MaxConnections, "MCPD_MAX_CONNECTIONS")
	optional(&c.StatusDB, "MCPD_STATUS_DB")
	if v, ok := lookup("MCPD_ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
	optional(&c.MQTT.Broker, "MCPD_MQTT_BROKER")
	str(&c.MQTT.ClientID, "MCPD_MQTT_CLIENT_ID")
	str(&c.MQTT.Topic, "MCPD_MQTT_TOPIC")
	str(&c.MQTT.Username, "MCPD_MQTT_USERNAME")
	str(&c.MQTT.Password, "MCPD_MQTT_PASSWORD")
	return errors.Join(errs...)
}

// Validate checks the bind address and loop bounds.
func (c Config) Validate() error {
	var errs []error
	if err := c.Bind.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	if c.Name == "" {
		errs = append(errs, fmt.Errorf("%w: name must not be empty", ErrInvalid))
	}
	if c.Startup.Attempts < 1 {
		errs = append(errs, fmt.Errorf("%w: startup attempts must be at least 1, got %d", ErrInvalid, c.Startup.Attempts))
	}
	if c.Startup.Interval < 0 {
		errs = append(errs, fmt.Errorf("%w: startup interval must not be negative", ErrInvalid))
	}
	if c.Startup.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: probe timeout must be positive", ErrInvalid))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%w: health interval must be positive", ErrInvalid))
	}
	if c.Monitor.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("%w: max restarts must not be negative", ErrInvalid))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("%w: mqtt qos must be 0, 1 or 2", ErrInvalid))
	}
	if c.MQTT.Enabled() && c.MQTT.Topic == "" {
		errs = append(errs, fmt.Errorf("%w: mqtt topic required when a broker is set", ErrInvalid))
	}
	return errors.Join(errs...)
}

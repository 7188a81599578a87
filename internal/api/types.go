package api

import "time"

// HealthyStatus is the only status value a probe accepts as success.
const HealthyStatus = "healthy"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// InfoResponse is the body of GET /info.
type InfoResponse struct {
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Address       string            `json:"address"`
	ProbeAddress  string            `json:"probe_address,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    []ComponentHealth `json:"components,omitempty"`
}

// ComponentHealth is one entry of the health tracker as exposed over HTTP.
type ComponentHealth struct {
	Name      string    `json:"name"`
	Level     string    `json:"level"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthDetailResponse is the body of GET /api/v1/health/detail.
type HealthDetailResponse struct {
	Overall    string            `json:"overall"`
	Components []ComponentHealth `json:"components"`
}

// ServerStatus is the body of GET /api/v1/status.
type ServerStatus struct {
	State           string     `json:"state"`
	Message         string     `json:"message"`
	Address         string     `json:"address"`
	ProbeAddress    string     `json:"probe_address,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	UptimeSeconds   int64      `json:"uptime_seconds"`
	LastCheck       *time.Time `json:"last_check,omitempty"`
	RestartAttempts int        `json:"restart_attempts"`
}

// OutcomeRecord is one persisted status transition.
type OutcomeRecord struct {
	AttemptID string    `json:"attempt_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Address   string    `json:"address"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
}

// StatusHistory is the body of GET /api/v1/status/history.
type StatusHistory struct {
	Outcomes []OutcomeRecord `json:"outcomes"`
}

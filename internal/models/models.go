package models

import "time"

// HealthCheck is the payload of the health endpoint
type HealthCheck struct {
	Status            string     `json:"status"`
	Timestamp         time.Time  `json:"timestamp"`
	Version           string     `json:"version"`
	Uptime            string     `json:"uptime"`
	ActiveSessions    int        `json:"active_sessions"`
	UpstreamForbidden bool       `json:"upstream_forbidden"`
	LastForbiddenAt   *time.Time `json:"last_forbidden_at,omitempty"`
}

// ErrorResponse is the error payload written by the HTTP surface
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Package service runs the long-lived parts of the network platform.
//
// A Service is anything with a name, a Start/Stop lifecycle and a health
// report: the router, the live data server, the trigger admin API. The
// Manager starts services in registration order, stops them in reverse
// order, and serves their aggregated health:
//
//	GET /health    aggregated status as JSON, 503 when unhealthy
//	GET /healthz   liveness, always 200 while the process serves HTTP
//	GET /readyz    200 when no service or dependency check is unhealthy
//	GET /services  name and lifecycle status of every service
//
// Dependency checks (a Postgres ping, the NATS connection) are registered
// with AddCheck and reported next to the services.
package service

import (
	"context"
	"time"

	"github.com/sensate-iot/platform-network/health"
)

// Service is a component with a lifecycle.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() health.Status
}

// Status is the lifecycle status the manager tracks per service.
type Status int

// Values match the sensate_service_status gauge.
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CheckFunc tests an external dependency.
type CheckFunc func(ctx context.Context) error

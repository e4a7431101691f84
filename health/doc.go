// Package health reports the state of the network services.
//
// Every service returns a Status from its Health method: healthy, degraded or
// unhealthy, a short message, and optional Metrics (uptime, error count,
// items processed). A Monitor polls a set of Checkers and aggregates their
// statuses into one system status for the /healthz and /readyz endpoints.
//
// Aggregation rules:
//   - any unhealthy status makes the aggregate unhealthy
//   - otherwise any degraded status makes it degraded
//   - otherwise it is healthy
//
// FromError turns a failed dependency check (a Postgres ping, a NATS
// connection test) into a Status. Its message is sanitized: connection URLs
// and DSNs, file paths, IP addresses, ports and credential assignments are
// replaced with placeholders so health output can be served unauthenticated.
//
//	monitor := health.NewMonitor()
//	monitor.Check(router, liveData)
//	status := monitor.Aggregate("sensate-network")
//	if !status.Healthy {
//	    logger.Warn("Platform unhealthy", "message", status.Message)
//	}
//
// Monitor is safe for concurrent use.
package health

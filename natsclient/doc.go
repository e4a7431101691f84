// Package natsclient wraps a nats.go connection for the platform bus.
//
// NewClient takes a single server URL or a comma separated cluster list.
// Connect dials once; reconnects after a connection loss are left to
// nats.go. Consecutive connect failures trip a circuit breaker: while the
// circuit is open Connect fails fast with errors.ErrCircuitOpen, and once
// the backoff elapses the circuit half-opens and Connect may dial again.
// The backoff doubles on every trip, capped at one minute.
//
//	client, err := natsclient.NewClient("nats://a:4222,nats://b:4222",
//	    natsclient.WithName("sensate-network"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	manager.AddCheck("nats", client.Check)
//
// Client satisfies bus.Client. Integration tests run against a NATS
// container and require the "integration" build tag.
package natsclient

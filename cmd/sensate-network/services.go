package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sensate-iot/platform-network/gateway"
	"github.com/sensate-iot/platform-network/health"
	"github.com/sensate-iot/platform-network/metric"
)

// httpService runs a gateway server under the service manager.
type httpService struct {
	name    string
	server  *gateway.Server
	running atomic.Bool
}

func newHTTPService(name string, server *gateway.Server) *httpService {
	return &httpService{name: name, server: server}
}

func (s *httpService) Name() string { return s.name }

func (s *httpService) Start(ctx context.Context) error {
	if err := s.server.Start(ctx); err != nil {
		return err
	}
	s.running.Store(true)
	return nil
}

func (s *httpService) Stop(timeout time.Duration) error {
	s.running.Store(false)
	return s.server.Stop(timeout)
}

func (s *httpService) Health() health.Status {
	if !s.running.Load() {
		return health.NewUnhealthy(s.name, "not running")
	}
	return health.NewHealthy(s.name, "listening on "+s.server.Addr())
}

// metricsService runs the Prometheus endpoint under the service manager.
type metricsService struct {
	server  *metric.Server
	port    int
	running atomic.Bool
}

func (s *metricsService) Name() string { return "metrics" }

func (s *metricsService) Start(context.Context) error {
	if err := s.server.Start(); err != nil {
		return err
	}
	s.running.Store(true)
	return nil
}

func (s *metricsService) Stop(timeout time.Duration) error {
	s.running.Store(false)
	return s.server.Stop(timeout)
}

func (s *metricsService) Health() health.Status {
	if !s.running.Load() {
		return health.NewUnhealthy("metrics", "not running")
	}
	return health.NewHealthy("metrics", fmt.Sprintf("serving on :%d", s.port))
}

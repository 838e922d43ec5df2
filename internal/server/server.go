// Package server implements the udpsas admin HTTP endpoint: Prometheus
// metrics and the grpc.health.v1 service over h2c on one listener.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/dantte-lp/udpsas/internal/config"
)

// ReflectorServiceName is the health service name reported for the
// reflector sockets.
const ReflectorServiceName = "udpsas.v1.Reflector"

// ReadinessChecker answers grpc.health.v1 checks from a readiness probe.
// The empty service name covers the whole daemon.
type ReadinessChecker struct {
	Ready func() bool
}

// verify interface compliance at compile time.
var _ grpchealth.Checker = ReadinessChecker{}

// Check implements grpchealth.Checker.
func (c ReadinessChecker) Check(_ context.Context, req *grpchealth.CheckRequest) (*grpchealth.CheckResponse, error) {
	switch req.Service {
	case "", ReflectorServiceName:
	default:
		return nil, connect.NewError(connect.CodeNotFound,
			fmt.Errorf("unknown health service %q", req.Service))
	}

	if c.Ready() {
		return &grpchealth.CheckResponse{Status: grpchealth.StatusServing}, nil
	}
	return &grpchealth.CheckResponse{Status: grpchealth.StatusNotServing}, nil
}

// New builds the admin server. Metrics are served on cfg.Path; health
// checks go through the logging and recovery interceptors.
func New(cfg config.MetricsConfig, reg *prometheus.Registry, ready func() bool, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle(grpchealth.NewHandler(ReadinessChecker{Ready: ready},
		LoggingInterceptorOption(logger),
		RecoveryInterceptorOption(logger),
	))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

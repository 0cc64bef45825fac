// Package server runs the operations listener of a long-running mailstore
// process: liveness, Prometheus metrics and a read-only status view.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"mailstore/internal/gc"
	"mailstore/internal/volume"
)

const (
	allowRemoteEnvKey = "MAILSTORE_ALLOW_REMOTE"
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
)

// StatsSource reports collector totals.
type StatsSource interface {
	Stats() gc.Stats
}

// Config wires a Server. Metrics, Sweeper and Logger are optional.
type Config struct {
	Addr    string
	Volumes *volume.Registry
	Sweeper StatsSource
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server wraps the operations handlers.
type Server struct {
	addr    string
	volumes *volume.Registry
	sweeper StatsSource
	metrics http.Handler
	logger  *slog.Logger
}

// New creates a new server instance.
func New(cfg Config) (*Server, error) {
	if cfg.Volumes == nil {
		return nil, fmt.Errorf("volume registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    cfg.Addr,
		volumes: cfg.Volumes,
		sweeper: cfg.Sweeper,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "http"),
	}, nil
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.withRequestLogging(s.routes())
}

// HTTPServer builds the listener-facing server.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// ListenAddr validates a listen address, accepting a bare host:port or a URL.
func ListenAddr(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("listen address is required")
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		host := u.Hostname()
		if !isAllowedListenHost(host) {
			return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
		}
		return u.Host, nil
	}

	host, _, err := net.SplitHostPort(raw)
	if err == nil && !isAllowedListenHost(host) {
		return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
	}

	return raw, nil
}

func isAllowedListenHost(host string) bool {
	if host == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(allowRemoteEnvKey)), "true") {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

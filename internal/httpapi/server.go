// Package httpapi serves the process's ambient HTTP surface:
// liveness/readiness probes and the Prometheus scrape endpoint. Readiness
// aggregates "configured peers + sessions Established" plus the optional
// Postgres history sink's connectivity when one is configured.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SessionSummary is the control-plane surface this server needs for
// readiness: how many peers are configured and how many sessions have
// reached Established.
type SessionSummary interface {
	Ready() (configured, established int)
}

// DBChecker abstracts the optional Postgres history sink's health check.
type DBChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv       *http.Server
	sessions  SessionSummary
	dbChecker DBChecker
	logger    *zap.Logger
}

// NewServer builds the mux with /healthz, /readyz, and /metrics. dbChecker
// may be nil when no Postgres sink is configured.
func NewServer(addr string, sessions SessionSummary, dbChecker DBChecker, logger *zap.Logger) *Server {
	s := &Server{sessions: sessions, dbChecker: dbChecker, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.sessions != nil {
		configured, established := s.sessions.Ready()
		switch {
		case configured == 0:
			checks["sessions"] = "no_peers_configured"
		case established == 0:
			checks["sessions"] = "no_sessions_established"
			allOK = false
		default:
			checks["sessions"] = fmt.Sprintf("%d/%d established", established, configured)
		}
	}

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

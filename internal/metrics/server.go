// Package metrics implements metrics server.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"firestige.xyz/capdissect/internal/log"
)

// Server exposes the capdissect counters over HTTP while a command runs.
// Counters only grow during one run, so scrapes late in a long dissect see
// the totals for every file processed so far.
type Server struct {
	listen string
	path   string
	ln     net.Listener
	server *http.Server
	done   chan struct{}
}

// NewServer returns a server for listen. An empty path serves /metrics.
func NewServer(listen, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	return &Server{listen: listen, path: path}
}

// Path returns the metrics endpoint path.
func (s *Server) Path() string { return s.path }

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.listen
}

// Start binds the listener and serves in the background. Bind errors are
// returned so a busy port fails the command instead of being logged later.
// The server stops by itself when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.server != nil {
		return errors.New("metrics server already started")
	}
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.done = make(chan struct{})

	logger := log.GetLogger().WithField("listen", s.Addr()).WithField("path", s.path)
	logger.Info("serving capdissect metrics")

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Stop(context.Background())
			case <-s.done:
			}
		}()
	}
	return nil
}

// Stop shuts the server down, waiting up to five seconds for scrapes in
// flight. Stop on a server that never started is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	<-s.done

	log.GetLogger().WithField("listen", s.Addr()).Debug("metrics server stopped")
	return nil
}

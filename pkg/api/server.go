// Package api wires the contextd HTTP surface: routes, middleware and the
// server lifecycle.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/logger"
)

// HTTPServer serves the REST API and the chat websocket.
type HTTPServer struct {
	cfg     config.HTTPConfig
	server  *http.Server
	handler http.Handler
	logger  logger.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewHTTPServer builds the router and the underlying http.Server. Chat
// sockets are hijacked connections that http.Server.Shutdown does not
// track, so they are closed through a shutdown hook.
func NewHTTPServer(cfg *config.Config, log logger.Logger, handlers *Handlers) *HTTPServer {
	handler := NewRouter(cfg, log, handlers)
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           handler,
		ReadTimeout:       cfg.Server.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.HTTP.ReadTimeout,
		WriteTimeout:      cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:       cfg.Server.HTTP.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.HTTP.MaxHeaderBytes,
	}
	if handlers.ChatSocket != nil {
		srv.RegisterOnShutdown(handlers.ChatSocket.Close)
	}

	return &HTTPServer{
		cfg:     cfg.Server.HTTP,
		server:  srv,
		handler: handler,
		logger:  log,
	}
}

// Handler returns the server's root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Listen binds the configured address. Port 0 picks a free port; Addr
// reports the result.
func (s *HTTPServer) Listen() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.server.Addr
}

// Start binds the address unless Listen was called and serves until
// Shutdown. A clean shutdown returns nil.
func (s *HTTPServer) Start() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.ln
		s.mu.Unlock()
	}

	s.logger.Info("Starting HTTP server",
		"addr", ln.Addr().String(),
		"read_timeout", s.cfg.ReadTimeout,
		"request_timeout", s.cfg.RequestTimeout,
	)

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP server failed", "error", err)
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, closes chat sockets and waits for
// in-flight API requests until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown failed", "error", err)
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

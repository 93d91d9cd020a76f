// Package api is the router's HTTP surface: the intake trigger the mail
// receiver posts to, the SNS notification receiver, the attachment
// download endpoint webhook payloads link to, and health probes.
package api

import (
	"context"
	"net/http"
	"time"
)

// Server wraps the HTTP listener around the router's handler tree.
type Server struct {
	handler http.Handler
	server  *http.Server
}

func NewServer(h *Handlers) *Server {
	return &Server{handler: SetupRoutes(h)}
}

// ListenAndServe starts the HTTP server. Timeouts are sized for raw
// attachment downloads, not for streaming uploads.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

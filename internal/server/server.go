package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/zot/hotmonkey/internal/bundler"
	"github.com/zot/hotmonkey/internal/config"
	"github.com/zot/hotmonkey/internal/page"
	"github.com/zot/hotmonkey/internal/storage"
)

// Server serves the API of one page.
type Server struct {
	config       *config.Config
	page         *page.Page
	source       bundler.Source
	journal      storage.Backend
	hub          *Hub
	httpServer   *http.Server
	httpEndpoint *HTTPEndpoint
}

// New creates a server for p. The hub should also be one of the page's
// report sinks so clients see its cycles.
func New(cfg *config.Config, p *page.Page, source bundler.Source, journal storage.Backend, hub *Hub) *Server {
	s := &Server{
		config:  cfg,
		page:    p,
		source:  source,
		journal: journal,
		hub:     hub,
	}
	s.httpEndpoint = NewHTTPEndpoint(s)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// StartHTTP starts the HTTP server on the specified port and returns its
// base URL. Port 0 picks a free port.
func (s *Server) StartHTTP(port int) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpEndpoint,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if port == 0 {
		addr = listener.Addr().String()
		_, portStr, _ := net.SplitHostPort(addr)
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	go func() {
		s.config.Log(0, "HTTP server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.config.Log(0, "HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	return fmt.Sprintf("http://%s:%d", host, s.config.Server.Port), nil
}

// Shutdown disconnects WebSocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

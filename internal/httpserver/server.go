// Package httpserver wraps http.Server with lifecycle management shared by
// the control API and the OCPP endpoint.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server runs an http.Handler until its context is cancelled.
type Server struct {
	name   string
	server *http.Server
	logger *zap.Logger
}

// New builds a server. The name is only used for logging.
func New(name, addr string, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		name: name,
		// no WriteTimeout: the OCPP endpoint upgrades to long-lived websockets
		server: &http.Server{
			Addr:        addr,
			Handler:     handler,
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server",
			zap.String("name", s.name),
			zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Package api exposes the relayer queries over HTTP and the withdraw channel over WebSocket.
package api

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/config"
)

// Server provides HTTP endpoints
type Server struct {
	query    QueryService
	withdraw WithdrawHandler
	logger   zerolog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new Server instance. A nil withdraw handler, or a config
// with the websocket disabled, leaves the withdraw route out.
func NewServer(query QueryService, withdrawHandler WithdrawHandler, cfg config.APIConfig, logger zerolog.Logger) *Server {
	s := &Server{
		query:  query,
		logger: logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if cfg.EnableWebsocket {
		s.withdraw = withdrawHandler
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.setupRoutes(),
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSecs) * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("api server is nil")
	}

	startupChan := make(chan error, 1)

	go func() {
		// bind early so listen errors surface from Start
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			startupChan <- fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
			return
		}
		ln.Close()

		startupChan <- nil

		err = s.server.ListenAndServe()
		switch err {
		case nil:
			s.logger.Info().Msg("api server stopped normally")
		case http.ErrServerClosed:
			s.logger.Info().Msg("api server closed gracefully")
		default:
			s.logger.Error().Err(err).Msg("api server error")
		}
	}()

	select {
	case err := <-startupChan:
		if err != nil {
			return err
		}
		s.logger.Info().Str("addr", s.server.Addr).Msg("api server started")
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server startup timeout")
	}
}

// Stop shuts down the HTTP server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

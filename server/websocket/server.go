// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/jmscore/remoting"
	"github.com/gorilla/websocket"
)

// Handler serves one accepted transport until it ends or ctx is done.
type Handler interface {
	HandleTransport(ctx context.Context, t remoting.Transport)
}

// RateLimiter decides whether a connection from addr may be accepted.
type RateLimiter interface {
	Allow(addr net.Addr) bool
}

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	Codec           remoting.CodecOptions
	RateLimiter     RateLimiter
}

// Server upgrades HTTP requests on Path to WebSocket remoting transports.
type Server struct {
	config   Config
	handler  Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	connCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config, h Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/jms"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	connCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		handler: h,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		connCtx: connCtx,
		cancel:  cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("websocket server started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("websocket server shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	// Hijacked connections are not tracked by http.Server.Shutdown.
	err = s.server.Shutdown(shutdownCtx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.cancel()
		<-done
	}
	s.cancel()

	if err != nil {
		s.logger.Error("websocket server shutdown error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("websocket server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if rl := s.config.RateLimiter; rl != nil && !rl.Allow(addrOf(r.RemoteAddr)) {
		s.logger.Warn("websocket connection rate limited", slog.String("remote", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("websocket connection accepted", slog.String("remote", r.RemoteAddr))

	s.wg.Add(1)
	defer s.wg.Done()

	t := remoting.NewWSTransport(ws, s.config.Codec, s.config.WriteTimeout)
	defer t.Close()
	s.handler.HandleTransport(s.connCtx, t)
}

func addrOf(remote string) net.Addr {
	addr, err := net.ResolveTCPAddr("tcp", remote)
	if err != nil {
		return nil
	}
	return addr
}

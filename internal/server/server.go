// Package server accepts TCP connections and hands each one to a handler on
// its own goroutine, with a fixed upper bound on concurrent sessions.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/plantid/internal/logging"
	"github.com/example/plantid/internal/retry"
)

// ErrServerClosed is returned by Serve after Shutdown or context cancellation.
var ErrServerClosed = errors.New("server closed")

// DefaultMaxSessions is used when MaxSessions is not positive.
const DefaultMaxSessions = 12

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Handler serves one connection. Handle owns conn and must close it.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Server is the TCP front end of the classifier.
type Server struct {
	Addr        string
	Handler     Handler
	MaxSessions int
	Logger      *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	active   atomic.Int64
	stop     context.CancelFunc
}

// ListenAndServe binds Addr and serves until Shutdown or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return logging.NewOperationError("server.listen", "", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It always returns a non-nil error;
// ErrServerClosed after a clean stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.logger()
	limit := s.MaxSessions
	if limit <= 0 {
		limit = DefaultMaxSessions
	}

	// Sessions outlive ctx so that Shutdown can drain them; they are only
	// cancelled when the drain deadline passes.
	sessionCtx, stopSessions := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stopSessions()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.stop = stopSessions
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.mu.Unlock()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-serveCtx.Done()
		if ctx.Err() != nil {
			s.closeListener()
		}
	}()

	logger.Info("server listening", zap.String("addr", ln.Addr().String()), zap.Int("max_sessions", limit))

	slots := make(chan struct{}, limit)
	var delay time.Duration
	for {
		select {
		case slots <- struct{}{}:
		case <-serveCtx.Done():
			return ErrServerClosed
		}

		conn, err := ln.Accept()
		if err != nil {
			<-slots
			if s.isClosed() || ctx.Err() != nil {
				return ErrServerClosed
			}
			if retry.IsTransient(err) {
				delay = nextDelay(delay)
				logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				select {
				case <-time.After(delay):
				case <-serveCtx.Done():
					return ErrServerClosed
				}
				continue
			}
			return logging.NewOperationError("server.accept", "", err)
		}
		delay = 0

		if !s.track(conn) {
			<-slots
			conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer func() {
				s.untrack(conn)
				<-slots
			}()
			s.Handler.Handle(sessionCtx, conn)
		}()
	}
}

// Shutdown stops accepting connections and waits for active sessions to
// finish. When ctx expires first, remaining connections are closed and
// ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeListener()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelSessions()
		return nil
	case <-ctx.Done():
		s.logger().Warn("shutdown deadline reached, closing sessions", zap.Int64("active", s.ActiveSessions()))
		s.cancelSessions()
		s.closeConns()
		<-done
		return ctx.Err()
	}
}

// ActiveSessions returns the number of connections being served.
func (s *Server) ActiveSessions() int64 {
	return s.active.Load()
}

// ListenerAddr returns the bound address, or nil before Serve.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func nextDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return minAcceptDelay
	}
	if delay *= 2; delay > maxAcceptDelay {
		return maxAcceptDelay
	}
	return delay
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.active.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.active.Add(-1)
	s.wg.Done()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) closeListener() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (s *Server) cancelSessions() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

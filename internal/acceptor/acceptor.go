// Package acceptor runs the listen/accept loop shared by the SMTP and POP3
// servers, spawning one goroutine per accepted connection.
package acceptor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/bumsink/internal/metrics"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// defaultAcceptTimeout is used when Config.AcceptTimeout is zero.
const defaultAcceptTimeout = 10 * time.Second

// Handler serves one connection. It owns conn and must close it.
type Handler func(ctx context.Context, conn net.Conn)

// Config describes one listening endpoint.
type Config struct {
	// Name labels log lines and metrics ("smtp", "pop3").
	Name string

	// Addr is the host:port to bind.
	Addr string

	// Backlog is the requested pending-connection queue depth. The Go runtime
	// sizes the kernel queue itself, so it is only reported.
	Backlog int

	// AcceptTimeout is the deadline applied to each Accept call so the loop
	// can notice shutdown between connections.
	AcceptTimeout time.Duration
}

// Acceptor accepts connections on a single endpoint.
type Acceptor struct {
	config   Config
	handler  Handler
	listener *net.TCPListener

	ready chan struct{}

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates an Acceptor that dispatches connections to handler.
func New(cfg Config, handler Handler) *Acceptor {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = defaultAcceptTimeout
	}
	return &Acceptor{
		config:  cfg,
		handler: handler,
		ready:   make(chan struct{}),
	}
}

// Serve binds the endpoint and accepts connections until ctx is cancelled.
// Cancellation closes the listener at once. Accept timeouts are retried silently; other accept errors are logged and the
// loop continues. On shutdown it waits up to 30 seconds for open sessions.
func (a *Acceptor) Serve(ctx context.Context) error {
	addr, err := net.ResolveTCPAddr("tcp", a.config.Addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln
	close(a.ready)
	defer ln.Close()

	// Closing the listener interrupts a pending Accept on shutdown.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	slog.Info("server listening",
		"server", a.config.Name,
		"addr", ln.Addr().String(),
		"backlog", a.config.Backlog,
		"accept_timeout", a.config.AcceptTimeout,
	)

	for ctx.Err() == nil {
		if err := ln.SetDeadline(time.Now().Add(a.config.AcceptTimeout)); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}

		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			slog.Error("accept error", "server", a.config.Name, "error", err)
			continue
		}

		metrics.ConnectionsTotal.WithLabelValues(a.config.Name).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(a.config.Name).Inc()

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer metrics.ConnectionsCurrent.WithLabelValues(a.config.Name).Dec()
			a.handler(ctx, conn)
		}()
	}

	slog.Info("shutting down server", "server", a.config.Name)
	ln.Close()
	a.waitForSessions()
	return nil
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (a *Acceptor) waitForSessions() {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed", "server", a.config.Name)
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close", "server", a.config.Name)
	}
}

// Ready is closed once the listener is bound.
func (a *Acceptor) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the listener address, or empty string if not listening.
func (a *Acceptor) Addr() string {
	select {
	case <-a.ready:
		return a.listener.Addr().String()
	default:
		return ""
	}
}

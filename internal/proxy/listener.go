package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Listener binds the SOCKS proxy on both IPv4 and IPv6 loopback at the same
// port and dispatches each accepted connection to a Handler.
type Listener struct {
	Addr    string // host:port; only the port is used, both loopback families are bound
	Handler *Handler
	Logger  *slog.Logger
}

// Serve binds both address families and accepts connections until ctx is
// cancelled. It blocks until both accept loops have returned.
func (l *Listener) Serve(ctx context.Context) error {
	_, port, err := net.SplitHostPort(l.Addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", l.Addr, err)
	}

	v4, err := net.Listen("tcp4", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return fmt.Errorf("binding 127.0.0.1:%s: %w", port, err)
	}

	v6, err := net.Listen("tcp6", net.JoinHostPort("::1", port))
	if err != nil {
		v4.Close()
		return fmt.Errorf("binding [::1]:%s: %w", port, err)
	}

	go func() {
		<-ctx.Done()
		v4.Close()
		v6.Close()
	}()

	done := make(chan struct{}, 2)

	go func() {
		l.acceptLoop(ctx, v4)
		done <- struct{}{}
	}()

	go func() {
		l.acceptLoop(ctx, v6)
		done <- struct{}{}
	}()

	<-done
	<-done

	return nil
}

// acceptLoop accepts connections on ln until it is closed, spawning one
// goroutine per connection. Accept failures on this listener do not affect
// the other address family's loop.
func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			l.logger().Error("accept failed", "addr", ln.Addr(), "error", err)
			return
		}

		go l.Handler.Serve(ctx, conn)
	}
}

func (l *Listener) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}

	return slog.Default()
}

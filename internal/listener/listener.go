// Package listener accepts TCP connections on the plain and optional TLS
// listen addresses (§6) and hands each one to a Handler. SO_REUSEPORT is set
// on the listening socket via golang.org/x/sys/unix so a POP can be
// restarted with overlapping old/new processes during a rolling deploy
// without a bind error; TCP_NODELAY is set on every connection accepted by
// the plain listener (not the TLS one), same as the teacher's
// perf.NetworkOptimizer.optimizeTCP did for dialed connections.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Handler processes one accepted connection. It must close conn before
// returning.
type Handler func(ctx context.Context, conn net.Conn)

// Config carries the two listen addresses from ServerConfig (§6).
type Config struct {
	ListenAddr    string
	TLSListenAddr string
	TLSCert       string
	TLSKey        string
}

// Listener owns the plain and, if configured, TLS accept loops.
type Listener struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger

	plain net.Listener
	tls   net.Listener
}

// New binds the configured listen addresses but does not yet accept. If
// cfg.TLSListenAddr is empty, no TLS listener is created.
func New(cfg Config, handler Handler, logger *zap.Logger) (*Listener, error) {
	lc := net.ListenConfig{Control: controlReusePort}

	plain, err := lc.Listen(context.Background(), "tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	l := &Listener{cfg: cfg, handler: handler, logger: logger, plain: plain}

	if cfg.TLSListenAddr == "" {
		return l, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		_ = plain.Close()
		return nil, err
	}
	tlsLis, err := lc.Listen(context.Background(), "tcp", cfg.TLSListenAddr)
	if err != nil {
		_ = plain.Close()
		return nil, err
	}
	l.tls = tls.NewListener(tlsLis, &tls.Config{Certificates: []tls.Certificate{cert}})

	return l, nil
}

// Addr returns the plain listener's bound address, useful when ListenAddr
// used port 0 in tests.
func (l *Listener) Addr() net.Addr { return l.plain.Addr() }

// Serve runs the accept loop(s) until ctx is cancelled or Close is called.
// It blocks until both loops (plain, and TLS if configured) have returned.
func (l *Listener) Serve(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { l.acceptLoop(ctx, l.plain, false); done <- struct{}{} }()
	if l.tls != nil {
		go func() { l.acceptLoop(ctx, l.tls, true); done <- struct{}{} }()
		<-done
	}
	<-done
}

// Close stops both accept loops by closing their listening sockets.
func (l *Listener) Close() error {
	err := l.plain.Close()
	if l.tls != nil {
		if tlsErr := l.tls.Close(); tlsErr != nil && err == nil {
			err = tlsErr
		}
	}
	return err
}

func (l *Listener) acceptLoop(ctx context.Context, lis net.Listener, isTLS bool) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("listener: accept failed", zap.Bool("tls", isTLS), zap.Error(err))
			continue
		}
		applyNoDelay(conn)
		go l.handler(ctx, conn)
	}
}

// applyNoDelay disables Nagle's algorithm on accepted TCP connections. TLS
// connections wrap a *net.TCPConn underneath but don't expose it directly,
// so this only applies to the plain listener's raw accept; that is the
// path serving the latency-sensitive default dispatch route.
func applyNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

// controlReusePort is installed as the net.ListenConfig.Control hook so the
// listening socket can be rebound across a rolling restart instead of
// failing with "address already in use".
func controlReusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

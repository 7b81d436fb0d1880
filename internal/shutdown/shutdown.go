// Package shutdown implements the process-wide drain controller (§5):
// stop accepting new connections, wait for in-flight connection tasks to
// drain up to a bounded deadline, then abandon survivors.
package shutdown

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"

	"go.uber.org/zap"
)

// Controller coordinates listener shutdown with in-flight connection drain.
// It is the teacher's signal.Notify-then-context.WithTimeout shape from
// cmd/vaultaire/main.go, generalized with a WaitGroup tracking in-flight
// connection handlers rather than a bare os.Exit.
type Controller struct {
	logger *zap.Logger

	mu      sync.Mutex
	closers []io.Closer
	wg      sync.WaitGroup
}

// New builds a Controller.
func New(logger *zap.Logger) *Controller {
	return &Controller{logger: logger}
}

// Register adds a closer (a *listener.Listener, the replication transport,
// the admin HTTP server) to be closed when Shutdown runs. Closers are
// closed in the order registered.
func (c *Controller) Register(closer io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closer)
}

// Track wraps a connection handler so Shutdown can wait for it to finish
// before the drain deadline, then let it go.
func (c *Controller) Track(handler func(ctx context.Context, conn net.Conn)) func(ctx context.Context, conn net.Conn) {
	return func(ctx context.Context, conn net.Conn) {
		c.wg.Add(1)
		defer c.wg.Done()
		handler(ctx, conn)
	}
}

// Shutdown closes every registered closer (stopping new accepts), then
// waits for tracked handlers to finish up to ctx's deadline. Survivors
// past the deadline are abandoned: Shutdown returns without closing their
// connections (closing a listener stops only new accepts), so they stay
// open until their handlers finish or the process exits.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	closers := append([]io.Closer(nil), c.closers...)
	c.mu.Unlock()

	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			c.logger.Warn("shutdown: closer failed", zap.Error(err))
		}
	}

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		c.logger.Info("shutdown: all in-flight connections drained")
	case <-ctx.Done():
		c.logger.Warn("shutdown: drain deadline exceeded, abandoning survivors")
	}
}

// WaitForSignal blocks until one of sigs is received and returns it.
func WaitForSignal(sigs ...os.Signal) os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	return <-ch
}

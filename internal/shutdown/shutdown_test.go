package shutdown

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCloser struct {
	closed bool
	err    error
}

func (f *fakeCloser) Close() error {
	f.closed = true
	return f.err
}

func TestShutdown_ClosesAllRegisteredClosers(t *testing.T) {
	c := New(zap.NewNop())
	a := &fakeCloser{}
	b := &fakeCloser{}
	c.Register(a)
	c.Register(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Shutdown(ctx)

	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestShutdown_WaitsForTrackedHandlersToFinish(t *testing.T) {
	c := New(zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})

	wrapped := c.Track(func(_ context.Context, _ net.Conn) {
		close(started)
		<-release
	})
	go wrapped(context.Background(), nil)
	<-started

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Shutdown(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Shutdown returned before the tracked handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after handler finished")
	}
}

func TestShutdown_AbandonsSurvivorsPastDeadline(t *testing.T) {
	c := New(zap.NewNop())
	wrapped := c.Track(func(_ context.Context, _ net.Conn) {
		time.Sleep(time.Second)
	})
	go wrapped(context.Background(), nil)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	c.Shutdown(ctx)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestShutdown_LogsButDoesNotFailOnCloserError(t *testing.T) {
	c := New(zap.NewNop())
	c.Register(&fakeCloser{err: errors.New("already closed")})

	require.NotPanics(t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
}

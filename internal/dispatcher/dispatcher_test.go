package dispatcher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/affinity"
	"github.com/FairForge/edgeproxy/internal/breaker"
	"github.com/FairForge/edgeproxy/internal/geoip"
	"github.com/FairForge/edgeproxy/internal/hlc"
	"github.com/FairForge/edgeproxy/internal/metrics"
	"github.com/FairForge/edgeproxy/internal/store"
)

func testConfig() Config {
	return Config{ConnectTimeout: time.Second, MinSuccessDuration: 0}
}

// pipeDialer hands out one end of an in-memory net.Pipe for every dial,
// regardless of address, and gives the test the other end over a channel.
type pipeDialer struct {
	upstreamEnds chan net.Conn
	failNext     bool
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{upstreamEnds: make(chan net.Conn, 8)}
}

func (d *pipeDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	if d.failNext {
		return nil, assertErr("dial refused")
	}
	clientSide, serverSide := net.Pipe()
	d.upstreamEnds <- serverSide
	return clientSide, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestDispatcher(t *testing.T, st store.Store, aff *affinity.Table, breakers *breaker.Registry, metricsReg *metrics.Registry, dialer Dialer) *Dispatcher {
	t.Helper()
	classifier := geoip.New(nil, nil)
	return New(testConfig(), st, aff, breakers, metricsReg, classifier, store.RegionUS, dialer, zap.NewNop())
}

func upsertBackend(t *testing.T, st store.Store, b store.Backend) {
	t.Helper()
	require.NoError(t, st.Upsert(context.Background(), b, hlc.Stamp{Wall: time.Now().UnixNano(), NodeID: "test"}))
}

func TestHandleConnection_PicksAndDialsBestBackend(t *testing.T) {
	st := store.NewMemory()
	upsertBackend(t, st, store.Backend{ID: "b1", App: "app", Region: store.RegionUS, Address: "10.0.0.1:9000", Healthy: true, Weight: 1, SoftLimit: 10, HardLimit: 20})

	dialer := newPipeDialer()
	d := newTestDispatcher(t, st, affinity.New(), breaker.NewRegistry(breaker.DefaultConfig()), metrics.NewRegistry(), dialer)

	client, clientTestEnd := net.Pipe()
	done := make(chan struct{})
	go func() { d.HandleConnection(context.Background(), client); close(done) }()

	upstreamTestEnd := <-dialer.upstreamEnds
	_ = clientTestEnd.Close()
	_ = upstreamTestEnd.Close()
	<-done
}

func TestHandleConnection_NoEligibleBackendDropsConnection(t *testing.T) {
	st := store.NewMemory()
	dialer := newPipeDialer()
	d := newTestDispatcher(t, st, affinity.New(), breaker.NewRegistry(breaker.DefaultConfig()), metrics.NewRegistry(), dialer)

	client, clientTestEnd := net.Pipe()
	done := make(chan struct{})
	go func() { d.HandleConnection(context.Background(), client); close(done) }()
	_ = clientTestEnd.Close()
	<-done

	select {
	case <-dialer.upstreamEnds:
		t.Fatal("dial should never have happened with no candidates")
	default:
	}
}

func TestHandleConnection_DialFailureRecordsBreakerFailure(t *testing.T) {
	st := store.NewMemory()
	upsertBackend(t, st, store.Backend{ID: "b1", Region: store.RegionUS, Address: "10.0.0.1:9000", Healthy: true, Weight: 1, SoftLimit: 10, HardLimit: 20})

	dialer := newPipeDialer()
	dialer.failNext = true
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	d := newTestDispatcher(t, st, affinity.New(), breakers, metrics.NewRegistry(), dialer)

	client, clientTestEnd := net.Pipe()
	done := make(chan struct{})
	go func() { d.HandleConnection(context.Background(), client); close(done) }()
	_ = clientTestEnd.Close()
	<-done

	assert.Equal(t, breaker.Closed, breakers.Get("b1").State())
	for i := 0; i < breaker.DefaultConfig().FailureThreshold-1; i++ {
		breakers.Get("b1").RecordFailure()
	}
	assert.Equal(t, breaker.Open, breakers.Get("b1").State(), "the failed dial must have counted as one breaker failure")
}

func TestHandleConnection_SkipsOpenBreakerBackend(t *testing.T) {
	st := store.NewMemory()
	upsertBackend(t, st, store.Backend{ID: "down", Region: store.RegionUS, Address: "10.0.0.1:9000", Healthy: true, Weight: 1, SoftLimit: 10, HardLimit: 20})
	upsertBackend(t, st, store.Backend{ID: "up", Region: store.RegionUS, Address: "10.0.0.2:9000", Healthy: true, Weight: 1, SoftLimit: 10, HardLimit: 20})

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	downBreaker := breakers.Get("down")
	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		downBreaker.RecordFailure()
	}
	require.Equal(t, breaker.Open, downBreaker.State())

	aff := affinity.New()
	dialer := newPipeDialer()
	d := newTestDispatcher(t, st, aff, breakers, metrics.NewRegistry(), dialer)

	client, clientTestEnd := net.Pipe()
	done := make(chan struct{})
	go func() { d.HandleConnection(context.Background(), client); close(done) }()

	upstreamTestEnd := <-dialer.upstreamEnds
	_ = clientTestEnd.Close()
	_ = upstreamTestEnd.Close()
	<-done

	binding, ok := aff.Get(affinity.ClientKey{ClientIP: "pipe"})
	require.True(t, ok)
	assert.Equal(t, "up", binding.BackendID)
}

func TestHandleConnection_UsesExistingAffinityBinding(t *testing.T) {
	st := store.NewMemory()
	upsertBackend(t, st, store.Backend{ID: "b1", Region: store.RegionUS, Address: "10.0.0.1:9000", Healthy: true, Weight: 1, SoftLimit: 10, HardLimit: 20})

	aff := affinity.New()
	dialer := newPipeDialer()
	d := newTestDispatcher(t, st, aff, breaker.NewRegistry(breaker.DefaultConfig()), metrics.NewRegistry(), dialer)

	key := affinity.ClientKey{ClientIP: "pipe"}
	aff.Set(key, "b1", "")

	client, clientTestEnd := net.Pipe()
	done := make(chan struct{})
	go func() { d.HandleConnection(context.Background(), client); close(done) }()

	upstreamTestEnd := <-dialer.upstreamEnds
	_ = clientTestEnd.Close()
	_ = upstreamTestEnd.Close()
	<-done

	binding, ok := aff.Get(key)
	require.True(t, ok)
	assert.Equal(t, "b1", binding.BackendID)
}

func TestHandleConnection_SplicesBytesBothDirections(t *testing.T) {
	st := store.NewMemory()
	upsertBackend(t, st, store.Backend{ID: "b1", Region: store.RegionUS, Address: "10.0.0.1:9000", Healthy: true, Weight: 1, SoftLimit: 10, HardLimit: 20})

	dialer := newPipeDialer()
	d := newTestDispatcher(t, st, affinity.New(), breaker.NewRegistry(breaker.DefaultConfig()), metrics.NewRegistry(), dialer)

	client, clientTestEnd := net.Pipe()
	done := make(chan struct{})
	go func() { d.HandleConnection(context.Background(), client); close(done) }()

	upstreamTestEnd := <-dialer.upstreamEnds

	go func() { _, _ = clientTestEnd.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err := readFull(upstreamTestEnd, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_ = clientTestEnd.Close()
	_ = upstreamTestEnd.Close()
	<-done
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

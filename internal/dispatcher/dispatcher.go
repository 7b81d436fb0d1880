// Package dispatcher drives the per-connection state machine (§4.1): geo
// classify, affinity lookup, load-balancer scoring gated by the circuit
// breaker, upstream dial, bidirectional splice, and release of metrics and
// affinity state on close.
package dispatcher

import (
	"context"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/affinity"
	"github.com/FairForge/edgeproxy/internal/breaker"
	"github.com/FairForge/edgeproxy/internal/geoip"
	"github.com/FairForge/edgeproxy/internal/lb"
	"github.com/FairForge/edgeproxy/internal/metrics"
	"github.com/FairForge/edgeproxy/internal/store"
)

// Config holds the dispatcher's own operational tunables (§4.1): neither is
// a replicated or cross-POP value, so each POP can choose its own.
type Config struct {
	ConnectTimeout     time.Duration
	MinSuccessDuration time.Duration
}

// Dialer abstracts the upstream TCP dial so tests can substitute a fake
// without binding real sockets.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Dispatcher wires every other component together into handle_connection.
type Dispatcher struct {
	cfg         Config
	store       store.Store
	affinity    *affinity.Table
	breakers    *breaker.Registry
	metrics     *metrics.Registry
	classifier  *geoip.Classifier
	localRegion store.Region
	dialer      Dialer
	logger      *zap.Logger
}

// New builds a Dispatcher. dialer may be nil, in which case a net.Dialer
// using cfg.ConnectTimeout is used.
func New(cfg Config, st store.Store, aff *affinity.Table, breakers *breaker.Registry, metricsReg *metrics.Registry, classifier *geoip.Classifier, localRegion store.Region, dialer Dialer, logger *zap.Logger) *Dispatcher {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Dispatcher{
		cfg:         cfg,
		store:       st,
		affinity:    aff,
		breakers:    breakers,
		metrics:     metricsReg,
		classifier:  classifier,
		localRegion: localRegion,
		dialer:      dialer,
		logger:      logger,
	}
}

// HandleConnection drives the full per-connection state machine over an
// already-accepted client connection. It always closes clientConn before
// returning.
func (d *Dispatcher) HandleConnection(ctx context.Context, clientConn net.Conn) {
	defer func() { _ = clientConn.Close() }()

	clientAddr := clientConn.RemoteAddr()
	clientGeo := d.classifier.Classify(clientAddr)
	clientIP := hostOnly(clientAddr)

	backend, fromAffinity := d.resolveBackend(ctx, clientIP, clientGeo)
	if backend == nil {
		d.logger.Debug("dispatcher: no eligible backend, dropping connection", zap.String("client_ip", clientIP))
		return
	}

	upstreamConn, err := d.dial(ctx, *backend)
	if err != nil {
		d.breakers.Get(backend.ID).RecordFailure()
		d.logger.Info("dispatcher: upstream dial failed", zap.String("backend_id", backend.ID), zap.Error(err))
		return
	}
	defer func() { _ = upstreamConn.Close() }()

	if fromAffinity {
		d.affinity.Touch(affinity.ClientKey{ClientIP: clientIP})
	} else {
		country := ""
		if clientGeo != nil {
			country = clientGeo.Country
		}
		d.affinity.Set(affinity.ClientKey{ClientIP: clientIP}, backend.ID, country)
	}

	d.metrics.IncActiveConns(backend.ID)
	dialedAt := time.Now()
	defer d.release(backend.ID, dialedAt)

	splice(clientConn, upstreamConn)
}

// resolveBackend implements steps 2-3: affinity lookup, falling back to
// breaker-gated load-balancer scoring. The returned bool reports whether
// the backend came from an existing affinity binding (so the caller only
// needs to Touch it, not Set a new one).
func (d *Dispatcher) resolveBackend(ctx context.Context, clientIP string, clientGeo *geoip.ClientGeo) (*store.Backend, bool) {
	key := affinity.ClientKey{ClientIP: clientIP}
	if binding, ok := d.affinity.Get(key); ok {
		if b, stillGood := d.bindingStillValid(ctx, binding, clientGeo); stillGood {
			return b, true
		}
		d.affinity.Remove(key)
	}

	candidates, err := d.store.GetHealthy(ctx)
	if err != nil {
		d.logger.Warn("dispatcher: store.GetHealthy failed", zap.Error(err))
		return nil, false
	}

	excluded := make(map[string]bool)
	for {
		remaining := excludeIDs(candidates, excluded)
		winner := lb.Pick(remaining, d.localRegion, clientGeo, d.metrics.ActiveConns)
		if winner == nil {
			return nil, false
		}
		if d.breakers.Get(winner.ID).Allow() {
			return winner, false
		}
		excluded[winner.ID] = true
	}
}

// bindingStillValid implements step 2's validity check: the bound backend
// must still exist, be healthy, not be tombstoned, and the client's current
// geo classification must match what was stored at bind time (a changed
// classification is treated as a different client, catching VPN flips).
func (d *Dispatcher) bindingStillValid(ctx context.Context, binding affinity.Binding, clientGeo *geoip.ClientGeo) (*store.Backend, bool) {
	b, err := d.store.GetByID(ctx, binding.BackendID)
	if err != nil || b.Deleted || !b.Healthy {
		return nil, false
	}
	currentCountry := ""
	if clientGeo != nil {
		currentCountry = clientGeo.Country
	}
	if currentCountry != binding.Country {
		return nil, false
	}
	return &b, true
}

func (d *Dispatcher) dial(ctx context.Context, b store.Backend) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	return d.dialer.DialContext(dialCtx, "tcp", b.Address)
}

// release implements step 7: decrement active_conns and record one breaker
// success if the connection lived past MinSuccessDuration, on every exit
// path (HandleConnection defers this immediately after a successful dial,
// so it also covers panics unwinding through the deferred close chain).
func (d *Dispatcher) release(backendID string, dialedAt time.Time) {
	d.metrics.DecActiveConns(backendID)
	if time.Since(dialedAt) >= d.cfg.MinSuccessDuration {
		d.breakers.Get(backendID).RecordSuccess()
	}
}

// splice copies bytes in both directions until either side reaches EOF or
// errors (step 6). Per §5, the parent awaits only the first direction to
// finish; the other is then cancelled by closing both connections outright
// rather than half-closing and waiting on it too, so a peer that never
// responds after the first direction ends can't block HandleConnection (and
// its active_conns/breaker-release defers) indefinitely.
func splice(client, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, client)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
	_ = client.Close()
	_ = upstream.Close()
}

func hostOnly(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

func excludeIDs(candidates []store.Backend, excluded map[string]bool) []store.Backend {
	if len(excluded) == 0 {
		return candidates
	}
	out := make([]store.Backend, 0, len(candidates))
	for _, b := range candidates {
		if !excluded[b.ID] {
			out = append(out, b)
		}
	}
	return out
}

package replication

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/gob"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// edgeproxyALPN is the ALPN protocol negotiated between POPs; QUIC requires
// at least one.
const edgeproxyALPN = "edgeproxy-repl/1"

// generateSelfSignedTLSConfig creates an ephemeral self-signed certificate
// at startup. Peers in the mesh authenticate each other by cluster
// membership (gossip + cluster_name), not by certificate chain, so a
// CA-issued cert isn't required here — the same posture the retrieved
// gravitational/teleport QUIC peer transport takes for its internal-only
// peer link.
func generateSelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("replication: generate transport key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, fmt.Errorf("replication: generate cert serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "edgeproxy-replication"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("replication: create self-signed cert: %w", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{edgeproxyALPN},
		// Mesh members trust each other by cluster_name + gossip membership,
		// not by certificate chain: the link is encrypted, not authenticated
		// by a CA.
		InsecureSkipVerify: true,
	}, nil
}

// Transport is the reliable, multiplexed, encrypted ChangeSet link between
// POPs, built on QUIC (no TCP-based alternative in the pack offers
// multiplexed streams over one encrypted connection without hand-rolling
// framing and a handshake on top of it).
type Transport struct {
	clusterName string
	logger      *zap.Logger
	tlsConf     *tls.Config
	quicConf    *quic.Config
	listener    *quic.Listener

	mu    sync.Mutex
	conns map[string]quic.Connection // peer transport addr -> live connection

	onChangeSet func(peerAddr string, cs ChangeSet)
}

// NewTransport binds listenAddr and returns a Transport ready to Serve and
// Dial peers. onChangeSet is invoked for every ChangeSet received on any
// accepted stream, from any peer.
func NewTransport(clusterName, listenAddr string, logger *zap.Logger, onChangeSet func(string, ChangeSet)) (*Transport, error) {
	tlsConf, err := generateSelfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{MaxIdleTimeout: 60 * time.Second, KeepAlivePeriod: 15 * time.Second}

	ln, err := quic.ListenAddr(listenAddr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("replication: quic listen %s: %w", listenAddr, err)
	}
	return &Transport{
		clusterName: clusterName,
		logger:      logger,
		tlsConf:     tlsConf,
		quicConf:    quicConf,
		listener:    ln,
		conns:       make(map[string]quic.Connection),
		onChangeSet: onChangeSet,
	}, nil
}

// Close shuts down the listener and every live peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	for _, c := range t.conns {
		_ = c.CloseWithError(0, "shutting down")
	}
	t.mu.Unlock()
	return t.listener.Close()
}

// Serve accepts incoming connections and streams until ctx is cancelled.
func (t *Transport) Serve(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("replication: transport accept failed", zap.Error(err))
			continue
		}
		go t.serveConn(ctx, conn)
	}
}

func (t *Transport) serveConn(ctx context.Context, conn quic.Connection) {
	peer := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return // connection closed or ctx cancelled
		}
		go t.serveStream(peer, stream)
	}
}

func (t *Transport) serveStream(peer string, stream quic.Stream) {
	defer func() { _ = stream.Close() }()
	var wire WireChangeSet
	if err := gob.NewDecoder(stream).Decode(&wire); err != nil {
		t.logger.Warn("replication: decode wire changeset failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	if wire.ClusterName != t.clusterName {
		return // cluster mismatch: discard, per §6
	}
	changes, err := DecodeChangeSet(wire.Payload, wire.CRC32, wire.Compressed)
	if err != nil {
		t.logger.Warn("replication: dropping corrupt changeset", zap.String("peer", peer), zap.Error(err))
		return
	}
	if t.onChangeSet != nil {
		t.onChangeSet(peer, ChangeSet{OriginNode: wire.OriginNode, Changes: changes, CRC32: wire.CRC32})
	}
}

// Send delivers a ChangeSet to peerAddr over a fresh stream on a
// lazily-established, cached connection.
func (t *Transport) Send(ctx context.Context, peerAddr string, cs ChangeSet) error {
	conn, err := t.dial(ctx, peerAddr)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.dropConn(peerAddr)
		return fmt.Errorf("replication: open stream to %s: %w", peerAddr, err)
	}
	defer func() { _ = stream.Close() }()

	payload, crc, compressed, err := EncodeChangeSet(cs.OriginNode, cs.Changes)
	if err != nil {
		return err
	}
	wire := WireChangeSet{
		ClusterName: t.clusterName,
		OriginNode:  cs.OriginNode,
		Payload:     payload,
		CRC32:       crc,
		Compressed:  compressed,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return fmt.Errorf("replication: encode wire changeset: %w", err)
	}
	if _, err := stream.Write(buf.Bytes()); err != nil {
		t.dropConn(peerAddr)
		return fmt.Errorf("replication: write changeset to %s: %w", peerAddr, err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, peerAddr string) (quic.Connection, error) {
	t.mu.Lock()
	conn, ok := t.conns[peerAddr]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := quic.DialAddr(ctx, peerAddr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("replication: dial peer %s: %w", peerAddr, err)
	}
	t.mu.Lock()
	t.conns[peerAddr] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *Transport) dropConn(peerAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, peerAddr)
}

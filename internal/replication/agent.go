package replication

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/hlc"
	"github.com/FairForge/edgeproxy/internal/store"
)

// Config holds the §4.5/§6 tunables for one node's replication agent.
type Config struct {
	ClusterName    string
	NodeID         string
	GossipAddr     string
	TransportAddr  string
	BootstrapPeers []string

	GossipInterval time.Duration
	SuspectTimeout time.Duration
	DeadTimeout    time.Duration

	FlushInterval   time.Duration
	FlushThreshold  int
	ShutdownDrainDeadline time.Duration
}

// DefaultConfig returns the §6 defaults for a single-node (replication
// disabled) deployment; a real mesh overrides ClusterName/NodeID/addrs and
// BootstrapPeers.
func DefaultConfig() Config {
	return Config{
		GossipInterval:        time.Second,
		SuspectTimeout:        3 * time.Second,
		DeadTimeout:           30 * time.Second,
		FlushInterval:         5 * time.Second,
		FlushThreshold:        256,
		ShutdownDrainDeadline: 5 * time.Second,
	}
}

// remoteApplier is the subset of store.Replicated the agent needs to apply
// gossiped changes without re-broadcasting them.
type remoteApplier interface {
	ApplyRemoteUpsert(ctx context.Context, b store.Backend, stamp hlc.Stamp) error
	ApplyRemoteDelete(ctx context.Context, id string, stamp hlc.Stamp) error
}

// Agent ties the changelog, the SWIM gossiper, and the QUIC transport
// together into the replication loop described in §4.5: it implements
// store.Broadcaster so a Replicated store can hand it locally-originated
// writes, and it applies ChangeSets it receives from peers back into that
// same store.
type Agent struct {
	cfg    Config
	clock  *hlc.Clock
	logger *zap.Logger
	dest   remoteApplier

	log       *changeLog
	gossiper  *Gossiper
	transport *Transport

	mu    sync.Mutex
	peers map[string]string // node id -> transport addr, tracks Alive members

	incoming chan incomingChangeSet
}

type incomingChangeSet struct {
	peerAddr string
	cs       ChangeSet
}

// NewAgent wires a gossiper and transport bound to cfg's addresses. dest is
// where incoming ChangeSets are applied (normally the same *store.Replicated
// this agent was handed to as a Broadcaster).
func NewAgent(cfg Config, clock *hlc.Clock, dest remoteApplier, logger *zap.Logger) (*Agent, error) {
	a := &Agent{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		dest:     dest,
		log:      newChangeLog(),
		peers:    make(map[string]string),
		incoming: make(chan incomingChangeSet, 256),
	}

	transport, err := NewTransport(cfg.ClusterName, cfg.TransportAddr, logger, a.onChangeSetReceived)
	if err != nil {
		return nil, err
	}
	a.transport = transport

	// Announce the transport's actual bound address (not cfg.TransportAddr
	// verbatim): a ":0" config binds an OS-assigned port, and peers need the
	// real one to dial us.
	gossiper, err := NewGossiper(GossipConfig{
		ClusterName:    cfg.ClusterName,
		NodeID:         cfg.NodeID,
		GossipAddr:     cfg.GossipAddr,
		TransportAddr:  transport.listener.Addr().String(),
		BootstrapPeers: cfg.BootstrapPeers,
		GossipInterval: cfg.GossipInterval,
		SuspectTimeout: cfg.SuspectTimeout,
		DeadTimeout:    cfg.DeadTimeout,
	}, logger, a.onMemberChange)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	a.gossiper = gossiper

	return a, nil
}

func (a *Agent) onChangeSetReceived(peerAddr string, cs ChangeSet) {
	select {
	case a.incoming <- incomingChangeSet{peerAddr: peerAddr, cs: cs}:
	default:
		a.logger.Warn("replication: incoming changeset queue full, dropping", zap.String("peer", peerAddr))
	}
}

// onMemberChange maintains the routable peer list from gossip member-state
// transitions: only Alive members receive ChangeSet broadcasts.
func (a *Agent) onMemberChange(m MemberInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m.State == Alive {
		a.peers[m.NodeID] = m.TransportAddr
	} else {
		delete(a.peers, m.NodeID)
	}
}

func (a *Agent) alivePeerAddrs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.peers))
	for _, addr := range a.peers {
		out = append(out, addr)
	}
	return out
}

// BroadcastUpsert implements store.Broadcaster.
func (a *Agent) BroadcastUpsert(b store.Backend, stamp hlc.Stamp) {
	a.log.Append(Change{Table: "backends", RowID: b.ID, Kind: ChangeUpdate, Backend: b, HLC: stamp})
}

// BroadcastDelete implements store.Broadcaster.
func (a *Agent) BroadcastDelete(id string, stamp hlc.Stamp) {
	a.log.Append(Change{Table: "backends", RowID: id, Kind: ChangeDelete, HLC: stamp})
}

// Run drives the agent loop: it consumes local flushes (on FlushInterval or
// once the buffer exceeds FlushThreshold), incoming ChangeSets, and gossip
// member-state changes, until ctx is cancelled. On cancellation it flushes
// whatever remains in the pending buffer within ShutdownDrainDeadline (§5's
// "flushes its pending change buffer within the same deadline").
func (a *Agent) Run(ctx context.Context) {
	stopGossip := make(chan struct{})
	go a.gossiper.Run(stopGossip)
	go a.transport.Serve(ctx)
	a.gossiper.Bootstrap()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(stopGossip)
			a.drainOnShutdown()
			return
		case incoming := <-a.incoming:
			a.applyIncoming(incoming.cs)
		case <-ticker.C:
			a.flush(ctx)
		}
		if a.log.Len() > a.cfg.FlushThreshold {
			a.flush(ctx)
		}
	}
}

func (a *Agent) flush(ctx context.Context) {
	changes := a.log.Drain()
	if len(changes) == 0 {
		return
	}
	cs := ChangeSet{OriginNode: a.cfg.NodeID, Changes: changes}
	for _, addr := range a.alivePeerAddrs() {
		if err := a.transport.Send(ctx, addr, cs); err != nil {
			a.logger.Warn("replication: send changeset failed", zap.String("peer", addr), zap.Error(err))
		}
	}
}

func (a *Agent) drainOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownDrainDeadline)
	defer cancel()
	a.flush(ctx)
	_ = a.transport.Close()
	_ = a.gossiper.Close()
}

func (a *Agent) applyIncoming(cs ChangeSet) {
	ctx := context.Background()
	for _, ch := range cs.Changes {
		var err error
		switch ch.Kind {
		case ChangeDelete:
			err = a.dest.ApplyRemoteDelete(ctx, ch.RowID, ch.HLC)
		default:
			err = a.dest.ApplyRemoteUpsert(ctx, ch.Backend, ch.HLC)
		}
		if err != nil {
			a.logger.Warn("replication: apply incoming change failed", zap.String("row_id", ch.RowID), zap.Error(err))
		}
	}
}

package replication

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemberState is a node's believed liveness, per the SWIM state machine.
type MemberState int

const (
	Alive MemberState = iota
	Suspect
	Dead
)

func (s MemberState) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// MemberInfo is what every node tracks about every other node it knows
// about.
type MemberInfo struct {
	NodeID        string
	GossipAddr    string
	TransportAddr string
	Incarnation   uint64
	State         MemberState
	LastChanged   time.Time
}

// Wire message kinds, gob-encoded and carried as the payload of a single
// UDP datagram (no SWIM library appears anywhere in the retrieved pack, so
// the message set in §4.5 is hand-rolled the way the retrieved
// mcastellin-golang-mastery gossiper round-trips Go structs over the
// wire).
type msgKind int

const (
	msgJoin msgKind = iota
	msgPing
	msgAck
	msgMemberList
)

type gossipEnvelope struct {
	ClusterName string
	Kind        msgKind
	Join        *joinMsg
	Ping        *pingMsg
	Ack         *ackMsg
	MemberList  *memberListMsg
}

type joinMsg struct {
	NodeID        string
	GossipAddr    string
	TransportAddr string
}

type pingMsg struct {
	SenderID    string
	Incarnation uint64
}

type ackMsg struct {
	SenderID    string
	Incarnation uint64
}

type memberListMsg struct {
	Members []MemberInfo
}

// GossipConfig holds the §4.5/§6 defaults for the membership protocol.
type GossipConfig struct {
	ClusterName      string
	NodeID           string
	GossipAddr       string
	TransportAddr    string
	BootstrapPeers   []string
	GossipInterval   time.Duration
	SuspectTimeout   time.Duration
	DeadTimeout      time.Duration
}

// Gossiper runs the SWIM-style membership protocol over UDP.
type Gossiper struct {
	cfg    GossipConfig
	logger *zap.Logger
	conn   *net.UDPConn

	mu          sync.Mutex
	members     map[string]MemberInfo
	incarnation uint64
	pendingAcks map[string]time.Time

	onMemberChange func(MemberInfo)
}

// NewGossiper binds cfg.GossipAddr and returns a ready-to-run Gossiper.
// onMemberChange, if non-nil, is invoked whenever a member's State changes
// — the agent uses this to maintain its routable peer list (§4.5's "gossip
// member-state changes → update routable peer list").
func NewGossiper(cfg GossipConfig, logger *zap.Logger, onMemberChange func(MemberInfo)) (*Gossiper, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.GossipAddr)
	if err != nil {
		return nil, fmt.Errorf("replication: resolve gossip addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("replication: listen gossip udp: %w", err)
	}
	// Self-announce the actual bound address: a ":0" config binds an
	// OS-assigned port, and peers need the real one to gossip back to us.
	cfg.GossipAddr = conn.LocalAddr().String()
	return &Gossiper{
		cfg:            cfg,
		logger:         logger,
		conn:           conn,
		members:        make(map[string]MemberInfo),
		pendingAcks:    make(map[string]time.Time),
		onMemberChange: onMemberChange,
	}, nil
}

// Close releases the UDP socket.
func (g *Gossiper) Close() error {
	return g.conn.Close()
}

// Bootstrap unicasts Join to every configured bootstrap peer.
func (g *Gossiper) Bootstrap() {
	for _, peer := range g.cfg.BootstrapPeers {
		g.send(peer, gossipEnvelope{
			ClusterName: g.cfg.ClusterName,
			Kind:        msgJoin,
			Join: &joinMsg{
				NodeID:        g.cfg.NodeID,
				GossipAddr:    g.cfg.GossipAddr,
				TransportAddr: g.cfg.TransportAddr,
			},
		})
	}
}

// Run drives the receive loop and the periodic gossip round until stopCh
// is closed.
func (g *Gossiper) Run(stopCh <-chan struct{}) {
	go g.receiveLoop(stopCh)

	ticker := time.NewTicker(g.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			g.gossipRound()
			g.checkTimeouts()
		}
	}
}

func (g *Gossiper) receiveLoop(stopCh <-chan struct{}) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		_ = g.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			continue // read timeout or transient error; loop and re-check stopCh
		}
		var env gossipEnvelope
		if err := gob.NewDecoder(bytes.NewReader(buf[:n])).Decode(&env); err != nil {
			g.logger.Warn("replication: gossip decode error, dropping packet", zap.Error(err))
			continue
		}
		if env.ClusterName != g.cfg.ClusterName {
			continue // cluster mismatch counts as a drop, not an error
		}
		g.handle(env, addr.String())
	}
}

func (g *Gossiper) handle(env gossipEnvelope, fromAddr string) {
	switch env.Kind {
	case msgJoin:
		g.handleJoin(env.Join)
	case msgPing:
		g.handlePing(env.Ping, fromAddr)
	case msgAck:
		g.handleAck(env.Ack)
	case msgMemberList:
		g.handleMemberList(env.MemberList)
	}
}

func (g *Gossiper) handleJoin(j *joinMsg) {
	if j == nil {
		return
	}
	g.upsertMember(MemberInfo{
		NodeID: j.NodeID, GossipAddr: j.GossipAddr, TransportAddr: j.TransportAddr,
		State: Alive, LastChanged: time.Now(),
	})
	g.send(j.GossipAddr, gossipEnvelope{
		ClusterName: g.cfg.ClusterName,
		Kind:        msgMemberList,
		MemberList:  &memberListMsg{Members: g.snapshot()},
	})
}

func (g *Gossiper) handlePing(p *pingMsg, fromAddr string) {
	if p == nil {
		return
	}
	g.send(fromAddr, gossipEnvelope{
		ClusterName: g.cfg.ClusterName,
		Kind:        msgAck,
		Ack:         &ackMsg{SenderID: g.cfg.NodeID, Incarnation: g.incarnation},
	})
}

func (g *Gossiper) handleAck(a *ackMsg) {
	if a == nil {
		return
	}
	g.mu.Lock()
	delete(g.pendingAcks, a.SenderID)
	m, ok := g.members[a.SenderID]
	g.mu.Unlock()
	if ok && m.State != Alive {
		g.upsertMember(MemberInfo{NodeID: m.NodeID, GossipAddr: m.GossipAddr, TransportAddr: m.TransportAddr, Incarnation: a.Incarnation, State: Alive, LastChanged: time.Now()})
	}
}

func (g *Gossiper) handleMemberList(ml *memberListMsg) {
	if ml == nil {
		return
	}
	for _, m := range ml.Members {
		if m.NodeID == g.cfg.NodeID {
			g.observeOwnIncarnation(m.Incarnation)
			continue
		}
		g.mu.Lock()
		_, known := g.members[m.NodeID]
		g.mu.Unlock()
		if !known {
			g.upsertMember(m)
		}
	}
}

// observeOwnIncarnation handles a member list entry for this node's own id:
// if the observed incarnation is at or above the local one, the local
// incarnation becomes observed+1. No announcement is sent; peers see the
// new incarnation only in pings, acks and member lists this node sends
// afterwards.
func (g *Gossiper) observeOwnIncarnation(observed uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if observed >= g.incarnation {
		g.incarnation = observed + 1
	}
}

func (g *Gossiper) upsertMember(m MemberInfo) {
	g.mu.Lock()
	prev, existed := g.members[m.NodeID]
	changed := !existed || prev.State != m.State
	g.members[m.NodeID] = m
	g.mu.Unlock()

	if changed && g.onMemberChange != nil {
		g.onMemberChange(m)
	}
}

func (g *Gossiper) gossipRound() {
	target := g.randomAliveMember()
	if target == nil {
		return
	}
	g.mu.Lock()
	// Keep the oldest unanswered ping time, so re-pinging a silent peer does
	// not restart its suspect/dead timers.
	if _, waiting := g.pendingAcks[target.NodeID]; !waiting {
		g.pendingAcks[target.NodeID] = time.Now()
	}
	g.mu.Unlock()

	g.send(target.GossipAddr, gossipEnvelope{
		ClusterName: g.cfg.ClusterName,
		Kind:        msgPing,
		Ping:        &pingMsg{SenderID: g.cfg.NodeID, Incarnation: g.incarnation},
	})
}

func (g *Gossiper) randomAliveMember() *MemberInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	var alive []MemberInfo
	for _, m := range g.members {
		if m.State == Alive {
			alive = append(alive, m)
		}
	}
	if len(alive) == 0 {
		return nil
	}
	chosen := alive[rand.Intn(len(alive))]
	return &chosen
}

func (g *Gossiper) checkTimeouts() {
	now := time.Now()
	g.mu.Lock()
	var toSuspect, toDead []MemberInfo
	for id, sentAt := range g.pendingAcks {
		m, ok := g.members[id]
		if !ok {
			continue
		}
		if m.State == Alive && now.Sub(sentAt) >= g.cfg.SuspectTimeout {
			m.State = Suspect
			m.LastChanged = now
			g.members[id] = m
			toSuspect = append(toSuspect, m)
		}
		if now.Sub(sentAt) >= g.cfg.DeadTimeout {
			m.State = Dead
			m.LastChanged = now
			g.members[id] = m
			delete(g.pendingAcks, id)
			toDead = append(toDead, m)
		}
	}
	g.mu.Unlock()

	for _, m := range toSuspect {
		if g.onMemberChange != nil {
			g.onMemberChange(m)
		}
	}
	for _, m := range toDead {
		if g.onMemberChange != nil {
			g.onMemberChange(m)
		}
	}
}

func (g *Gossiper) snapshot() []MemberInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]MemberInfo, 0, len(g.members)+1)
	out = append(out, MemberInfo{
		NodeID: g.cfg.NodeID, GossipAddr: g.cfg.GossipAddr, TransportAddr: g.cfg.TransportAddr,
		Incarnation: g.incarnation, State: Alive, LastChanged: time.Now(),
	})
	for _, m := range g.members {
		out = append(out, m)
	}
	return out
}

// AliveMembers returns every member currently believed Alive, for routing.
func (g *Gossiper) AliveMembers() []MemberInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []MemberInfo
	for _, m := range g.members {
		if m.State == Alive {
			out = append(out, m)
		}
	}
	return out
}

func (g *Gossiper) send(addr string, env gossipEnvelope) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		g.logger.Warn("replication: resolve gossip peer addr failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		g.logger.Warn("replication: encode gossip envelope failed", zap.Error(err))
		return
	}
	if _, err := g.conn.WriteToUDP(buf.Bytes(), udpAddr); err != nil {
		g.logger.Warn("replication: send gossip packet failed", zap.String("addr", addr), zap.Error(err))
	}
}

package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGossiper(t *testing.T, nodeID string, onChange func(MemberInfo)) *Gossiper {
	t.Helper()
	g, err := NewGossiper(GossipConfig{
		ClusterName:    "test-cluster",
		NodeID:         nodeID,
		GossipAddr:     "127.0.0.1:0",
		TransportAddr:  "127.0.0.1:0",
		GossipInterval: 20 * time.Millisecond,
		SuspectTimeout: 100 * time.Millisecond,
		DeadTimeout:    300 * time.Millisecond,
	}, zap.NewNop(), onChange)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGossiper_BootstrapJoinPopulatesMembership(t *testing.T) {
	var aChanges, bChanges []MemberInfo
	a := newTestGossiper(t, "node-a", func(m MemberInfo) { aChanges = append(aChanges, m) })
	b := newTestGossiper(t, "node-b", func(m MemberInfo) { bChanges = append(bChanges, m) })

	a.cfg.BootstrapPeers = []string{b.conn.LocalAddr().String()}

	stopA, stopB := make(chan struct{}), make(chan struct{})
	defer close(stopA)
	defer close(stopB)
	go a.Run(stopA)
	go b.Run(stopB)
	a.Bootstrap()

	assert.Eventually(t, func() bool { return len(b.AliveMembers()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(a.AliveMembers()) >= 1 }, 2*time.Second, 10*time.Millisecond)

	_ = aChanges
	_ = bChanges
}

func TestGossiper_UnreachablePeerEventuallySuspectThenDead(t *testing.T) {
	var transitions []MemberState
	g := newTestGossiper(t, "node-a", func(m MemberInfo) {
		if m.NodeID == "ghost" {
			transitions = append(transitions, m.State)
		}
	})

	g.upsertMember(MemberInfo{NodeID: "ghost", GossipAddr: "127.0.0.1:1", State: Alive, LastChanged: time.Now()})
	g.mu.Lock()
	g.pendingAcks["ghost"] = time.Now().Add(-time.Second)
	g.mu.Unlock()

	g.checkTimeouts()

	assert.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.members["ghost"].State == Dead
	}, 2*time.Second, 10*time.Millisecond, "expected ghost member to reach Dead")
	assert.Contains(t, transitions, Suspect)
	assert.Contains(t, transitions, Dead)
}

func TestGossiper_DiscardsMessagesFromDifferentCluster(t *testing.T) {
	a, err := NewGossiper(GossipConfig{
		ClusterName: "cluster-a", NodeID: "node-a", GossipAddr: "127.0.0.1:0", TransportAddr: "127.0.0.1:0",
		GossipInterval: 20 * time.Millisecond, SuspectTimeout: 100 * time.Millisecond, DeadTimeout: 300 * time.Millisecond,
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	b, err := NewGossiper(GossipConfig{
		ClusterName: "cluster-b", NodeID: "node-b", GossipAddr: "127.0.0.1:0", TransportAddr: "127.0.0.1:0",
		GossipInterval: 20 * time.Millisecond, SuspectTimeout: 100 * time.Millisecond, DeadTimeout: 300 * time.Millisecond,
		BootstrapPeers: []string{a.conn.LocalAddr().String()},
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	stopA, stopB := make(chan struct{}), make(chan struct{})
	defer close(stopA)
	defer close(stopB)
	go a.Run(stopA)
	go b.Run(stopB)
	b.Bootstrap()

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, a.AliveMembers(), "cluster_name mismatch must be discarded, never registered")
}

func TestGossiper_ObserveOwnIncarnationBumpsLocal(t *testing.T) {
	g := newTestGossiper(t, "node-a", nil)
	g.observeOwnIncarnation(5)
	assert.GreaterOrEqual(t, g.incarnation, uint64(6))
}

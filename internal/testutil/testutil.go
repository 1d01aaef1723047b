// Package testutil provides fixtures for the cluster's package tests
// (none of which import it at present): disposable identities, a small interconnected mesh of routers,
// and a handful of fixed topologies used across placement and topology
// tests. Modelled on the teacher's test/testing.go ("UnityCluster",
// "CreateCluster") which builds a fixed-size set of interconnected peers
// for its own tests rather than standing up a real network.
package testutil

import (
	"testing"
	"time"

	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/identity"
	"github.com/exo-explore/exo/internal/logging"
	"github.com/exo-explore/exo/internal/memory"
	"github.com/exo-explore/exo/internal/router"
	"github.com/exo-explore/exo/internal/topology"
)

// NewIdentity returns a throwaway Identity backed by a temp directory, for
// tests that need a real Ed25519 keypair without touching a shared home.
func NewIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Load(t.TempDir())
	if err != nil {
		t.Fatalf("testutil: generating identity: %v", err)
	}
	return id
}

// Logger returns the standard Logger (which writes to stderr, not t.Log),
// debug-enabled so test failures show full context.
func Logger(t *testing.T) logging.Logger {
	t.Helper()
	log := logging.New("[test]")
	log.ToggleDebug(true)
	return log
}

// Mesh is a set of N Routers wired together over an in-process
// MeshTransport, each with its own identity, for tests exercising
// cross-node delivery, gossip, or election.
type Mesh struct {
	Identities []*identity.Identity
	Routers    []*router.Router
}

// NewMesh builds an n-router mesh; each Router gets a nil registerer to
// avoid prometheus collector double-registration across subtests.
func NewMesh(t *testing.T, n int) *Mesh {
	t.Helper()
	transports := router.NewMesh(n)
	m := &Mesh{
		Identities: make([]*identity.Identity, n),
		Routers:    make([]*router.Router, n),
	}
	for i := 0; i < n; i++ {
		id := NewIdentity(t)
		m.Identities[i] = id
		m.Routers[i] = router.New(id, transports[i], Logger(t), nil)
	}
	t.Cleanup(func() {
		for _, r := range m.Routers {
			_ = r.Close()
		}
	})
	return m
}

// Eventually polls cond every interval until it returns true or timeout
// elapses, failing t if it never does. Mirrors the teacher's own
// polling-based assertions in test/protocol_test.go (no channel exists to
// block on gossip convergence, so tests poll).
func Eventually(t *testing.T, timeout, interval time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("testutil: condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

// LinearTopology builds a topology over nodes where node i has a
// Thunderbolt edge to node i+1, wrapping back to node 0 (a single ring),
// each with ramPerNode available.
func LinearTopology(nodes []string, ramPerNode memory.Memory) *topology.Topology {
	topo := topology.New()
	ids := toNodeIDs(nodes)
	for _, id := range ids {
		topo.SetProfile(topology.NodeProfile{NodeID: id, RamAvailable: ramPerNode})
	}
	for i, from := range ids {
		to := ids[(i+1)%len(ids)]
		topo.AddEdge(topology.Edge{From: from, To: to, Kind: topology.Thunderbolt, BandwidthMbps: 40000})
	}
	return topo
}

// DisconnectedTopology builds a topology with nodes as isolated vertices
// and no edges at all, useful for placement-infeasibility tests.
func DisconnectedTopology(nodes []string, ramPerNode memory.Memory) *topology.Topology {
	topo := topology.New()
	for _, id := range toNodeIDs(nodes) {
		topo.SetProfile(topology.NodeProfile{NodeID: id, RamAvailable: ramPerNode})
	}
	return topo
}

func toNodeIDs(nodes []string) []exoids.NodeId {
	ids := make([]exoids.NodeId, len(nodes))
	for i, n := range nodes {
		ids[i] = exoids.NodeId(n)
	}
	return ids
}

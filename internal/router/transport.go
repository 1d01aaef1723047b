package router

import "context"

// PeerTransport is the sole seam onto the out-of-scope gossip-style
// peer-to-peer transport library (spec.md §1, §6): Router publishes signed
// envelopes onto it and receives the envelopes other peers published. It
// mirrors the cut the teacher makes between its own Transport interface
// and a concrete backend; unlike the teacher we do not ship a concrete
// wire implementation here (see DESIGN.md for why the teacher's backend
// was dropped instead of adapted).
type PeerTransport interface {
	// Publish sends e to every other peer. Implementations are expected
	// to retry transient failures internally; Router's own backoff (see
	// publishRemote) is a second layer for the case where Publish
	// itself returns an error.
	Publish(ctx context.Context, e Envelope) error

	// Listen returns the channel of envelopes received from other peers,
	// across all topics. Router demultiplexes by Envelope.Topic.
	Listen() <-chan Envelope

	// Close shuts the transport down.
	Close() error
}

// LocalTransport is a PeerTransport with no peers: every Publish is a
// no-op and Listen never yields anything. It is the transport for a
// single-node cluster (force_master, no mesh) and for single-router tests;
// multi-router tests use MeshTransport instead.
type LocalTransport struct {
	inbound chan Envelope
}

// NewLocalTransport returns a PeerTransport with an empty peer set.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{inbound: make(chan Envelope)}
}

func (t *LocalTransport) Publish(context.Context, Envelope) error { return nil }

func (t *LocalTransport) Listen() <-chan Envelope { return t.inbound }

func (t *LocalTransport) Close() error {
	return nil
}

// MeshTransport connects a set of in-process LocalTransport-like peers
// directly by channel, for tests that need several nodes exchanging
// envelopes without a real network. It is not meant for production use;
// the production seam is PeerTransport, satisfied by the real P2P library.
type MeshTransport struct {
	inbound chan Envelope
	peers   []*MeshTransport
}

// NewMesh builds n interconnected MeshTransport peers.
func NewMesh(n int) []*MeshTransport {
	peers := make([]*MeshTransport, n)
	for i := range peers {
		peers[i] = &MeshTransport{inbound: make(chan Envelope, 4096)}
	}
	for i := range peers {
		for j := range peers {
			if i != j {
				peers[i].peers = append(peers[i].peers, peers[j])
			}
		}
	}
	return peers
}

func (t *MeshTransport) Publish(ctx context.Context, e Envelope) error {
	for _, peer := range t.peers {
		select {
		case peer.inbound <- e:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// peer's inbound is full; drop, mirroring best-effort delivery.
		}
	}
	return nil
}

func (t *MeshTransport) Listen() <-chan Envelope { return t.inbound }

func (t *MeshTransport) Close() error { return nil }

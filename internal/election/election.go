// Package election implements spec.md §4.2: continuous leader election by
// periodic gossip vote, with a stable winner suppression rule so that an
// unchanged master never re-emits a result.
package election

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/identity"
	"github.com/exo-explore/exo/internal/logging"
	"github.com/exo-explore/exo/internal/router"
)

const (
	// GossipInterval is how often a node multicasts its ElectionVote.
	GossipInterval = 1 * time.Second

	// WindowIntervals is how many full gossip intervals a vote is
	// considered current for.
	WindowIntervals = 2

	// AbsentAfterIntervals is how many consecutive missed intervals mark
	// a peer absent.
	AbsentAfterIntervals = 3

	// ForcedMasterSeniority is the seniority a node forced to be master
	// launches with; it dominates any unforced peer.
	ForcedMasterSeniority = 1_000_000

	// MessageMaxAge is spec.md §5's "Election messages older than 5s are
	// ignored regardless" rule.
	MessageMaxAge = 5 * time.Second
)

// ElectionVote is the gossip payload every node periodically publishes on
// ELECTION_MESSAGES.
type ElectionVote struct {
	NodeID    exoids.NodeId `json:"node_id"`
	Seniority int64         `json:"seniority"`
	TieBreak  uint64        `json:"tie_break"`
	SentAt    time.Time     `json:"sent_at"`
}

// Result is ElectionResult from spec.md §4.2, emitted on State's local
// result channel each time the elected master changes.
type Result struct {
	NodeID        exoids.NodeId
	IsNewMaster   bool
	HistoricMessages []ConnectionMessage
}

// ConnectionMessage is a node's periodic hello on CONNECTION_MESSAGES,
// retained so a newly-elected master can bootstrap its view of the
// cluster (spec.md §4.1, §4.2).
type ConnectionMessage struct {
	NodeID   exoids.NodeId `json:"node_id"`
	Profile  ProfileSummary `json:"profile"`
	SentAt   time.Time     `json:"sent_at"`
}

// ProfileSummary is the compact capacity summary a hello carries; the full
// topology.NodeProfile is folded in separately once a node is master.
type ProfileSummary struct {
	RAMAvailableBytes uint64 `json:"ram_available_bytes"`
}

type peerVote struct {
	vote     ElectionVote
	lastSeen time.Time
	missed   int
}

// State runs the election loop on one node: it multicasts this node's own
// vote, tracks peers' votes, and emits a Result whenever the computed
// winner changes.
type State struct {
	log  logging.Logger
	id   *identity.Identity
	r    *router.Router
	seniority int64

	votesSender   router.Sender
	votesReceiver router.Receiver
	connSender    router.Sender
	connReceiver  router.Receiver

	results chan Result

	mu        sync.Mutex
	peers     map[exoids.NodeId]*peerVote
	connLog   map[exoids.NodeId]ConnectionMessage
	lastWinner exoids.NodeId
	haveWinner bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an election State bound to r. seniority is the value this
// node advertises; pass election.ForcedMasterSeniority for a node launched
// with force_master.
func New(id *identity.Identity, r *router.Router, seniority int64, log logging.Logger) *State {
	ctx, cancel := context.WithCancel(context.Background())
	s := &State{
		log:           log,
		id:            id,
		r:             r,
		seniority:     seniority,
		votesSender:   r.Sender(router.ElectionMessages),
		votesReceiver: r.Receiver(router.ElectionMessages),
		connSender:    r.Sender(router.ConnectionMessages),
		connReceiver:  r.Receiver(router.ConnectionMessages),
		results:       make(chan Result, 16),
		peers:         make(map[exoids.NodeId]*peerVote),
		connLog:       make(map[exoids.NodeId]ConnectionMessage),
		ctx:           ctx,
		cancel:        cancel,
	}
	go s.run()
	return s
}

// Results returns the channel Result values are emitted on.
func (s *State) Results() <-chan Result { return s.results }

// Close stops the election loop.
func (s *State) Close() {
	s.cancel()
}

func (s *State) run() {
	gossipTicker := time.NewTicker(GossipInterval)
	defer gossipTicker.Stop()
	evalTicker := time.NewTicker(GossipInterval * WindowIntervals / 2)
	defer evalTicker.Stop()

	s.sendVote()
	s.sendHello()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-gossipTicker.C:
			s.sendVote()
			s.sendHello()
			s.ageOutPeers()
		case <-evalTicker.C:
			s.evaluate()
		case e := <-s.votesReceiver.C():
			s.onVoteEnvelope(e)
		case e := <-s.connReceiver.C():
			s.onConnEnvelope(e)
		}
	}
}

func (s *State) sendVote() {
	v := ElectionVote{NodeID: s.id.NodeID(), Seniority: s.seniority, TieBreak: tieBreak(s.id.NodeID()), SentAt: time.Now()}
	if _, err := s.votesSender.Send(v); err != nil {
		s.log.Warnf("election: failed to send vote: %v", err)
	}
}

func (s *State) sendHello() {
	hello := ConnectionMessage{NodeID: s.id.NodeID(), SentAt: time.Now()}
	if _, err := s.connSender.Send(hello); err != nil {
		s.log.Warnf("election: failed to send hello: %v", err)
	}
}

func (s *State) onVoteEnvelope(e router.Envelope) {
	var v ElectionVote
	if err := decodeEnvelope(e, &v); err != nil {
		s.log.Warnf("election: dropping malformed vote: %v", err)
		return
	}
	if time.Since(v.SentAt) > MessageMaxAge {
		return
	}
	s.mu.Lock()
	pv, ok := s.peers[v.NodeID]
	if !ok {
		pv = &peerVote{}
		s.peers[v.NodeID] = pv
	}
	pv.vote = v
	pv.lastSeen = time.Now()
	pv.missed = 0
	s.mu.Unlock()
}

func (s *State) onConnEnvelope(e router.Envelope) {
	var c ConnectionMessage
	if err := decodeEnvelope(e, &c); err != nil {
		s.log.Warnf("election: dropping malformed hello: %v", err)
		return
	}
	s.mu.Lock()
	s.connLog[c.NodeID] = c
	s.mu.Unlock()
}

func (s *State) ageOutPeers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pv := range s.peers {
		if time.Since(pv.lastSeen) > GossipInterval {
			pv.missed++
			if pv.missed >= AbsentAfterIntervals {
				delete(s.peers, id)
			}
		}
	}
}

// evaluate recomputes the winner across all votes observed within the
// current window and emits a Result if it changed.
func (s *State) evaluate() {
	s.mu.Lock()
	cutoff := time.Now().Add(-GossipInterval * WindowIntervals)
	candidates := []ElectionVote{{NodeID: s.id.NodeID(), Seniority: s.seniority, TieBreak: tieBreak(s.id.NodeID())}}
	for _, pv := range s.peers {
		if pv.lastSeen.After(cutoff) {
			candidates = append(candidates, pv.vote)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Seniority != candidates[j].Seniority {
			return candidates[i].Seniority > candidates[j].Seniority // -seniority ascending == seniority descending
		}
		return candidates[i].TieBreak < candidates[j].TieBreak
	})
	winner := candidates[0].NodeID

	changed := !s.haveWinner || winner != s.lastWinner
	if !changed {
		s.mu.Unlock()
		return
	}
	s.lastWinner = winner
	s.haveWinner = true
	historic := make([]ConnectionMessage, 0, len(s.connLog))
	for _, c := range s.connLog {
		historic = append(historic, c)
	}
	s.mu.Unlock()

	sort.Slice(historic, func(i, j int) bool { return historic[i].NodeID < historic[j].NodeID })

	select {
	case s.results <- Result{NodeID: winner, IsNewMaster: true, HistoricMessages: historic}:
	case <-s.ctx.Done():
	}
}

// tieBreak derives a stable, vote-comparable value from a NodeId without
// needing the full string ordering in the hot path.
func tieBreak(id exoids.NodeId) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h
}

func decodeEnvelope(e router.Envelope, out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}

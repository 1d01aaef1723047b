package master

import (
	"context"
	"sync"

	"github.com/exo-explore/exo/internal/logging"
	"github.com/exo-explore/exo/internal/master/placement"
	"github.com/exo-explore/exo/internal/router"
	"github.com/exo-explore/exo/internal/wire"
)

// Master owns State and runs the single-tasked reconciliation loop of
// spec.md §4.3: read the next command, apply decide(), append the
// resulting events to the log, publish them. It is recreated (never
// mutated in place) by Node whenever this process is (re-)elected.
type Master struct {
	log  logging.Logger
	opts placement.Options

	commands      router.Receiver
	localEvents   router.Receiver
	globalEvents  router.Sender

	mu    sync.Mutex
	state *State

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Master bound to r, seeded with historicState (the State
// reconstructed from a predecessor's handed-off event log, or a fresh
// NewState() for the very first master).
func New(r *router.Router, historicState *State, opts placement.Options, log logging.Logger) *Master {
	if historicState == nil {
		historicState = NewState()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Master{
		log:          log,
		opts:         opts,
		commands:     r.Receiver(router.Commands),
		localEvents:  r.Receiver(router.LocalEvents),
		globalEvents: r.Sender(router.GlobalEvents),
		state:        historicState,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go m.run()
	return m
}

// Snapshot returns a copy of the master's State suitable for handing off
// to a successor on demotion (spec.md §4.3 "Event log persistence").
func (m *Master) Snapshot() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.state
	return &cp
}

// Close stops the reconciliation loop.
func (m *Master) Close() {
	m.cancel()
	<-m.done
}

func (m *Master) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case e := <-m.commands.C():
			m.handleCommandEnvelope(e)
		case e := <-m.localEvents.C():
			m.handleLocalEventEnvelope(e)
		}
	}
}

func (m *Master) handleCommandEnvelope(e router.Envelope) {
	cmd, err := wire.UnmarshalCommand(e.Payload)
	if err != nil {
		m.log.Warnf("master: dropping unparseable command: %v", err)
		return
	}

	if reqLog, ok := cmd.(wire.RequestEventLogCmd); ok {
		m.replay(reqLog.SinceIdx)
		return
	}

	m.mu.Lock()
	events, err := decide(m.state, cmd, m.opts)
	m.mu.Unlock()
	if err != nil {
		m.log.Warnf("master: command %s failed: %v", cmd.Kind(), err)
		return
	}
	m.publish(events)
}

// handleLocalEventEnvelope folds worker-originated LOCAL_EVENTS (node
// profile, topology, runner status, generated chunks and task completion)
// into State, per spec.md §2's data-flow note, and
// re-publishes them on GLOBAL_EVENTS under the master's own authoritative
// sequence so every other worker (and the API's subscriber) observes them.
func (m *Master) handleLocalEventEnvelope(e router.Envelope) {
	evt, err := wire.UnmarshalEvent(e.Payload)
	if err != nil {
		m.log.Warnf("master: dropping unparseable local event: %v", err)
		return
	}
	switch evt.(type) {
	case wire.NodeProfileUpdatedEvt, wire.TopologyUpdatedEvt, wire.RunnerStatusUpdatedEvt,
		wire.ChunkGeneratedEvt, wire.TaskFinishedEvt:
		m.mu.Lock()
		m.state.apply(evt)
		m.mu.Unlock()
		m.publish([]wire.Event{evt})
	default:
		// Other kinds aren't expected on LOCAL_EVENTS; ignore rather than
		// fail the loop over a misbehaving peer.
	}
}

// publish appends events to the in-memory log atomically (all events for
// one command are adjacent in the log) and republishes each on
// GLOBAL_EVENTS with the next authoritative sequence number.
func (m *Master) publish(events []wire.Event) {
	for _, evt := range events {
		envelope, err := m.globalEvents.Send(evt)
		if err != nil {
			m.log.Errorf("master: failed publishing event %s: %v", evt.Kind(), err)
			continue
		}
		m.mu.Lock()
		m.state.LastEventAppliedIdx = envelope.Seq
		m.state.History = append(m.state.History, envelope)
		m.mu.Unlock()
	}
}

// replay re-publishes every retained envelope from sinceIdx onward,
// verbatim (same seq and signature), answering a RequestEventLog gap-fill
// request.
func (m *Master) replay(sinceIdx uint64) {
	m.mu.Lock()
	var toResend []router.Envelope
	for _, e := range m.state.History {
		if e.Seq >= sinceIdx {
			toResend = append(toResend, e)
		}
	}
	m.mu.Unlock()

	for _, e := range toResend {
		if err := m.globalEvents.Resend(e); err != nil {
			m.log.Errorf("master: failed replaying event %d: %v", e.Seq, err)
		}
	}
}

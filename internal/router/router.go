// Package router implements spec.md §4.1: pub/sub over named topics across
// a peer-to-peer mesh, plus a local fan-out bus. register_topic declares a
// topic; Sender returns a publisher, Receiver an independent subscription.
// Publishing never blocks the caller; delivery is best-effort within a
// node and reliable in-order across nodes on the same topic, with
// duplicates suppressed by (origin, seq).
package router

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/identity"
	"github.com/exo-explore/exo/internal/logging"
	"github.com/exo-explore/exo/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultBufferSize    = 4096
	degradedAfter        = 30 * time.Second
	publishRetryBase     = 200 * time.Millisecond
	publishRetryCap      = 5 * time.Second
)

// Sender publishes messages onto the topic it was obtained from.
type Sender interface {
	// Send assigns the next sequence number for this node on this topic,
	// signs and publishes the message, and delivers it to local
	// subscribers immediately.
	Send(message interface{}) (Envelope, error)

	// Resend republishes an already-built Envelope verbatim (its
	// Seq/Origin/Signature are preserved). Used for GLOBAL_EVENTS replay.
	Resend(e Envelope) error
}

// Receiver is an independent subscription to a topic. Every call to
// Router.Receiver for the same topic gets its own copy of every message
// (fan-out).
type Receiver interface {
	C() <-chan Envelope
	Close()
}

type subscription struct {
	ch chan Envelope
}

func (s *subscription) deliver(e Envelope, m *metrics) {
	select {
	case s.ch <- e:
		return
	default:
	}
	// Buffer full: drop the oldest undelivered message and raise the
	// counter (spec.md §4.1 backpressure).
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- e:
	default:
	}
	m.dropped.WithLabelValues(string(e.Topic)).Inc()
}

type topicState struct {
	mu              sync.Mutex
	subs            map[*subscription]struct{}
	selfSeq         uint64
	seenByOrigin    map[exoids.NodeId]map[uint64]struct{}
}

func newTopicState() *topicState {
	return &topicState{
		subs:         make(map[*subscription]struct{}),
		seenByOrigin: make(map[exoids.NodeId]map[uint64]struct{}),
	}
}

// Router is a single node's view of the pub/sub bus: it fans messages out
// to local subscribers and disseminates them to peers through a
// PeerTransport.
type Router struct {
	log       logging.Logger
	id        *identity.Identity
	transport PeerTransport
	metrics   *metrics

	mu     sync.Mutex
	topics map[Topic]*topicState

	ctx    context.Context
	cancel context.CancelFunc

	degradeMu      sync.Mutex
	failingSince   time.Time
	failing        bool
}

// New builds a Router bound to id's identity and transport. Registerer may
// be nil; if non-nil, the Router's Prometheus collectors are registered
// on it.
func New(id *identity.Identity, transport PeerTransport, log logging.Logger, registerer prometheus.Registerer) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		log:       log,
		id:        id,
		transport: transport,
		metrics:   newMetrics(registerer),
		topics:    make(map[Topic]*topicState),
		ctx:       ctx,
		cancel:    cancel,
	}
	go r.pollTransport()
	return r
}

// RegisterTopic declares topic, creating its state if absent. Calling
// Sender/Receiver on an unregistered topic registers it implicitly.
func (r *Router) RegisterTopic(topic Topic) {
	r.topicState(topic)
}

func (r *Router) topicState(topic Topic) *topicState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.topics[topic]
	if !ok {
		ts = newTopicState()
		r.topics[topic] = ts
	}
	return ts
}

// Sender returns a publisher bound to topic.
func (r *Router) Sender(topic Topic) Sender {
	return &senderHandle{router: r, topic: topic}
}

// Receiver returns a new, independent subscription to topic.
func (r *Router) Receiver(topic Topic) Receiver {
	ts := r.topicState(topic)
	sub := &subscription{ch: make(chan Envelope, defaultBufferSize)}
	ts.mu.Lock()
	ts.subs[sub] = struct{}{}
	ts.mu.Unlock()
	return &receiverHandle{router: r, topic: topic, sub: sub}
}

// GlobalEventsReceiver wraps a GLOBAL_EVENTS subscription with the gap
// detection spec.md §4.1 calls for: when a subscriber observes a seq
// greater than last_seq+1, it issues RequestEventLog(since=last_seq+1) on
// the Commands topic (deduplicated so a single gap is only requested
// once).
func (r *Router) GlobalEventsReceiver(commands Sender) Receiver {
	base := r.Receiver(GlobalEvents)
	out := make(chan Envelope, defaultBufferSize)
	go func() {
		defer close(out)
		lastSeq := int64(-1)
		requested := make(map[uint64]bool)
		for e := range base.C() {
			if lastSeq >= 0 && e.Seq > uint64(lastSeq)+1 {
				since := uint64(lastSeq) + 1
				if !requested[since] {
					requested[since] = true
					r.log.Warnf("gap on GLOBAL_EVENTS: have seq %d, got %d; requesting replay since %d", lastSeq, e.Seq, since)
					if _, err := commands.Send(wire.NewRequestEventLogCmd(since)); err != nil {
						r.log.Errorf("failed requesting event log replay: %v", err)
					}
				}
			}
			if int64(e.Seq) > lastSeq {
				lastSeq = int64(e.Seq)
			}
			out <- e
		}
	}()
	return &chanReceiver{ch: out, closeFn: base.Close}
}

type chanReceiver struct {
	ch      chan Envelope
	closeFn func()
}

func (c *chanReceiver) C() <-chan Envelope { return c.ch }
func (c *chanReceiver) Close()             { c.closeFn() }

type receiverHandle struct {
	router *Router
	topic  Topic
	sub    *subscription
}

func (h *receiverHandle) C() <-chan Envelope { return h.sub.ch }

func (h *receiverHandle) Close() {
	ts := h.router.topicState(h.topic)
	ts.mu.Lock()
	delete(ts.subs, h.sub)
	ts.mu.Unlock()
}

type senderHandle struct {
	router *Router
	topic  Topic
}

func (s *senderHandle) Send(message interface{}) (Envelope, error) {
	ts := s.router.topicState(s.topic)
	ts.mu.Lock()
	seq := ts.selfSeq
	ts.selfSeq++
	ts.mu.Unlock()

	e, err := newEnvelope(s.router.id, s.topic, seq, message)
	if err != nil {
		return Envelope{}, err
	}
	s.router.publishAndDeliver(e)
	return e, nil
}

func (s *senderHandle) Resend(e Envelope) error {
	s.router.publishAndDeliver(e)
	return nil
}

// publishAndDeliver fans e out to local subscribers immediately (delivery
// is non-blocking) and disseminates it to peers in the background.
func (r *Router) publishAndDeliver(e Envelope) {
	r.deliverLocal(e)
	go r.publishRemote(e)
}

func (r *Router) deliverLocal(e Envelope) {
	ts := r.topicState(e.Topic)
	ts.mu.Lock()
	seen, ok := ts.seenByOrigin[e.Origin]
	if !ok {
		seen = make(map[uint64]struct{})
		ts.seenByOrigin[e.Origin] = seen
	}
	if _, dup := seen[e.Seq]; dup {
		ts.mu.Unlock()
		return
	}
	seen[e.Seq] = struct{}{}
	subs := make([]*subscription, 0, len(ts.subs))
	for sub := range ts.subs {
		subs = append(subs, sub)
	}
	ts.mu.Unlock()

	r.metrics.delivered.Inc()
	for _, sub := range subs {
		sub.deliver(e, r.metrics)
	}
}

// publishRemote disseminates e through the transport, retrying transient
// failures with exponential backoff (base 200ms, cap 5s). Each interval
// carries backoff/v4's default ±50% randomization; full jitter (a uniform
// wait between zero and the interval) is not applied.
// If publishing keeps failing for more than 30s, a TransportDegraded
// local event is raised once.
func (r *Router) publishRemote(e Envelope) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = publishRetryBase
	b.MaxInterval = publishRetryCap
	b.MaxElapsedTime = 0 // retry indefinitely; the caller isn't waiting

	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	_ = backoff.Retry(func() error {
		err := r.transport.Publish(ctx, e)
		if err != nil {
			r.noteFailure()
			r.log.Warnf("publish on %s failed, retrying: %v", e.Topic, err)
			return err
		}
		r.noteSuccess()
		return nil
	}, backoff.WithContext(b, ctx))
}

func (r *Router) noteFailure() {
	r.degradeMu.Lock()
	defer r.degradeMu.Unlock()
	if r.failingSince.IsZero() {
		r.failingSince = time.Now()
		return
	}
	if !r.failing && time.Since(r.failingSince) > degradedAfter {
		r.failing = true
		go r.publishAndDeliver(mustEnvelope(r, LocalEvents, transportDegradedMessage{}))
	}
}

func (r *Router) noteSuccess() {
	r.degradeMu.Lock()
	defer r.degradeMu.Unlock()
	r.failingSince = time.Time{}
	r.failing = false
}

// transportDegradedMessage is the local-only payload published on
// LocalEvents when publish has failed continuously for > 30s.
type transportDegradedMessage struct {
	Reason string `json:"reason"`
}

func mustEnvelope(r *Router, topic Topic, message interface{}) Envelope {
	ts := r.topicState(topic)
	ts.mu.Lock()
	seq := ts.selfSeq
	ts.selfSeq++
	ts.mu.Unlock()
	e, err := newEnvelope(r.id, topic, seq, message)
	if err != nil {
		// Marshalling a fixed internal struct cannot fail; this would be
		// a programming error, not a runtime condition to recover from.
		panic(err)
	}
	return e
}

// pollTransport demultiplexes envelopes arriving from peers by topic,
// verifying signatures before delivering locally.
func (r *Router) pollTransport() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case e, ok := <-r.transport.Listen():
			if !ok {
				return
			}
			if err := e.verify(); err != nil {
				r.log.Warnf("dropping unverifiable envelope from %s on %s: %v", e.Origin, e.Topic, err)
				continue
			}
			r.deliverLocal(e)
		}
	}
}

// Close shuts the Router down, cancelling all in-flight publish retries.
func (r *Router) Close() error {
	r.cancel()
	return r.transport.Close()
}

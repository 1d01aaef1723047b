package worker

import (
	"context"
	"time"

	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/logging"
	"github.com/exo-explore/exo/internal/memory"
	"github.com/exo-explore/exo/internal/router"
	"github.com/exo-explore/exo/internal/topology"
	"github.com/exo-explore/exo/internal/wire"
)

// DefaultProfileInterval is how often Profiler resamples and republishes
// this node's available RAM (spec.md §5 "Shared resources": "the
// reported RAM-available is periodically resampled by a node profiler").
const DefaultProfileInterval = 10 * time.Second

// RAMAvailableFunc reports the node's currently-available RAM. Sampling
// the real figure is platform-specific and out of scope; callers supply
// an implementation (e.g. backed by gopsutil on a real deployment).
type RAMAvailableFunc func() memory.Memory

// Profiler periodically samples and publishes this node's capacity as a
// NodeProfileUpdated event on LOCAL_EVENTS, folded by the Master into
// placement's view of the cluster.
type Profiler struct {
	nodeID   exoids.NodeId
	sample   RAMAvailableFunc
	interval time.Duration
	sender   router.Sender
	log      logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProfiler starts resampling immediately and every interval thereafter.
func NewProfiler(nodeID exoids.NodeId, r *router.Router, sample RAMAvailableFunc, interval time.Duration, log logging.Logger) *Profiler {
	if interval <= 0 {
		interval = DefaultProfileInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Profiler{
		nodeID:   nodeID,
		sample:   sample,
		interval: interval,
		sender:   r.Sender(router.LocalEvents),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Profiler) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publish()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.publish()
		}
	}
}

func (p *Profiler) publish() {
	profile := topology.NodeProfile{NodeID: p.nodeID, RamAvailable: p.sample()}
	if _, err := p.sender.Send(wire.NewNodeProfileUpdatedEvt(profile)); err != nil {
		p.log.Warnf("worker: publishing node profile: %v", err)
	}
}

// Close stops resampling.
func (p *Profiler) Close() {
	p.cancel()
	<-p.done
}

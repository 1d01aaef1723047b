package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/exo-explore/exo/internal/download"
	"github.com/exo-explore/exo/internal/election"
	"github.com/exo-explore/exo/internal/identity"
	"github.com/exo-explore/exo/internal/logging"
	"github.com/exo-explore/exo/internal/master"
	"github.com/exo-explore/exo/internal/master/placement"
	"github.com/exo-explore/exo/internal/memory"
	"github.com/exo-explore/exo/internal/router"
	"github.com/exo-explore/exo/internal/topology"
	"github.com/exo-explore/exo/internal/worker"
)

// Node is one running cluster member: Router + Election run for its whole
// lifetime; Worker (and Master, while this node is the elected leader) are
// recreated every time Election reports a winner change.
type Node struct {
	opts Options
	log  logging.Logger

	id        *identity.Identity
	router    *router.Router
	election  *election.State
	singleton *download.Singleton
	launcher  worker.Launcher
	sample    worker.RAMAvailableFunc

	mu       sync.Mutex
	wrk      *worker.Worker
	mst      *master.Master
	profiler *worker.Profiler
}

// New builds a Node. transport and registry are the out-of-scope seams
// (spec.md §1 Non-goals: no raw P2P transport implementation, no remote
// registry implementation); launcher is the seam onto the inference
// runner process (no inference runner internals). registerer may be nil.
func New(opts Options, transport router.PeerTransport, registry download.Registry, launcher worker.Launcher, sample worker.RAMAvailableFunc, registerer prometheus.Registerer) (*Node, error) {
	home := opts.Home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("node: resolving home directory: %w", err)
		}
		home = h
	}

	log := logging.New("[exo]")
	log.ToggleDebug(opts.Verbosity > 0)

	id, err := identity.Load(home)
	if err != nil {
		return nil, fmt.Errorf("node: loading identity: %w", err)
	}

	r := router.New(id, transport, log, registerer)

	seniority := opts.Seniority
	if opts.ForceMaster {
		seniority = election.ForcedMasterSeniority
	}
	el := election.New(id, r, seniority, log)

	modelDir := filepath.Join(home, ".exo", "models")
	resumable := download.NewResumable(registry, modelDir)
	singleton := download.NewSingleton(download.NewCached(resumable))

	return &Node{
		opts:      opts,
		log:       log,
		id:        id,
		router:    r,
		election:  el,
		singleton: singleton,
		launcher:  launcher,
		sample:    sample,
	}, nil
}

// Run blocks until ctx is cancelled, recreating Worker/Master on every
// election result.
func (n *Node) Run(ctx context.Context) error {
	n.profiler = worker.NewProfiler(n.id.NodeID(), n.router, n.sample, worker.DefaultProfileInterval, n.log)
	defer n.profiler.Close()

	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return ctx.Err()
		case result, ok := <-n.election.Results():
			if !ok {
				n.shutdown()
				return nil
			}
			n.onElectionResult(result)
		}
	}
}

func (n *Node) onElectionResult(result election.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()

	isMaster := result.NodeID == n.id.NodeID()

	if n.mst != nil && !isMaster {
		n.log.Infof("demoted: %s is now master", result.NodeID)
		n.mst.Close()
		n.mst = nil
	}
	if n.wrk != nil {
		n.wrk.Close()
		n.wrk = nil
	}

	if isMaster && n.mst == nil {
		n.log.Infof("promoted: this node (%s) is now master", n.id.NodeID())
		historic := stateFromHistoricMessages(result.HistoricMessages)
		n.mst = master.New(n.router, historic, placement.Options{ThunderboltOnly: n.opts.TBOnly}, n.log)
	}

	n.wrk = worker.New(n.id.NodeID(), n.router, singletonAdapter{n.singleton}, n.launcher, n.log)
}

func (n *Node) shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.wrk != nil {
		n.wrk.Close()
	}
	if n.mst != nil {
		n.mst.Close()
	}
	n.election.Close()
	_ = n.router.Close()
}

// stateFromHistoricMessages seeds a promoted master's State with what
// Election retained on CONNECTION_MESSAGES (spec.md §4.2 "Handoff"): node
// identities and their last-known profile, enough to resume placement
// decisions before the first fresh NodeProfileUpdated arrives.
func stateFromHistoricMessages(historic []election.ConnectionMessage) *master.State {
	s := master.NewState()
	for _, c := range historic {
		s.NodeStatus[c.NodeID] = true
		s.Topology.AddNode(c.NodeID)
		s.Topology.SetProfile(topology.NodeProfile{
			NodeID:       c.NodeID,
			RamAvailable: memory.FromBytes(c.Profile.RAMAvailableBytes),
		})
	}
	return s
}

// singletonAdapter narrows *download.Singleton to the shardDownloader
// interface internal/worker depends on.
type singletonAdapter struct {
	s *download.Singleton
}

func (a singletonAdapter) EnsureShard(ctx context.Context, modelID string, rank, worldSize int) (string, error) {
	return a.s.EnsureShard(ctx, download.Request{ModelID: modelID, DeviceRank: rank, WorldSize: worldSize}, nil)
}

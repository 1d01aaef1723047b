package worker

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/logging"
	"github.com/exo-explore/exo/internal/router"
	"github.com/exo-explore/exo/internal/topology"
	"github.com/exo-explore/exo/internal/wire"
)

// shardDownloader is the seam onto internal/download's decorator stack.
// Worker depends on this narrow signature rather than the concrete
// Singleton(Cached(Resumable)) or internal/download.Request, so it does
// not need to import internal/download at all; internal/node adapts the
// real *download.Singleton to it.
type shardDownloader interface {
	EnsureShard(ctx context.Context, modelID string, rank, worldSize int) (path string, err error)
}

// Worker is the event-driven state reconciler of spec.md §4.4: it watches
// GLOBAL_EVENTS and keeps this node's locally-hosted runners in sync with
// the master's desired state.
type Worker struct {
	log        logging.Logger
	nodeID     exoids.NodeId
	downloader shardDownloader
	launcher   Launcher

	events   router.Receiver
	commands router.Sender
	local    router.Sender

	mu          sync.Mutex
	topology    *topology.Topology
	supervisors map[exoids.InstanceId]map[exoids.RunnerId]*Supervisor

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Worker bound to r, recreated (never mutated) by Node on
// every election result per spec.md §9's lifecycle-recreate strategy.
func New(nodeID exoids.NodeId, r *router.Router, downloader shardDownloader, launcher Launcher, log logging.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	commandsSender := r.Sender(router.Commands)
	w := &Worker{
		log:         log,
		nodeID:      nodeID,
		downloader:  downloader,
		launcher:    launcher,
		events:      r.GlobalEventsReceiver(commandsSender),
		commands:    commandsSender,
		local:       r.Sender(router.LocalEvents),
		topology:    topology.New(),
		supervisors: make(map[exoids.InstanceId]map[exoids.RunnerId]*Supervisor),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go w.run()
	return w
}

// Close stops the reconciler and every Supervisor it owns.
func (w *Worker) Close() {
	w.cancel()
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, runners := range w.supervisors {
		for _, sup := range runners {
			_ = sup.Stop()
		}
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case e, ok := <-w.events.C():
			if !ok {
				return
			}
			w.handleEnvelope(e)
		}
	}
}

func (w *Worker) handleEnvelope(e router.Envelope) {
	evt, err := wire.UnmarshalEvent(e.Payload)
	if err != nil {
		w.log.Warnf("worker: dropping unparseable event: %v", err)
		return
	}
	switch ev := evt.(type) {
	case wire.InstanceCreatedEvt:
		w.onInstanceCreated(ev.Instance)
	case wire.InstanceDeletedEvt:
		w.onInstanceDeleted(ev.InstanceID)
	case wire.TaskCreatedEvt:
		w.onTaskCreated(ev.Task)
	case wire.TopologyUpdatedEvt:
		w.mu.Lock()
		w.topology = topology.FromSnapshot(ev.Snapshot)
		w.mu.Unlock()
	case wire.NodeProfileUpdatedEvt:
		w.mu.Lock()
		w.topology.SetProfile(ev.Profile)
		w.mu.Unlock()
	}
}

// onInstanceCreated handles spec.md §4.4's first bullet: if this node
// appears in node_to_runner, download the assigned shard, spawn a
// Supervisor, and publish RunnerStatusUpdated as it advances
// Spawning -> Loaded -> Ready.
func (w *Worker) onInstanceCreated(instance wire.Instance) {
	runnerID, ok := instance.ShardAssignments.NodeToRunner[w.nodeID]
	if !ok {
		return
	}
	meta := instance.ShardAssignments.RunnerToShard[runnerID]

	w.publishRunnerStatus(runnerID, instance.InstanceID, wire.Spawning())

	path, err := w.downloader.EnsureShard(w.ctx, string(meta.ModelMeta.ModelID), meta.DeviceRank, meta.WorldSize)
	if err != nil {
		w.publishRunnerStatus(runnerID, instance.InstanceID, wire.Failed(err.Error()))
		return
	}
	_ = path // the runner child resolves its own weights path from the shard; we only guarantee presence

	w.publishRunnerStatus(runnerID, instance.InstanceID, wire.Loaded(1.0))

	if meta.DeviceRank >= len(instance.Hosts) {
		w.publishRunnerStatus(runnerID, instance.InstanceID, wire.Failed("rank has no assigned host"))
		return
	}
	addr := hostAddr(instance.Hosts[meta.DeviceRank])

	sup, err := NewSupervisor(w.launcher, meta.DeviceRank, addr, w.log, func() {
		w.onSupervisorFailed(instance.InstanceID, runnerID)
	})
	if err != nil {
		w.publishRunnerStatus(runnerID, instance.InstanceID, wire.Failed(err.Error()))
		return
	}
	if err := sup.LoadShard(instance); err != nil {
		w.publishRunnerStatus(runnerID, instance.InstanceID, wire.Failed(err.Error()))
		return
	}

	w.mu.Lock()
	if w.supervisors[instance.InstanceID] == nil {
		w.supervisors[instance.InstanceID] = make(map[exoids.RunnerId]*Supervisor)
	}
	w.supervisors[instance.InstanceID][runnerID] = sup
	w.mu.Unlock()

	w.publishRunnerStatus(runnerID, instance.InstanceID, wire.Ready())
}

// onSupervisorFailed is the Supervisor's onFailed callback: it fires once a
// runner's child has exceeded its respawn budget (spec.md §4.4), surfacing
// RunnerFailed and dropping the dead Supervisor so it's no longer picked as
// a rank-0 streaming target or stopped a second time.
func (w *Worker) onSupervisorFailed(instanceID exoids.InstanceId, runnerID exoids.RunnerId) {
	w.mu.Lock()
	if runners, ok := w.supervisors[instanceID]; ok {
		delete(runners, runnerID)
		if len(runners) == 0 {
			delete(w.supervisors, instanceID)
		}
	}
	w.mu.Unlock()
	w.publishRunnerStatus(runnerID, instanceID, wire.Failed("runner exceeded respawn budget"))
}

func (w *Worker) onInstanceDeleted(instanceID exoids.InstanceId) {
	w.mu.Lock()
	runners := w.supervisors[instanceID]
	delete(w.supervisors, instanceID)
	w.mu.Unlock()

	for runnerID, sup := range runners {
		if err := sup.Stop(); err != nil {
			w.log.Warnf("worker: stopping supervisor for runner %s: %v", runnerID, err)
		}
		w.publishRunnerStatus(runnerID, instanceID, wire.Stopped())
	}
}

// onTaskCreated handles spec.md §4.4's third bullet: if this node hosts
// rank 0 of task.instance_id, open a stream and forward chunks.
func (w *Worker) onTaskCreated(task wire.Task) {
	w.mu.Lock()
	runners := w.supervisors[task.InstanceID]
	var rankZero *Supervisor
	for _, sup := range runners {
		if sup.rank == 0 {
			rankZero = sup
			break
		}
	}
	w.mu.Unlock()

	if rankZero == nil {
		return // not hosted here, or not rank 0
	}

	chunks, err := rankZero.StreamResponse(task)
	if err != nil {
		w.finishTask(task, wire.FinishError, err.Error())
		return
	}

	go w.forwardChunks(task, chunks)
}

func (w *Worker) forwardChunks(task wire.Task, chunks <-chan TokenChunkPayload) {
	for c := range chunks {
		if _, err := w.local.Send(wire.NewChunkGeneratedEvt(task.TaskID, c.Text, c.FinishReason)); err != nil {
			w.log.Errorf("worker: publishing chunk for task %s: %v", task.TaskID, err)
		}
		if c.FinishReason != nil {
			w.finishTask(task, *c.FinishReason, "")
			return
		}
	}
	// Channel closed without a terminal chunk: the runner connection was
	// lost mid-stream.
	w.finishTask(task, wire.FinishError, "runner lost")
}

func (w *Worker) finishTask(task wire.Task, reason wire.FinishReason, errMsg string) {
	if _, err := w.local.Send(wire.NewTaskFinishedEvt(task.TaskID, reason, errMsg)); err != nil {
		w.log.Errorf("worker: publishing TaskFinished for %s: %v", task.TaskID, err)
	}
	if _, err := w.commands.Send(wire.NewTaskFinishedCmd(task.CommandID, task.TaskID)); err != nil {
		w.log.Errorf("worker: publishing TaskFinished command for %s: %v", task.TaskID, err)
	}
}

func (w *Worker) publishRunnerStatus(runnerID exoids.RunnerId, instanceID exoids.InstanceId, status wire.RunnerStatus) {
	if _, err := w.local.Send(wire.NewRunnerStatusUpdatedEvt(runnerID, instanceID, status)); err != nil {
		w.log.Errorf("worker: publishing RunnerStatusUpdated for %s: %v", runnerID, err)
	}
}

func hostAddr(h wire.Host) string {
	ip := h.IP
	if ip == "" {
		ip = "127.0.0.1"
	}
	return net.JoinHostPort(ip, strconv.Itoa(h.Port))
}

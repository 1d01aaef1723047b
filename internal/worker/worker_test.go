package worker

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/identity"
	"github.com/exo-explore/exo/internal/logging"
	"github.com/exo-explore/exo/internal/router"
	"github.com/exo-explore/exo/internal/shard"
	"github.com/exo-explore/exo/internal/wire"
)

// fakeDownloader stands in for internal/download's Singleton(Cached(Resumable))
// stack; Worker only needs the narrow EnsureShard signature.
type fakeDownloader struct {
	path string
	err  error
}

func (f *fakeDownloader) EnsureShard(ctx context.Context, modelID string, rank, worldSize int) (string, error) {
	return f.path, f.err
}

func newTestWorkerRouter(t *testing.T) (*router.Router, exoids.NodeId) {
	t.Helper()
	id, err := identity.Load(t.TempDir())
	if err != nil {
		t.Fatalf("identity.Load: %v", err)
	}
	r := router.New(id, router.NewLocalTransport(), logging.New("[test]"), nil)
	t.Cleanup(func() { _ = r.Close() })
	return r, id.NodeID()
}

func recvEvent(t *testing.T, recvr router.Receiver) wire.Event {
	t.Helper()
	select {
	case e := <-recvr.C():
		evt, err := wire.UnmarshalEvent(e.Payload)
		if err != nil {
			t.Fatalf("UnmarshalEvent: %v", err)
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a local event")
		return nil
	}
}

func TestWorkerOnInstanceCreatedReconcilesToReady(t *testing.T) {
	r, nodeID := newTestWorkerRouter(t)
	local := r.Receiver(router.LocalEvents)
	defer local.Close()

	runner := startFakeRunner(t)
	launcher := &fakeLauncher{}
	downloader := &fakeDownloader{path: "/models/m"}

	w := New(nodeID, r, downloader, launcher, logging.New("[worker]"))
	defer w.Close()

	runnerID := exoids.NewRunnerId()
	instance := wire.Instance{
		InstanceID: exoids.NewInstanceId(),
		Hosts:      []wire.Host{{IP: "127.0.0.1", Port: mustPort(t, runner.addr())}},
		ShardAssignments: shard.Assignments{
			NodeToRunner: map[exoids.NodeId]exoids.RunnerId{nodeID: runnerID},
			RunnerToShard: map[exoids.RunnerId]shard.Metadata{
				runnerID: {ModelMeta: shard.ModelMeta{ModelID: "m"}, DeviceRank: 0, WorldSize: 1, NLayers: 4, StartLayer: 0, EndLayer: 4},
			},
		},
	}

	if _, err := r.Sender(router.GlobalEvents).Send(wire.NewInstanceCreatedEvt(instance)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	runner.accept(t) // the worker's Supervisor should dial in to load the shard

	var statuses []wire.RunnerStatusKind
	for i := 0; i < 3; i++ {
		evt := recvEvent(t, local)
		updated, ok := evt.(wire.RunnerStatusUpdatedEvt)
		if !ok {
			t.Fatalf("event is %T, want RunnerStatusUpdatedEvt", evt)
		}
		statuses = append(statuses, updated.Status.Kind)
	}
	want := []wire.RunnerStatusKind{wire.RunnerSpawning, wire.RunnerLoaded, wire.RunnerReady}
	for i, k := range want {
		if statuses[i] != k {
			t.Fatalf("status sequence = %v, want %v", statuses, want)
		}
	}
}

func TestWorkerOnInstanceCreatedSkipsNodesNotInAssignment(t *testing.T) {
	r, nodeID := newTestWorkerRouter(t)
	local := r.Receiver(router.LocalEvents)
	defer local.Close()

	w := New(nodeID, r, &fakeDownloader{}, &fakeLauncher{}, logging.New("[worker]"))
	defer w.Close()

	instance := wire.Instance{
		InstanceID: exoids.NewInstanceId(),
		ShardAssignments: shard.Assignments{
			NodeToRunner:  map[exoids.NodeId]exoids.RunnerId{"someone-else": exoids.NewRunnerId()},
			RunnerToShard: map[exoids.RunnerId]shard.Metadata{},
		},
	}
	if _, err := r.Sender(router.GlobalEvents).Send(wire.NewInstanceCreatedEvt(instance)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case e := <-local.C():
		t.Fatalf("expected no local event for an instance not assigned here, got %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWorkerOnInstanceCreatedPublishesFailedWhenDownloadErrors(t *testing.T) {
	r, nodeID := newTestWorkerRouter(t)
	local := r.Receiver(router.LocalEvents)
	defer local.Close()

	downloader := &fakeDownloader{err: context.DeadlineExceeded}
	w := New(nodeID, r, downloader, &fakeLauncher{}, logging.New("[worker]"))
	defer w.Close()

	runnerID := exoids.NewRunnerId()
	instance := wire.Instance{
		InstanceID: exoids.NewInstanceId(),
		ShardAssignments: shard.Assignments{
			NodeToRunner: map[exoids.NodeId]exoids.RunnerId{nodeID: runnerID},
			RunnerToShard: map[exoids.RunnerId]shard.Metadata{
				runnerID: {ModelMeta: shard.ModelMeta{ModelID: "m"}, DeviceRank: 0, WorldSize: 1, NLayers: 1, StartLayer: 0, EndLayer: 1},
			},
		},
	}
	if _, err := r.Sender(router.GlobalEvents).Send(wire.NewInstanceCreatedEvt(instance)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	spawning := recvEvent(t, local).(wire.RunnerStatusUpdatedEvt)
	if spawning.Status.Kind != wire.RunnerSpawning {
		t.Fatalf("first status = %v, want Spawning", spawning.Status.Kind)
	}
	failed := recvEvent(t, local).(wire.RunnerStatusUpdatedEvt)
	if failed.Status.Kind != wire.RunnerFailed {
		t.Fatalf("second status = %v, want Failed", failed.Status.Kind)
	}
}

func TestWorkerOnInstanceDeletedStopsSupervisors(t *testing.T) {
	r, nodeID := newTestWorkerRouter(t)
	local := r.Receiver(router.LocalEvents)
	defer local.Close()

	runner := startFakeRunner(t)
	w := New(nodeID, r, &fakeDownloader{path: "/models/m"}, &fakeLauncher{}, logging.New("[worker]"))
	defer w.Close()

	runnerID := exoids.NewRunnerId()
	instanceID := exoids.NewInstanceId()
	instance := wire.Instance{
		InstanceID: instanceID,
		Hosts:      []wire.Host{{IP: "127.0.0.1", Port: mustPort(t, runner.addr())}},
		ShardAssignments: shard.Assignments{
			NodeToRunner: map[exoids.NodeId]exoids.RunnerId{nodeID: runnerID},
			RunnerToShard: map[exoids.RunnerId]shard.Metadata{
				runnerID: {ModelMeta: shard.ModelMeta{ModelID: "m"}, DeviceRank: 0, WorldSize: 1, NLayers: 1, StartLayer: 0, EndLayer: 1},
			},
		},
	}
	if _, err := r.Sender(router.GlobalEvents).Send(wire.NewInstanceCreatedEvt(instance)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	runner.accept(t)
	for i := 0; i < 3; i++ {
		recvEvent(t, local) // drain Spawning, Loaded, Ready
	}

	if _, err := r.Sender(router.GlobalEvents).Send(wire.NewInstanceDeletedEvt(instanceID)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	stopped := recvEvent(t, local).(wire.RunnerStatusUpdatedEvt)
	if stopped.Status.Kind != wire.RunnerStopped {
		t.Fatalf("status = %v, want Stopped", stopped.Status.Kind)
	}
}

func TestWorkerPublishesRunnerFailedWhenSupervisorExceedsRespawnBudget(t *testing.T) {
	r, nodeID := newTestWorkerRouter(t)
	local := r.Receiver(router.LocalEvents)
	defer local.Close()

	runner := startFakeRunner(t)
	w := New(nodeID, r, &fakeDownloader{path: "/models/m"}, &fakeLauncher{}, logging.New("[worker]"))
	defer w.Close()

	runnerID := exoids.NewRunnerId()
	instanceID := exoids.NewInstanceId()
	instance := wire.Instance{
		InstanceID: instanceID,
		Hosts:      []wire.Host{{IP: "127.0.0.1", Port: mustPort(t, runner.addr())}},
		ShardAssignments: shard.Assignments{
			NodeToRunner: map[exoids.NodeId]exoids.RunnerId{nodeID: runnerID},
			RunnerToShard: map[exoids.RunnerId]shard.Metadata{
				runnerID: {ModelMeta: shard.ModelMeta{ModelID: "m"}, DeviceRank: 0, WorldSize: 1, NLayers: 1, StartLayer: 0, EndLayer: 1},
			},
		},
	}
	if _, err := r.Sender(router.GlobalEvents).Send(wire.NewInstanceCreatedEvt(instance)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conn := runner.accept(t)
	for i := 0; i < 3; i++ {
		recvEvent(t, local) // drain Spawning, Loaded, Ready
	}

	for i := 0; i < maxRespawns; i++ {
		_ = conn.Close()
		conn = runner.accept(t)
	}
	_ = conn.Close()

	failed := recvEvent(t, local).(wire.RunnerStatusUpdatedEvt)
	if failed.Status.Kind != wire.RunnerFailed {
		t.Fatalf("status = %v, want Failed", failed.Status.Kind)
	}
}

func mustPort(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return port
}

package worker

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exo-explore/exo/internal/logging"
	"github.com/exo-explore/exo/internal/wire"
)

// fakeProcess stands in for a real runner child: Kill just signals it was
// asked to stop, Wait never fires on its own (tests drive loss by closing
// the connection, not by exiting the process).
type fakeProcess struct {
	killed chan struct{}
	waitCh chan error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{killed: make(chan struct{}, 1), waitCh: make(chan error)}
}

func (p *fakeProcess) Wait() <-chan error { return p.waitCh }
func (p *fakeProcess) Kill() error {
	select {
	case p.killed <- struct{}{}:
	default:
	}
	return nil
}

// fakeLauncher always reports success and counts how many times it was
// asked to start a child, so tests can observe respawns.
type fakeLauncher struct {
	launches int32
}

func (f *fakeLauncher) Launch(ctx context.Context, rank int, addr string) (Process, error) {
	atomic.AddInt32(&f.launches, 1)
	return newFakeProcess(), nil
}

func (f *fakeLauncher) count() int { return int(atomic.LoadInt32(&f.launches)) }

// fakeRunner is a TCP server standing in for the inference child: it
// accepts exactly one connection at a time and hands each to a handler the
// test supplies.
type fakeRunner struct {
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func startFakeRunner(t *testing.T) *fakeRunner {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	r := &fakeRunner{ln: ln}
	t.Cleanup(func() {
		r.mu.Lock()
		for _, c := range r.conns {
			_ = c.Close()
		}
		r.mu.Unlock()
		_ = ln.Close()
	})
	return r
}

func (r *fakeRunner) addr() string { return r.ln.Addr().String() }

// accept blocks until a client connects, tracks the connection for
// cleanup, and returns it.
func (r *fakeRunner) accept(t *testing.T) net.Conn {
	t.Helper()
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := r.ln.Accept()
		done <- result{c, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Accept: %v", res.err)
		}
		r.mu.Lock()
		r.conns = append(r.conns, res.conn)
		r.mu.Unlock()
		return res.conn
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the supervisor to connect")
		return nil
	}
}

func readFrameFrom(t *testing.T, conn net.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	f, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	return f
}

func TestSupervisorLoadShardAndStreamRoundTrip(t *testing.T) {
	runner := startFakeRunner(t)
	launcher := &fakeLauncher{}
	log := logging.New("[test]")

	sup, err := NewSupervisor(launcher, 0, runner.addr(), log, nil)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer sup.Stop()

	conn := runner.accept(t)

	instance := wire.Instance{InstanceID: "inst-1"}
	if err := sup.LoadShard(instance); err != nil {
		t.Fatalf("LoadShard: %v", err)
	}
	loadFrame := readFrameFrom(t, conn)
	if loadFrame.Kind != FrameLoadRequest {
		t.Fatalf("got frame kind %q, want %q", loadFrame.Kind, FrameLoadRequest)
	}

	task := wire.Task{TaskID: "task-1"}
	chunks, err := sup.StreamResponse(task)
	if err != nil {
		t.Fatalf("StreamResponse: %v", err)
	}
	inferFrame := readFrameFrom(t, conn)
	if inferFrame.Kind != FrameInfer {
		t.Fatalf("got frame kind %q, want %q", inferFrame.Kind, FrameInfer)
	}

	f1, err := newFrame(FrameTokenChunk, TokenChunkPayload{Text: "hel"})
	if err != nil {
		t.Fatalf("newFrame: %v", err)
	}
	if err := writeFrame(conn, f1); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	stop := wire.FinishStop
	f2, err := newFrame(FrameTokenChunk, TokenChunkPayload{Text: "lo", FinishReason: &stop})
	if err != nil {
		t.Fatalf("newFrame: %v", err)
	}
	if err := writeFrame(conn, f2); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	first := <-chunks
	if first.Text != "hel" || first.FinishReason != nil {
		t.Fatalf("unexpected first chunk: %+v", first)
	}
	second := <-chunks
	if second.Text != "lo" || second.FinishReason == nil || *second.FinishReason != wire.FinishStop {
		t.Fatalf("unexpected second chunk: %+v", second)
	}
	if _, ok := <-chunks; ok {
		t.Fatalf("expected the chunk channel to be closed after the terminal chunk")
	}
}

func TestSupervisorRespawnsOnChildLoss(t *testing.T) {
	runner := startFakeRunner(t)
	launcher := &fakeLauncher{}
	log := logging.New("[test]")

	sup, err := NewSupervisor(launcher, 0, runner.addr(), log, nil)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer sup.Stop()

	first := runner.accept(t)
	if launcher.count() != 1 {
		t.Fatalf("launches = %d, want 1", launcher.count())
	}

	_ = first.Close() // simulate the child connection dropping

	runner.accept(t) // the supervisor should reconnect
	waitFor(t, func() bool { return launcher.count() == 2 })
}

func TestSupervisorGivesUpAfterMaxRespawns(t *testing.T) {
	runner := startFakeRunner(t)
	launcher := &fakeLauncher{}
	log := logging.New("[test]")

	var failedCalls int32
	sup, err := NewSupervisor(launcher, 0, runner.addr(), log, func() {
		atomic.AddInt32(&failedCalls, 1)
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer sup.Stop()

	conn := runner.accept(t)
	for i := 0; i < maxRespawns; i++ {
		_ = conn.Close()
		conn = runner.accept(t)
	}
	_ = conn.Close()

	waitFor(t, sup.Failed)
	waitFor(t, func() bool { return atomic.LoadInt32(&failedCalls) == 1 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

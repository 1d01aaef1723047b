package worker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/exo-explore/exo/internal/exoerr"
	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/logging"
	"github.com/exo-explore/exo/internal/wire"
)

const (
	maxRespawns      = 3
	respawnWindow    = 60 * time.Second
	dialRetryBackoff = 200 * time.Millisecond
	dialRetryCount   = 25 // ~5s of retrying for the child to come up
)

// Launcher is the out-of-scope seam onto the inference runner process
// itself (spec.md §1 Non-goals: "no inference runner internals"). The
// Supervisor only needs to start one, wait for its exit, and kill it; what
// happens between those calls is the runner binary's business.
type Launcher interface {
	Launch(ctx context.Context, rank int, listenAddr string) (Process, error)
}

// Process is a running inference child.
type Process interface {
	Wait() <-chan error
	Kill() error
}

// chunkSubscriber is where a supervised child's streamed tokens for one
// task are delivered.
type chunkSubscriber struct {
	taskID exoids.TaskId
	out    chan TokenChunkPayload
}

// Supervisor owns exactly one inference child, identified by its
// listening (ip, port), for one runner assignment (spec.md §4.4). It
// exposes a streaming response interface for tasks and respawns the child
// up to 3 times within 60s before propagating RunnerFailed.
type Supervisor struct {
	log      logging.Logger
	launcher Launcher
	rank     int
	addr     string
	onFailed func()

	mu       sync.Mutex
	conn     net.Conn
	proc     Process
	respawns []time.Time
	lost     bool
	subs     map[exoids.TaskId]*chunkSubscriber

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor starts the child at addr (rank/host fixed for this
// runner's lifetime) and begins monitoring it. onFailed, if non-nil, is
// invoked exactly once, from a background goroutine, the moment this
// Supervisor gives up on the child (spec.md §4.4: up to 3 respawns within
// 60s before propagating RunnerFailed upward).
func NewSupervisor(launcher Launcher, rank int, addr string, log logging.Logger, onFailed func()) (*Supervisor, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		log:      log,
		launcher: launcher,
		rank:     rank,
		addr:     addr,
		onFailed: onFailed,
		subs:     make(map[exoids.TaskId]*chunkSubscriber),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if err := s.spawnAndConnect(); err != nil {
		cancel()
		return nil, err
	}
	go s.monitor()
	return s, nil
}

func (s *Supervisor) spawnAndConnect() error {
	proc, err := s.launcher.Launch(s.ctx, s.rank, s.addr)
	if err != nil {
		return fmt.Errorf("worker: launching runner at %s: %w", s.addr, err)
	}
	conn, err := dialWithRetry(s.ctx, s.addr)
	if err != nil {
		_ = proc.Kill()
		return fmt.Errorf("worker: connecting to runner at %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.proc = proc
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

func dialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < dialRetryCount; i++ {
		conn, err := dialRunner(addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetryBackoff):
		}
	}
	return nil, lastErr
}

// LoadShard sends the initial LoadRequest frame for instance at this
// Supervisor's rank.
func (s *Supervisor) LoadShard(instance wire.Instance) error {
	f, err := newFrame(FrameLoadRequest, LoadRequestPayload{Shard: instance, Rank: s.rank})
	if err != nil {
		return err
	}
	return s.writeFrameLocked(f)
}

// StreamResponse opens a stream for task, returning a channel of chunks.
// The channel is closed when the runner reports the stream's terminal
// chunk (a non-nil FinishReason) or the child is lost.
func (s *Supervisor) StreamResponse(task wire.Task) (<-chan TokenChunkPayload, error) {
	f, err := newFrame(FrameInfer, InferPayload{TaskID: string(task.TaskID), Params: task.Params})
	if err != nil {
		return nil, err
	}

	sub := &chunkSubscriber{taskID: task.TaskID, out: make(chan TokenChunkPayload, 64)}
	s.mu.Lock()
	if s.lost {
		s.mu.Unlock()
		return nil, exoerr.ErrRunnerLost
	}
	s.subs[task.TaskID] = sub
	s.mu.Unlock()

	if err := s.writeFrameLocked(f); err != nil {
		s.mu.Lock()
		delete(s.subs, task.TaskID)
		s.mu.Unlock()
		return nil, err
	}
	return sub.out, nil
}

func (s *Supervisor) writeFrameLocked(f Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return exoerr.ErrRunnerLost
	}
	return writeFrame(conn, f)
}

func (s *Supervisor) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		frame, err := readFrame(r)
		if err != nil {
			s.onChildLost(err)
			return
		}
		s.dispatch(frame)
	}
}

func (s *Supervisor) dispatch(f Frame) {
	switch f.Kind {
	case FrameTokenChunk:
		var p TokenChunkPayload
		if err := decodeFramePayload(f, &p); err != nil {
			s.log.Warnf("worker: malformed TokenChunk from runner: %v", err)
			return
		}
		s.deliverToAll(p)
	case FrameError:
		var p ErrorPayload
		if err := decodeFramePayload(f, &p); err != nil {
			s.log.Warnf("worker: malformed Error from runner: %v", err)
			return
		}
		reason := wire.FinishError
		s.deliverToAll(TokenChunkPayload{FinishReason: &reason})
		s.log.Warnf("worker: runner reported error %s: %s", p.Kind, p.Msg)
	default:
		s.log.Warnf("worker: unexpected frame kind %q from runner", f.Kind)
	}
}

// deliverToAll fans a chunk out to every open subscriber; a chunk with a
// non-nil FinishReason is that subscriber's last one. Since Infer carries
// a task_id but TokenChunk does not echo it back on the wire (spec.md
// §6 leaves it implicit for the single in-flight stream at rank 0), a
// Supervisor only ever has one live subscriber at a time in practice.
func (s *Supervisor) deliverToAll(p TokenChunkPayload) {
	s.mu.Lock()
	subs := make([]*chunkSubscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.out <- p
		if p.FinishReason != nil {
			close(sub.out)
			s.mu.Lock()
			delete(s.subs, sub.taskID)
			s.mu.Unlock()
		}
	}
}

// onChildLost handles the child connection dropping for any reason:
// each outstanding stream receives a final chunk with FinishReason error
// and is closed (no RunnerLost error value is attached to that chunk), and
// a respawn is attempted if
// the node hasn't exceeded 3 respawns within the last 60s.
func (s *Supervisor) onChildLost(readErr error) {
	s.mu.Lock()
	reason := wire.FinishError
	for _, sub := range s.subs {
		sub.out <- TokenChunkPayload{FinishReason: &reason}
		close(sub.out)
	}
	s.subs = make(map[exoids.TaskId]*chunkSubscriber)
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.log.Warnf("worker: runner at %s lost: %v", s.addr, readErr)

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	s.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-respawnWindow)
	kept := s.respawns[:0]
	for _, t := range s.respawns {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.respawns = kept
	exceeded := len(s.respawns) >= maxRespawns
	if !exceeded {
		s.respawns = append(s.respawns, now)
	}
	s.mu.Unlock()

	if exceeded {
		s.giveUp()
		return
	}

	if err := s.spawnAndConnect(); err != nil {
		s.log.Errorf("worker: respawn of runner at %s failed: %v", s.addr, err)
		s.giveUp()
	}
}

// giveUp marks the Supervisor as having exhausted its respawn budget and
// notifies onFailed exactly once.
func (s *Supervisor) giveUp() {
	s.mu.Lock()
	alreadyLost := s.lost
	s.lost = true
	s.mu.Unlock()
	if !alreadyLost && s.onFailed != nil {
		s.onFailed()
	}
}

// Failed reports whether this Supervisor has exhausted its respawn budget
// and given up.
func (s *Supervisor) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

func (s *Supervisor) monitor() {
	<-s.ctx.Done()
	close(s.done)
}

// Stop tears the supervised child down.
func (s *Supervisor) Stop() error {
	s.cancel()
	s.mu.Lock()
	proc := s.proc
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		f, err := newFrame(FrameStop, struct{}{})
		if err == nil {
			_ = writeFrame(conn, f)
		}
		_ = conn.Close()
	}
	var err error
	if proc != nil {
		err = proc.Kill()
	}
	<-s.done
	return err
}

func decodeFramePayload(f Frame, out interface{}) error {
	return decodeJSON(f.Payload, out)
}

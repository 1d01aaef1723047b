// Package worker implements spec.md §4.4: the event-driven reconciler that
// keeps a node's locally-hosted runners in sync with the master's observed
// instance/task state, plus the Runner Supervisor (§4.4) and its wire
// protocol to the inference child process (§6).
package worker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/exo-explore/exo/internal/wire"
)

// FrameKind is the closed tag for a runner-protocol frame.
type FrameKind string

const (
	FrameLoadRequest FrameKind = "LoadRequest"
	FrameInfer       FrameKind = "Infer"
	FrameTokenChunk  FrameKind = "TokenChunk"
	FrameError       FrameKind = "Error"
	FrameStop        FrameKind = "Stop"
)

// Frame is one length-prefixed message exchanged with a runner child over
// its TCP listener (spec.md §6): a 4-byte big-endian length prefix
// followed by a JSON-encoded {kind, payload} envelope, modelled on the
// teacher's request/response framing but simplified to one long-lived
// stream per runner instead of per-call RPC.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// LoadRequestPayload asks the runner to load its assigned shard.
type LoadRequestPayload struct {
	Shard wire.Instance `json:"shard"` // carries ShardAssignments + Hosts for this instance
	Rank  int           `json:"rank"`
}

// InferPayload starts a streaming inference for one task.
type InferPayload struct {
	TaskID string                    `json:"task_id"`
	Params wire.ChatCompletionParams `json:"params"`
}

// TokenChunkPayload is one streamed output chunk.
type TokenChunkPayload struct {
	Text         string             `json:"text"`
	FinishReason *wire.FinishReason `json:"finish_reason,omitempty"`
}

// ErrorPayload reports a runner-side failure.
type ErrorPayload struct {
	Kind string `json:"kind"`
	Msg  string `json:"msg"`
}

const maxFrameBytes = 64 << 20

// writeFrame encodes and writes f to w, length-prefixed.
func writeFrame(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("worker: encoding frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r *bufio.Reader) (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameBytes {
		return Frame{}, fmt.Errorf("worker: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("worker: decoding frame: %w", err)
	}
	return f, nil
}

func newFrame(kind FrameKind, payload interface{}) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, Payload: data}, nil
}

// dialRunner connects to a runner child listening at addr.
func dialRunner(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}

func decodeJSON(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}

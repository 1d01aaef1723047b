package worker

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f, err := newFrame(FrameTokenChunk, TokenChunkPayload{Text: "hi"})
	if err != nil {
		t.Fatalf("newFrame: %v", err)
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, f); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	got, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if got.Kind != FrameTokenChunk {
		t.Fatalf("kind = %q, want %q", got.Kind, FrameTokenChunk)
	}
	var p TokenChunkPayload
	if err := decodeFramePayload(got, &p); err != nil {
		t.Fatalf("decodeFramePayload: %v", err)
	}
	if p.Text != "hi" {
		t.Fatalf("text = %q, want %q", p.Text, "hi")
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{Kind: FrameError, Payload: []byte(`{}`)}
	if err := writeFrame(&buf, f); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	// Corrupt the length prefix to claim an absurd frame size.
	raw := buf.Bytes()
	raw[0], raw[1], raw[2], raw[3] = 0x7f, 0xff, 0xff, 0xff

	if _, err := readFrame(bufio.NewReader(bytes.NewReader(raw))); err == nil {
		t.Fatalf("expected readFrame to reject an oversized frame")
	}
}

func TestReadFrameAppliesLoadRequestShape(t *testing.T) {
	f, err := newFrame(FrameLoadRequest, LoadRequestPayload{Rank: 2})
	if err != nil {
		t.Fatalf("newFrame: %v", err)
	}
	var buf bytes.Buffer
	if err := writeFrame(&buf, f); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	var p LoadRequestPayload
	if err := decodeFramePayload(got, &p); err != nil {
		t.Fatalf("decodeFramePayload: %v", err)
	}
	if p.Rank != 2 {
		t.Fatalf("rank = %d, want 2", p.Rank)
	}
}

package router

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-version"

	"github.com/exo-explore/exo/internal/exoerr"
	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/identity"
	"github.com/exo-explore/exo/internal/wire"
)

// ProtocolVersion is the router wire-format version stamped onto every
// envelope. Peers reject envelopes whose major segment differs from their
// own, generalizing the teacher's RPCHeader/checkRPCHeader gate. Bump the
// major segment on any breaking change to the envelope or topic wire
// format.
const ProtocolVersion = "1.0.0"

var currentProtocolVersion = version.Must(version.NewVersion(ProtocolVersion))

// Envelope is the signed, framed message exchanged between peers (spec.md
// §6): {topic, origin, seq, payload}, plus the signature that lets a
// receiver verify authenticity before acting on it. Payload is whatever the
// publisher marshalled; Router itself never interprets it, it just
// delivers and orders.
type Envelope struct {
	Topic     Topic           `json:"topic"`
	Origin    exoids.NodeId   `json:"origin"`
	Seq       uint64          `json:"seq"`
	Version   string          `json:"version"`
	Signature []byte          `json:"signature"`
	Payload   json.RawMessage `json:"payload"`
}

// signingBytes returns the bytes that Signature is computed over: every
// envelope field except the signature itself.
func (e Envelope) signingBytes() ([]byte, error) {
	unsigned := struct {
		Topic   Topic           `json:"topic"`
		Origin  exoids.NodeId   `json:"origin"`
		Seq     uint64          `json:"seq"`
		Version string          `json:"version"`
		Payload json.RawMessage `json:"payload"`
	}{e.Topic, e.Origin, e.Seq, e.Version, e.Payload}
	return json.Marshal(unsigned)
}

// newEnvelope marshals message and signs it with id, producing a ready-to-
// publish Envelope on topic with sequence number seq.
func newEnvelope(id *identity.Identity, topic Topic, seq uint64, message interface{}) (Envelope, error) {
	payload, err := marshalPayload(message)
	if err != nil {
		return Envelope{}, fmt.Errorf("router: marshalling payload: %w", err)
	}
	e := Envelope{Topic: topic, Origin: id.NodeID(), Seq: seq, Version: ProtocolVersion, Payload: payload}
	signing, err := e.signingBytes()
	if err != nil {
		return Envelope{}, err
	}
	e.Signature = id.Sign(signing)
	return e, nil
}

// checkProtocolVersion rejects envelopes stamped with a major protocol
// version incompatible with ours.
func checkProtocolVersion(raw string) error {
	v, err := version.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: bad protocol version %q: %v", exoerr.ErrBadMessage, raw, err)
	}
	if v.Segments()[0] != currentProtocolVersion.Segments()[0] {
		return fmt.Errorf("%w: peer protocol version %s incompatible with local %s", exoerr.ErrBadMessage, v, currentProtocolVersion)
	}
	return nil
}

// marshalPayload encodes message for the wire. wire.Command and wire.Event
// carry a closed set of concrete types multiplexed onto one topic, so they
// are tagged with their kind (wire.MarshalCommand/MarshalEvent) rather than
// marshalled bare, matching what wire.UnmarshalCommand/UnmarshalEvent
// expect on receipt. Everything else (gossip payloads like
// election.ElectionVote) marshals directly.
func marshalPayload(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case wire.Command:
		return wire.MarshalCommand(m)
	case wire.Event:
		return wire.MarshalEvent(m)
	default:
		return json.Marshal(message)
	}
}

// verify checks e's signature was produced by e.Origin and that e was sent
// by a peer running a compatible protocol version.
func (e Envelope) verify() error {
	if err := checkProtocolVersion(e.Version); err != nil {
		return err
	}
	signing, err := e.signingBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", exoerr.ErrBadMessage, err)
	}
	return identity.Verify(e.Origin, signing, e.Signature)
}

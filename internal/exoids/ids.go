// Package exoids defines the opaque identity types used throughout the
// cluster. InstanceId, RunnerId, TaskId, CommandId and EventId are all
// UUID-like values minted by their creators, compared bitwise; ModelId is a
// registry-qualified model name; NodeId is the base58 of a peer's public
// key, minted by internal/identity.
package exoids

import (
	"math/rand"

	"github.com/google/uuid"
)

// NodeId names a peer by the base58 encoding of its Ed25519 public key.
type NodeId string

// ModelId is the registry-qualified model name, e.g. "meta-llama/Llama-3.1-8B".
type ModelId string

// InstanceId identifies a running deployment of one model across a ring of
// runners.
type InstanceId string

// RunnerId identifies a single inference process holding one shard.
type RunnerId string

// TaskId identifies one unit of work submitted against an instance.
type TaskId string

// CommandId identifies one command submitted to the master.
type CommandId string

// EventId identifies one event emitted by the master.
type EventId string

// NewInstanceId mints a fresh, globally-unique InstanceId.
func NewInstanceId() InstanceId { return InstanceId(uuid.NewString()) }

// NewRunnerId mints a fresh, globally-unique RunnerId.
func NewRunnerId() RunnerId { return RunnerId(uuid.NewString()) }

// NewTaskId mints a fresh, globally-unique TaskId.
func NewTaskId() TaskId { return TaskId(uuid.NewString()) }

// NewCommandId mints a fresh, globally-unique CommandId.
func NewCommandId() CommandId { return CommandId(uuid.NewString()) }

// NewEventId mints a fresh, globally-unique EventId.
func NewEventId() EventId { return EventId(uuid.NewString()) }

// NewInstanceIdFromRand mints an InstanceId from rng instead of the global
// random source, so that minting it from a seeded *rand.Rand reproduces the
// same id on every call with an equally-seeded rng. Used by the master's
// decide function to keep replay byte-for-byte deterministic (spec.md
// §4.3).
func NewInstanceIdFromRand(rng *rand.Rand) InstanceId { return InstanceId(mustUUIDFromRand(rng)) }

// NewRunnerIdFromRand is NewInstanceIdFromRand's counterpart for RunnerId.
func NewRunnerIdFromRand(rng *rand.Rand) RunnerId { return RunnerId(mustUUIDFromRand(rng)) }

// NewTaskIdFromRand is NewInstanceIdFromRand's counterpart for TaskId.
func NewTaskIdFromRand(rng *rand.Rand) TaskId { return TaskId(mustUUIDFromRand(rng)) }

func mustUUIDFromRand(rng *rand.Rand) string {
	id, err := uuid.NewRandomFromReader(rng)
	if err != nil {
		// rand.Rand.Read never errors; this would mean uuid itself rejected
		// the byte count it asked for.
		panic(err)
	}
	return id.String()
}

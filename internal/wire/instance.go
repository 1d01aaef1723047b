package wire

import (
	"github.com/exo-explore/exo/internal/exoids"
	"github.com/exo-explore/exo/internal/shard"
)

// InstanceStatus is the closed set of instance lifecycle states. Active is
// the only one reachable today; the tag exists so a future status can be
// added without breaking the wire shape.
type InstanceStatus string

const InstanceActive InstanceStatus = "Active"

// Host is one ring position's authoritative (ip, port). Ports are
// ephemeral (49152-65535), picked once at creation by the placement
// engine, and are authoritative cluster-wide thereafter.
type Host struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Instance is a running deployment of one model across a ring of runners.
// Hosts is positionally aligned with ring order.
type Instance struct {
	InstanceID       exoids.InstanceId
	Status           InstanceStatus
	ShardAssignments shard.Assignments
	Hosts            []Host
}

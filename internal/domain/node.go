package domain

import "time"

// NodeStatus is the lifecycle state of a cluster node.
type NodeStatus string

const (
	NodeJoining  NodeStatus = "joining"
	NodeActive   NodeStatus = "active"
	NodeDraining NodeStatus = "draining"
	NodeDead     NodeStatus = "dead"
)

// Role names a cluster responsibility a node can carry.
type Role string

const (
	RoleGateway   Role = "gateway"
	RoleFunction  Role = "function"
	RoleWorker    Role = "worker"
	RoleScheduler Role = "scheduler"
)

// Node is one running process instance. Exactly one row exists per live
// process; status active implies the heartbeat is fresher than the cluster
// dead threshold.
type Node struct {
	ID            string
	Hostname      string
	Address       string
	Status        NodeStatus
	Roles         []Role
	Capabilities  []string
	LastHeartbeat time.Time
	StartedAt     time.Time
	Version       string
}

// Leader records which node holds a named role. The row is advisory: the
// session-scoped advisory lock is the authoritative signal.
type Leader struct {
	Role       string
	NodeID     string
	AcquiredAt time.Time
	LeaseUntil time.Time
}

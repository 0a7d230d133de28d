package cluster

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrCoordination marks failures talking to the coordination service.
// They are fatal to a node's role transition.
var ErrCoordination = errors.New("coordination service failure")

// ErrMembershipLost marks a node whose election entry is gone, for example
// after the registry evicted it. Such a node holds no role and must stop.
var ErrMembershipLost = errors.New("election membership lost")

// Membership lists the workers a query should be fanned out to.
type Membership interface {
	// ListWorkerAddresses returns the registered workers in registration order.
	ListWorkerAddresses(ctx context.Context) ([]NodeInfo, error)
}

// CoordinationService is the capability the node needs from the external
// election and membership backend. The search core never depends on a
// concrete implementation.
type CoordinationService interface {
	Membership

	// Join enters this node into the leader election.
	Join(ctx context.Context) error
	// IsLeader reports whether this node currently holds leadership. It
	// fails with ErrMembershipLost once the node's election entry is gone.
	IsLeader(ctx context.Context) (bool, error)
	// RegisterWorker publishes addr as a worker endpoint for this node.
	RegisterWorker(ctx context.Context, addr string) error
	// RegisterCoordinator publishes addr as the coordinator endpoint for this node.
	RegisterCoordinator(ctx context.Context, addr string) error
	// Unregister removes this node's published service address, keeping its election entry.
	Unregister(ctx context.Context) error
	// LeaderAddress returns the coordinator address if the leader has registered one.
	LeaderAddress(ctx context.Context) (string, bool, error)
	// Leave withdraws this node from the election entirely.
	Leave(ctx context.Context) error
}

// StaticMembership is a fixed worker list, handy for tests and single-shot runs.
type StaticMembership []NodeInfo

// ListWorkerAddresses returns a copy of the list.
func (s StaticMembership) ListWorkerAddresses(context.Context) ([]NodeInfo, error) {
	return append([]NodeInfo(nil), s...), nil
}

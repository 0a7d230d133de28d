package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/tfsearch/internal/cluster"
)

var (
	// ErrUnknownMember is returned for operations on a node that has not joined.
	ErrUnknownMember = errors.New("registry: unknown member")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("registry: invalid request")
)

// Registry is the in-memory election and membership state.
//
// Every member gets a sequence number when it first joins. The live member
// with the lowest sequence is the leader. Members disappear when they leave
// or when the prober evicts them, which hands leadership to the next
// sequence in line.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Registry struct {
	members map[string]*cluster.Member
	logger  *slog.Logger
	now     func() time.Time
	nextSeq uint64
	mu      sync.RWMutex
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		members: make(map[string]*cluster.Member),
		logger:  logger,
		now:     time.Now,
		nextSeq: 1,
	}
}

// Join enters node into the election. A node that joins again keeps its
// sequence number and only updates its address.
func (r *Registry) Join(node cluster.NodeInfo) (cluster.Member, error) {
	if node.ID == "" || node.Addr == "" {
		return cluster.Member{}, errors.Wrap(ErrInvalidRequest, "missing id/addr")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[node.ID]; ok {
		m.Node.Addr = node.Addr
		return *m, nil
	}
	m := &cluster.Member{
		Node:     node,
		Role:     cluster.RoleCandidate,
		JoinedAt: r.now(),
		Seq:      r.nextSeq,
	}
	r.nextSeq++
	r.members[node.ID] = m
	r.logger.Info("member joined", "node", node.ID, "addr", node.Addr, "seq", m.Seq)
	return *m, nil
}

// Leave removes a member from the election.
func (r *Registry) Leave(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return errors.Wrapf(ErrUnknownMember, "leave %s", id)
	}
	delete(r.members, id)
	r.logger.Info("member left", "node", id)
	return nil
}

// Evict removes a member the prober found dead. It reports whether the
// member was present.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	r.logger.Warn("member evicted", "node", id)
	return true
}

// Register publishes a member's service address under a role.
func (r *Registry) Register(req cluster.RegisterRequest) error {
	if req.Addr == "" {
		return errors.Wrap(ErrInvalidRequest, "missing addr")
	}
	if req.Role != cluster.RoleWorker && req.Role != cluster.RoleCoordinator {
		return errors.Wrapf(ErrInvalidRequest, "role %q cannot be registered", req.Role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[req.NodeID]
	if !ok {
		return errors.Wrapf(ErrUnknownMember, "register %s", req.NodeID)
	}
	m.Role = req.Role
	m.ServiceAddr = req.Addr
	r.logger.Info("member registered", "node", req.NodeID, "role", req.Role, "addr", req.Addr)
	return nil
}

// Unregister withdraws a member's service address. The member stays in the
// election as a candidate.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return errors.Wrapf(ErrUnknownMember, "unregister %s", id)
	}
	m.Role = cluster.RoleCandidate
	m.ServiceAddr = ""
	return nil
}

// Member returns the election entry for id, if it is still present.
func (r *Registry) Member(id string) (cluster.Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return cluster.Member{}, false
	}
	return *m, true
}

// Leader returns the live member with the lowest sequence number.
func (r *Registry) Leader() (cluster.Member, bool) {
	members := r.Members()
	if len(members) == 0 {
		return cluster.Member{}, false
	}
	return members[0], true
}

// Members returns a snapshot of all members ordered by sequence.
func (r *Registry) Members() []cluster.Member {
	r.mu.RLock()
	out := make([]cluster.Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b cluster.Member) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

// Workers lists registered workers in join order, addressed by their
// service address.
func (r *Registry) Workers() []cluster.NodeInfo {
	workers := []cluster.NodeInfo{}
	for _, m := range r.Members() {
		if m.Role == cluster.RoleWorker {
			workers = append(workers, cluster.NodeInfo{ID: m.Node.ID, Addr: m.ServiceAddr})
		}
	}
	return workers
}

// Nodes lists every member's node info. The prober uses it as its target list.
func (r *Registry) Nodes() []cluster.NodeInfo {
	members := r.Members()
	nodes := make([]cluster.NodeInfo, 0, len(members))
	for _, m := range members {
		nodes = append(nodes, m.Node)
	}
	return nodes
}

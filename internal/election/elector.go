// Package election turns the coordination service's leadership answer into
// role transitions for a node.
//
// A node starts as a candidate. The first time the Elector learns whether
// it leads, it fires exactly one callback: OnElectedToBeLeader or OnWorker.
// A worker that later becomes leader (because the previous leader died)
// receives OnElectedToBeLeader. A leader that loses leadership cannot go
// back to being a worker; Run returns ErrLeadershipLost and the process is
// expected to exit. A node whose election entry disappears (the registry
// evicted it) has no role at all: Run returns the service's
// cluster.ErrMembershipLost error and the process exits the same way.
package election

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/tfsearch/internal/cluster"
)

// DefaultPollInterval is how often leadership is re-checked.
const DefaultPollInterval = time.Second

// ErrLeadershipLost is returned by Run when a leader is no longer leader.
var ErrLeadershipLost = errors.New("election: leadership lost")

// Callbacks receives role transitions. Each method is called from the
// Elector's goroutine; a returned error stops Run.
type Callbacks interface {
	OnElectedToBeLeader(ctx context.Context) error
	OnWorker(ctx context.Context) error
}

// Elector watches leadership for one node.
type Elector struct {
	svc      cluster.CoordinationService
	cb       Callbacks
	logger   *slog.Logger
	role     cluster.Role
	interval time.Duration
	mu       sync.RWMutex
}

// Option configures an Elector.
type Option func(*Elector)

// WithPollInterval sets how often leadership is checked.
func WithPollInterval(d time.Duration) Option {
	return func(e *Elector) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithLogger sets the elector's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Elector) {
		e.logger = l
	}
}

// New creates an elector for the node behind svc.
func New(svc cluster.CoordinationService, cb Callbacks, opts ...Option) *Elector {
	e := &Elector{
		svc:      svc,
		cb:       cb,
		logger:   slog.Default(),
		role:     cluster.RoleCandidate,
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Role returns the role the node currently acts in.
func (e *Elector) Role() cluster.Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

// Run joins the election and tracks leadership until ctx is done.
//
// Returns:
//   - nil when ctx is cancelled
//   - ErrLeadershipLost if this node led and no longer does
//   - An error marked cluster.ErrMembershipLost if the node was evicted
//   - Any coordination or callback error, unchanged
func (e *Elector) Run(ctx context.Context) error {
	if err := e.svc.Join(ctx); err != nil {
		return err
	}
	e.logger.Info("joined election")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Elector) step(ctx context.Context) error {
	leader, err := e.svc.IsLeader(ctx)
	if err != nil {
		if errors.Is(err, cluster.ErrMembershipLost) {
			e.logger.Error("election entry lost", "role", e.Role(), "error", err)
		}
		return err
	}

	current := e.Role()
	switch {
	case leader && current != cluster.RoleCoordinator:
		e.logger.Info("elected to be leader", "previous_role", current)
		if err := e.cb.OnElectedToBeLeader(ctx); err != nil {
			return errors.Wrap(err, "become leader")
		}
		e.setRole(cluster.RoleCoordinator)
	case !leader && current == cluster.RoleCoordinator:
		return ErrLeadershipLost
	case !leader && current == cluster.RoleCandidate:
		e.logger.Info("acting as worker")
		if err := e.cb.OnWorker(ctx); err != nil {
			return errors.Wrap(err, "become worker")
		}
		e.setRole(cluster.RoleWorker)
	}
	return nil
}

func (e *Elector) setRole(r cluster.Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.role = r
}

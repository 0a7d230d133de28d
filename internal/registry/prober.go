package registry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/tfsearch/internal/cluster"
)

// Health states tracked by the prober.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// MemberHealth tracks the health status of a single member.
type MemberHealth struct {
	LastCheck        time.Time // Timestamp of the last probe attempt
	LastHealthy      time.Time // Timestamp of the last successful probe
	NodeID           string    // Unique identifier of the node
	Status           string    // StatusUnknown, StatusHealthy or StatusUnhealthy
	ConsecutiveFails int       // Number of consecutive failed probes
}

// CheckFunc probes one member address and returns nil when it is alive.
type CheckFunc func(ctx context.Context, addr string) error

// Prober periodically probes every member's /health endpoint. A member that
// fails maxFailures probes in a row is reported through the unhealthy
// callback, which the registry server uses to evict it. This gives members
// the lifetime of an ephemeral node: they exist as long as they answer.
//
// Thread Safety:
// All methods are safe for concurrent access.
type Prober struct {
	members     map[string]*MemberHealth
	httpClient  *http.Client
	checkFunc   CheckFunc
	onUnhealthy func(nodeID string)
	logger      *slog.Logger
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	maxFailures int
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeTimeout bounds each individual probe.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxFailures sets how many consecutive failures mark a member unhealthy.
func WithMaxFailures(n int) ProberOption {
	return func(p *Prober) {
		if n > 0 {
			p.maxFailures = n
		}
	}
}

// WithCheckFunc replaces the HTTP probe.
func WithCheckFunc(f CheckFunc) ProberOption {
	return func(p *Prober) {
		p.checkFunc = f
	}
}

// WithProberLogger sets the prober's logger.
func WithProberLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = l
	}
}

// NewProber creates a prober that checks members every interval. Defaults
// are a 2s probe timeout and 3 failures before a member is unhealthy.
//
// Example:
//
//	p := registry.NewProber(time.Second, registry.WithMaxFailures(2))
//	p.SetOnUnhealthy(func(id string) { reg.Evict(id) })
//	go p.Run(ctx, reg.Nodes)
func NewProber(interval time.Duration, opts ...ProberOption) *Prober {
	p := &Prober{
		members:     make(map[string]*MemberHealth),
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.httpClient = &http.Client{Timeout: p.timeout}
	if p.checkFunc == nil {
		p.checkFunc = p.httpCheck
	}
	return p
}

// SetOnUnhealthy sets the callback invoked once when a member turns unhealthy.
func (p *Prober) SetOnUnhealthy(callback func(nodeID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUnhealthy = callback
}

// Run probes the members returned by nodes until ctx is done. The first
// round runs immediately.
func (p *Prober) Run(ctx context.Context, nodes func() []cluster.NodeInfo) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("prober started", "interval", p.interval, "max_failures", p.maxFailures)
	p.CheckAll(ctx, nodes())
	for {
		select {
		case <-ticker.C:
			p.CheckAll(ctx, nodes())
		case <-ctx.Done():
			p.logger.Info("prober stopped")
			return
		}
	}
}

// CheckAll runs one probe round over nodes and forgets members that are no
// longer listed.
func (p *Prober) CheckAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		p.check(ctx, node)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.members {
		if !current[id] {
			delete(p.members, id)
		}
	}
}

func (p *Prober) check(ctx context.Context, node cluster.NodeInfo) {
	p.mu.Lock()
	health, ok := p.members[node.ID]
	if !ok {
		now := time.Now()
		health = &MemberHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		p.members[node.ID] = health
	}
	p.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.checkFunc(probeCtx, node.Addr)
	cancel()

	p.mu.Lock()
	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			p.logger.Info("member recovered", "node", node.ID)
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		p.mu.Unlock()
		return
	}

	health.ConsecutiveFails++
	p.logger.Warn("probe failed", "node", node.ID,
		"attempt", health.ConsecutiveFails, "max", p.maxFailures, "error", err)

	var notify func(string)
	if health.ConsecutiveFails >= p.maxFailures && health.Status != StatusUnhealthy {
		health.Status = StatusUnhealthy
		notify = p.onUnhealthy
		p.logger.Warn("member unhealthy", "node", node.ID, "failures", health.ConsecutiveFails)
	}
	p.mu.Unlock()

	if notify != nil {
		notify(node.ID)
	}
}

func (p *Prober) httpCheck(ctx context.Context, addr string) error {
	url := cluster.BaseURL(addr) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Health returns a copy of one member's health record, or nil if unknown.
func (p *Prober) Health(nodeID string) *MemberHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h, ok := p.members[nodeID]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// AllHealth returns copies of every tracked member's health record.
func (p *Prober) AllHealth() map[string]*MemberHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]*MemberHealth, len(p.members))
	for id, h := range p.members {
		cp := *h
		out[id] = &cp
	}
	return out
}

// IsHealthy reports whether the member passed its latest probe.
func (p *Prober) IsHealthy(nodeID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h, ok := p.members[nodeID]
	return ok && h.Status == StatusHealthy
}

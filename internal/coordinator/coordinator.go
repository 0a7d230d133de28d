// Package coordinator implements the query path of the elected leader.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/tfsearch/internal/cluster"
	"github.com/dreamware/tfsearch/internal/dispatch"
	"github.com/dreamware/tfsearch/internal/protocol"
	"github.com/dreamware/tfsearch/internal/scoring"
)

var (
	// ErrEmptyQuery is returned for query text without any term.
	ErrEmptyQuery = errors.New("coordinator: empty query")
	// ErrNoMembership is returned by Query when no membership source is configured.
	ErrNoMembership = errors.New("coordinator: no membership configured")
)

// Fanout is the part of the dispatcher the coordinator depends on.
// *dispatch.Dispatcher implements it.
type Fanout interface {
	Dispatch(ctx context.Context, query string, workers []cluster.NodeInfo, onBatch dispatch.BatchFunc) []dispatch.Outcome
}

// WorkerOutcome summarises one worker's part in a query.
type WorkerOutcome struct {
	Worker    cluster.NodeInfo `json:"worker"`
	Error     string           `json:"error,omitempty"`
	Documents int              `json:"documents"`
	Rejected  int              `json:"rejected"`
	TookMs    int64            `json:"took_ms"`
}

// Result is the ranked answer to one query.
type Result struct {
	QueryID    string                   `json:"query_id"`
	Query      string                   `json:"query"`
	Strategy   string                   `json:"idf_strategy"`
	Terms      []string                 `json:"terms"`
	Documents  []scoring.RankedDocument `json:"documents"`
	Workers    []WorkerOutcome          `json:"workers"`
	Collisions map[string][]string      `json:"collisions,omitempty"`
	TookMs     int64                    `json:"took_ms"`
}

// Limit returns a copy of the result keeping only the n best documents.
// A non-positive n keeps everything.
func (r *Result) Limit(n int) *Result {
	out := *r
	if n > 0 && len(out.Documents) > n {
		out.Documents = append([]scoring.RankedDocument(nil), r.Documents[:n]...)
	}
	return &out
}

// Coordinator binds one query to one fan-out and one score accumulation.
//
// A Coordinator holds no per-query state: every call to RunQuery allocates
// a fresh accumulator, so one long-lived leader can serve any number of
// queries, concurrently or not, without cross-query contamination.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Coordinator struct {
	fanout     Fanout
	membership cluster.Membership
	logger     *slog.Logger
	tracer     trace.Tracer
	strategy   scoring.Strategy
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStrategy selects the IDF strategy used for every query.
func WithStrategy(s scoring.Strategy) Option {
	return func(c *Coordinator) {
		c.strategy = s
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates a coordinator.
//
// Parameters:
//   - fanout: Dispatches queries to workers (normally *dispatch.Dispatcher)
//   - membership: Source of worker addresses for Query; may be nil when only RunQuery is used
//
// Example:
//
//	c := coordinator.New(dispatch.New(), registryClient,
//	    coordinator.WithStrategy(scoring.PerBatch))
//	res, err := c.Query(ctx, "distributed systems")
func New(fanout Fanout, membership cluster.Membership, opts ...Option) *Coordinator {
	c := &Coordinator{
		fanout:     fanout,
		membership: membership,
		logger:     slog.Default(),
		tracer:     otel.Tracer("tfsearch/coordinator"),
		strategy:   scoring.PerBatch,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query runs text against the workers currently listed by the membership.
//
// Returns:
//   - ErrNoMembership if the coordinator was built without membership
//   - An error marked cluster.ErrCoordination if the listing fails
//   - Otherwise whatever RunQuery returns
func (c *Coordinator) Query(ctx context.Context, text string) (*Result, error) {
	if c.membership == nil {
		return nil, ErrNoMembership
	}
	workers, err := c.membership.ListWorkerAddresses(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "list workers"), cluster.ErrCoordination)
	}
	return c.RunQuery(ctx, text, workers)
}

// RunQuery fans text out to workers and returns the global ranking.
//
// Process:
//  1. Tokenize the query and allocate a fresh accumulator
//  2. Dispatch to every worker in parallel
//  3. Incorporate each batch as its worker completes (under the accumulator's lock)
//  4. After the barrier, rank: score descending, document id ascending
//
// Worker failures never fail the query; they show up in Result.Workers and
// simply contribute no documents. An empty worker list yields an empty
// ranking.
//
// Returns:
//   - ErrEmptyQuery if text has no terms
//   - The context's error if ctx is already done before dispatch
func (c *Coordinator) RunQuery(ctx context.Context, text string, workers []cluster.NodeInfo) (*Result, error) {
	terms := protocol.Tokenize(text)
	if len(terms) == 0 {
		return nil, ErrEmptyQuery
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	queryID := ksuid.New().String()
	logger := c.logger.With("query_id", queryID)

	ctx, span := c.tracer.Start(ctx, "coordinator.run_query",
		trace.WithAttributes(
			attribute.String("query.id", queryID),
			attribute.Int("query.terms", len(terms)),
			attribute.Int("query.workers", len(workers)),
			attribute.String("query.idf_strategy", c.strategy.String()),
		),
	)
	defer span.End()

	logger.InfoContext(ctx, "query received", "query", text, "workers", len(workers))

	acc := scoring.NewAccumulator(terms, scoring.WithStrategy(c.strategy), scoring.WithLogger(logger))
	rejected := newRejectCounter()
	outcomes := c.fanout.Dispatch(ctx, strings.Join(strings.Fields(text), " "), workers,
		func(w cluster.NodeInfo, batch []protocol.DocumentTermReport) {
			stats := acc.Incorporate(sourceKey(w), batch)
			rejected.add(sourceKey(w), stats.Rejected)
			logger.DebugContext(ctx, "batch incorporated",
				"worker", w.ID, "accepted", stats.Accepted, "rejected", stats.Rejected)
		})

	res := &Result{
		QueryID:    queryID,
		Query:      text,
		Strategy:   c.strategy.String(),
		Terms:      terms,
		Documents:  acc.Rank(),
		Workers:    make([]WorkerOutcome, 0, len(outcomes)),
		Collisions: acc.Collisions(),
	}
	failed := 0
	for _, o := range outcomes {
		wo := WorkerOutcome{
			Worker:    o.Worker,
			Documents: o.Documents,
			Rejected:  rejected.get(sourceKey(o.Worker)),
			TookMs:    o.Took.Milliseconds(),
		}
		if o.Err != nil {
			wo.Error = o.Err.Error()
			failed++
		}
		res.Workers = append(res.Workers, wo)
	}
	if len(res.Collisions) == 0 {
		res.Collisions = nil
	}
	res.TookMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("query.documents", len(res.Documents)),
		attribute.Int("query.failed_workers", failed),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, "some workers failed")
	} else {
		span.SetStatus(codes.Ok, "all workers answered")
	}
	logger.InfoContext(ctx, "query ranked",
		"documents", len(res.Documents), "failed_workers", failed, "took_ms", res.TookMs)
	return res, nil
}

// sourceKey identifies a worker inside one query's accumulator.
func sourceKey(w cluster.NodeInfo) string {
	return cluster.BaseURL(w.Addr)
}

// rejectCounter collects per-worker rejected report counts from the
// concurrently completing dispatch tasks.
type rejectCounter struct {
	counts map[string]int
	mu     sync.Mutex
}

func newRejectCounter() *rejectCounter {
	return &rejectCounter{counts: make(map[string]int)}
}

func (r *rejectCounter) add(source string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[source] += n
}

func (r *rejectCounter) get(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[source]
}

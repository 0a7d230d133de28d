package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/tfsearch/internal/cluster"
	"github.com/dreamware/tfsearch/internal/coordinator"
	"github.com/dreamware/tfsearch/internal/dispatch"
	"github.com/dreamware/tfsearch/internal/election"
	"github.com/dreamware/tfsearch/internal/protocol"
	"github.com/dreamware/tfsearch/internal/scoring"
	"github.com/dreamware/tfsearch/internal/shard"
	"github.com/dreamware/tfsearch/internal/worker"
)

// Node is the runtime of one tfsearch process. Every node starts as an
// election candidate; the elector then makes it either a worker serving its
// document shard or the leader coordinating queries.
//
// HTTP API:
//
//	/health   always 200
//	/info     node id, role and shard statistics
//	/search   worker role only (503 otherwise)
//	/query    leader role only (503 otherwise)
//	/workers  leader role only (503 otherwise)
type Node struct {
	ID         string
	publicAddr string

	svc       cluster.CoordinationService
	shard     *shard.Shard
	responder *worker.Responder
	elector   *election.Elector
	logger    *slog.Logger

	strategy      scoring.Strategy
	workerTimeout time.Duration
	top           int

	// in is read for queries once the node leads; nil disables the loop.
	in  io.Reader
	out io.Writer

	coord        *coordinator.Coordinator
	coordHandler http.Handler
	started      time.Time
	stdinOnce    sync.Once
	mu           sync.RWMutex
}

// NodeOptions carries the settings a Node needs beyond its collaborators.
type NodeOptions struct {
	ID            string
	PublicAddr    string
	Strategy      scoring.Strategy
	WorkerTimeout time.Duration
	PollInterval  time.Duration
	Top           int
	In            io.Reader
	Out           io.Writer
	Logger        *slog.Logger
}

// NewNode wires a node around its shard and coordination service.
func NewNode(svc cluster.CoordinationService, s *shard.Shard, responder *worker.Responder, opts NodeOptions) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	n := &Node{
		ID:            opts.ID,
		publicAddr:    opts.PublicAddr,
		svc:           svc,
		shard:         s,
		responder:     responder,
		logger:        logger.With("node", opts.ID),
		strategy:      opts.Strategy,
		workerTimeout: opts.WorkerTimeout,
		top:           opts.Top,
		in:            opts.In,
		out:           opts.Out,
		started:       time.Now(),
	}
	n.elector = election.New(svc, n,
		election.WithPollInterval(opts.PollInterval),
		election.WithLogger(n.logger))
	return n
}

// Run takes part in the election until ctx is cancelled or a fatal
// coordination error occurs. The node always leaves the election on return.
func (n *Node) Run(ctx context.Context) error {
	err := n.elector.Run(ctx)

	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if leaveErr := n.svc.Leave(leaveCtx); leaveErr != nil {
		n.logger.Warn("leave election", "error", leaveErr)
	}
	return err
}

// Role returns the node's current role.
func (n *Node) Role() cluster.Role {
	return n.elector.Role()
}

// OnWorker publishes the node's search endpoint.
func (n *Node) OnWorker(ctx context.Context) error {
	n.shard.SetState(shard.ShardStateActive)
	if err := n.svc.RegisterWorker(ctx, n.publicAddr); err != nil {
		return err
	}
	n.logger.Info("serving as worker", "addr", n.publicAddr, "shard", n.shard.ID)
	return nil
}

// OnElectedToBeLeader withdraws the worker entry, starts the coordinator
// and publishes the coordinator endpoint.
func (n *Node) OnElectedToBeLeader(ctx context.Context) error {
	n.shard.SetState(shard.ShardStateRetired)
	if err := n.svc.Unregister(ctx); err != nil {
		return err
	}

	d := dispatch.New(dispatch.WithTimeout(n.workerTimeout), dispatch.WithLogger(n.logger))
	c := coordinator.New(d, n.svc, coordinator.WithStrategy(n.strategy), coordinator.WithLogger(n.logger))
	n.mu.Lock()
	n.coord = c
	n.coordHandler = coordinator.NewHandler(c, n.logger)
	n.mu.Unlock()

	if err := n.svc.RegisterCoordinator(ctx, n.publicAddr); err != nil {
		return err
	}
	n.logger.Info("serving as leader", "addr", n.publicAddr, "idf", n.strategy.String())

	if n.in != nil {
		n.stdinOnce.Do(func() {
			go n.queryLoop(ctx, n.in)
		})
	}
	return nil
}

// queryLoop answers one query per input line until EOF or ctx is done.
func (n *Node) queryLoop(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxMessageBytes)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := n.answer(ctx, line); err != nil {
			n.logger.Error("query failed", "query", line, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		n.logger.Error("read queries", "error", err)
	}
}

func (n *Node) answer(ctx context.Context, query string) error {
	c := n.coordinator()
	if c == nil {
		return errors.New("not the leader")
	}
	res, err := c.Query(ctx, query)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(n.out)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Limit(n.top))
}

func (n *Node) coordinator() *coordinator.Coordinator {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.coord
}

// Handler returns the node's HTTP routes.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", n.handleInfo)
	mux.Handle(protocol.SearchPath, n.responder)
	mux.HandleFunc("/query", n.leaderOnly)
	mux.HandleFunc("/workers", n.leaderOnly)
	return mux
}

func (n *Node) leaderOnly(w http.ResponseWriter, r *http.Request) {
	n.mu.RLock()
	h := n.coordHandler
	n.mu.RUnlock()
	if h == nil {
		http.Error(w, "not the leader", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, r)
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	response := struct {
		NodeID     string          `json:"node_id"`
		Role       cluster.Role    `json:"role"`
		PublicAddr string          `json:"public_addr"`
		Shard      shard.ShardInfo `json:"shard"`
		UptimeSec  int64           `json:"uptime_sec"`
	}{
		NodeID:     n.ID,
		Role:       n.Role(),
		PublicAddr: n.publicAddr,
		Shard:      n.shard.Info(),
		UptimeSec:  int64(time.Since(n.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

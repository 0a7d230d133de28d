// Package main implements tfsearch-node, one process of the distributed
// TF-IDF search cluster.
//
// Every node holds a directory of documents and joins the leader election
// held by the registry. The elected leader coordinates queries; all other
// nodes are workers reporting term frequencies for their documents.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Liveness probe       │
//	│    /info         - Node information     │
//	│    /search       - Worker protocol      │
//	│    /query        - Leader query API     │
//	│    /workers      - Leader worker list   │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Elector       - Role transitions     │
//	│    Responder     - Shard term counts    │
//	│    Coordinator   - Fan-out and ranking  │
//	└─────────────────────────────────────────┘
//
// Example usage:
//
//	tfsearch-registry --listen :2181 &
//	tfsearch-node --id w1 --listen :8081 --documents ./docs/part1 --registry localhost:2181 &
//	tfsearch-node --id w2 --listen :8082 --documents ./docs/part2 --registry localhost:2181 &
//	tfsearch-node --id w3 --listen :8083 --documents ./docs/part3 --registry localhost:2181
//
// The first node to join leads and, with --stdin, reads one query per line.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/ksuid"
	"github.com/urfave/cli/v2"

	"github.com/dreamware/tfsearch/internal/cluster"
	"github.com/dreamware/tfsearch/internal/config"
	"github.com/dreamware/tfsearch/internal/registry"
	"github.com/dreamware/tfsearch/internal/shard"
	"github.com/dreamware/tfsearch/internal/storage"
	"github.com/dreamware/tfsearch/internal/worker"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:   "tfsearch-node",
		Usage:  "Serve a document shard and take part in the tfsearch leader election",
		Flags:  nodeFlags(),
		Action: runAction,
	}
}

func nodeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file; flags override its values",
			EnvVars: []string{"TFSEARCH_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "id",
			Usage:   "Unique node id (random if empty)",
			EnvVars: []string{"NODE_ID"},
		},
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "Address to listen on",
			EnvVars: []string{"NODE_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "public-addr",
			Usage:   "Address other nodes use to reach this node (derived from --listen if empty)",
			EnvVars: []string{"NODE_ADDR"},
		},
		&cli.StringFlag{
			Name:    "registry",
			Aliases: []string{"r"},
			Usage:   "Registry address",
			EnvVars: []string{"REGISTRY_ADDR"},
		},
		&cli.StringFlag{
			Name:    "documents",
			Aliases: []string{"d"},
			Usage:   "Directory holding this node's documents",
			EnvVars: []string{"NODE_DOCUMENTS"},
		},
		&cli.DurationFlag{
			Name:  "worker-timeout",
			Usage: "Per-worker timeout when coordinating a query",
		},
		&cli.StringFlag{
			Name:  "idf",
			Usage: "IDF strategy: shard (per worker batch) or global",
		},
		&cli.Float64Flag{
			Name:  "rate",
			Usage: "Worker admission rate in queries per second (0 disables)",
		},
		&cli.IntFlag{
			Name:  "burst",
			Usage: "Worker admission burst",
		},
		&cli.IntFlag{
			Name:  "top",
			Usage: "Documents printed per query by the leader (0 prints all)",
		},
		&cli.BoolFlag{
			Name:  "stdin",
			Usage: "When leading, read queries from standard input",
		},
	}
}

// loadConfig merges the config file with explicitly set flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	n := &cfg.Node
	if c.IsSet("id") {
		n.ID = c.String("id")
	}
	if c.IsSet("listen") {
		n.Listen = c.String("listen")
	}
	if c.IsSet("public-addr") {
		n.PublicAddr = c.String("public-addr")
	}
	if c.IsSet("registry") {
		n.Registry = c.String("registry")
	}
	if c.IsSet("documents") {
		n.Documents = c.String("documents")
	}
	if c.IsSet("worker-timeout") {
		n.WorkerTimeout = c.Duration("worker-timeout")
	}
	if c.IsSet("idf") {
		n.IDF = c.String("idf")
	}
	if c.IsSet("rate") {
		n.Rate = c.Float64("rate")
	}
	if c.IsSet("burst") {
		n.Burst = c.Int("burst")
	}
	if c.IsSet("top") {
		n.Top = c.Int("top")
	}
	if c.IsSet("stdin") {
		n.Stdin = c.Bool("stdin")
	}

	if n.ID == "" {
		n.ID = ksuid.New().String()
	}
	if n.PublicAddr == "" {
		addr, err := publicAddrFor(n.Listen)
		if err != nil {
			return nil, err
		}
		n.PublicAddr = addr
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// publicAddrFor derives a reachable base URL from a listen address.
func publicAddrFor(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", errors.Wrapf(err, "listen address %q", listen)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// nodeOptions maps the node configuration onto the runtime options.
func nodeOptions(n config.NodeConfig, logger *slog.Logger) (NodeOptions, error) {
	strategy, err := n.Strategy()
	if err != nil {
		return NodeOptions{}, err
	}
	opts := NodeOptions{
		ID:            n.ID,
		PublicAddr:    n.PublicAddr,
		Strategy:      strategy,
		WorkerTimeout: n.WorkerTimeout,
		PollInterval:  n.PollInterval,
		Top:           n.Top,
		Out:           os.Stdout,
		Logger:        logger,
	}
	if n.Stdin {
		opts.In = os.Stdin
	}
	return opts, nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	logger, closer, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer closer.Close()

	opts, err := nodeOptions(cfg.Node, logger)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	src := storage.NewDirSource(cfg.Node.Documents, logger)
	s := shard.NewShard(cfg.Node.ID, src)
	responder := worker.NewResponder(s,
		worker.WithRateLimit(cfg.Node.Rate, cfg.Node.Burst),
		worker.WithLogger(logger))

	self := cluster.NodeInfo{ID: cfg.Node.ID, Addr: cfg.Node.PublicAddr}
	svc := registry.NewClient(cfg.Node.Registry, self)
	node := NewNode(svc, s, responder, opts)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           node.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		return cli.Exit(errors.Wrap(err, "listen").Error(), 1)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("node listening", "node", cfg.Node.ID, "listen", cfg.Node.Listen,
			"public", cfg.Node.PublicAddr, "documents", cfg.Node.Documents)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	runErr := node.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}

	select {
	case err := <-serveErr:
		logger.Error("server failed", "error", err)
		return cli.Exit(err.Error(), 1)
	default:
	}
	if runErr != nil {
		logger.Error("node stopped", "error", runErr)
		if errors.Is(runErr, cluster.ErrCoordination) {
			return cli.Exit("coordination failure: "+runErr.Error(), 1)
		}
		return cli.Exit(runErr.Error(), 1)
	}
	logger.Info("node stopped")
	return nil
}

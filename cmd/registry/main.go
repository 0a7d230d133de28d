// Package main implements tfsearch-registry, the coordination service nodes
// use for leader election and worker membership.
//
// The registry keeps all state in memory. Members are probed on /health and
// evicted after --max-failures consecutive misses, which triggers a new
// election if the evicted member was leading.
//
// Example usage:
//
//	tfsearch-registry --listen :2181 --probe-interval 1s --max-failures 3
//
//	curl localhost:2181/election/leader
//	curl localhost:2181/workers
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
	"github.com/urfave/cli/v2"

	"github.com/dreamware/tfsearch/internal/config"
	"github.com/dreamware/tfsearch/internal/registry"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:   "tfsearch-registry",
		Usage:  "Run the tfsearch election and membership service",
		Flags:  registryFlags(),
		Action: runAction,
	}
}

func registryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file; flags override its values",
			EnvVars: []string{"TFSEARCH_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "Address to listen on",
			EnvVars: []string{"REGISTRY_LISTEN"},
		},
		&cli.DurationFlag{
			Name:  "probe-interval",
			Usage: "How often members are probed",
		},
		&cli.DurationFlag{
			Name:  "probe-timeout",
			Usage: "Timeout of a single probe",
		},
		&cli.IntFlag{
			Name:  "max-failures",
			Usage: "Consecutive failed probes before a member is evicted",
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	r := &cfg.Registry
	if c.IsSet("listen") {
		r.Listen = c.String("listen")
	}
	if c.IsSet("probe-interval") {
		r.ProbeInterval = c.Duration("probe-interval")
	}
	if c.IsSet("probe-timeout") {
		r.ProbeTimeout = c.Duration("probe-timeout")
	}
	if c.IsSet("max-failures") {
		r.MaxFailures = c.Int("max-failures")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newService wires the registry to its prober: members the prober gives up
// on are evicted.
func newService(cfg config.RegistryConfig, logger *slog.Logger) (*registry.Registry, *registry.Prober) {
	reg := registry.New(logger)
	prober := registry.NewProber(cfg.ProbeInterval,
		registry.WithProbeTimeout(cfg.ProbeTimeout),
		registry.WithMaxFailures(cfg.MaxFailures),
		registry.WithProberLogger(logger))
	prober.SetOnUnhealthy(func(id string) { reg.Evict(id) })
	return reg, prober
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

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, prober := newService(cfg.Registry, logger)
	go prober.Run(ctx, reg.Nodes)

	ln, err := net.Listen("tcp", cfg.Registry.Listen)
	if err != nil {
		return cli.Exit(errors.Wrap(err, "listen").Error(), 1)
	}
	srv := &http.Server{
		Handler:           registry.NewServer(reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("registry listening", "listen", cfg.Registry.Listen,
			"probe_interval", cfg.Registry.ProbeInterval, "max_failures", cfg.Registry.MaxFailures)
		serveErr <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("registry server failed", "error", err)
			return cli.Exit(err.Error(), 1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("registry stopped")
	return nil
}

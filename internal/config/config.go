// Package config loads node and registry settings from a YAML file. Command
// line flags override file values; see cmd/node and cmd/registry.
package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/tfsearch/internal/scoring"
)

type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
}

type NodeConfig struct {
	ID            string        `yaml:"id"`
	Listen        string        `yaml:"listen"`
	PublicAddr    string        `yaml:"public_addr"`
	Registry      string        `yaml:"registry"`
	Documents     string        `yaml:"documents"`
	IDF           string        `yaml:"idf"`
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Rate          float64       `yaml:"rate"`
	Burst         int           `yaml:"burst"`
	Top           int           `yaml:"top"`
	Stdin         bool          `yaml:"stdin"`
}

type RegistryConfig struct {
	Listen        string        `yaml:"listen"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	MaxFailures   int           `yaml:"max_failures"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the settings used when neither file nor flag sets a value.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Listen:        ":8081",
			Registry:      "http://localhost:2181",
			Documents:     "./documents",
			IDF:           scoring.PerBatch.String(),
			WorkerTimeout: 5 * time.Second,
			PollInterval:  time.Second,
			Top:           10,
			Stdin:         true,
		},
		Registry: RegistryConfig{
			Listen:        ":2181",
			ProbeInterval: time.Second,
			ProbeTimeout:  time.Second,
			MaxFailures:   3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open config file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "unable to parse config file")
	}
	return cfg, nil
}

// Validate checks node settings.
// Strategy parses the configured IDF strategy.
func (n NodeConfig) Strategy() (scoring.Strategy, error) {
	return scoring.ParseStrategy(n.IDF)
}

func (n NodeConfig) Validate() error {
	if n.Listen == "" {
		return errors.New("node.listen is required")
	}
	if n.Registry == "" {
		return errors.New("node.registry is required")
	}
	if n.Documents == "" {
		return errors.New("node.documents is required")
	}
	if _, err := n.Strategy(); err != nil {
		return err
	}
	if n.WorkerTimeout <= 0 {
		return errors.Newf("node.worker_timeout must be positive, got %s", n.WorkerTimeout)
	}
	if n.PollInterval <= 0 {
		return errors.Newf("node.poll_interval must be positive, got %s", n.PollInterval)
	}
	if n.Rate < 0 || n.Burst < 0 {
		return errors.New("node.rate and node.burst cannot be negative")
	}
	if n.Top < 0 {
		return errors.Newf("node.top cannot be negative, got %d", n.Top)
	}
	return nil
}

// Validate checks registry settings.
func (r RegistryConfig) Validate() error {
	if r.Listen == "" {
		return errors.New("registry.listen is required")
	}
	if r.ProbeInterval <= 0 || r.ProbeTimeout <= 0 {
		return errors.New("registry probe interval and timeout must be positive")
	}
	if r.MaxFailures < 1 {
		return errors.Newf("registry.max_failures must be at least 1, got %d", r.MaxFailures)
	}
	return nil
}

// Validate checks log settings.
func (l LogConfig) Validate() error {
	if _, err := parseLevel(l.Level); err != nil {
		return err
	}
	switch strings.ToLower(l.Format) {
	case "", "text", "json":
		return nil
	}
	return errors.Newf("log.format must be text or json, got %q", l.Format)
}

// NewLogger builds the process logger. Output goes to w unless l.File is set.
// The returned closer releases the log file, if any.
func NewLogger(l LogConfig, w io.Writer) (*slog.Logger, io.Closer, error) {
	if err := l.Validate(); err != nil {
		return nil, nil, err
	}
	level, _ := parseLevel(l.Level)

	var closer io.Closer = nopCloser{}
	if l.File != "" {
		f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "unable to open log file")
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(l.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Wrapf(err, "log.level %q", s)
	}
	return level, nil
}

// Package dispatch fans one query out to every worker in parallel and waits
// for all of them. A worker that fails, for whatever reason, contributes
// nothing; it never aborts its siblings.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/tfsearch/internal/cluster"
	"github.com/dreamware/tfsearch/internal/protocol"
)

// DefaultTimeout bounds a single worker exchange.
const DefaultTimeout = 5 * time.Second

var (
	// ErrTransport marks connection failures and non-2xx worker responses.
	ErrTransport = errors.New("dispatch: transport failure")
	// ErrTimeout marks workers that did not answer within the timeout.
	ErrTimeout = errors.New("dispatch: worker timed out")
	// ErrDecode marks worker responses that could not be decoded.
	ErrDecode = errors.New("dispatch: malformed worker response")
)

// BatchFunc receives a worker's complete batch. It is called from the
// goroutine that fetched the batch, so implementations must be safe for
// concurrent use.
type BatchFunc func(worker cluster.NodeInfo, batch []protocol.DocumentTermReport)

// Outcome is the result of one worker exchange.
type Outcome struct {
	Err       error
	Worker    cluster.NodeInfo
	Took      time.Duration
	Documents int
}

// Dispatcher sends queries to workers over the search protocol.
type Dispatcher struct {
	client  *http.Client
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-worker timeout.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client. The default client opens a new
// connection for every exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(disp *Dispatcher) {
		disp.client = c
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(disp *Dispatcher) {
		disp.logger = l
	}
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
				Proxy:             http.ProxyFromEnvironment,
			},
		},
		logger:  slog.Default(),
		tracer:  otel.Tracer("tfsearch/dispatch"),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Timeout returns the per-worker timeout.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Dispatch sends query to every worker concurrently and blocks until each
// exchange has either delivered its batch to onBatch or failed. Workers are
// de-duplicated by address. Outcomes are returned in worker order.
func (d *Dispatcher) Dispatch(ctx context.Context, query string, workers []cluster.NodeInfo, onBatch BatchFunc) []Outcome {
	targets := dedupe(workers)
	outcomes := make([]Outcome, len(targets))
	if len(targets) == 0 {
		return outcomes
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.fanout",
		trace.WithAttributes(attribute.Int("dispatch.workers", len(targets))),
	)
	defer span.End()

	var wg sync.WaitGroup
	for i, w := range targets {
		wg.Add(1)
		go func(i int, w cluster.NodeInfo) {
			defer wg.Done()
			outcomes[i] = d.call(ctx, query, w, onBatch)
		}(i, w)
	}
	wg.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("dispatch.failed", failed))
	return outcomes
}

func (d *Dispatcher) call(ctx context.Context, query string, w cluster.NodeInfo, onBatch BatchFunc) Outcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "dispatch.worker",
		trace.WithAttributes(
			attribute.String("worker.id", w.ID),
			attribute.String("worker.addr", w.Addr),
		),
	)
	defer span.End()

	d.logger.DebugContext(ctx, "sending query", "worker", w.ID, "addr", w.Addr)
	batch, err := d.fetch(ctx, query, w)
	out := Outcome{Worker: w, Took: time.Since(start), Err: err}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "worker exchange failed")
		d.logger.WarnContext(ctx, "worker failed, contributing nothing",
			"worker", w.ID, "addr", w.Addr, "error", err, "took", out.Took)
		return out
	}

	out.Documents = len(batch)
	span.SetAttributes(attribute.Int("worker.documents", len(batch)))
	span.SetStatus(codes.Ok, "batch received")
	d.logger.InfoContext(ctx, "received results", "worker", w.ID, "documents", len(batch), "took", out.Took)
	if onBatch != nil {
		onBatch(w, batch)
	}
	return out
}

func (d *Dispatcher) fetch(ctx context.Context, query string, w cluster.NodeInfo) ([]protocol.DocumentTermReport, error) {
	body, err := protocol.EncodeRequest(protocol.SearchRequest{Query: query})
	if err != nil {
		return nil, err
	}
	url := cluster.BaseURL(w.Addr) + protocol.SearchPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "build request for %s", url), ErrTransport)
	}
	req.Header.Set("Content-Type", protocol.ContentType)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, classify(ctx, errors.Wrapf(err, "post %s", url), ErrTransport)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.Mark(errors.Newf("post %s: http %d", url, resp.StatusCode), ErrTransport)
	}

	res, err := protocol.DecodeResponse(resp.Body)
	if err != nil {
		return nil, classify(ctx, errors.Wrapf(err, "decode response from %s", url), ErrDecode)
	}
	return res.Documents, nil
}

// classify marks err as a timeout when the exchange's deadline has passed,
// and with fallback otherwise.
func classify(ctx context.Context, err error, fallback error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Mark(err, ErrTimeout)
	}
	return errors.Mark(err, fallback)
}

func dedupe(workers []cluster.NodeInfo) []cluster.NodeInfo {
	seen := make(map[string]struct{}, len(workers))
	out := make([]cluster.NodeInfo, 0, len(workers))
	for _, w := range workers {
		key := cluster.BaseURL(w.Addr)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, w)
	}
	return out
}

package integration

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tfsearch/internal/cluster"
	"github.com/dreamware/tfsearch/internal/coordinator"
	"github.com/dreamware/tfsearch/internal/dispatch"
	"github.com/dreamware/tfsearch/internal/protocol"
	"github.com/dreamware/tfsearch/internal/registry"
	"github.com/dreamware/tfsearch/internal/scoring"
	"github.com/dreamware/tfsearch/internal/shard"
	"github.com/dreamware/tfsearch/internal/storage"
	"github.com/dreamware/tfsearch/internal/worker"
)

// TestSystem is an in-process cluster: one registry, a set of workers
// serving directory shards and a coordinator using the registry for
// membership.
type TestSystem struct {
	t        *testing.T
	logger   *slog.Logger
	registry *registry.Registry
	regSrv   *httptest.Server
}

func NewTestSystem(t *testing.T) *TestSystem {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	srv := httptest.NewServer(registry.NewServer(reg, logger))
	t.Cleanup(srv.Close)
	return &TestSystem{t: t, logger: logger, registry: reg, regSrv: srv}
}

// AddWorker writes files into a fresh directory, serves it and registers
// the worker. It returns the worker's server so tests can stop it.
func (ts *TestSystem) AddWorker(id string, files map[string]string) *httptest.Server {
	ts.t.Helper()
	dir := ts.t.TempDir()
	for name, body := range files {
		require.NoError(ts.t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}

	s := shard.NewShard(id, storage.NewDirSource(dir, ts.logger))
	mux := http.NewServeMux()
	mux.Handle(protocol.SearchPath, worker.NewResponder(s, worker.WithLogger(ts.logger)))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := httptest.NewServer(mux)
	ts.t.Cleanup(srv.Close)

	client := ts.Client(id, srv.URL)
	ctx := context.Background()
	require.NoError(ts.t, client.Join(ctx))
	require.NoError(ts.t, client.RegisterWorker(ctx, srv.URL))
	return srv
}

func (ts *TestSystem) Client(id, addr string) *registry.Client {
	return registry.NewClient(ts.regSrv.URL, cluster.NodeInfo{ID: id, Addr: addr})
}

func (ts *TestSystem) Coordinator(strategy scoring.Strategy) *coordinator.Coordinator {
	d := dispatch.New(dispatch.WithTimeout(500*time.Millisecond), dispatch.WithLogger(ts.logger))
	return coordinator.New(d, ts.Client("leader", "unused:0"),
		coordinator.WithStrategy(strategy), coordinator.WithLogger(ts.logger))
}

func ids(docs []scoring.RankedDocument) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.DocumentID)
	}
	return out
}

// TestDistributedQuery runs a query over three directory shards, one of
// them HTML, with one registered worker that is already dead.
func TestDistributedQuery(t *testing.T) {
	ts := NewTestSystem(t)
	ts.AddWorker("w1", map[string]string{
		"a.txt": "cat cat x y",
		"c.txt": "bird bird bird bird",
	})
	ts.AddWorker("w2", map[string]string{
		"b.html": "<html><head><style>cat{}</style></head><body><p>dog p q r s</p></body></html>",
	})
	dead := ts.AddWorker("w3", map[string]string{"z.txt": "cat dog"})
	dead.Close()

	res, err := ts.Coordinator(scoring.PerBatch).Query(context.Background(), "cat dog")
	require.NoError(t, err)

	require.Len(t, res.Workers, 3)
	assert.Empty(t, res.Workers[0].Error)
	assert.Empty(t, res.Workers[1].Error)
	assert.NotEmpty(t, res.Workers[2].Error, "dead worker is reported")

	// w1: n=2, df(cat)=1 → idf ln(2/2)=0, df(dog)=0 → ln 2.
	// w2: n=1, df(cat)=0 → ln 1 = 0, df(dog)=1 → ln(1/2).
	assert.Equal(t, []string{"a.txt", "c.txt", "b.html"}, ids(res.Documents))
	assert.InDelta(t, 0, res.Documents[0].Score, 1e-12)
	assert.InDelta(t, 0, res.Documents[1].Score, 1e-12)
	assert.InDelta(t, 0.2*math.Log(0.5), res.Documents[2].Score, 1e-12)
}

// TestGlobalIDFAcrossWorkers checks that pooled IDF ignores partitioning:
// moving a document to another worker does not change any score.
func TestGlobalIDFAcrossWorkers(t *testing.T) {
	docs := map[string]string{
		"a.txt": "cat cat x y",
		"b.txt": "dog p q r s",
		"c.txt": "cat dog",
		"d.txt": "nothing here",
	}

	split := func(parts ...[]string) []scoring.RankedDocument {
		ts := NewTestSystem(t)
		for i, names := range parts {
			files := map[string]string{}
			for _, n := range names {
				files[n] = docs[n]
			}
			ts.AddWorker(string(rune('a'+i)), files)
		}
		res, err := ts.Coordinator(scoring.Global).Query(context.Background(), "cat dog")
		require.NoError(t, err)
		return res.Documents
	}

	one := split([]string{"a.txt", "b.txt"}, []string{"c.txt", "d.txt"})
	other := split([]string{"a.txt"}, []string{"b.txt", "c.txt"}, []string{"d.txt"})

	require.Len(t, one, 4)
	require.Equal(t, ids(one), ids(other))
	for i := range one {
		assert.InDelta(t, one[i].Score, other[i].Score, 1e-12, one[i].DocumentID)
	}
}

// TestProberEvictsDeadWorker wires the prober and checks that a dead
// worker disappears from membership so later queries skip it.
func TestProberEvictsDeadWorker(t *testing.T) {
	ts := NewTestSystem(t)
	ts.AddWorker("w1", map[string]string{"a.txt": "cat"})
	dead := ts.AddWorker("w2", map[string]string{"b.txt": "cat"})

	prober := registry.NewProber(10*time.Millisecond,
		registry.WithMaxFailures(2),
		registry.WithProbeTimeout(100*time.Millisecond),
		registry.WithProberLogger(ts.logger))
	prober.SetOnUnhealthy(func(id string) { ts.registry.Evict(id) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go prober.Run(ctx, ts.registry.Nodes)

	dead.Close()
	require.Eventually(t, func() bool { return len(ts.registry.Workers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	res, err := ts.Coordinator(scoring.PerBatch).Query(context.Background(), "cat")
	require.NoError(t, err)
	require.Len(t, res.Workers, 1)
	assert.Empty(t, res.Workers[0].Error)
	assert.Equal(t, []string{"a.txt"}, ids(res.Documents))
}

func TestNoWorkers(t *testing.T) {
	ts := NewTestSystem(t)
	res, err := ts.Coordinator(scoring.PerBatch).Query(context.Background(), "cat")
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	assert.Empty(t, res.Workers)
}

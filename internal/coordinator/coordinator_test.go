package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tfsearch/internal/cluster"
	"github.com/dreamware/tfsearch/internal/dispatch"
	"github.com/dreamware/tfsearch/internal/protocol"
	"github.com/dreamware/tfsearch/internal/scoring"
	"github.com/dreamware/tfsearch/internal/shard"
	"github.com/dreamware/tfsearch/internal/storage"
	"github.com/dreamware/tfsearch/internal/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startWorker serves docs through a real worker responder.
func startWorker(t *testing.T, id string, docs map[string]string) cluster.NodeInfo {
	t.Helper()
	src := storage.NewMemorySource()
	for name, text := range docs {
		src.Put(name, text)
	}
	r := worker.NewResponder(shard.NewShard(id, src), worker.WithLogger(quietLogger()))
	mux := http.NewServeMux()
	mux.Handle(protocol.SearchPath, r)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return cluster.NodeInfo{ID: id, Addr: srv.URL}
}

func newTestCoordinator(membership cluster.Membership, opts ...Option) *Coordinator {
	d := dispatch.New(dispatch.WithTimeout(300*time.Millisecond), dispatch.WithLogger(quietLogger()))
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(d, membership, opts...)
}

// fakeFanout replays canned batches without any network.
type fakeFanout struct {
	batches map[string][]protocol.DocumentTermReport
	errs    map[string]error
	query   string
	calls   int32
}

func (f *fakeFanout) Dispatch(_ context.Context, query string, workers []cluster.NodeInfo, onBatch dispatch.BatchFunc) []dispatch.Outcome {
	atomic.AddInt32(&f.calls, 1)
	f.query = query
	out := make([]dispatch.Outcome, 0, len(workers))
	for _, w := range workers {
		if err := f.errs[w.ID]; err != nil {
			out = append(out, dispatch.Outcome{Worker: w, Err: err})
			continue
		}
		batch := f.batches[w.ID]
		if onBatch != nil {
			onBatch(w, batch)
		}
		out = append(out, dispatch.Outcome{Worker: w, Documents: len(batch)})
	}
	return out
}

// TestRunQueryTwoWorkers runs the two-worker "cat dog" query over real
// workers and checks the per-batch scores and ordering.
func TestRunQueryTwoWorkers(t *testing.T) {
	a := startWorker(t, "w-a", map[string]string{"a.txt": "cat cat x y"})
	b := startWorker(t, "w-b", map[string]string{"b.txt": "dog p q r s"})

	c := newTestCoordinator(nil)
	res, err := c.RunQuery(context.Background(), "cat dog", []cluster.NodeInfo{a, b})
	require.NoError(t, err)

	assert.NotEmpty(t, res.QueryID)
	assert.Equal(t, []string{"cat", "dog"}, res.Terms)
	assert.Equal(t, "shard", res.Strategy)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, "b.txt", res.Documents[0].DocumentID)
	assert.InDelta(t, 0.2*math.Log(0.5), res.Documents[0].Score, 1e-12)
	assert.Equal(t, "a.txt", res.Documents[1].DocumentID)
	assert.InDelta(t, 0.5*math.Log(0.5), res.Documents[1].Score, 1e-12)

	require.Len(t, res.Workers, 2)
	for _, w := range res.Workers {
		assert.Empty(t, w.Error)
		assert.Equal(t, 1, w.Documents)
	}
	assert.Nil(t, res.Collisions)
}

// TestRunQueryToleratesDeadWorker checks that an unreachable worker is
// reported but does not fail the query or change the others' scores.
func TestRunQueryToleratesDeadWorker(t *testing.T) {
	a := startWorker(t, "w-a", map[string]string{"a.txt": "cat cat x y"})
	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := dead.URL
	dead.Close()

	c := newTestCoordinator(nil)
	res, err := c.RunQuery(context.Background(), "cat dog", []cluster.NodeInfo{a, {ID: "dead", Addr: deadAddr}})
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	assert.Equal(t, "a.txt", res.Documents[0].DocumentID)
	assert.InDelta(t, 0.5*math.Log(0.5), res.Documents[0].Score, 1e-12)

	require.Len(t, res.Workers, 2)
	assert.Empty(t, res.Workers[0].Error)
	assert.NotEmpty(t, res.Workers[1].Error)
}

// TestRunQueryEmptyWorkers returns an empty, non-nil ranking.
func TestRunQueryEmptyWorkers(t *testing.T) {
	c := newTestCoordinator(nil)
	res, err := c.RunQuery(context.Background(), "cat", nil)
	require.NoError(t, err)
	assert.NotNil(t, res.Documents)
	assert.Empty(t, res.Documents)
	assert.Empty(t, res.Workers)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"documents":[]`)
}

func TestRunQueryEmptyText(t *testing.T) {
	f := &fakeFanout{}
	c := New(f, nil, WithLogger(quietLogger()))

	for _, q := range []string{"", "   ", "\t\n"} {
		_, err := c.RunQuery(context.Background(), q, []cluster.NodeInfo{{ID: "w", Addr: "x"}})
		assert.ErrorIs(t, err, ErrEmptyQuery, "%q", q)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.calls))
}

func TestRunQueryCancelledContext(t *testing.T) {
	f := &fakeFanout{}
	c := New(f, nil, WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.RunQuery(ctx, "cat", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.calls))
}

// TestRunQueryNormalisesWhitespace sends workers single-spaced query text.
func TestRunQueryNormalisesWhitespace(t *testing.T) {
	f := &fakeFanout{}
	c := New(f, nil, WithLogger(quietLogger()))
	_, err := c.RunQuery(context.Background(), "  cat \t dog  ", []cluster.NodeInfo{{ID: "w", Addr: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "cat dog", f.query)
}

// TestRunQueryFreshStatePerQuery ensures nothing leaks from one query to the next.
func TestRunQueryFreshStatePerQuery(t *testing.T) {
	f := &fakeFanout{batches: map[string][]protocol.DocumentTermReport{
		"w": {{DocumentID: "a.txt", TermFrequency: map[string]float64{"cat": 0.5}}},
	}}
	c := New(f, nil, WithLogger(quietLogger()))
	workers := []cluster.NodeInfo{{ID: "w", Addr: "http://w:1"}}

	first, err := c.RunQuery(context.Background(), "cat", workers)
	require.NoError(t, err)
	second, err := c.RunQuery(context.Background(), "cat", workers)
	require.NoError(t, err)

	assert.Equal(t, first.Documents, second.Documents)
	assert.NotEqual(t, first.QueryID, second.QueryID)
}

// TestRunQueryReportsRejectedAndCollisions covers malformed reports and
// document ids served by two workers.
func TestRunQueryReportsRejectedAndCollisions(t *testing.T) {
	f := &fakeFanout{
		batches: map[string][]protocol.DocumentTermReport{
			"w1": {
				{DocumentID: "shared", TermFrequency: map[string]float64{"cat": 0.5}},
				{DocumentID: "", TermFrequency: map[string]float64{"cat": 0.5}},
			},
			"w2": {
				{DocumentID: "shared", TermFrequency: map[string]float64{"cat": 0.25}},
				{DocumentID: "other", TermFrequency: map[string]float64{"cat": 0}},
			},
		},
		errs: map[string]error{"w3": errors.Mark(errors.New("refused"), dispatch.ErrTransport)},
	}
	c := New(f, nil, WithLogger(quietLogger()))
	workers := []cluster.NodeInfo{
		{ID: "w1", Addr: "http://w1:1"},
		{ID: "w2", Addr: "http://w2:1"},
		{ID: "w3", Addr: "http://w3:1"},
	}

	res, err := c.RunQuery(context.Background(), "cat", workers)
	require.NoError(t, err)

	require.Len(t, res.Workers, 3)
	assert.Equal(t, 1, res.Workers[0].Rejected)
	assert.Equal(t, 0, res.Workers[1].Rejected)
	assert.Contains(t, res.Workers[2].Error, "refused")

	assert.Equal(t, map[string][]string{"shared": {"http://w1:1", "http://w2:1"}}, res.Collisions)

	// w1: n=1 df=1 idf=ln(1/2); w2: n=2 df=1 idf=ln(2/2)=0
	ids := make([]string, 0, len(res.Documents))
	for _, d := range res.Documents {
		ids = append(ids, d.DocumentID)
	}
	assert.Equal(t, []string{"other", "shared"}, ids)
	assert.InDelta(t, 0.5*math.Log(0.5), res.Documents[1].Score, 1e-12)
}

// TestGlobalStrategy checks that pooled IDF differs from per-batch IDF on
// the same data.
func TestGlobalStrategy(t *testing.T) {
	f := &fakeFanout{batches: map[string][]protocol.DocumentTermReport{
		"w1": {{DocumentID: "a", TermFrequency: map[string]float64{"cat": 0.5}}},
		"w2": {
			{DocumentID: "b", TermFrequency: map[string]float64{"cat": 0}},
			{DocumentID: "c", TermFrequency: map[string]float64{"cat": 0}},
			{DocumentID: "d", TermFrequency: map[string]float64{"cat": 0}},
		},
	}}
	workers := []cluster.NodeInfo{{ID: "w1", Addr: "http://w1:1"}, {ID: "w2", Addr: "http://w2:1"}}

	perBatch, err := New(f, nil, WithLogger(quietLogger())).RunQuery(context.Background(), "cat", workers)
	require.NoError(t, err)
	global, err := New(f, nil, WithLogger(quietLogger()), WithStrategy(scoring.Global)).RunQuery(context.Background(), "cat", workers)
	require.NoError(t, err)

	score := func(res *Result, id string) float64 {
		for _, d := range res.Documents {
			if d.DocumentID == id {
				return d.Score
			}
		}
		t.Fatalf("document %s missing", id)
		return 0
	}
	assert.InDelta(t, 0.5*math.Log(0.5), score(perBatch, "a"), 1e-12)
	assert.InDelta(t, 0.5*math.Log(2), score(global, "a"), 1e-12)
	assert.Equal(t, "global", global.Strategy)
}

func TestQueryUsesMembership(t *testing.T) {
	f := &fakeFanout{batches: map[string][]protocol.DocumentTermReport{
		"w": {{DocumentID: "a.txt", TermFrequency: map[string]float64{"cat": 1}}},
	}}
	c := New(f, cluster.StaticMembership{{ID: "w", Addr: "http://w:1"}}, WithLogger(quietLogger()))

	res, err := c.Query(context.Background(), "cat")
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "a.txt", res.Documents[0].DocumentID)
}

type failingMembership struct{}

func (failingMembership) ListWorkerAddresses(context.Context) ([]cluster.NodeInfo, error) {
	return nil, errors.New("registry down")
}

func TestQueryMembershipErrors(t *testing.T) {
	_, err := New(&fakeFanout{}, nil, WithLogger(quietLogger())).Query(context.Background(), "cat")
	assert.ErrorIs(t, err, ErrNoMembership)

	_, err = New(&fakeFanout{}, failingMembership{}, WithLogger(quietLogger())).Query(context.Background(), "cat")
	assert.True(t, errors.Is(err, cluster.ErrCoordination), "%v", err)
}

func TestResultLimit(t *testing.T) {
	res := &Result{Documents: []scoring.RankedDocument{
		{DocumentID: "a", Score: 3}, {DocumentID: "b", Score: 2}, {DocumentID: "c", Score: 1},
	}}

	assert.Len(t, res.Limit(0).Documents, 3)
	assert.Len(t, res.Limit(-1).Documents, 3)
	assert.Len(t, res.Limit(5).Documents, 3)

	top := res.Limit(2)
	assert.Equal(t, []scoring.RankedDocument{{DocumentID: "a", Score: 3}, {DocumentID: "b", Score: 2}}, top.Documents)
	assert.Len(t, res.Documents, 3, "original untouched")
}

// TestHandler exercises the HTTP surface.
func TestHandler(t *testing.T) {
	a := startWorker(t, "w-a", map[string]string{"a.txt": "cat cat x y", "z.txt": "cat"})
	members := cluster.StaticMembership{a}
	srv := httptest.NewServer(NewHandler(newTestCoordinator(members), quietLogger()))
	defer srv.Close()

	t.Run("post query", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/query", "application/json", strings.NewReader(`{"query":"cat","limit":1}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var res Result
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		assert.Len(t, res.Documents, 1)
		assert.Equal(t, "cat", res.Query)
	})

	t.Run("get query", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/query?q=cat")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var res Result
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		assert.Len(t, res.Documents, 2)
	})

	t.Run("empty query", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/query", "application/json", strings.NewReader(`{"query":"  "}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad json", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/query", "application/json", strings.NewReader(`{`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad limit", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/query?q=cat&limit=x")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("workers", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/workers")
		require.NoError(t, err)
		defer resp.Body.Close()

		var out cluster.WorkersResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, []cluster.NodeInfo{a}, out.Workers)
	})

	t.Run("wrong method", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/query", nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestHandlerCoordinationFailure(t *testing.T) {
	srv := httptest.NewServer(NewHandler(New(&fakeFanout{}, failingMembership{}, WithLogger(quietLogger())), quietLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/query?q=cat")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/workers")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// Package worker implements the worker side of the search protocol: given a
// query, report the term frequency of every query term in every document of
// the local shard.
package worker

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/dreamware/tfsearch/internal/protocol"
	"github.com/dreamware/tfsearch/internal/shard"
)

// ErrRetired is returned when the shard no longer serves queries.
var ErrRetired = errors.New("worker: shard retired")

// Responder answers search requests for one shard. It holds no query state.
type Responder struct {
	shard   *shard.Shard
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Responder.
type Option func(*Responder)

// WithRateLimit admits at most qps queries per second with the given burst.
// A non-positive qps disables the limiter.
func WithRateLimit(qps float64, burst int) Option {
	return func(r *Responder) {
		if qps <= 0 {
			r.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(qps), burst)
	}
}

// WithLogger sets the responder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) {
		r.logger = l
	}
}

// NewResponder creates a responder serving s.
func NewResponder(s *shard.Shard, opts ...Option) *Responder {
	r := &Responder{shard: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Respond computes one report per document of the shard. Every query term
// gets an entry, 0 when the term does not occur.
func (r *Responder) Respond(ctx context.Context, query string) ([]protocol.DocumentTermReport, error) {
	if r.shard.State() != shard.ShardStateActive {
		return nil, ErrRetired
	}
	docs, err := r.shard.Documents(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read shard")
	}

	terms := protocol.Tokenize(query)
	reports := make([]protocol.DocumentTermReport, 0, len(docs))
	for _, d := range docs {
		reports = append(reports, protocol.DocumentTermReport{
			DocumentID:    d.Name,
			TermFrequency: TermFrequencies(d.Text, terms),
		})
	}
	return reports, nil
}

// TermFrequencies returns occurrences/total words for every term. Words are
// whitespace separated and compared case-sensitively. A document without
// words reports 0 for every term.
func TermFrequencies(text string, terms []string) map[string]float64 {
	words := strings.Fields(text)
	counts := make(map[string]int, len(terms))
	for _, t := range terms {
		counts[t] = 0
	}
	for _, w := range words {
		if _, ok := counts[w]; ok {
			counts[w]++
		}
	}

	tf := make(map[string]float64, len(terms))
	for _, t := range terms {
		if len(words) == 0 {
			tf[t] = 0
			continue
		}
		tf[t] = float64(counts[t]) / float64(len(words))
	}
	return tf
}

// ServeHTTP handles POST /search.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.limiter != nil && !r.limiter.Allow() {
		r.logger.WarnContext(req.Context(), "query rejected by admission limiter")
		http.Error(w, "too many queries", http.StatusTooManyRequests)
		return
	}

	sr, err := protocol.DecodeRequest(req.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	r.logger.InfoContext(req.Context(), "received query", "query", sr.Query, "shard", r.shard.ID)

	reports, err := r.Respond(req.Context(), sr.Query)
	if errors.Is(err, ErrRetired) {
		http.Error(w, "shard retired", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		r.logger.ErrorContext(req.Context(), "query failed", "error", err)
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", protocol.ContentType)
	if err := protocol.EncodeResponse(w, protocol.SearchResponse{Documents: reports}); err != nil {
		r.logger.ErrorContext(req.Context(), "writing response", "error", err)
		return
	}
	r.logger.InfoContext(req.Context(), "sent results", "documents", len(reports))
}

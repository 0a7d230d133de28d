package scoring

import (
	"log/slog"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tfsearch/internal/protocol"
)

// IncorporateStats reports what happened to one batch.
type IncorporateStats struct {
	Accepted int
	Rejected int
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithStrategy selects the IDF strategy. PerBatch is the default.
func WithStrategy(s Strategy) Option {
	return func(a *Accumulator) {
		a.strategy = s
	}
}

// WithLogger sets the logger used for rejected reports and id collisions.
func WithLogger(l *slog.Logger) Option {
	return func(a *Accumulator) {
		a.logger = l
	}
}

type sourcedBatch struct {
	source  string
	reports []protocol.DocumentTermReport
}

// Accumulator owns the aggregate scores of a single query. Incorporate is
// safe to call from concurrently completing dispatch tasks.
//
// Contributions are kept per (document, source) and summed in ascending
// source order by Rank, so the final scores are bit-identical whatever order
// batches arrive in.
type Accumulator struct {
	logger   *slog.Logger
	partials map[string]map[string]float64 // document -> source -> score
	owners   map[string]string             // document -> first source seen
	// collisions lists every source of a document served by more than one source.
	collisions map[string][]string
	terms      []string
	buffered   []sourcedBatch
	strategy   Strategy
	mu         sync.Mutex
}

// NewAccumulator returns an empty accumulator for a query with the given
// terms. With no terms, each batch's IDF table covers the terms its reports
// carry.
func NewAccumulator(terms []string, opts ...Option) *Accumulator {
	a := &Accumulator{
		logger:     slog.Default(),
		partials:   make(map[string]map[string]float64),
		owners:     make(map[string]string),
		collisions: make(map[string][]string),
		terms:      append([]string(nil), terms...),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Incorporate adds one worker's batch. Malformed reports are logged and
// skipped; they count neither toward n nor toward document frequency.
func (a *Accumulator) Incorporate(source string, batch []protocol.DocumentTermReport) IncorporateStats {
	valid := make([]protocol.DocumentTermReport, 0, len(batch))
	var stats IncorporateStats
	for _, r := range batch {
		if err := Validate(r); err != nil {
			stats.Rejected++
			a.logger.Warn("rejected report", "source", source, "error", err)
			continue
		}
		valid = append(valid, r)
	}
	stats.Accepted = len(valid)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.trackOwners(source, valid)
	if a.strategy == Global {
		a.buffered = append(a.buffered, sourcedBatch{source: source, reports: valid})
		return stats
	}
	a.score(a.partials, source, valid, a.termsFor(valid), len(valid))
	return stats
}

// Rank produces the ranking: score descending, document id ascending.
func (a *Accumulator) Rank() []RankedDocument {
	a.mu.Lock()
	defer a.mu.Unlock()

	partials := a.partials
	if a.strategy == Global {
		partials = a.globalPartials()
	}

	scores := make(map[string]float64, len(partials))
	for doc, bySource := range partials {
		sources := make([]string, 0, len(bySource))
		for src := range bySource {
			sources = append(sources, src)
		}
		slices.Sort(sources)

		var total float64
		for _, src := range sources {
			total += bySource[src]
		}
		scores[doc] = total
	}
	return Rank(scores)
}

// Collisions returns the documents reported by more than one source, with
// the sorted list of sources for each.
func (a *Accumulator) Collisions() map[string][]string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string][]string, len(a.collisions))
	for doc, sources := range a.collisions {
		out[doc] = append([]string(nil), sources...)
	}
	return out
}

func (a *Accumulator) globalPartials() map[string]map[string]float64 {
	var all []protocol.DocumentTermReport
	for _, b := range a.buffered {
		all = append(all, b.reports...)
	}
	terms := a.termsFor(all)
	df := DocumentFrequency(all, terms)
	idf := IDF(df, len(all), terms)

	partials := make(map[string]map[string]float64)
	for _, b := range a.buffered {
		for _, r := range b.reports {
			if len(r.TermFrequency) == 0 {
				continue
			}
			add(partials, r.DocumentID, b.source, Contribution(r, idf))
		}
	}
	return partials
}

// score must be called with mu held.
func (a *Accumulator) score(into map[string]map[string]float64, source string, reports []protocol.DocumentTermReport, terms []string, n int) {
	if n == 0 {
		return
	}
	df := DocumentFrequency(reports, terms)
	idf := IDF(df, n, terms)
	for _, r := range reports {
		if len(r.TermFrequency) == 0 {
			continue
		}
		add(into, r.DocumentID, source, Contribution(r, idf))
	}
}

// trackOwners must be called with mu held.
func (a *Accumulator) trackOwners(source string, reports []protocol.DocumentTermReport) {
	for _, r := range reports {
		owner, ok := a.owners[r.DocumentID]
		if !ok {
			a.owners[r.DocumentID] = source
			continue
		}
		if owner == source {
			continue
		}
		known := a.collisions[r.DocumentID]
		if len(known) == 0 {
			known = []string{owner}
		}
		if !slices.Contains(known, source) {
			known = append(known, source)
			slices.Sort(known)
			a.logger.Warn("document id served by several workers, scores merged",
				"document", r.DocumentID, "sources", known)
		}
		a.collisions[r.DocumentID] = known
	}
}

func (a *Accumulator) termsFor(reports []protocol.DocumentTermReport) []string {
	if len(a.terms) > 0 {
		return a.terms
	}
	seen := make(map[string]struct{})
	var terms []string
	for _, r := range reports {
		for term := range r.TermFrequency {
			if _, ok := seen[term]; !ok {
				seen[term] = struct{}{}
				terms = append(terms, term)
			}
		}
	}
	slices.Sort(terms)
	return terms
}

func add(into map[string]map[string]float64, doc, source string, v float64) {
	bySource, ok := into[doc]
	if !ok {
		bySource = make(map[string]float64)
		into[doc] = bySource
	}
	bySource[source] += v
}

// Package scoring turns per-worker term-frequency batches into one TF-IDF
// ranking.
//
// Document frequency and IDF are computed per batch by default: n is the
// number of documents one worker returned and df counts documents inside that
// same batch. The Global strategy computes both across every batch of the
// query instead.
package scoring

import (
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/tfsearch/internal/protocol"
)

// ErrMalformedReport marks a report that cannot be scored.
var ErrMalformedReport = errors.New("scoring: malformed report")

// RankedDocument is one entry of the final ranking.
type RankedDocument struct {
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
}

// Validate rejects reports without a document id and reports holding
// negative or non-finite frequencies.
func Validate(r protocol.DocumentTermReport) error {
	if r.DocumentID == "" {
		return errors.Mark(errors.New("empty document id"), ErrMalformedReport)
	}
	for term, tf := range r.TermFrequency {
		if math.IsNaN(tf) || math.IsInf(tf, 0) || tf < 0 {
			return errors.Mark(
				errors.Newf("document %q: invalid frequency %v for term %q", r.DocumentID, tf, term),
				ErrMalformedReport)
		}
	}
	return nil
}

// DocumentFrequency counts, for every term, the reports in batch where the
// term has a nonzero frequency. Every term gets an entry, zero included.
func DocumentFrequency(batch []protocol.DocumentTermReport, terms []string) map[string]int {
	df := make(map[string]int, len(terms))
	for _, term := range terms {
		df[term] = 0
	}
	for _, r := range batch {
		for _, term := range terms {
			if r.TermFrequency[term] > 0 {
				df[term]++
			}
		}
	}
	return df
}

// IDF computes ln(n / (1 + df)) for every term. The result may be negative
// when df approaches n.
func IDF(df map[string]int, n int, terms []string) map[string]float64 {
	idf := make(map[string]float64, len(terms))
	for _, term := range terms {
		idf[term] = math.Log(float64(n) / float64(1+df[term]))
	}
	return idf
}

// Contribution sums tf * idf over the report's terms. Terms without an idf
// entry contribute nothing. Terms are visited in sorted order so the float
// sum does not depend on map iteration.
func Contribution(r protocol.DocumentTermReport, idf map[string]float64) float64 {
	terms := make([]string, 0, len(r.TermFrequency))
	for term := range r.TermFrequency {
		terms = append(terms, term)
	}
	slices.Sort(terms)

	var score float64
	for _, term := range terms {
		weight, ok := idf[term]
		if !ok {
			continue
		}
		score += r.TermFrequency[term] * weight
	}
	return score
}

// Rank sorts scores descending, breaking ties by ascending document id.
// A NaN score (an overflowing +Inf term meeting a -Inf one) sorts after
// every number.
func Rank(scores map[string]float64) []RankedDocument {
	ranked := make([]RankedDocument, 0, len(scores))
	for id, score := range scores {
		ranked = append(ranked, RankedDocument{DocumentID: id, Score: score})
	}
	slices.SortFunc(ranked, compareRanked)
	return ranked
}

func compareRanked(a, b RankedDocument) int {
	aNaN, bNaN := math.IsNaN(a.Score), math.IsNaN(b.Score)
	switch {
	case aNaN && !bNaN:
		return 1
	case bNaN && !aNaN:
		return -1
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	return strings.Compare(a.DocumentID, b.DocumentID)
}

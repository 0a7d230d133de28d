package scoring

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Strategy selects the document set IDF is normalised over.
type Strategy int

const (
	// PerBatch computes DF and IDF inside each worker's batch as it arrives.
	PerBatch Strategy = iota
	// Global computes DF and IDF across all batches of the query at ranking time.
	Global
)

// ParseStrategy accepts "shard" (or "per-batch", or empty) and "global".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "shard", "per-batch":
		return PerBatch, nil
	case "global":
		return Global, nil
	}
	return PerBatch, errors.Newf("unknown idf strategy %q", s)
}

func (s Strategy) String() string {
	switch s {
	case PerBatch:
		return "shard"
	case Global:
		return "global"
	}
	return "unknown"
}

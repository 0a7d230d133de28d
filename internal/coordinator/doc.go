// Package coordinator implements the query path of the elected leader:
// accept a free-text query, fan it out to every registered worker, merge the
// term-frequency batches as they arrive and return one global ranking.
//
// # Overview
//
// Only the node that wins the leader election runs a coordinator. Workers do
// not rank anything; they report raw per-document term frequencies for the
// query terms and leave all scoring to the leader.
//
// # Architecture
//
//	              query text
//	                  │
//	                  ▼
//	┌─────────────────────────────────────┐
//	│            COORDINATOR              │
//	├─────────────────────────────────────┤
//	│  Tokenize ──► fresh Accumulator     │
//	│                                     │
//	│  Membership ──► worker list         │
//	│                                     │
//	│  Fanout (dispatch.Dispatcher)       │
//	│    ├─► worker-1 ─┐                  │
//	│    ├─► worker-2 ─┼─► Incorporate    │
//	│    └─► worker-N ─┘   (mutex)        │
//	│                                     │
//	│  barrier ──► Rank                   │
//	└─────────────────────────────────────┘
//	                  │
//	                  ▼
//	      Result (ranked documents)
//
// # Query Lifecycle
//
//  1. The query is split on whitespace into distinct terms; an empty query is
//     rejected with ErrEmptyQuery.
//  2. A new scoring.Accumulator is allocated. Nothing is shared between
//     queries.
//  3. The dispatcher contacts all workers in parallel, each bounded by its
//     own timeout.
//  4. Every successful batch is incorporated immediately, keyed by the
//     worker's base URL.
//  5. Once every worker has answered, failed or timed out, the accumulator
//     ranks documents by score descending, then by document id ascending.
//
// A failed worker only removes its documents from the ranking. The Result
// carries a WorkerOutcome per worker so callers can see which workers
// answered and how long each took.
//
// # Scoring
//
// By default the IDF of each term is computed per worker batch
// (scoring.PerBatch), so scores depend on how documents are spread over
// workers. scoring.Global pools all batches first and computes a single IDF
// table, which makes scores independent of the partitioning.
//
// # HTTP Interface
//
// NewHandler exposes:
//
//	POST /query    {"query": "...", "limit": 10}  → Result
//	GET  /query?q=...&limit=10                    → Result
//	GET  /workers                                 → {"workers": [...]}
//
// # Thread Safety
//
// A Coordinator is safe for concurrent use. Each query owns its accumulator;
// the only shared state is read-only configuration.
package coordinator

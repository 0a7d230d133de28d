// Package storage provides the document sources a worker scores queries
// against.
//
// # Sources
//
// A Source hands the worker every document of its shard, ordered by name.
// There is no index: each query re-reads the shard, which keeps workers
// stateless and means edits to the directory are visible on the next query.
//
//	┌─────────────────────────────────────┐
//	│        Worker Responder             │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Source interface           │
//	└─────────────────────────────────────┘
//	           │               │
//	           ▼               ▼
//	     ┌───────────┐   ┌───────────┐
//	     │ DirSource │   │  Memory   │
//	     │ .txt/.html│   │  Source   │
//	     └───────────┘   └───────────┘
//
// DirSource: one directory per worker
//   - Non-recursive, files ordered by name
//   - .txt read verbatim, .html/.htm reduced to visible text
//   - Missing directory is an empty shard, unreadable files are skipped
//
// MemorySource: in-memory documents with sync.RWMutex
//   - Used by tests and for seeding small shards
//   - Put/Get/Delete/List/Stats in the style of a key-value store
//
// # Document names
//
// The document name is the file name relative to the shard root. It is the
// id reported to the coordinator, so operators are expected to keep names
// unique across shards; the coordinator merges and reports collisions.
package storage

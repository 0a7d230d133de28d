// Package shard wraps a worker's document source with state and statistics.
package shard

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dreamware/tfsearch/internal/storage"
)

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard is serving queries
	ShardStateActive ShardState = "active"
	// ShardStateRetired means the node stopped serving the shard, e.g. after
	// being elected leader
	ShardStateRetired ShardState = "retired"
)

// Shard is the disjoint subset of the corpus one worker holds
type Shard struct {
	ID     string         // Node-scoped shard identifier
	Source storage.Source // Where the documents come from
	Stats  *ShardStats    // Query statistics
	state  ShardState     // Current shard state
	mu     sync.RWMutex   // Protects state changes
}

// ShardStats tracks query statistics for a shard
type ShardStats struct {
	Queries   uint64 // Number of queries served
	Documents uint64 // Documents scanned across all queries
	Failures  uint64 // Queries that failed to read the source
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	ID        string     `json:"id"`
	State     ShardState `json:"state"`
	Queries   uint64     `json:"queries"`
	Documents uint64     `json:"documents_scanned"`
	Failures  uint64     `json:"failures"`
}

// NewShard creates an active shard over src
func NewShard(id string, src storage.Source) *Shard {
	return &Shard{
		ID:     id,
		Source: src,
		Stats:  &ShardStats{},
		state:  ShardStateActive,
	}
}

// Documents reads the shard for one query
// Increments the query and document counters for statistics
func (s *Shard) Documents(ctx context.Context) ([]storage.Document, error) {
	atomic.AddUint64(&s.Stats.Queries, 1)
	docs, err := s.Source.Documents(ctx)
	if err != nil {
		atomic.AddUint64(&s.Stats.Failures, 1)
		return nil, err
	}
	atomic.AddUint64(&s.Stats.Documents, uint64(len(docs)))
	return docs, nil
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Queries:   atomic.LoadUint64(&s.Stats.Queries),
		Documents: atomic.LoadUint64(&s.Stats.Documents),
		Failures:  atomic.LoadUint64(&s.Stats.Failures),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	stats := s.GetStats()
	return ShardInfo{
		ID:        s.ID,
		State:     s.State(),
		Queries:   stats.Queries,
		Documents: stats.Documents,
		Failures:  stats.Failures,
	}
}

// State returns the current shard state
func (s *Shard) State() ShardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState updates the shard state
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

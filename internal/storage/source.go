package storage

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

// ErrDocumentNotFound is returned when a document doesn't exist in the source
var ErrDocumentNotFound = errors.New("document not found")

// Document is one file of a worker's shard
type Document struct {
	Name string // Identifier reported to the coordinator
	Text string // Plain text content
}

// Source provides the documents of a shard
// Implementations must be safe for concurrent use
type Source interface {
	// Documents returns every document, ordered by name
	Documents(ctx context.Context) ([]Document, error)
}

// SourceStats contains statistics about a source
type SourceStats struct {
	Documents int // Number of documents
	Bytes     int // Total size of all texts in bytes
}

// MemorySource implements Source with an in-memory document set
// Uses sync.RWMutex for thread-safe concurrent access
type MemorySource struct {
	mu   sync.RWMutex      // Protects concurrent access
	docs map[string]string // Name -> text
}

// NewMemorySource creates an empty in-memory source
func NewMemorySource() *MemorySource {
	return &MemorySource{
		docs: make(map[string]string),
	}
}

// Put stores a document, replacing any document with the same name
func (m *MemorySource) Put(name, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = text
}

// Get retrieves a document's text
// Returns ErrDocumentNotFound if the name is unknown
func (m *MemorySource) Get(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	text, ok := m.docs[name]
	if !ok {
		return "", ErrDocumentNotFound
	}
	return text, nil
}

// Delete removes a document
// No error if it doesn't exist (idempotent)
func (m *MemorySource) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, name)
}

// List returns all document names in ascending order
func (m *MemorySource) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.docs))
	for name := range m.docs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Documents returns a snapshot of every document ordered by name
func (m *MemorySource) Documents(ctx context.Context) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := make([]Document, 0, len(m.docs))
	for name, text := range m.docs {
		docs = append(docs, Document{Name: name, Text: text})
	}
	slices.SortFunc(docs, func(a, b Document) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return docs, nil
}

// Stats returns source statistics
func (m *MemorySource) Stats() SourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, text := range m.docs {
		total += len(text)
	}
	return SourceStats{
		Documents: len(m.docs),
		Bytes:     total,
	}
}

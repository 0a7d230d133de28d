package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// TestMemorySource tests the in-memory source implementation
func TestMemorySource(t *testing.T) {
	t.Run("new source is empty", func(t *testing.T) {
		src := NewMemorySource()

		if names := src.List(); len(names) != 0 {
			t.Errorf("Expected empty source, got %d documents", len(names))
		}

		if _, err := src.Get("missing.txt"); err != ErrDocumentNotFound {
			t.Errorf("Expected ErrDocumentNotFound, got %v", err)
		}
	})

	t.Run("put get and delete", func(t *testing.T) {
		src := NewMemorySource()
		src.Put("a.txt", "the cat")

		text, err := src.Get("a.txt")
		if err != nil {
			t.Fatalf("Failed to get document: %v", err)
		}
		if text != "the cat" {
			t.Errorf("Expected 'the cat', got %q", text)
		}

		src.Put("a.txt", "the dog")
		if text, _ := src.Get("a.txt"); text != "the dog" {
			t.Errorf("Expected overwrite, got %q", text)
		}

		src.Delete("a.txt")
		src.Delete("a.txt")
		if _, err := src.Get("a.txt"); err != ErrDocumentNotFound {
			t.Errorf("Expected ErrDocumentNotFound after delete, got %v", err)
		}
	})

	t.Run("documents are ordered by name", func(t *testing.T) {
		src := NewMemorySource()
		src.Put("c.txt", "3")
		src.Put("a.txt", "1")
		src.Put("b.txt", "2")

		docs, err := src.Documents(context.Background())
		if err != nil {
			t.Fatalf("Documents failed: %v", err)
		}
		var names []string
		for _, d := range docs {
			names = append(names, d.Name)
		}
		if got := strings.Join(names, ","); got != "a.txt,b.txt,c.txt" {
			t.Errorf("Expected ordered names, got %s", got)
		}
	})

	t.Run("stats", func(t *testing.T) {
		src := NewMemorySource()
		src.Put("a.txt", "12345")
		src.Put("b.txt", "123")

		stats := src.Stats()
		if stats.Documents != 2 || stats.Bytes != 8 {
			t.Errorf("Expected 2 documents and 8 bytes, got %+v", stats)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		src := NewMemorySource()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := src.Documents(ctx); err == nil {
			t.Error("Expected error for cancelled context")
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		src := NewMemorySource()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				src.Put(fmt.Sprintf("doc-%d.txt", i), "text")
			}(i)
			go func() {
				defer wg.Done()
				_, _ = src.Documents(context.Background())
			}()
		}
		wg.Wait()

		if n := len(src.List()); n != 50 {
			t.Errorf("Expected 50 documents, got %d", n)
		}
	})
}

// TestDirSource tests reading a shard from disk
func TestDirSource(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("reads text and html files", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "b.txt"), "cat dog cat")
		writeFile(t, filepath.Join(root, "a.html"),
			"<html><head><title>Pets</title><style>p{}</style></head><body><p>cat &amp; dog</p><script>var x</script></body></html>")
		writeFile(t, filepath.Join(root, "ignored.pdf"), "binary")
		if err := os.Mkdir(filepath.Join(root, "nested.txt"), 0o755); err != nil {
			t.Fatal(err)
		}

		docs, err := NewDirSource(root, logger).Documents(context.Background())
		if err != nil {
			t.Fatalf("Documents failed: %v", err)
		}
		if len(docs) != 2 {
			t.Fatalf("Expected 2 documents, got %d", len(docs))
		}
		if docs[0].Name != "a.html" || docs[0].Text != "Pets cat & dog" {
			t.Errorf("Unexpected html document: %+v", docs[0])
		}
		if docs[1].Name != "b.txt" || docs[1].Text != "cat dog cat" {
			t.Errorf("Unexpected text document: %+v", docs[1])
		}
	})

	t.Run("missing directory is an empty shard", func(t *testing.T) {
		docs, err := NewDirSource(filepath.Join(t.TempDir(), "nope"), logger).Documents(context.Background())
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if len(docs) != 0 {
			t.Errorf("Expected no documents, got %d", len(docs))
		}
	})

	t.Run("root is a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "file.txt")
		writeFile(t, path, "x")

		if _, err := NewDirSource(path, logger).Documents(context.Background()); err == nil {
			t.Error("Expected error when root is not a directory")
		}
	})
}

func TestExtractText(t *testing.T) {
	text, err := ExtractText(strings.NewReader("<p>one\n two</p><noscript>hidden</noscript><div>three</div>"))
	if err != nil {
		t.Fatalf("ExtractText failed: %v", err)
	}
	if text != "one two three" {
		t.Errorf("Expected 'one two three', got %q", text)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

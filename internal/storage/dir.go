package storage

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// DirSource reads a shard from a directory on every call; nothing is cached.
// Plain text files (.txt) are used verbatim, HTML files (.html, .htm) are
// reduced to their visible text. Subdirectories and other files are ignored.
type DirSource struct {
	logger *slog.Logger
	root   string
}

// NewDirSource creates a source over root
func NewDirSource(root string, logger *slog.Logger) *DirSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirSource{root: root, logger: logger}
}

// Root returns the directory the source reads from
func (d *DirSource) Root() string {
	return d.root
}

// Documents lists the directory and reads every supported file.
// A missing directory is an empty shard. Unreadable files are logged and skipped.
func (d *DirSource) Documents(ctx context.Context) ([]Document, error) {
	entries, err := os.ReadDir(d.root)
	if errors.Is(err, fs.ErrNotExist) {
		d.logger.WarnContext(ctx, "document directory does not exist", "root", d.root)
		return []Document{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", d.root)
	}

	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() {
			continue
		}
		kind := kindOf(e.Name())
		if kind == kindUnsupported {
			continue
		}

		text, err := d.read(filepath.Join(d.root, e.Name()), kind)
		if err != nil {
			d.logger.WarnContext(ctx, "skipping unreadable document", "file", e.Name(), "error", err)
			continue
		}
		docs = append(docs, Document{Name: e.Name(), Text: text})
	}
	return docs, nil
}

type fileKind int

const (
	kindUnsupported fileKind = iota
	kindText
	kindHTML
)

func kindOf(name string) fileKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt":
		return kindText
	case ".html", ".htm":
		return kindHTML
	}
	return kindUnsupported
}

func (d *DirSource) read(path string, kind fileKind) (string, error) {
	if kind == kindHTML {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return ExtractText(f)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

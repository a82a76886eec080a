package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Reader reads one collection's workspace files as plaintext.
type Reader interface {
	CollectionID() string
	// Files lists workspace-relative paths, slash separated and sorted.
	Files(ctx context.Context) ([]string, error)
	Read(ctx context.Context, path string) ([]byte, error)
}

// Workspace is the editable tree that holds every collection's files.
type Workspace struct {
	Dir string
}

// Reader binds a collection to its decryption key. A nil key reads files
// verbatim; a non-nil key unseals every file.
func (w Workspace) Reader(collectionID string, files []string, key []byte) Reader {
	return &fsReader{
		root:  filepath.Join(w.Dir, collectionID),
		id:    collectionID,
		files: files,
		key:   key,
	}
}

// Write stores data at path for collectionID, sealing it when key is set.
func (w Workspace) Write(collectionID, path string, data, key []byte) error {
	rel, err := cleanRel(path)
	if err != nil {
		return err
	}
	if key != nil {
		if data, err = Seal(key, collectionID, data); err != nil {
			return err
		}
	}
	full := filepath.Join(w.Dir, collectionID, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

type fsReader struct {
	root  string
	id    string
	files []string
	key   []byte
}

func (r *fsReader) CollectionID() string { return r.id }

func (r *fsReader) Files(ctx context.Context) ([]string, error) {
	if len(r.files) > 0 {
		out := make([]string, 0, len(r.files))
		for _, f := range r.files {
			rel, err := cleanRel(f)
			if err != nil {
				return nil, err
			}
			out = append(out, rel)
		}
		sort.Strings(out)
		return out, nil
	}

	var out []string
	err := filepath.WalkDir(r.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Dotfiles and dot-directories are editor state, never published.
		if p != r.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("workspace for %s: %w", r.id, err)
	}
	sort.Strings(out)
	return out, err
}

func (r *fsReader) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := cleanRel(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	if r.key == nil {
		return b, nil
	}
	return Unseal(r.key, r.id, b)
}

// cleanRel rejects absolute paths and anything escaping the collection root.
func cleanRel(p string) (string, error) {
	p = strings.TrimSpace(filepath.ToSlash(p))
	if p == "" {
		return "", errors.New("content: empty path")
	}
	c := filepath.ToSlash(filepath.Clean(p))
	if strings.HasPrefix(c, "/") || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("content: path %q escapes collection root", p)
	}
	return c, nil
}

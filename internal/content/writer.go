package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrRollbackFailed     = errors.New("content: transaction rollback failed")
	ErrUnknownHost        = errors.New("content: unknown host")
	ErrUnknownTransaction = errors.New("content: unknown transaction")
)

const stagingDir = ".staging"

// Writer copies a collection into the published tree in transactions.
type Writer interface {
	// Copy stages every file of r. The returned map holds each transaction
	// opened (host -> tx), also when err != nil, so the caller can roll back.
	// Each uri is "<collection id>/<workspace path>".
	Copy(ctx context.Context, r Reader) (txs map[string]string, uris []string, err error)
	Commit(ctx context.Context, host, tx string) error
	Rollback(ctx context.Context, host, tx string) error
}

// Verifier hashes bytes as stored on a host.
type Verifier interface {
	Hash(ctx context.Context, host, tx, uri string) (string, error)
}

// FS is a Writer and Verifier over local directories, one per host.
type FS struct {
	hosts map[string]string
	names []string
}

// NewFS builds a filesystem writer. hosts maps a host name to its published
// root directory.
func NewFS(hosts map[string]string) (*FS, error) {
	if len(hosts) == 0 {
		return nil, errors.New("content: at least one host required")
	}
	f := &FS{hosts: map[string]string{}}
	for name, dir := range hosts {
		name = strings.TrimSpace(name)
		if name == "" || strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("content: invalid host %q -> %q", name, dir)
		}
		if err := os.MkdirAll(filepath.Join(dir, stagingDir), 0o755); err != nil {
			return nil, err
		}
		f.hosts[name] = dir
		f.names = append(f.names, name)
	}
	sort.Strings(f.names)
	return f, nil
}

func (f *FS) Copy(ctx context.Context, r Reader) (map[string]string, []string, error) {
	files, err := r.Files(ctx)
	if err != nil {
		return nil, nil, err
	}
	uris := make([]string, 0, len(files))
	for _, rel := range files {
		uris = append(uris, path.Join(r.CollectionID(), rel))
	}

	txs := map[string]string{}
	for _, host := range f.names {
		tx := uuid.NewString()
		stage := f.txDir(host, tx)
		if err := os.MkdirAll(stage, 0o755); err != nil {
			return txs, nil, err
		}
		txs[host] = tx
		for i, rel := range files {
			b, err := r.Read(ctx, rel)
			if err != nil {
				return txs, nil, fmt.Errorf("read %s: %w", rel, err)
			}
			dst := filepath.Join(stage, filepath.FromSlash(uris[i]))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return txs, nil, err
			}
			if err := os.WriteFile(dst, b, 0o644); err != nil {
				return txs, nil, fmt.Errorf("stage %s on %s: %w", rel, host, err)
			}
		}
	}
	return txs, uris, nil
}

// Commit moves every staged file of tx into the published tree of host.
func (f *FS) Commit(ctx context.Context, host, tx string) error {
	root, ok := f.hosts[host]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	stage := f.txDir(host, tx)
	if _, err := os.Stat(stage); err != nil {
		return fmt.Errorf("%w: %s on %s", ErrUnknownTransaction, tx, host)
	}
	err := filepath.WalkDir(stage, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(stage, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return os.Rename(p, dst)
	})
	if err != nil {
		return fmt.Errorf("commit %s on %s: %w", tx, host, err)
	}
	return os.RemoveAll(stage)
}

// Rollback discards tx. Every failure wraps ErrRollbackFailed.
func (f *FS) Rollback(ctx context.Context, host, tx string) error {
	_ = ctx
	if _, ok := f.hosts[host]; !ok {
		return fmt.Errorf("%w: %w: %s", ErrRollbackFailed, ErrUnknownHost, host)
	}
	if strings.TrimSpace(tx) == "" {
		return fmt.Errorf("%w: %w", ErrRollbackFailed, ErrUnknownTransaction)
	}
	if err := os.RemoveAll(f.txDir(host, tx)); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", ErrRollbackFailed, tx, host, err)
	}
	return nil
}

// Hash returns the hex BLAKE3 digest of uri on host. Bytes still staged under
// tx take precedence over the published copy.
func (f *FS) Hash(ctx context.Context, host, tx, uri string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	root, ok := f.hosts[host]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	rel, err := cleanRel(uri)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(filepath.Join(f.txDir(host, tx), filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		b, err = os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	}
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

func (f *FS) txDir(host, tx string) string {
	return filepath.Join(f.hosts[host], stagingDir, tx)
}

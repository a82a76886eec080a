package keyring

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"filippo.io/age"
)

const sealedExt = ".age"

// Sealed is a durable keyring: one file per collection key, each encrypted
// to the service's own X25519 identity.
type Sealed struct {
	dir string

	mu        sync.Mutex
	identity  *age.X25519Identity
	recipient age.Recipient
}

// OpenSealed opens the keyring under dir. The service identity is read from
// identityPath, or generated there (mode 0600) on first use.
func OpenSealed(dir, identityPath string) (*Sealed, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keyring: sealed dir required")
	}
	if strings.TrimSpace(identityPath) == "" {
		identityPath = filepath.Join(dir, "service.identity")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	id, err := loadOrCreateIdentity(identityPath)
	if err != nil {
		return nil, err
	}
	return &Sealed{dir: dir, identity: id, recipient: id.Recipient()}, nil
}

func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		id, err := age.ParseX25519Identity(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("parsing service identity %s: %w", path, err)
		}
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating service identity: %w", err)
	}
	if err := writeFileAtomic(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing service identity: %w", err)
	}
	return id, nil
}

// Recipient is the public half of the service identity.
func (s *Sealed) Recipient() string { return s.identity.Recipient().String() }

func (s *Sealed) path(id string) string { return filepath.Join(s.dir, id+sealedExt) }

func (s *Sealed) Get(ctx context.Context, id string) (Key, error) {
	_ = ctx
	if err := validID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pt, err := ageDecrypt(ct, s.identity)
	if err != nil {
		return nil, fmt.Errorf("keyring: %s: %w", id, err)
	}
	if err := validKey(pt); err != nil {
		return nil, fmt.Errorf("keyring: %s: %w", id, err)
	}
	return Key(pt), nil
}

func (s *Sealed) Add(ctx context.Context, id string, key Key) error {
	_ = ctx
	if err := validID(id); err != nil {
		return err
	}
	if err := validKey(key); err != nil {
		return err
	}
	ct, err := ageEncrypt(key, s.recipient)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path(id), ct, 0o600)
}

func (s *Sealed) Remove(ctx context.Context, id string) error {
	_ = ctx
	if err := validID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Sealed) List(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	ents, err := os.ReadDir(s.dir)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != sealedExt {
			continue
		}
		out = append(out, strings.TrimSuffix(name, sealedExt))
	}
	sort.Strings(out)
	return out, nil
}

// Package permissions answers who may read a collection before it is public.
package permissions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"
)

// Service is the permission collaborator consumed by key distribution and the
// health check.
type Service interface {
	// AuthorizedRecipients returns every user allowed to decrypt the
	// collection before publication.
	AuthorizedRecipients(ctx context.Context, collectionID string) ([]string, error)
	IsAdministrator(ctx context.Context, user string) (bool, error)
	// Users is the full user universe.
	Users(ctx context.Context) ([]string, error)
}

// Document is the on-disk shape of a permissions file:
//
//	administrators: [admin]
//	users: [alice, bob]
//	collections:
//	  c1: [alice]
//
// Administrators are implicit recipients of every collection.
type Document struct {
	Administrators []string            `yaml:"administrators"`
	Users          []string            `yaml:"users"`
	Collections    map[string][]string `yaml:"collections"`
}

// Static serves permissions from a Document. Reload swaps it atomically.
type Static struct {
	path string

	mu  sync.RWMutex
	doc Document
}

func NewStatic(doc Document) *Static {
	s := &Static{}
	s.Set(doc)
	return s
}

// Load reads a YAML permissions file. Unknown fields are rejected.
func Load(path string) (*Static, error) {
	s := &Static{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Static) Path() string { return s.path }

// Reload re-reads the backing file. On error the previous document stays.
func (s *Static) Reload() error {
	if strings.TrimSpace(s.path) == "" {
		return errors.New("permissions: no file to reload")
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("permissions %s: %w", s.path, err)
	}
	s.Set(doc)
	return nil
}

// Set replaces the document. Admins and collection members are folded into
// the user universe.
func (s *Static) Set(doc Document) {
	users := map[string]struct{}{}
	add := func(list []string) []string {
		out := make([]string, 0, len(list))
		for _, u := range list {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			users[u] = struct{}{}
			out = append(out, u)
		}
		return out
	}
	norm := Document{
		Administrators: add(doc.Administrators),
		Collections:    make(map[string][]string, len(doc.Collections)),
	}
	add(doc.Users)
	for id, members := range doc.Collections {
		norm.Collections[id] = add(members)
	}
	for u := range users {
		norm.Users = append(norm.Users, u)
	}
	sort.Strings(norm.Users)

	s.mu.Lock()
	s.doc = norm
	s.mu.Unlock()
}

func (s *Static) AuthorizedRecipients(ctx context.Context, collectionID string) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := map[string]struct{}{}
	for _, u := range s.doc.Administrators {
		set[u] = struct{}{}
	}
	for _, u := range s.doc.Collections[collectionID] {
		set[u] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Static) IsAdministrator(ctx context.Context, user string) (bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.doc.Administrators, strings.TrimSpace(user)), nil
}

func (s *Static) Users(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.doc.Users), nil
}

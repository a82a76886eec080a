package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"publisher/internal/collection"
	logx "publisher/pkg/logx"
)

// fileStore keeps one directory per deployment:
//
//	collections/<id>.json  one document per collection
//	cohorts.json           pending-cohort snapshot
//	dedup.*                notifier suppression windows, see dedupJournal
//
// Every document is replaced by atomic rename.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	closed  bool
	records string
	cohorts string
	dedup   *dedupJournal
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	records := filepath.Join(root, "collections")
	if err := os.MkdirAll(records, 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	dj, err := openDedupJournal(root)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &fileStore{
		log:     log,
		records: records,
		cohorts: filepath.Join(root, "cohorts.json"),
		dedup:   dj,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.dedup.close()
}

func (s *fileStore) recordPath(id string) string { return filepath.Join(s.records, id+".json") }

func (s *fileStore) Load(_ context.Context, id string) (collection.Collection, error) {
	if err := collection.ValidID(id); err != nil {
		return collection.Collection{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRecord(s.recordPath(id))
}

func (s *fileStore) Save(_ context.Context, c collection.Collection) error {
	if err := collection.ValidID(c.ID); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return replaceFile(s.recordPath(c.ID), b)
}

// List skips records that fail to decode so one corrupt file can't block a
// schedule rebuild.
func (s *fileStore) List(_ context.Context) ([]collection.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := filepath.Glob(filepath.Join(s.records, "*.json"))
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	out := make([]collection.Collection, 0, len(names))
	for _, name := range names {
		c, err := readRecord(name)
		if err != nil {
			s.log.Warn("skipping unreadable collection record", logx.String("file", filepath.Base(name)), logx.Err(err))
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b collection.Collection) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func readRecord(path string) (collection.Collection, error) {
	var c collection.Collection
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return c, collection.ErrNotFound
	case err != nil:
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return c, nil
}

func (s *fileStore) PutPendingCohorts(_ context.Context, cohorts []PendingCohort) error {
	b, err := json.Marshal(append([]PendingCohort{}, cohorts...))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return replaceFile(s.cohorts, b)
}

func (s *fileStore) PendingCohorts(_ context.Context) ([]PendingCohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.cohorts)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, err
	}
	var out []PendingCohort
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode cohorts: %w", err)
	}
	return out, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	compacted, err := s.dedup.put(key, until)
	if compacted != nil {
		s.log.Debug("dedup compact failed", logx.Err(compacted))
	}
	return err
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup.get(strings.TrimSpace(key))
	return until, ok, nil
}

// replaceFile writes b next to path, syncs, and renames it into place so a
// reader sees either the old document or the new one.
func replaceFile(path string, b []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(b); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

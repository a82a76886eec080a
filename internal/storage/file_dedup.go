package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"
)

// compactEvery is how many journal appends trigger a snapshot rewrite.
const compactEvery = 1000

// dedupJournal is an append-only log of suppression windows plus a periodic
// snapshot. Opening replays snapshot then journal; expired windows are
// dropped on open and on every compaction. Callers serialize access.
type dedupJournal struct {
	snapshot string
	journal  *os.File
	until    map[string]int64 // unix milli
	appends  int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openDedupJournal(root string) (*dedupJournal, error) {
	d := &dedupJournal{
		snapshot: filepath.Join(root, "dedup.snapshot.json"),
		until:    map[string]int64{},
	}
	journal := filepath.Join(root, "dedup.journal.jsonl")
	// Unreadable history only means a repeated alert may be sent once more.
	_ = d.readSnapshot()
	_ = d.replay(journal)
	d.prune(time.Now())

	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	d.journal = f
	return d, nil
}

func (d *dedupJournal) readSnapshot() error {
	b, err := os.ReadFile(d.snapshot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	maps.Copy(d.until, m)
	return nil
}

// replay applies journal lines in order; a torn or garbled line is skipped.
func (d *dedupJournal) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		var rec dedupRecord
		if len(line) > 0 && json.Unmarshal(line, &rec) == nil && rec.Key != "" {
			d.until[rec.Key] = rec.Until
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (d *dedupJournal) prune(now time.Time) {
	ms := now.UnixMilli()
	maps.DeleteFunc(d.until, func(_ string, until int64) bool { return until < ms })
}

func (d *dedupJournal) get(key string) (time.Time, bool) {
	ms, ok := d.until[key]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// put journals one window. A failed compaction is reported separately since
// the window itself was recorded.
func (d *dedupJournal) put(key string, until time.Time) (compactErr, err error) {
	rec := dedupRecord{Key: key, Until: until.UnixMilli()}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := d.journal.Write(append(b, '\n')); err != nil {
		return nil, err
	}
	d.until[key] = rec.Until
	if d.appends++; d.appends%compactEvery == 0 {
		return d.compact(), nil
	}
	return nil, nil
}

// compact folds the journal into the snapshot and truncates it.
func (d *dedupJournal) compact() error {
	d.prune(time.Now())
	b, err := json.Marshal(d.until)
	if err != nil {
		return err
	}
	if err := replaceFile(d.snapshot, b); err != nil {
		return err
	}
	if err := d.journal.Truncate(0); err != nil {
		return err
	}
	_, err = d.journal.Seek(0, io.SeekEnd)
	return err
}

func (d *dedupJournal) close() error {
	if d.journal == nil {
		return nil
	}
	err := d.journal.Close()
	d.journal = nil
	return err
}

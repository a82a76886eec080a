package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"publisher/internal/collection"
	logx "publisher/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// dedupWrites counts PutDedup calls; every pruneEvery-th one sweeps
	// expired windows.
	dedupWrites atomic.Uint64
}

const (
	pruneEvery  = 500
	defaultBusy = time.Second
)

// sqliteDSN sets pragmas in the DSN so every pooled connection gets them,
// not just the one that happened to run an Exec.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = defaultBusy
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	// one writer; WAL still lets readers through
	db.SetMaxOpenConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context, id string) (collection.Collection, error) {
	var c collection.Collection
	if err := collection.ValidID(id); err != nil {
		return c, err
	}
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM collections WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return c, collection.ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return c, fmt.Errorf("decode collection %s: %w", id, err)
	}
	return c, nil
}

func (s *sqliteStore) Save(ctx context.Context, c collection.Collection) error {
	if err := collection.ValidID(c.ID); err != nil {
		return err
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var publishMS int64
	if !c.PublishDate.IsZero() {
		publishMS = c.PublishDate.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collections(id, kind, publish_date, doc, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, publish_date=excluded.publish_date,
		 doc=excluded.doc, updated_at=excluded.updated_at`,
		c.ID, string(c.Kind), publishMS, string(doc), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) List(ctx context.Context) ([]collection.Collection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM collections ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []collection.Collection
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var c collection.Collection
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			s.log.Warn("skipping unreadable collection record", logx.Collection(id), logx.Err(err))
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutPendingCohorts(ctx context.Context, cohorts []PendingCohort) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_cohorts`); err != nil {
		return err
	}
	for _, pc := range cohorts {
		for _, id := range pc.CollectionIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO pending_cohorts(at, collection_id) VALUES(?,?)`,
				pc.At.UnixMilli(), id,
			); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PendingCohorts(ctx context.Context) ([]PendingCohort, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT at, collection_id FROM pending_cohorts ORDER BY at, collection_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingCohort
	for rows.Next() {
		var at int64
		var id string
		if err := rows.Scan(&at, &id); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].At.UnixMilli() == at {
			out[n-1].CollectionIDs = append(out[n-1].CollectionIDs, id)
			continue
		}
		out = append(out, PendingCohort{At: time.UnixMilli(at), CollectionIDs: []string{id}})
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	); err != nil {
		return err
	}
	if s.dedupWrites.Add(1)%pruneEvery == 0 {
		s.pruneDedup(ctx)
	}
	return nil
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error) {
	if key == "" {
		return until, false, nil
	}
	var ms int64
	switch err = s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms); {
	case errors.Is(err, sql.ErrNoRows):
		return until, false, nil
	case err != nil:
		return until, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// pruneDedup is best effort and must not hold up the write that triggered it.
func (s *sqliteStore) pruneDedup(ctx context.Context) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 50*time.Millisecond)
	defer cancel()
	res, err := s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	if err != nil {
		s.log.Debug("dedup prune failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("dedup pruned", logx.Int64("rows", n))
	}
}

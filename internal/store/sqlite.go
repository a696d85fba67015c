package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every artifact revision in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path, configures WAL mode
// and applies the schema.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create %s", dir)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS artifacts (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	body       BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (job_id, contact_id, name, revision)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id, contact_id);
`

// Migrate creates the artifacts table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, job_id, contact_id, name, revision, body, created_at)
		 SELECT ?, ?, ?, ?, COALESCE(MAX(revision), 0) + 1, ?, ?
		 FROM artifacts WHERE job_id = ? AND contact_id = ? AND name = ?`,
		uuid.New().String(), key.JobID, key.ContactID, key.Name, data, time.Now().UTC(),
		key.JobID, key.ContactID, key.Name,
	)
	return eris.Wrapf(err, "sqlite: put %s", key.String())
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM artifacts WHERE job_id = ? AND contact_id = ? AND name = ?
		 ORDER BY revision DESC LIMIT 1`,
		key.JobID, key.ContactID, key.Name,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, key.String())
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get %s", key.String())
	}
	return body, nil
}

// Revisions returns how many times an artifact has been written.
func (s *SQLiteStore) Revisions(ctx context.Context, key Key) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE job_id = ? AND contact_id = ? AND name = ?`,
		key.JobID, key.ContactID, key.Name,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count %s", key.String())
}

func (s *SQLiteStore) List(ctx context.Context, jobID, contactID string) ([]string, error) {
	return s.strings(ctx,
		`SELECT DISTINCT name FROM artifacts WHERE job_id = ? AND contact_id = ? ORDER BY name`,
		jobID, contactID)
}

func (s *SQLiteStore) Contacts(ctx context.Context, jobID string) ([]string, error) {
	return s.strings(ctx,
		`SELECT DISTINCT contact_id FROM artifacts WHERE job_id = ? ORDER BY contact_id`, jobID)
}

func (s *SQLiteStore) Jobs(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT job_id FROM artifacts ORDER BY job_id`)
}

func (s *SQLiteStore) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query")
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: rows")
}

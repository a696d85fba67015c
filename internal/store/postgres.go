package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-notes/internal/db"
)

// PostgresStore keeps every artifact revision in a Postgres table.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to Postgres and applies the schema.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, nil)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS artifacts (
	id         UUID PRIMARY KEY,
	job_id     TEXT NOT NULL,
	contact_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	body       BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, contact_id, name, revision)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id, contact_id);
`

// Migrate creates the artifacts table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, job_id, contact_id, name, revision, body, created_at)
		 SELECT $1::uuid, $2::text, $3::text, $4::text, COALESCE(MAX(revision), 0) + 1, $5::bytea, $6::timestamptz
		 FROM artifacts WHERE job_id = $2 AND contact_id = $3 AND name = $4`,
		uuid.New().String(), key.JobID, key.ContactID, key.Name, data, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: put %s", key.String())
}

func (s *PostgresStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM artifacts WHERE job_id = $1 AND contact_id = $2 AND name = $3
		 ORDER BY revision DESC LIMIT 1`,
		key.JobID, key.ContactID, key.Name,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, key.String())
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s", key.String())
	}
	return body, nil
}

func (s *PostgresStore) List(ctx context.Context, jobID, contactID string) ([]string, error) {
	return s.strings(ctx,
		`SELECT DISTINCT name FROM artifacts WHERE job_id = $1 AND contact_id = $2 ORDER BY name`,
		jobID, contactID)
}

func (s *PostgresStore) Contacts(ctx context.Context, jobID string) ([]string, error) {
	return s.strings(ctx,
		`SELECT DISTINCT contact_id FROM artifacts WHERE job_id = $1 ORDER BY contact_id`, jobID)
}

func (s *PostgresStore) Jobs(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT job_id FROM artifacts ORDER BY job_id`)
}

func (s *PostgresStore) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: rows")
}

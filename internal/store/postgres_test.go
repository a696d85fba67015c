package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS artifacts`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Put(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO artifacts .* COALESCE\(MAX\(revision\), 0\) \+ 1`).
		WithArgs(pgxmock.AnyArg(), "job1", "101", Summary, []byte(`{}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.Put(context.Background(), Key{JobID: "job1", ContactID: "101", Name: Summary}, []byte(`{}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLatest(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT body FROM artifacts WHERE job_id = \$1 AND contact_id = \$2 AND name = \$3\s+ORDER BY revision DESC LIMIT 1`).
		WithArgs("job1", "101", NoteHTML).
		WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow([]byte("<p>hi</p>")))

	got, err := s.Get(context.Background(), Key{JobID: "job1", ContactID: "101", Name: NoteHTML})
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT body FROM artifacts`).
		WithArgs("job1", "101", Verified).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), Key{JobID: "job1", ContactID: "101", Name: Verified})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListContactsJobs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT DISTINCT name FROM artifacts`).
		WithArgs("job1", "101").
		WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow(Meta).AddRow(Summary))
	mock.ExpectQuery(`SELECT DISTINCT contact_id FROM artifacts`).
		WithArgs("job1").
		WillReturnRows(pgxmock.NewRows([]string{"contact_id"}).AddRow("101").AddRow("102"))
	mock.ExpectQuery(`SELECT DISTINCT job_id FROM artifacts`).
		WillReturnRows(pgxmock.NewRows([]string{"job_id"}).AddRow("job1").AddRow("job2"))

	names, err := s.List(context.Background(), "job1", "101")
	require.NoError(t, err)
	assert.Equal(t, []string{Meta, Summary}, names)

	ids, err := s.Contacts(context.Background(), "job1")
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "102"}, ids)

	jobs, err := s.Jobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"job1", "job2"}, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT DISTINCT contact_id`).
		WithArgs("job1").
		WillReturnError(errors.New("connection refused"))

	_, err := s.Contacts(context.Background(), "job1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: query")
}

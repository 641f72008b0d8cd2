package sqlstore

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultco/cosigncore/internal/queue"
)

func TestStore_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &Store{db: db}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT revision, data FROM objects WHERE collection = ? AND key = ?")).
		WithArgs(string(queue.CollectionTxs), "missing").
		WillReturnRows(sqlmock.NewRows([]string{"revision", "data"}))

	_, _, err = s.Get(context.Background(), queue.CollectionTxs, "missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CompareAndSwap_RevisionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &Store{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT revision FROM objects WHERE collection = ? AND key = ?")).
		WithArgs(string(queue.CollectionTxs), "hash1").
		WillReturnRows(sqlmock.NewRows([]string{"revision"}).AddRow(uint64(3)))

	_, err = s.CompareAndSwap(context.Background(), queue.CollectionTxs, "hash1", 0, []byte("{}"))
	assert.ErrorIs(t, err, queue.ErrRevisionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CompareAndSwap_CreatesAtRevisionZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &Store{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT revision FROM objects WHERE collection = ? AND key = ?")).
		WithArgs(string(queue.CollectionTxs), "hash1").
		WillReturnRows(sqlmock.NewRows([]string{"revision"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO objects")).
		WithArgs(string(queue.CollectionTxs), "hash1", uint64(1), []byte("{}")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rev, err := s.CompareAndSwap(context.Background(), queue.CollectionTxs, "hash1", 0, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)
	require.NoError(t, mock.ExpectationsWereMet())
}

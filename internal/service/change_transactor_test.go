package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLChangeTransactorCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	transactor := NewSQLChangeTransactor(sqlx.NewDb(db, "sqlmock"))
	err = transactor.WithinTx(context.Background(), func(ctx context.Context, scope TxScope) error {
		assert.NotNil(t, scope.Changes)
		assert.NotNil(t, scope.Students)
		assert.NotNil(t, scope.Classes)
		assert.NotNil(t, scope.Outbox)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLChangeTransactorRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	transactor := NewSQLChangeTransactor(sqlx.NewDb(db, "sqlmock"))
	err = transactor.WithinTx(context.Background(), func(ctx context.Context, scope TxScope) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

type queryObserverStub struct {
	labels []string
}

func (q *queryObserverStub) ObserveDBQuery(label string, duration time.Duration) {
	q.labels = append(q.labels, label)
}

func TestSQLChangeTransactorReportsDuration(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	observer := &queryObserverStub{}
	transactor := NewSQLChangeTransactor(sqlx.NewDb(db, "sqlmock")).WithObserver(observer)
	_ = transactor.WithinTx(context.Background(), func(ctx context.Context, scope TxScope) error {
		return errors.New("boom")
	})
	assert.Equal(t, []string{"student_change_tx"}, observer.labels)
	require.NoError(t, mock.ExpectationsWereMet())
}

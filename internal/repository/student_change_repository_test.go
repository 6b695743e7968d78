package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-student-changes/internal/models"
	appErrors "github.com/noah-isme/sma-student-changes/pkg/errors"
)

func newSQLMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var changeColumnNames = []string{
	"id", "student_id", "type", "status", "effective_at", "reason", "attachments",
	"student_snapshot", "idempotency_key", "version", "target_school_name", "target_school_contact",
	"release_date", "handover_note", "leave_type", "leave_start_date", "leave_end_date",
	"reinstate_return_date", "placement_policy", "target_class_id", "created_by", "updated_by",
	"created_at", "updated_at", "deleted_at",
}

func leaveRow(id string, status models.ChangeStatus, version int) []driver.Value {
	now := time.Date(2024, 8, 1, 9, 0, 0, 0, time.UTC)
	start := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	return []driver.Value{
		id, "student-1", "LEAVE", string(status), nil, "medical", `["cert.pdf"]`,
		`{"status":"ON_CAMPUS","current_class_id":"class-1","name":"Ana","student_id":"S-001"}`, "key-1", version, "", "",
		nil, "", "sick", start, end,
		nil, "", nil, "user-1", "user-1",
		now, now, nil,
	}
}

func TestStudentChangeRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentChangeRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO student_changes")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	change := &models.StudentChange{
		StudentID: "student-1",
		Type:      models.ChangeTypeTransferOut,
		Status:    models.ChangeStatusApproved,
		Version:   7,
		Detail:    models.TransferOutDetail{TargetSchoolName: "North High"},
	}
	require.NoError(t, repo.Create(context.Background(), change))
	assert.NotEmpty(t, change.ID)
	assert.Equal(t, models.ChangeStatusDraft, change.Status)
	assert.Equal(t, 1, change.Version)
	assert.Equal(t, models.Attachments{}, change.Attachments)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentChangeRepositoryCreateDuplicateKey(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentChangeRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO student_changes")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "student_changes_idempotency_key_key"})

	key := "key-1"
	err := repo.Create(context.Background(), &models.StudentChange{
		StudentID:      "student-1",
		Type:           models.ChangeTypeLeave,
		IdempotencyKey: &key,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, appErrors.ErrDuplicateIdempotencyKey))
}

func TestStudentChangeRepositoryGetByIDBuildsDetail(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentChangeRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM student_changes sc WHERE sc.id = $1 AND sc.deleted_at IS NULL")).
		WithArgs("change-1").
		WillReturnRows(sqlmock.NewRows(changeColumnNames).AddRow(leaveRow("change-1", models.ChangeStatusDraft, 1)...))

	change, err := repo.GetByID(context.Background(), "change-1")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeTypeLeave, change.Type)
	assert.Equal(t, models.Attachments{"cert.pdf"}, change.Attachments)
	assert.Equal(t, "Ana", change.Snapshot.FullName)

	detail, ok := change.Detail.(models.LeaveDetail)
	require.True(t, ok)
	assert.Equal(t, "sick", detail.LeaveType)
	assert.Equal(t, 2024, detail.StartDate.Year())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentChangeRepositoryLockByIDNotFound(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentChangeRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LockByID(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStudentChangeRepositoryMalformedIDIsNotFound(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentChangeRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("abc").
		WillReturnError(&pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`})
	mock.ExpectQuery(regexp.QuoteMeta("WHERE sc.id = $1 AND sc.deleted_at IS NULL")).
		WithArgs("abc").
		WillReturnError(&pq.Error{Code: "22P02"})

	_, err := repo.LockByID(context.Background(), "abc")
	require.ErrorIs(t, err, sql.ErrNoRows)
	_, err = repo.GetByID(context.Background(), "abc")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentChangeRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentChangeRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM student_changes sc WHERE sc.deleted_at IS NULL AND sc.student_id = $1 AND sc.type = $2 AND sc.status IN ($3,$4)")).
		WithArgs("student-1", models.ChangeTypeLeave, models.ChangeStatusDraft, models.ChangeStatusSubmitted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	row := append(leaveRow("change-1", models.ChangeStatusDraft, 1), "Ana", "X-1")
	mock.ExpectQuery(regexp.QuoteMeta("LEFT JOIN classes cl ON cl.id = s.current_class_id")).
		WithArgs("student-1", models.ChangeTypeLeave, models.ChangeStatusDraft, models.ChangeStatusSubmitted).
		WillReturnRows(sqlmock.NewRows(append(changeColumnNames, "student_name", "current_class_name")).AddRow(row...))

	items, total, err := repo.List(context.Background(), models.StudentChangeFilter{
		StudentID: "student-1",
		Type:      models.ChangeTypeLeave,
		Statuses:  []models.ChangeStatus{models.ChangeStatusDraft, models.ChangeStatusSubmitted},
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "Ana", items[0].StudentName)
	assert.Equal(t, "X-1", *items[0].CurrentClassName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentChangeRepositoryListDue(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentChangeRepository(db)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM student_changes")).
		WithArgs(models.ChangeStatusApproved, models.ChangeStatusScheduled, now, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("change-1").AddRow("change-2"))

	ids, err := repo.ListDue(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"change-1", "change-2"}, ids)
}

func TestStudentChangeRepositoryUpdateBumpsVersion(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentChangeRepository(db)
	updatedAt := time.Date(2024, 8, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE student_changes SET")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(3, updatedAt))

	change := &models.StudentChange{
		ID:      "change-1",
		Type:    models.ChangeTypeReinstate,
		Status:  models.ChangeStatusSubmitted,
		Version: 2,
		Detail:  models.ReinstateDetail{ReturnDate: updatedAt, PlacementPolicy: models.PlacementOriginalClass},
	}
	require.NoError(t, repo.Update(context.Background(), change, 2))
	assert.Equal(t, 3, change.Version)
	assert.Equal(t, updatedAt, change.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentChangeRepositoryUpdateVersionConflict(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentChangeRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND version = $2")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}))

	err := repo.Update(context.Background(), &models.StudentChange{ID: "change-1", Detail: models.LeaveDetail{}}, 4)
	require.True(t, errors.Is(err, appErrors.ErrVersionConflict))
}

func TestUpdateQueryNeverWritesType(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentChangeRepository(db)
	mock.ExpectQuery(`UPDATE student_changes SET\s+status = \$3`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(2, time.Now()))

	require.NoError(t, repo.Update(context.Background(), &models.StudentChange{ID: "change-1", Type: models.ChangeTypeLeave, Detail: models.LeaveDetail{}}, 1))
	require.NotRegexp(t, `[\s,]type = `, updateStudentChangeQuery)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE students")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := WithTx(context.Background(), db, func(tx *sqlx.Tx) error {
		if err := NewStudentRepository(tx).ApplyStatusChange(context.Background(), "student-1", models.StudentStatusChange{Status: models.StudentStatusOnLeave}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxCommits(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, WithTx(context.Background(), db, func(tx *sqlx.Tx) error { return nil }))
	require.NoError(t, mock.ExpectationsWereMet())
}

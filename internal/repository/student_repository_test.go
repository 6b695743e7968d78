package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-student-changes/internal/models"
)

func TestStudentRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentRepository(db)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM students WHERE id = $1 AND deleted_at IS NULL")).
		WithArgs("student-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_number", "full_name", "status", "current_class_id", "created_at", "updated_at"}).
			AddRow("student-1", "S-001", "Ana", "ON_CAMPUS", "class-1", now, now))

	student, err := repo.FindByID(context.Background(), "student-1")
	require.NoError(t, err)
	assert.Equal(t, models.StudentStatusOnCampus, student.Status)
	assert.Equal(t, "class-1", *student.CurrentClassID)

	snap := student.Snapshot()
	assert.Equal(t, "S-001", snap.StudentNumber)
	assert.Equal(t, "Ana", snap.FullName)
}

func TestStudentRepositoryApplyStatusChange(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentRepository(db)
	classID := "class-9"
	mock.ExpectExec(regexp.QuoteMeta("current_class_id = COALESCE($3, current_class_id)")).
		WithArgs("student-1", models.StudentStatusOnCampus, classID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ApplyStatusChange(context.Background(), "student-1", models.StudentStatusChange{
		Status:         models.StudentStatusOnCampus,
		CurrentClassID: &classID,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryApplyStatusChangeMissingStudent(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewStudentRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE students")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ApplyStatusChange(context.Background(), "ghost", models.StudentStatusChange{Status: models.StudentStatusTransferred})
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestClassRepositoryExists(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewClassRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM classes")).
		WithArgs("class-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.Exists(context.Background(), "class-1")
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE((SELECT name FROM classes")).
		WithArgs("class-1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("X-1"))
	name, err := repo.NameByID(context.Background(), "class-1")
	require.NoError(t, err)
	require.Equal(t, "X-1", name)
}

func TestAuditRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewAuditRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	log := &models.AuditLog{Action: models.AuditActionChangeCreate, Resource: models.AuditResourceStudentChange}
	require.NoError(t, repo.CreateAuditLog(context.Background(), log))
	assert.NotEmpty(t, log.ID)
	assert.False(t, log.CreatedAt.IsZero())
}

func TestOutboxRepositoryLifecycle(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	repo := NewOutboxRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_events")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	event := &models.OutboxEvent{AggregateType: "student_change", AggregateID: "change-1", EventType: "student_change.submitted", Topic: "t", Payload: []byte(`{}`)}
	require.NoError(t, repo.Create(context.Background(), event))
	assert.Equal(t, models.OutboxStatusPending, event.Status)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox_events")).
		WithArgs(models.OutboxStatusPending, models.OutboxStatusFailed, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "aggregate_type", "aggregate_id", "event_type", "topic", "payload", "status", "retry_count", "next_retry_at", "created_at"}).
			AddRow(event.ID, "", "student_change", "change-1", "student_change.submitted", "t", []byte(`{}`), "PENDING", 0, nil, now))
	events, err := repo.ListPending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbox_events SET status = $2, processed_at = NOW()")).
		WithArgs(event.ID, models.OutboxStatusSent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkSent(context.Background(), event.ID))

	mock.ExpectExec(regexp.QuoteMeta("retry_count = retry_count + 1")).
		WithArgs(event.ID, models.OutboxStatusFailed, "broker down").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkFailed(context.Background(), event.ID, "broker down"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepositoryListPendingHoldsBackedOffAggregates(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("older.aggregate_id = o.aggregate_id") + `(?s).*` + regexp.QuoteMeta("older.next_retry_at > NOW()") + `(?s).*` + regexp.QuoteMeta("ORDER BY o.seq ASC")).
		WithArgs(models.OutboxStatusPending, models.OutboxStatusFailed, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "aggregate_type", "aggregate_id", "event_type", "topic", "payload", "status", "retry_count", "next_retry_at", "created_at"}))

	events, err := NewOutboxRepository(db).ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, mock.ExpectationsWereMet())
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-student-changes/internal/models"
	appErrors "github.com/noah-isme/sma-student-changes/pkg/errors"
)

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

const studentChangeColumns = `sc.id, sc.student_id, sc.type, sc.status, sc.effective_at, sc.reason, sc.attachments,
       sc.student_snapshot, sc.idempotency_key, sc.version, sc.target_school_name, sc.target_school_contact,
       sc.release_date, sc.handover_note, sc.leave_type, sc.leave_start_date, sc.leave_end_date,
       sc.reinstate_return_date, sc.placement_policy, sc.target_class_id, sc.created_by, sc.updated_by,
       sc.created_at, sc.updated_at, sc.deleted_at`

type studentChangeRow struct {
	ID                  string                 `db:"id"`
	StudentID           string                 `db:"student_id"`
	Type                models.ChangeType      `db:"type"`
	Status              models.ChangeStatus    `db:"status"`
	EffectiveAt         *time.Time             `db:"effective_at"`
	Reason              string                 `db:"reason"`
	Attachments         models.Attachments     `db:"attachments"`
	Snapshot            models.StudentSnapshot `db:"student_snapshot"`
	IdempotencyKey      *string                `db:"idempotency_key"`
	Version             int                    `db:"version"`
	TargetSchoolName    string                 `db:"target_school_name"`
	TargetSchoolContact string                 `db:"target_school_contact"`
	ReleaseDate         *time.Time             `db:"release_date"`
	HandoverNote        string                 `db:"handover_note"`
	LeaveType           string                 `db:"leave_type"`
	LeaveStartDate      *time.Time             `db:"leave_start_date"`
	LeaveEndDate        *time.Time             `db:"leave_end_date"`
	ReinstateReturnDate *time.Time             `db:"reinstate_return_date"`
	PlacementPolicy     models.PlacementPolicy `db:"placement_policy"`
	TargetClassID       *string                `db:"target_class_id"`
	CreatedBy           *string                `db:"created_by"`
	UpdatedBy           *string                `db:"updated_by"`
	CreatedAt           time.Time              `db:"created_at"`
	UpdatedAt           time.Time              `db:"updated_at"`
	DeletedAt           *time.Time             `db:"deleted_at"`
}

type studentChangeListRow struct {
	studentChangeRow
	StudentName      sql.NullString `db:"student_name"`
	CurrentClassName *string        `db:"current_class_name"`
}

func (row studentChangeRow) toModel() *models.StudentChange {
	change := &models.StudentChange{
		ID:             row.ID,
		StudentID:      row.StudentID,
		Type:           row.Type,
		Status:         row.Status,
		EffectiveAt:    row.EffectiveAt,
		Reason:         row.Reason,
		Attachments:    row.Attachments,
		Snapshot:       row.Snapshot,
		IdempotencyKey: row.IdempotencyKey,
		Version:        row.Version,
		CreatedBy:      row.CreatedBy,
		UpdatedBy:      row.UpdatedBy,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		DeletedAt:      row.DeletedAt,
	}
	switch row.Type {
	case models.ChangeTypeTransferOut:
		change.Detail = models.TransferOutDetail{
			TargetSchoolName:    row.TargetSchoolName,
			TargetSchoolContact: row.TargetSchoolContact,
			ReleaseDate:         row.ReleaseDate,
			HandoverNote:        row.HandoverNote,
		}
	case models.ChangeTypeLeave:
		change.Detail = models.LeaveDetail{
			LeaveType: row.LeaveType,
			StartDate: derefTime(row.LeaveStartDate),
			EndDate:   derefTime(row.LeaveEndDate),
		}
	case models.ChangeTypeReinstate:
		change.Detail = models.ReinstateDetail{
			ReturnDate:      derefTime(row.ReinstateReturnDate),
			PlacementPolicy: row.PlacementPolicy,
			TargetClassID:   row.TargetClassID,
		}
	}
	return change
}

func rowFromModel(change *models.StudentChange) studentChangeRow {
	row := studentChangeRow{
		ID:             change.ID,
		StudentID:      change.StudentID,
		Type:           change.Type,
		Status:         change.Status,
		EffectiveAt:    change.EffectiveAt,
		Reason:         change.Reason,
		Attachments:    change.Attachments,
		Snapshot:       change.Snapshot,
		IdempotencyKey: change.IdempotencyKey,
		Version:        change.Version,
		CreatedBy:      change.CreatedBy,
		UpdatedBy:      change.UpdatedBy,
		CreatedAt:      change.CreatedAt,
		UpdatedAt:      change.UpdatedAt,
		DeletedAt:      change.DeletedAt,
	}
	switch d := change.Detail.(type) {
	case models.TransferOutDetail:
		row.TargetSchoolName = d.TargetSchoolName
		row.TargetSchoolContact = d.TargetSchoolContact
		row.ReleaseDate = d.ReleaseDate
		row.HandoverNote = d.HandoverNote
	case models.LeaveDetail:
		row.LeaveType = d.LeaveType
		row.LeaveStartDate = timePtr(d.StartDate)
		row.LeaveEndDate = timePtr(d.EndDate)
	case models.ReinstateDetail:
		row.ReinstateReturnDate = timePtr(d.ReturnDate)
		row.PlacementPolicy = d.PlacementPolicy
		row.TargetClassID = d.TargetClassID
	}
	return row
}

// StudentChangeRepository persists student change requests.
type StudentChangeRepository struct {
	db sqlx.ExtContext
}

// NewStudentChangeRepository constructs the repository on a DB handle or a transaction.
func NewStudentChangeRepository(db sqlx.ExtContext) *StudentChangeRepository {
	return &StudentChangeRepository{db: db}
}

// Create inserts a new change request. The request always starts in DRAFT at version 1.
func (r *StudentChangeRepository) Create(ctx context.Context, change *models.StudentChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	change.Status = models.ChangeStatusDraft
	change.Version = 1
	change.CreatedAt = now
	change.UpdatedAt = now
	if change.Attachments == nil {
		change.Attachments = models.Attachments{}
	}

	const query = `INSERT INTO student_changes
	(id, student_id, type, status, effective_at, reason, attachments, student_snapshot, idempotency_key, version,
	 target_school_name, target_school_contact, release_date, handover_note, leave_type, leave_start_date, leave_end_date,
	 reinstate_return_date, placement_policy, target_class_id, created_by, updated_by, created_at, updated_at)
	VALUES (:id, :student_id, :type, :status, :effective_at, :reason, :attachments, :student_snapshot, :idempotency_key, :version,
	 :target_school_name, :target_school_contact, :release_date, :handover_note, :leave_type, :leave_start_date, :leave_end_date,
	 :reinstate_return_date, :placement_policy, :target_class_id, :created_by, :updated_by, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, rowFromModel(change)); err != nil {
		if isUniqueViolation(err) {
			return appErrors.Wrap(err, appErrors.ErrDuplicateIdempotencyKey.Code, appErrors.ErrDuplicateIdempotencyKey.Status, appErrors.ErrDuplicateIdempotencyKey.Message)
		}
		return fmt.Errorf("create student change: %w", err)
	}
	return nil
}

// FindByIdempotencyKey returns the request created with key.
func (r *StudentChangeRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.StudentChange, error) {
	query := `SELECT ` + studentChangeColumns + ` FROM student_changes sc WHERE sc.idempotency_key = $1 AND sc.deleted_at IS NULL`
	return r.getOne(ctx, query, key)
}

// GetByID fetches a change request by identifier.
func (r *StudentChangeRepository) GetByID(ctx context.Context, id string) (*models.StudentChange, error) {
	query := `SELECT ` + studentChangeColumns + ` FROM student_changes sc WHERE sc.id = $1 AND sc.deleted_at IS NULL`
	return r.getOne(ctx, query, id)
}

// LockByID fetches a change request and holds a row lock until the
// surrounding transaction ends.
func (r *StudentChangeRepository) LockByID(ctx context.Context, id string) (*models.StudentChange, error) {
	query := `SELECT ` + studentChangeColumns + ` FROM student_changes sc WHERE sc.id = $1 AND sc.deleted_at IS NULL FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *StudentChangeRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.StudentChange, error) {
	var row studentChangeRow
	if err := sqlx.GetContext(ctx, r.db, &row, query, arg); err != nil {
		if isInvalidText(err) {
			// a malformed uuid cannot match any row
			return nil, sql.ErrNoRows
		}
		return nil, err
	}
	return row.toModel(), nil
}

// List returns change requests matching filter with display names, newest first.
func (r *StudentChangeRepository) List(ctx context.Context, filter models.StudentChangeFilter) ([]models.StudentChangeListItem, int, error) {
	args := make([]interface{}, 0, 4)
	conditions := []string{"sc.deleted_at IS NULL"}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("sc.student_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("sc.type = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("sc.status IN (%s)", strings.Join(placeholders, ",")))
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM student_changes sc` + where
	if err := sqlx.GetContext(ctx, r.db, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count student changes: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 20
	}

	var builder strings.Builder
	builder.WriteString(`SELECT ` + studentChangeColumns + `, s.full_name AS student_name, cl.name AS current_class_name
	FROM student_changes sc
	LEFT JOIN students s ON s.id = sc.student_id
	LEFT JOIN classes cl ON cl.id = s.current_class_id`)
	builder.WriteString(where)
	builder.WriteString(" ORDER BY sc.created_at DESC")
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", size, (page-1)*size))

	var rows []studentChangeListRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, builder.String(), args...); err != nil {
		return nil, 0, fmt.Errorf("list student changes: %w", err)
	}

	items := make([]models.StudentChangeListItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, models.StudentChangeListItem{
			StudentChange:    *row.studentChangeRow.toModel(),
			StudentName:      row.StudentName.String,
			CurrentClassName: row.CurrentClassName,
		})
	}
	return items, total, nil
}

// ListDue returns ids of approved or scheduled requests whose effective date
// is not after now, oldest first.
func (r *StudentChangeRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id FROM student_changes
	WHERE status IN ($1, $2) AND deleted_at IS NULL AND (effective_at IS NULL OR effective_at <= $3)
	ORDER BY effective_at ASC NULLS FIRST, created_at ASC
	LIMIT $4`
	var ids []string
	if err := sqlx.SelectContext(ctx, r.db, &ids, query, models.ChangeStatusApproved, models.ChangeStatusScheduled, now, limit); err != nil {
		return nil, fmt.Errorf("list due student changes: %w", err)
	}
	return ids, nil
}

const updateStudentChangeQuery = `UPDATE student_changes SET
	status = $3, effective_at = $4, reason = $5, attachments = $6,
	target_school_name = $7, target_school_contact = $8, release_date = $9, handover_note = $10,
	leave_type = $11, leave_start_date = $12, leave_end_date = $13,
	reinstate_return_date = $14, placement_policy = $15, target_class_id = $16,
	updated_by = $17, updated_at = $18, version = version + 1
	WHERE id = $1 AND version = $2 AND deleted_at IS NULL
	RETURNING version, updated_at`

// Update writes the mutable columns of change when the stored version equals
// expectedVersion, then advances version and updated_at on change. The type
// column is never written.
func (r *StudentChangeRepository) Update(ctx context.Context, change *models.StudentChange, expectedVersion int) error {
	row := rowFromModel(change)
	now := time.Now().UTC()

	var result struct {
		Version   int       `db:"version"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := sqlx.GetContext(ctx, r.db, &result, updateStudentChangeQuery,
		row.ID, expectedVersion,
		row.Status, row.EffectiveAt, row.Reason, row.Attachments,
		row.TargetSchoolName, row.TargetSchoolContact, row.ReleaseDate, row.HandoverNote,
		row.LeaveType, row.LeaveStartDate, row.LeaveEndDate,
		row.ReinstateReturnDate, row.PlacementPolicy, row.TargetClassID,
		row.UpdatedBy, now,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrVersionConflict, fmt.Sprintf("change request %s is not at version %d", change.ID, expectedVersion))
	}
	if err != nil {
		return fmt.Errorf("update student change: %w", err)
	}
	change.Version = result.Version
	change.UpdatedAt = result.UpdatedAt
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func isInvalidText(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == invalidTextRepresentation
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

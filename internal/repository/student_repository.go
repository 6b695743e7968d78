package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-student-changes/internal/models"
)

// StudentRepository exposes the slice of the student directory the change
// workflow reads and mutates.
type StudentRepository struct {
	db sqlx.ExtContext
}

// NewStudentRepository creates a new repository instance.
func NewStudentRepository(db sqlx.ExtContext) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID returns a student by id.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, student_number, full_name, status, current_class_id, created_at, updated_at
	FROM students WHERE id = $1 AND deleted_at IS NULL`
	var student models.Student
	if err := sqlx.GetContext(ctx, r.db, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// ApplyStatusChange sets the student's status and, when provided, the current class.
func (r *StudentRepository) ApplyStatusChange(ctx context.Context, id string, change models.StudentStatusChange) error {
	const query = `UPDATE students
	SET status = $2, current_class_id = COALESCE($3, current_class_id), updated_at = $4
	WHERE id = $1 AND deleted_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, change.Status, change.CurrentClassID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("apply student status change: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check student update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ClassRepository answers lookups against the class catalogue.
type ClassRepository struct {
	db sqlx.ExtContext
}

// NewClassRepository instantiates the repository.
func NewClassRepository(db sqlx.ExtContext) *ClassRepository {
	return &ClassRepository{db: db}
}

// Exists reports whether an active class with id exists.
func (r *ClassRepository) Exists(ctx context.Context, id string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM classes WHERE id = $1 AND deleted_at IS NULL)`
	var exists bool
	if err := sqlx.GetContext(ctx, r.db, &exists, query, id); err != nil {
		return false, fmt.Errorf("check class exists: %w", err)
	}
	return exists, nil
}

// NameByID returns the class name, or an empty string when the class is unknown.
func (r *ClassRepository) NameByID(ctx context.Context, id string) (string, error) {
	const query = `SELECT COALESCE((SELECT name FROM classes WHERE id = $1), '')`
	var name string
	if err := sqlx.GetContext(ctx, r.db, &name, query, id); err != nil {
		return "", fmt.Errorf("lookup class name: %w", err)
	}
	return name, nil
}

package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-student-changes/internal/models"
	"github.com/noah-isme/sma-student-changes/internal/repository"
)

type changeStore interface {
	Create(ctx context.Context, change *models.StudentChange) error
	FindByIdempotencyKey(ctx context.Context, key string) (*models.StudentChange, error)
	GetByID(ctx context.Context, id string) (*models.StudentChange, error)
	LockByID(ctx context.Context, id string) (*models.StudentChange, error)
	List(ctx context.Context, filter models.StudentChangeFilter) ([]models.StudentChangeListItem, int, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	Update(ctx context.Context, change *models.StudentChange, expectedVersion int) error
}

type studentDirectory interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	ApplyStatusChange(ctx context.Context, id string, change models.StudentStatusChange) error
}

type classLookup interface {
	Exists(ctx context.Context, id string) (bool, error)
}

type outboxWriter interface {
	Create(ctx context.Context, event *models.OutboxEvent) error
}

// TxScope groups the stores bound to a single transaction.
type TxScope struct {
	Changes  changeStore
	Students studentDirectory
	Classes  classLookup
	Outbox   outboxWriter
}

// ChangeTransactor runs fn atomically: every write made through scope is
// committed together or not at all.
type ChangeTransactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, scope TxScope) error) error
}

type queryObserver interface {
	ObserveDBQuery(label string, duration time.Duration)
}

// SQLChangeTransactor binds the repositories to a sqlx transaction.
type SQLChangeTransactor struct {
	db       *sqlx.DB
	observer queryObserver
}

// NewSQLChangeTransactor constructs the transactor.
func NewSQLChangeTransactor(db *sqlx.DB) *SQLChangeTransactor {
	return &SQLChangeTransactor{db: db}
}

// WithObserver reports the duration of every unit of work to o.
func (t *SQLChangeTransactor) WithObserver(o queryObserver) *SQLChangeTransactor {
	t.observer = o
	return t
}

// WithinTx implements ChangeTransactor.
func (t *SQLChangeTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, scope TxScope) error) error {
	if t.observer != nil {
		start := time.Now()
		defer func() { t.observer.ObserveDBQuery("student_change_tx", time.Since(start)) }()
	}
	return repository.WithTx(ctx, t.db, func(tx *sqlx.Tx) error {
		return fn(ctx, TxScope{
			Changes:  repository.NewStudentChangeRepository(tx),
			Students: repository.NewStudentRepository(tx),
			Classes:  repository.NewClassRepository(tx),
			Outbox:   repository.NewOutboxRepository(tx),
		})
	})
}

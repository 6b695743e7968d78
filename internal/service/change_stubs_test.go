package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-student-changes/internal/models"
	appErrors "github.com/noah-isme/sma-student-changes/pkg/errors"
)

// memoryDB is an in-memory stand-in for the change, student, class and
// outbox tables. memoryTransactor restores it when a unit of work fails.
type memoryDB struct {
	mu             sync.Mutex
	changes        map[string]models.StudentChange
	students       map[string]models.Student
	classes        map[string]bool
	outbox         []models.OutboxEvent
	studentWrites  int
	failOutbox     error
	failStudentSet error
	// keyLookupMisses makes the next idempotency key lookups report no match,
	// as when a concurrent insert has not committed yet
	keyLookupMisses int
}

func newMemoryDB() *memoryDB {
	return &memoryDB{
		changes:  make(map[string]models.StudentChange),
		students: make(map[string]models.Student),
		classes:  make(map[string]bool),
	}
}

func (db *memoryDB) clone() *memoryDB {
	out := newMemoryDB()
	for k, v := range db.changes {
		out.changes[k] = v
	}
	for k, v := range db.students {
		out.students[k] = v
	}
	for k, v := range db.classes {
		out.classes[k] = v
	}
	out.outbox = append([]models.OutboxEvent(nil), db.outbox...)
	out.studentWrites = db.studentWrites
	return out
}

func (db *memoryDB) restore(from *memoryDB) {
	db.changes = from.changes
	db.students = from.students
	db.classes = from.classes
	db.outbox = from.outbox
	db.studentWrites = from.studentWrites
}

func (db *memoryDB) change(id string) models.StudentChange {
	return db.changes[id]
}

func (db *memoryDB) student(id string) models.Student {
	return db.students[id]
}

type memoryChangeStore struct{ db *memoryDB }

func (s memoryChangeStore) Create(ctx context.Context, change *models.StudentChange) error {
	if change.IdempotencyKey != nil {
		for _, existing := range s.db.changes {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *change.IdempotencyKey {
				return appErrors.Clone(appErrors.ErrDuplicateIdempotencyKey, "")
			}
		}
	}
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	change.Status = models.ChangeStatusDraft
	change.Version = 1
	change.CreatedAt = now
	change.UpdatedAt = now
	s.db.changes[change.ID] = *change
	return nil
}

func (s memoryChangeStore) FindByIdempotencyKey(ctx context.Context, key string) (*models.StudentChange, error) {
	if s.db.keyLookupMisses > 0 {
		s.db.keyLookupMisses--
		return nil, sql.ErrNoRows
	}
	for _, existing := range s.db.changes {
		if existing.IdempotencyKey != nil && *existing.IdempotencyKey == key {
			c := existing
			return &c, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s memoryChangeStore) GetByID(ctx context.Context, id string) (*models.StudentChange, error) {
	c, ok := s.db.changes[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &c, nil
}

func (s memoryChangeStore) LockByID(ctx context.Context, id string) (*models.StudentChange, error) {
	return s.GetByID(ctx, id)
}

func (s memoryChangeStore) List(ctx context.Context, filter models.StudentChangeFilter) ([]models.StudentChangeListItem, int, error) {
	items := make([]models.StudentChangeListItem, 0)
	for _, c := range s.db.changes {
		if filter.StudentID != "" && c.StudentID != filter.StudentID {
			continue
		}
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, c.Status) {
			continue
		}
		items = append(items, models.StudentChangeListItem{StudentChange: c, StudentName: s.db.students[c.StudentID].FullName})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, len(items), nil
}

func (s memoryChangeStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids := make([]string, 0)
	for _, c := range s.db.changes {
		if c.Status != models.ChangeStatusApproved && c.Status != models.ChangeStatusScheduled {
			continue
		}
		if c.IsDue(now) {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s memoryChangeStore) Update(ctx context.Context, change *models.StudentChange, expectedVersion int) error {
	stored, ok := s.db.changes[change.ID]
	if !ok || stored.Version != expectedVersion {
		return appErrors.Clone(appErrors.ErrVersionConflict, "")
	}
	next := *change
	next.Type = stored.Type
	next.Version = stored.Version + 1
	next.UpdatedAt = time.Now().UTC()
	s.db.changes[change.ID] = next
	change.Version = next.Version
	change.UpdatedAt = next.UpdatedAt
	return nil
}

type memoryStudentStore struct{ db *memoryDB }

func (s memoryStudentStore) FindByID(ctx context.Context, id string) (*models.Student, error) {
	st, ok := s.db.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &st, nil
}

func (s memoryStudentStore) ApplyStatusChange(ctx context.Context, id string, change models.StudentStatusChange) error {
	if s.db.failStudentSet != nil {
		return s.db.failStudentSet
	}
	st, ok := s.db.students[id]
	if !ok {
		return sql.ErrNoRows
	}
	st.Status = change.Status
	if change.CurrentClassID != nil {
		classID := *change.CurrentClassID
		st.CurrentClassID = &classID
	}
	s.db.students[id] = st
	s.db.studentWrites++
	return nil
}

type memoryClassStore struct{ db *memoryDB }

func (s memoryClassStore) Exists(ctx context.Context, id string) (bool, error) {
	return s.db.classes[id], nil
}

type memoryOutbox struct{ db *memoryDB }

func (s memoryOutbox) Create(ctx context.Context, event *models.OutboxEvent) error {
	if s.db.failOutbox != nil {
		return s.db.failOutbox
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	s.db.outbox = append(s.db.outbox, *event)
	return nil
}

type memoryTransactor struct {
	db      *memoryDB
	commits int
}

func (t *memoryTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, scope TxScope) error) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	saved := t.db.clone()
	err := fn(ctx, TxScope{
		Changes:  memoryChangeStore{db: t.db},
		Students: memoryStudentStore{db: t.db},
		Classes:  memoryClassStore{db: t.db},
		Outbox:   memoryOutbox{db: t.db},
	})
	if err != nil {
		t.db.restore(saved)
		return err
	}
	t.commits++
	return nil
}

type auditStub struct {
	logs []*models.AuditLog
	err  error
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

type recorderStub struct {
	outcomes map[string]int
}

func (r *recorderStub) RecordTransition(action, outcome string) {
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[action+":"+outcome]++
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

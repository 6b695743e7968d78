package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-student-changes/internal/dto"
	"github.com/noah-isme/sma-student-changes/internal/models"
	appErrors "github.com/noah-isme/sma-student-changes/pkg/errors"
	"github.com/noah-isme/sma-student-changes/pkg/middleware/requestid"
)

// DefaultChangeEventTopic is the broker topic for change lifecycle events.
const DefaultChangeEventTopic = "school.student-change.lifecycle.v1"

const aggregateStudentChange = "student_change"

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// TransitionRecorder observes workflow outcomes, typically for metrics.
type TransitionRecorder interface {
	RecordTransition(action, outcome string)
}

// StudentChangeService runs the student status change workflow.
type StudentChangeService struct {
	changes   changeStore
	tx        ChangeTransactor
	audit     auditLogger
	validator *ChangeValidator
	recorder  TransitionRecorder
	logger    *zap.Logger
	now       func() time.Time
	topic     string
}

// StudentChangeServiceOption configures the service.
type StudentChangeServiceOption func(*StudentChangeService)

// WithChangeClock overrides the clock used for due checks.
func WithChangeClock(now func() time.Time) StudentChangeServiceOption {
	return func(s *StudentChangeService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithChangeEventTopic sets the topic recorded on outbox events.
func WithChangeEventTopic(topic string) StudentChangeServiceOption {
	return func(s *StudentChangeService) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithTransitionRecorder attaches an outcome observer.
func WithTransitionRecorder(recorder TransitionRecorder) StudentChangeServiceOption {
	return func(s *StudentChangeService) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithChangeValidator replaces the default validator.
func WithChangeValidator(v *ChangeValidator) StudentChangeServiceOption {
	return func(s *StudentChangeService) {
		if v != nil {
			s.validator = v
		}
	}
}

// NewStudentChangeService constructs the service. changes serves reads; every
// write goes through tx.
func NewStudentChangeService(changes changeStore, tx ChangeTransactor, audit auditLogger, logger *zap.Logger, opts ...StudentChangeServiceOption) *StudentChangeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &StudentChangeService{
		changes:   changes,
		tx:        tx,
		audit:     audit,
		validator: NewChangeValidator(nil),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		topic:     DefaultChangeEventTopic,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create validates and stores a new DRAFT change request, capturing a snapshot
// of the student unless one is supplied.
func (s *StudentChangeService) Create(ctx context.Context, req dto.CreateStudentChangeRequest, actorID string) (*models.StudentChange, error) {
	draft, err := s.validator.ValidateCreate(req)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != nil {
		existing, err := s.changes.FindByIdempotencyKey(ctx, *req.IdempotencyKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check idempotency key")
		}
		if existing != nil {
			return nil, duplicateKey(existing.ID)
		}
	}

	change := &models.StudentChange{
		StudentID:      req.StudentID,
		Type:           req.Type,
		EffectiveAt:    draft.EffectiveAt,
		Reason:         req.Reason,
		Attachments:    models.Attachments(req.Attachments),
		IdempotencyKey: req.IdempotencyKey,
		Detail:         draft.Detail,
		CreatedBy:      optionalString(actorID),
		UpdatedBy:      optionalString(actorID),
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context, scope TxScope) error {
		student, err := scope.Students.FindByID(ctx, req.StudentID)
		if err != nil {
			return notFoundOr(err, "student not found", "failed to load student")
		}
		if req.Snapshot != nil {
			change.Snapshot = *req.Snapshot
		} else {
			change.Snapshot = student.Snapshot()
		}
		if err := s.ensureTargetClass(ctx, scope, change); err != nil {
			return err
		}
		if err := scope.Changes.Create(ctx, change); err != nil {
			return passOrWrap(err, "failed to create change request")
		}
		return s.recordEvent(ctx, scope, change, models.ChangeActionCreate, "created", "", nil, nil, actorID)
	})
	if err != nil {
		if req.IdempotencyKey != nil && errors.Is(err, appErrors.ErrDuplicateIdempotencyKey) {
			// lost the insert race; the winner is committed and readable now
			if existing, lookupErr := s.changes.FindByIdempotencyKey(ctx, *req.IdempotencyKey); lookupErr == nil && existing != nil {
				return nil, duplicateKey(existing.ID)
			}
		}
		return nil, err
	}

	s.emitAudit(ctx, actorID, models.AuditActionChangeCreate, change.ID, nil, change)
	return change, nil
}

// Get returns a change request by id.
func (s *StudentChangeService) Get(ctx context.Context, id string) (*models.StudentChange, error) {
	if err := checkChangeID(id); err != nil {
		return nil, err
	}
	change, err := s.changes.GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "change request not found", "failed to load change request")
	}
	return change, nil
}

// List returns change requests filtered by student, type and status.
func (s *StudentChangeService) List(ctx context.Context, query dto.StudentChangeQuery) ([]models.StudentChangeListItem, *models.Pagination, error) {
	details := map[string]string{}
	if query.StudentID != "" {
		if _, err := uuid.Parse(query.StudentID); err != nil {
			details["studentId"] = "must be a valid UUID"
		}
	}
	if query.Type != "" && !query.Type.Valid() {
		details["type"] = "must be one of: TRANSFER_OUT, LEAVE, REINSTATE"
	}
	for _, status := range query.Status {
		if !status.Valid() {
			details["status"] = fmt.Sprintf("unknown status %q", status)
		}
	}
	if len(details) > 0 {
		return nil, nil, appErrors.WithDetails(appErrors.ErrValidation, "invalid filter", details)
	}

	filter := models.StudentChangeFilter{
		StudentID: query.StudentID,
		Type:      query.Type,
		Statuses:  query.Status,
		Page:      query.Page,
		PageSize:  query.PageSize,
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 200 {
		filter.PageSize = 20
	}
	items, total, err := s.changes.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list change requests")
	}
	return items, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Update edits a DRAFT request. The caller's version must match the stored one.
func (s *StudentChangeService) Update(ctx context.Context, id string, req dto.UpdateStudentChangeRequest, actorID string) (*models.StudentChange, error) {
	if err := checkChangeID(id); err != nil {
		return nil, err
	}
	if err := s.validator.ValidatePatch(req); err != nil {
		return nil, err
	}
	var before, after *models.StudentChange
	err := s.tx.WithinTx(ctx, func(ctx context.Context, scope TxScope) error {
		change, err := scope.Changes.LockByID(ctx, id)
		if err != nil {
			return notFoundOr(err, "change request not found", "failed to load change request")
		}
		if _, err := planTransition(models.ChangeActionUpdate, change, s.now()); err != nil {
			return err
		}
		if req.Version != change.Version {
			return appErrors.WithDetails(appErrors.ErrVersionConflict,
				fmt.Sprintf("change request is at version %d", change.Version),
				map[string]string{"version": fmt.Sprintf("%d", change.Version)},
			)
		}
		snapshot := *change
		before = &snapshot

		if err := s.validator.ApplyUpdate(change, req); err != nil {
			return err
		}
		if err := s.ensureTargetClass(ctx, scope, change); err != nil {
			return err
		}
		change.UpdatedBy = optionalString(actorID)
		if err := scope.Changes.Update(ctx, change, req.Version); err != nil {
			return passOrWrap(err, "failed to update change request")
		}
		after = change
		return s.recordEvent(ctx, scope, change, models.ChangeActionUpdate, "updated", change.Status, nil, nil, actorID)
	})
	if err != nil {
		return nil, err
	}
	s.emitAudit(ctx, actorID, models.AuditActionChangeUpdate, id, before, after)
	return after, nil
}

// Submit moves a DRAFT request to SUBMITTED.
func (s *StudentChangeService) Submit(ctx context.Context, id, actorID string) (*models.StudentChange, error) {
	return s.transition(ctx, id, models.ChangeActionSubmit, actorID)
}

// Review marks a SUBMITTED request as under review.
func (s *StudentChangeService) Review(ctx context.Context, id, actorID string) (*models.StudentChange, error) {
	return s.transition(ctx, id, models.ChangeActionReview, actorID)
}

// Approve approves a request. A request that is already due takes effect in
// the same transaction; one with a future effective date is SCHEDULED.
func (s *StudentChangeService) Approve(ctx context.Context, id, actorID string) (*models.StudentChange, error) {
	return s.transition(ctx, id, models.ChangeActionApprove, actorID)
}

// Reject closes a request under review.
func (s *StudentChangeService) Reject(ctx context.Context, id, actorID string) (*models.StudentChange, error) {
	return s.transition(ctx, id, models.ChangeActionReject, actorID)
}

// Cancel withdraws a request that has not taken effect.
func (s *StudentChangeService) Cancel(ctx context.Context, id, actorID string) (*models.StudentChange, error) {
	return s.transition(ctx, id, models.ChangeActionCancel, actorID)
}

// Effect applies an approved or scheduled request to the student. It is a
// no-op on an EFFECTED request.
func (s *StudentChangeService) Effect(ctx context.Context, id, actorID string) (*models.StudentChange, error) {
	return s.transition(ctx, id, models.ChangeActionEffect, actorID)
}

// DueChangeIDs lists requests whose effective date has been reached.
func (s *StudentChangeService) DueChangeIDs(ctx context.Context, limit int) ([]string, error) {
	ids, err := s.changes.ListDue(ctx, s.now(), limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list due change requests")
	}
	return ids, nil
}

// EffectDue effects every due request in turn and returns how many took
// effect. Requests that are no longer eligible are skipped.
func (s *StudentChangeService) EffectDue(ctx context.Context, limit int, actorID string) (int, error) {
	ids, err := s.DueChangeIDs(ctx, limit)
	if err != nil {
		return 0, err
	}
	effected := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return effected, ctx.Err()
		}
		change, err := s.Effect(ctx, id, actorID)
		if err != nil {
			if IsSkippableEffectError(err) {
				s.logger.Info("skipping change request", zap.String("change_id", id), zap.Error(err))
				continue
			}
			return effected, err
		}
		if change.Status == models.ChangeStatusEffected {
			effected++
		}
	}
	return effected, nil
}

// IsSkippableEffectError reports errors that retrying an effect cannot fix.
func IsSkippableEffectError(err error) bool {
	return errors.Is(err, appErrors.ErrNotYetDue) ||
		errors.Is(err, appErrors.ErrInvalidStateTransition) ||
		errors.Is(err, appErrors.ErrNotFound)
}

type appliedStep struct {
	plan          transitionPlan
	studentBefore *models.StudentStatus
	studentAfter  *models.StudentStatus
}

func (s *StudentChangeService) transition(ctx context.Context, id string, action models.ChangeAction, actorID string) (*models.StudentChange, error) {
	if err := checkChangeID(id); err != nil {
		s.record(action, outcomeOf(err))
		return nil, err
	}
	var (
		result *models.StudentChange
		steps  []appliedStep
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context, scope TxScope) error {
		steps = steps[:0]
		change, err := scope.Changes.LockByID(ctx, id)
		if err != nil {
			return notFoundOr(err, "change request not found", "failed to load change request")
		}
		now := s.now()

		plan, err := planTransition(action, change, now)
		if err != nil {
			return err
		}
		if plan.NoOp {
			result = change
			return nil
		}
		step, err := s.applyStep(ctx, scope, change, plan, actorID)
		if err != nil {
			return err
		}
		steps = append(steps, step)

		if action == models.ChangeActionApprove && change.Status == models.ChangeStatusApproved {
			effectPlan, err := planTransition(models.ChangeActionEffect, change, now)
			if err != nil {
				return err
			}
			step, err := s.applyStep(ctx, scope, change, effectPlan, actorID)
			if err != nil {
				return err
			}
			steps = append(steps, step)
		}
		result = change
		return nil
	})
	if err != nil {
		s.record(action, outcomeOf(err))
		return nil, err
	}

	if len(steps) == 0 {
		s.record(action, "noop")
		return result, nil
	}
	s.record(action, "ok")
	for _, step := range steps {
		if step.plan.Action != action {
			s.record(step.plan.Action, "ok")
		}
		s.emitAudit(ctx, actorID, models.AuditActionChangeTransition, id,
			map[string]interface{}{"status": step.plan.From, "studentStatus": step.studentBefore},
			map[string]interface{}{"status": step.plan.To, "studentStatus": step.studentAfter, "action": step.plan.Action},
		)
	}
	s.logger.Info("change request transitioned",
		zap.String("change_id", id),
		zap.String("action", string(action)),
		zap.String("status", string(result.Status)),
		zap.Int("version", result.Version),
	)
	return result, nil
}

// applyStep performs one planned transition: the student mutation when the
// plan requires it, then the status write and its event.
func (s *StudentChangeService) applyStep(ctx context.Context, scope TxScope, change *models.StudentChange, plan transitionPlan, actorID string) (appliedStep, error) {
	step := appliedStep{plan: plan}
	if plan.ApplyEffect {
		student, err := scope.Students.FindByID(ctx, change.StudentID)
		if err != nil {
			return step, notFoundOr(err, "student not found", "failed to load student")
		}
		effect, err := studentEffectFor(change)
		if err != nil {
			return step, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to derive student change")
		}
		if err := scope.Students.ApplyStatusChange(ctx, change.StudentID, effect); err != nil {
			return step, notFoundOr(err, "student not found", "failed to update student")
		}
		before := student.Status
		after := effect.Status
		step.studentBefore = &before
		step.studentAfter = &after
	}

	change.Status = plan.To
	change.UpdatedBy = optionalString(actorID)
	if err := scope.Changes.Update(ctx, change, change.Version); err != nil {
		return step, passOrWrap(err, "failed to update change request")
	}
	if err := s.recordEvent(ctx, scope, change, plan.Action, strings.ToLower(string(plan.To)), plan.From, step.studentBefore, step.studentAfter, actorID); err != nil {
		return step, err
	}
	return step, nil
}

func (s *StudentChangeService) ensureTargetClass(ctx context.Context, scope TxScope, change *models.StudentChange) error {
	detail, ok := change.Detail.(models.ReinstateDetail)
	if !ok || detail.PlacementPolicy != models.PlacementNewClass || detail.TargetClassID == nil || scope.Classes == nil {
		return nil
	}
	exists, err := scope.Classes.Exists(ctx, *detail.TargetClassID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check target class")
	}
	if !exists {
		return appErrors.WithDetails(appErrors.ErrNotFound, "target class not found", map[string]string{"targetClassId": *detail.TargetClassID})
	}
	return nil
}

func (s *StudentChangeService) recordEvent(ctx context.Context, scope TxScope, change *models.StudentChange, action models.ChangeAction, suffix string, from models.ChangeStatus, before, after *models.StudentStatus, actorID string) error {
	if scope.Outbox == nil {
		return nil
	}

	payload, err := json.Marshal(models.StudentChangeEvent{
		ChangeID:      change.ID,
		StudentID:     change.StudentID,
		Type:          change.Type,
		Action:        action,
		FromStatus:    from,
		ToStatus:      change.Status,
		Version:       change.Version,
		StudentBefore: before,
		StudentAfter:  after,
		ActorID:       actorID,
		OccurredAt:    s.now(),
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode change event")
	}
	event := &models.OutboxEvent{
		RequestID:     requestid.FromContext(ctx),
		AggregateType: aggregateStudentChange,
		AggregateID:   change.ID,
		EventType:     aggregateStudentChange + "." + suffix,
		Topic:         s.topic,
		Payload:       payload,
	}
	if err := scope.Outbox.Create(ctx, event); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record change event")
	}
	return nil
}

func (s *StudentChangeService) record(action models.ChangeAction, outcome string) {
	if s.recorder != nil {
		s.recorder.RecordTransition(string(action), outcome)
	}
}

func (s *StudentChangeService) emitAudit(ctx context.Context, actorID, action, changeID string, oldValues, newValues interface{}) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		UserID:     optionalString(actorID),
		Action:     action,
		Resource:   models.AuditResourceStudentChange,
		ResourceID: optionalString(changeID),
		IPAddress:  "system",
		UserAgent:  "student-change-service",
	}
	if oldValues != nil {
		log.OldValues, _ = json.Marshal(oldValues)
	}
	if newValues != nil {
		log.NewValues, _ = json.Marshal(newValues)
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.String("change_id", changeID), zap.Error(err))
	}
}

func outcomeOf(err error) string {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return strings.ToLower(appErr.Code)
	}
	return "error"
}

func duplicateKey(existingID string) *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrDuplicateIdempotencyKey, "", map[string]string{"existingId": existingID})
}

// checkChangeID rejects ids that cannot name a stored request. Ids are UUIDs,
// so anything else is reported as absent instead of reaching the database.
func checkChangeID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return appErrors.Clone(appErrors.ErrNotFound, "change request not found")
	}
	return nil
}

// notFoundOr maps sql.ErrNoRows to NOT_FOUND and passes typed errors through.
func notFoundOr(err error, notFoundMsg, internalMsg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, notFoundMsg)
	}
	return passOrWrap(err, internalMsg)
}

func passOrWrap(err error, msg string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, msg)
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

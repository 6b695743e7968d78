package service

import (
	"fmt"
	"time"

	"github.com/noah-isme/sma-student-changes/internal/models"
	appErrors "github.com/noah-isme/sma-student-changes/pkg/errors"
)

// transitionPlan is the outcome of applying an action to a change request.
type transitionPlan struct {
	Action      models.ChangeAction
	From        models.ChangeStatus
	To          models.ChangeStatus
	ApplyEffect bool
	NoOp        bool
}

var allowedFrom = map[models.ChangeAction][]models.ChangeStatus{
	models.ChangeActionUpdate:  {models.ChangeStatusDraft},
	models.ChangeActionSubmit:  {models.ChangeStatusDraft},
	models.ChangeActionReview:  {models.ChangeStatusSubmitted},
	models.ChangeActionApprove: {models.ChangeStatusSubmitted, models.ChangeStatusApproving},
	models.ChangeActionReject:  {models.ChangeStatusSubmitted, models.ChangeStatusApproving},
	models.ChangeActionCancel:  {models.ChangeStatusSubmitted, models.ChangeStatusScheduled, models.ChangeStatusApproved},
	models.ChangeActionEffect:  {models.ChangeStatusApproved, models.ChangeStatusScheduled},
}

// planTransition decides the next status for action without touching any
// state. Approve lands on APPROVED when the request is already due; the caller
// chains an effect step in that case.
func planTransition(action models.ChangeAction, change *models.StudentChange, now time.Time) (transitionPlan, error) {
	plan := transitionPlan{Action: action, From: change.Status, To: change.Status}

	if action == models.ChangeActionEffect && change.Status == models.ChangeStatusEffected {
		plan.NoOp = true
		return plan, nil
	}

	from, ok := allowedFrom[action]
	if !ok {
		return plan, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown action %q", action))
	}
	if !containsStatus(from, change.Status) {
		return plan, invalidTransition(action, change.Status)
	}

	switch action {
	case models.ChangeActionUpdate:
		plan.NoOp = true
	case models.ChangeActionSubmit:
		plan.To = models.ChangeStatusSubmitted
	case models.ChangeActionReview:
		plan.To = models.ChangeStatusApproving
	case models.ChangeActionApprove:
		if change.IsDue(now) {
			plan.To = models.ChangeStatusApproved
		} else {
			plan.To = models.ChangeStatusScheduled
		}
	case models.ChangeActionReject:
		plan.To = models.ChangeStatusRejected
	case models.ChangeActionCancel:
		plan.To = models.ChangeStatusCancelled
	case models.ChangeActionEffect:
		if !change.IsDue(now) {
			return plan, notYetDue(change)
		}
		plan.To = models.ChangeStatusEffected
		plan.ApplyEffect = true
	}
	return plan, nil
}

func invalidTransition(action models.ChangeAction, status models.ChangeStatus) *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrInvalidStateTransition,
		fmt.Sprintf("cannot %s a change request in status %s", action, status),
		map[string]string{"action": string(action), "status": string(status)},
	)
}

func notYetDue(change *models.StudentChange) *appErrors.Error {
	effectiveAt := change.EffectiveAt.UTC().Format(time.RFC3339)
	return appErrors.WithDetails(appErrors.ErrNotYetDue,
		fmt.Sprintf("change request takes effect at %s", effectiveAt),
		map[string]string{"effectiveAt": effectiveAt, "status": string(change.Status)},
	)
}

func containsStatus(list []models.ChangeStatus, status models.ChangeStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

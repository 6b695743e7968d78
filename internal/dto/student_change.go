package dto

import (
	"time"

	"github.com/noah-isme/sma-student-changes/internal/models"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// CreateStudentChangeRequest is the intake payload for a new change request.
// Dates use DateLayout; effectiveAt is RFC3339.
type CreateStudentChangeRequest struct {
	StudentID      string                  `json:"studentId" validate:"required,uuid"`
	Type           models.ChangeType       `json:"type" validate:"required,oneof=TRANSFER_OUT LEAVE REINSTATE"`
	EffectiveAt    string                  `json:"effectiveAt" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Reason         string                  `json:"reason" validate:"max=2000"`
	Attachments    []string                `json:"attachments" validate:"omitempty,dive,required,max=512"`
	IdempotencyKey *string                 `json:"idempotencyKey" validate:"omitempty,min=1,max=64"`
	Snapshot       *models.StudentSnapshot `json:"studentSnapshot"`

	TargetSchoolName    string `json:"targetSchoolName" validate:"max=128"`
	TargetSchoolContact string `json:"targetSchoolContact" validate:"max=64"`
	ReleaseDate         string `json:"releaseDate" validate:"omitempty,datetime=2006-01-02"`
	HandoverNote        string `json:"handoverNote"`

	LeaveType      string `json:"leaveType" validate:"max=32"`
	LeaveStartDate string `json:"leaveStartDate" validate:"omitempty,datetime=2006-01-02"`
	LeaveEndDate   string `json:"leaveEndDate" validate:"omitempty,datetime=2006-01-02"`

	ReinstateReturnDate string                 `json:"reinstateReturnDate" validate:"omitempty,datetime=2006-01-02"`
	PlacementPolicy     models.PlacementPolicy `json:"placementPolicy" validate:"omitempty,oneof=ORIGINAL_CLASS NEW_CLASS"`
	TargetClassID       *string                `json:"targetClassId" validate:"omitempty,uuid"`
}

// UpdateStudentChangeRequest patches a draft. Nil fields are left untouched;
// an empty effectiveAt clears the effective date.
type UpdateStudentChangeRequest struct {
	Version     int               `json:"version" validate:"min=1"`
	Type        models.ChangeType `json:"type"`
	EffectiveAt *string           `json:"effectiveAt" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Reason      *string           `json:"reason" validate:"omitempty,max=2000"`
	Attachments *[]string         `json:"attachments" validate:"omitempty,dive,required,max=512"`

	TargetSchoolName    *string `json:"targetSchoolName" validate:"omitempty,max=128"`
	TargetSchoolContact *string `json:"targetSchoolContact" validate:"omitempty,max=64"`
	ReleaseDate         *string `json:"releaseDate" validate:"omitempty,datetime=2006-01-02"`
	HandoverNote        *string `json:"handoverNote"`

	LeaveType      *string `json:"leaveType" validate:"omitempty,max=32"`
	LeaveStartDate *string `json:"leaveStartDate" validate:"omitempty,datetime=2006-01-02"`
	LeaveEndDate   *string `json:"leaveEndDate" validate:"omitempty,datetime=2006-01-02"`

	ReinstateReturnDate *string                 `json:"reinstateReturnDate" validate:"omitempty,datetime=2006-01-02"`
	PlacementPolicy     *models.PlacementPolicy `json:"placementPolicy" validate:"omitempty,oneof=ORIGINAL_CLASS NEW_CLASS"`
	TargetClassID       *string                 `json:"targetClassId" validate:"omitempty,uuid"`
}

// StudentChangeQuery mirrors supported listing filters.
type StudentChangeQuery struct {
	StudentID string
	Type      models.ChangeType
	Status    []models.ChangeStatus
	Page      int
	PageSize  int
}

// TransitionResult is returned by every workflow action.
type TransitionResult struct {
	ID      string              `json:"id"`
	Status  models.ChangeStatus `json:"status"`
	Version int                 `json:"version"`
}

// StudentChangeResponse is the flat representation clients consume.
type StudentChangeResponse struct {
	ID             string                 `json:"id"`
	StudentID      string                 `json:"studentId"`
	StudentName    string                 `json:"studentName,omitempty"`
	ClassName      *string                `json:"className,omitempty"`
	Type           models.ChangeType      `json:"type"`
	Status         models.ChangeStatus    `json:"status"`
	EffectiveAt    *time.Time             `json:"effectiveAt,omitempty"`
	Reason         string                 `json:"reason"`
	Attachments    []string               `json:"attachments"`
	Snapshot       models.StudentSnapshot `json:"studentSnapshot"`
	IdempotencyKey *string                `json:"idempotencyKey,omitempty"`
	Version        int                    `json:"version"`

	TargetSchoolName    string  `json:"targetSchoolName,omitempty"`
	TargetSchoolContact string  `json:"targetSchoolContact,omitempty"`
	ReleaseDate         *string `json:"releaseDate,omitempty"`
	HandoverNote        string  `json:"handoverNote,omitempty"`

	LeaveType      string  `json:"leaveType,omitempty"`
	LeaveStartDate *string `json:"leaveStartDate,omitempty"`
	LeaveEndDate   *string `json:"leaveEndDate,omitempty"`

	ReinstateReturnDate *string                `json:"reinstateReturnDate,omitempty"`
	PlacementPolicy     models.PlacementPolicy `json:"placementPolicy,omitempty"`
	TargetClassID       *string                `json:"targetClassId,omitempty"`

	CreatedBy *string   `json:"createdBy,omitempty"`
	UpdatedBy *string   `json:"updatedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewStudentChangeResponse flattens a change and its detail variant.
func NewStudentChangeResponse(change *models.StudentChange) StudentChangeResponse {
	resp := StudentChangeResponse{
		ID:             change.ID,
		StudentID:      change.StudentID,
		Type:           change.Type,
		Status:         change.Status,
		EffectiveAt:    change.EffectiveAt,
		Reason:         change.Reason,
		Attachments:    []string(change.Attachments),
		Snapshot:       change.Snapshot,
		IdempotencyKey: change.IdempotencyKey,
		Version:        change.Version,
		CreatedBy:      change.CreatedBy,
		UpdatedBy:      change.UpdatedBy,
		CreatedAt:      change.CreatedAt,
		UpdatedAt:      change.UpdatedAt,
	}
	if resp.Attachments == nil {
		resp.Attachments = []string{}
	}

	switch d := change.Detail.(type) {
	case models.TransferOutDetail:
		resp.TargetSchoolName = d.TargetSchoolName
		resp.TargetSchoolContact = d.TargetSchoolContact
		resp.ReleaseDate = formatDate(d.ReleaseDate)
		resp.HandoverNote = d.HandoverNote
	case models.LeaveDetail:
		resp.LeaveType = d.LeaveType
		resp.LeaveStartDate = formatDate(&d.StartDate)
		resp.LeaveEndDate = formatDate(&d.EndDate)
	case models.ReinstateDetail:
		resp.ReinstateReturnDate = formatDate(&d.ReturnDate)
		resp.PlacementPolicy = d.PlacementPolicy
		resp.TargetClassID = d.TargetClassID
	}
	return resp
}

// NewStudentChangeListResponse maps list rows including joined display names.
func NewStudentChangeListResponse(items []models.StudentChangeListItem) []StudentChangeResponse {
	out := make([]StudentChangeResponse, 0, len(items))
	for i := range items {
		resp := NewStudentChangeResponse(&items[i].StudentChange)
		resp.StudentName = items[i].StudentName
		resp.ClassName = items[i].CurrentClassName
		out = append(out, resp)
	}
	return out
}

func formatDate(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.Format(DateLayout)
	return &s
}

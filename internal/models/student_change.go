package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType identifies the kind of student status change.
type ChangeType string

const (
	ChangeTypeTransferOut ChangeType = "TRANSFER_OUT"
	ChangeTypeLeave       ChangeType = "LEAVE"
	ChangeTypeReinstate   ChangeType = "REINSTATE"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeTypeTransferOut, ChangeTypeLeave, ChangeTypeReinstate:
		return true
	default:
		return false
	}
}

// ChangeStatus is the lifecycle state of a change request.
type ChangeStatus string

const (
	ChangeStatusDraft     ChangeStatus = "DRAFT"
	ChangeStatusSubmitted ChangeStatus = "SUBMITTED"
	ChangeStatusApproving ChangeStatus = "APPROVING"
	ChangeStatusApproved  ChangeStatus = "APPROVED"
	ChangeStatusScheduled ChangeStatus = "SCHEDULED"
	ChangeStatusEffected  ChangeStatus = "EFFECTED"
	ChangeStatusRejected  ChangeStatus = "REJECTED"
	ChangeStatusCancelled ChangeStatus = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s ChangeStatus) Valid() bool {
	switch s {
	case ChangeStatusDraft, ChangeStatusSubmitted, ChangeStatusApproving, ChangeStatusApproved,
		ChangeStatusScheduled, ChangeStatusEffected, ChangeStatusRejected, ChangeStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions leave s.
func (s ChangeStatus) IsTerminal() bool {
	switch s {
	case ChangeStatusEffected, ChangeStatusRejected, ChangeStatusCancelled:
		return true
	default:
		return false
	}
}

// ChangeAction names an operation applied to a change request.
type ChangeAction string

const (
	ChangeActionCreate  ChangeAction = "create"
	ChangeActionUpdate  ChangeAction = "update"
	ChangeActionSubmit  ChangeAction = "submit"
	ChangeActionReview  ChangeAction = "review"
	ChangeActionApprove ChangeAction = "approve"
	ChangeActionReject  ChangeAction = "reject"
	ChangeActionCancel  ChangeAction = "cancel"
	ChangeActionEffect  ChangeAction = "effect"
)

// PlacementPolicy decides which class a reinstated student returns to.
type PlacementPolicy string

const (
	PlacementOriginalClass PlacementPolicy = "ORIGINAL_CLASS"
	PlacementNewClass      PlacementPolicy = "NEW_CLASS"
)

// ChangeDetail holds the fields specific to one change type. Implemented only
// by TransferOutDetail, LeaveDetail and ReinstateDetail.
type ChangeDetail interface {
	Type() ChangeType
	isChangeDetail()
}

// TransferOutDetail describes a student leaving for another school.
type TransferOutDetail struct {
	TargetSchoolName    string     `json:"targetSchoolName"`
	TargetSchoolContact string     `json:"targetSchoolContact,omitempty"`
	ReleaseDate         *time.Time `json:"releaseDate,omitempty"`
	HandoverNote        string     `json:"handoverNote,omitempty"`
}

// LeaveDetail describes a temporary leave of absence.
type LeaveDetail struct {
	LeaveType string    `json:"leaveType,omitempty"`
	StartDate time.Time `json:"leaveStartDate"`
	EndDate   time.Time `json:"leaveEndDate"`
}

// ReinstateDetail describes a student returning from leave.
type ReinstateDetail struct {
	ReturnDate      time.Time       `json:"reinstateReturnDate"`
	PlacementPolicy PlacementPolicy `json:"placementPolicy,omitempty"`
	TargetClassID   *string         `json:"targetClassId,omitempty"`
}

func (TransferOutDetail) Type() ChangeType { return ChangeTypeTransferOut }
func (LeaveDetail) Type() ChangeType       { return ChangeTypeLeave }
func (ReinstateDetail) Type() ChangeType   { return ChangeTypeReinstate }

func (TransferOutDetail) isChangeDetail() {}
func (LeaveDetail) isChangeDetail()       {}
func (ReinstateDetail) isChangeDetail()   {}

// StudentSnapshot is the student state captured when a request is created.
type StudentSnapshot struct {
	Status         StudentStatus `json:"status"`
	CurrentClassID *string       `json:"current_class_id"`
	FullName       string        `json:"name"`
	StudentNumber  string        `json:"student_id"`
}

// Value implements driver.Valuer.
func (s StudentSnapshot) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *StudentSnapshot) Scan(src interface{}) error {
	raw, err := jsonBytes(src)
	if err != nil || raw == nil {
		return err
	}
	return json.Unmarshal(raw, s)
}

// Attachments is an ordered list of opaque attachment references.
type Attachments []string

// Value implements driver.Valuer.
func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(a))
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src interface{}) error {
	raw, err := jsonBytes(src)
	if err != nil {
		return err
	}
	if raw == nil {
		*a = Attachments{}
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(a))
}

func jsonBytes(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported json source %T", src)
	}
}

// StudentChange is a request to change a student's enrolment status.
type StudentChange struct {
	ID             string
	StudentID      string
	Type           ChangeType
	Status         ChangeStatus
	EffectiveAt    *time.Time
	Reason         string
	Attachments    Attachments
	Snapshot       StudentSnapshot
	IdempotencyKey *string
	Version        int
	Detail         ChangeDetail
	CreatedBy      *string
	UpdatedBy      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// IsDue reports whether the effective date has been reached at now.
func (c *StudentChange) IsDue(now time.Time) bool {
	return c.EffectiveAt == nil || !c.EffectiveAt.After(now)
}

// StudentChangeListItem adds display fields joined from the student directory.
type StudentChangeListItem struct {
	StudentChange
	StudentName      string
	CurrentClassName *string
}

// StudentChangeFilter narrows list queries.
type StudentChangeFilter struct {
	StudentID string
	Type      ChangeType
	Statuses  []ChangeStatus
	Page      int
	PageSize  int
}

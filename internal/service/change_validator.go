package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/sma-student-changes/internal/dto"
	"github.com/noah-isme/sma-student-changes/internal/models"
	appErrors "github.com/noah-isme/sma-student-changes/pkg/errors"
)

const (
	tagEndAfterStart = "end_after_start"
	tagNewClass      = "required_for_new_class"
)

// changeDraft is a validated intake payload converted to domain values.
type changeDraft struct {
	EffectiveAt *time.Time
	Detail      models.ChangeDetail
}

// ChangeValidator checks change request payloads and reports every failing
// field at once.
type ChangeValidator struct {
	validate *validator.Validate
}

// NewChangeValidator registers the per-type rules on validate.
func NewChangeValidator(validate *validator.Validate) *ChangeValidator {
	if validate == nil {
		validate = validator.New()
	}
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	validate.RegisterStructValidation(validateChangeType, dto.CreateStudentChangeRequest{})
	return &ChangeValidator{validate: validate}
}

// ValidateCreate validates req and builds the typed detail.
func (v *ChangeValidator) ValidateCreate(req dto.CreateStudentChangeRequest) (*changeDraft, error) {
	if err := v.validate.Struct(req); err != nil {
		return nil, translateValidation(err)
	}
	effectiveAt, _ := parseTimestamp(req.EffectiveAt)
	return &changeDraft{EffectiveAt: effectiveAt, Detail: detailFromRequest(req)}, nil
}

// ValidatePatch checks the fields of patch on their own, before it is merged
// with a stored request.
func (v *ChangeValidator) ValidatePatch(patch dto.UpdateStudentChangeRequest) error {
	if err := v.validate.Struct(patch); err != nil {
		return translateValidation(err)
	}
	return nil
}

// ApplyUpdate merges patch into change and revalidates the result as a whole.
// change is only modified when validation passes.
func (v *ChangeValidator) ApplyUpdate(change *models.StudentChange, patch dto.UpdateStudentChangeRequest) error {
	if err := v.ValidatePatch(patch); err != nil {
		return err
	}
	if patch.Type != "" && patch.Type != change.Type {
		return appErrors.WithDetails(appErrors.ErrValidation, "", map[string]string{"type": "type cannot be changed after creation"})
	}

	req := requestFromChange(change)
	mergePatch(&req, patch)
	draft, err := v.ValidateCreate(req)
	if err != nil {
		return err
	}

	change.EffectiveAt = draft.EffectiveAt
	change.Reason = req.Reason
	change.Attachments = models.Attachments(req.Attachments)
	change.Detail = draft.Detail
	return nil
}

func validateChangeType(sl validator.StructLevel) {
	req := sl.Current().Interface().(dto.CreateStudentChangeRequest)
	switch req.Type {
	case models.ChangeTypeTransferOut:
		if strings.TrimSpace(req.TargetSchoolName) == "" {
			sl.ReportError(req.TargetSchoolName, "targetSchoolName", "TargetSchoolName", "required", "")
		}
	case models.ChangeTypeLeave:
		if req.LeaveStartDate == "" {
			sl.ReportError(req.LeaveStartDate, "leaveStartDate", "LeaveStartDate", "required", "")
		}
		if req.LeaveEndDate == "" {
			sl.ReportError(req.LeaveEndDate, "leaveEndDate", "LeaveEndDate", "required", "")
		}
		start, startErr := parseDate(req.LeaveStartDate)
		end, endErr := parseDate(req.LeaveEndDate)
		if startErr == nil && endErr == nil && start != nil && end != nil && !end.After(*start) {
			sl.ReportError(req.LeaveEndDate, "leaveEndDate", "LeaveEndDate", tagEndAfterStart, "")
		}
	case models.ChangeTypeReinstate:
		if req.ReinstateReturnDate == "" {
			sl.ReportError(req.ReinstateReturnDate, "reinstateReturnDate", "ReinstateReturnDate", "required", "")
		}
		if req.PlacementPolicy == models.PlacementNewClass && (req.TargetClassID == nil || *req.TargetClassID == "") {
			sl.ReportError(req.TargetClassID, "targetClassId", "TargetClassID", tagNewClass, "")
		}
	}
}

func translateValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if _, exists := details[fe.Field()]; exists {
			continue
		}
		details[fe.Field()] = validationMessage(fe)
	}
	return appErrors.WithDetails(appErrors.ErrValidation, "", details)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case tagEndAfterStart:
		return "end must be after start"
	case tagNewClass:
		return "required when placementPolicy is NEW_CLASS"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "datetime":
		if fe.Param() == dto.DateLayout {
			return "must be a date formatted as YYYY-MM-DD"
		}
		return "must be an RFC3339 timestamp"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func detailFromRequest(req dto.CreateStudentChangeRequest) models.ChangeDetail {
	switch req.Type {
	case models.ChangeTypeTransferOut:
		release, _ := parseDate(req.ReleaseDate)
		return models.TransferOutDetail{
			TargetSchoolName:    strings.TrimSpace(req.TargetSchoolName),
			TargetSchoolContact: req.TargetSchoolContact,
			ReleaseDate:         release,
			HandoverNote:        req.HandoverNote,
		}
	case models.ChangeTypeLeave:
		start, _ := parseDate(req.LeaveStartDate)
		end, _ := parseDate(req.LeaveEndDate)
		return models.LeaveDetail{LeaveType: req.LeaveType, StartDate: *start, EndDate: *end}
	case models.ChangeTypeReinstate:
		ret, _ := parseDate(req.ReinstateReturnDate)
		policy := req.PlacementPolicy
		if policy == "" {
			policy = models.PlacementOriginalClass
		}
		return models.ReinstateDetail{ReturnDate: *ret, PlacementPolicy: policy, TargetClassID: req.TargetClassID}
	default:
		return nil
	}
}

func requestFromChange(change *models.StudentChange) dto.CreateStudentChangeRequest {
	req := dto.CreateStudentChangeRequest{
		StudentID:      change.StudentID,
		Type:           change.Type,
		Reason:         change.Reason,
		Attachments:    append([]string(nil), change.Attachments...),
		IdempotencyKey: change.IdempotencyKey,
	}
	if change.EffectiveAt != nil {
		req.EffectiveAt = change.EffectiveAt.UTC().Format(time.RFC3339)
	}
	switch d := change.Detail.(type) {
	case models.TransferOutDetail:
		req.TargetSchoolName = d.TargetSchoolName
		req.TargetSchoolContact = d.TargetSchoolContact
		req.ReleaseDate = formatDate(d.ReleaseDate)
		req.HandoverNote = d.HandoverNote
	case models.LeaveDetail:
		req.LeaveType = d.LeaveType
		req.LeaveStartDate = formatDate(&d.StartDate)
		req.LeaveEndDate = formatDate(&d.EndDate)
	case models.ReinstateDetail:
		req.ReinstateReturnDate = formatDate(&d.ReturnDate)
		req.PlacementPolicy = d.PlacementPolicy
		req.TargetClassID = d.TargetClassID
	}
	return req
}

func mergePatch(req *dto.CreateStudentChangeRequest, patch dto.UpdateStudentChangeRequest) {
	setString(&req.EffectiveAt, patch.EffectiveAt)
	setString(&req.Reason, patch.Reason)
	if patch.Attachments != nil {
		req.Attachments = append([]string(nil), (*patch.Attachments)...)
	}
	setString(&req.TargetSchoolName, patch.TargetSchoolName)
	setString(&req.TargetSchoolContact, patch.TargetSchoolContact)
	setString(&req.ReleaseDate, patch.ReleaseDate)
	setString(&req.HandoverNote, patch.HandoverNote)
	setString(&req.LeaveType, patch.LeaveType)
	setString(&req.LeaveStartDate, patch.LeaveStartDate)
	setString(&req.LeaveEndDate, patch.LeaveEndDate)
	setString(&req.ReinstateReturnDate, patch.ReinstateReturnDate)
	if patch.PlacementPolicy != nil {
		req.PlacementPolicy = *patch.PlacementPolicy
	}
	if patch.TargetClassID != nil {
		id := *patch.TargetClassID
		req.TargetClassID = &id
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func parseDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dto.DateLayout, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseTimestamp(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(dto.DateLayout)
}

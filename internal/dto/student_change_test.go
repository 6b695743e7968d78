package dto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/sma-student-changes/internal/models"
)

func TestNewStudentChangeResponseFlattensLeave(t *testing.T) {
	change := &models.StudentChange{
		ID:     "c1",
		Type:   models.ChangeTypeLeave,
		Status: models.ChangeStatusDraft,
		Detail: models.LeaveDetail{
			LeaveType: "medical",
			StartDate: time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	resp := NewStudentChangeResponse(change)
	assert.Equal(t, "medical", resp.LeaveType)
	assert.Equal(t, "2024-09-01", *resp.LeaveStartDate)
	assert.Equal(t, "2024-10-01", *resp.LeaveEndDate)
	assert.Empty(t, resp.TargetSchoolName)
	assert.Equal(t, []string{}, resp.Attachments)
}

func TestNewStudentChangeListResponseCarriesNames(t *testing.T) {
	className := "X-1"
	items := []models.StudentChangeListItem{{
		StudentChange:    models.StudentChange{ID: "c1", Detail: models.TransferOutDetail{TargetSchoolName: "North High"}},
		StudentName:      "Ana",
		CurrentClassName: &className,
	}}

	resp := NewStudentChangeListResponse(items)
	assert.Len(t, resp, 1)
	assert.Equal(t, "Ana", resp[0].StudentName)
	assert.Equal(t, "X-1", *resp[0].ClassName)
	assert.Equal(t, "North High", resp[0].TargetSchoolName)
	assert.Nil(t, resp[0].ReleaseDate)
}

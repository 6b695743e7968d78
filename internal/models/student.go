package models

import "time"

// StudentStatus is the enrolment status held by the student directory.
type StudentStatus string

const (
	StudentStatusOnCampus    StudentStatus = "ON_CAMPUS"
	StudentStatusOnLeave     StudentStatus = "ON_LEAVE"
	StudentStatusTransferred StudentStatus = "TRANSFERRED"
	StudentStatusSuspended   StudentStatus = "SUSPENDED"
	StudentStatusGraduated   StudentStatus = "GRADUATED"
)

// Student represents a learner registered in the institution.
type Student struct {
	ID             string        `db:"id" json:"id"`
	StudentNumber  string        `db:"student_number" json:"student_number"`
	FullName       string        `db:"full_name" json:"full_name"`
	Status         StudentStatus `db:"status" json:"status"`
	CurrentClassID *string       `db:"current_class_id" json:"current_class_id,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// Snapshot copies the fields recorded on a change request.
func (s Student) Snapshot() StudentSnapshot {
	return StudentSnapshot{
		Status:         s.Status,
		CurrentClassID: s.CurrentClassID,
		FullName:       s.FullName,
		StudentNumber:  s.StudentNumber,
	}
}

// StudentStatusChange is the narrow mutation a change request applies to a
// student. A nil CurrentClassID leaves the class unchanged.
type StudentStatusChange struct {
	Status         StudentStatus
	CurrentClassID *string
}

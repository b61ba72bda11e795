package models

import "time"

// Role represents the available roles for the RBAC system.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleTeacher Role = "TEACHER"
	RoleStudent Role = "STUDENT"
)

// Person represents any directory member. Role-specific data lives in
// the profile variant selected by Role, not in a subclass hierarchy.
type Person struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FullName  string    `db:"full_name" json:"full_name"`
	Role      Role      `db:"role" json:"role"`
	Phone     *string   `db:"phone" json:"phone,omitempty"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TeacherProfile holds teacher-specific directory data.
type TeacherProfile struct {
	PersonID        string   `db:"person_id" json:"person_id"`
	LessonRate      *float64 `db:"lesson_rate" json:"lesson_rate,omitempty"`
	Specializations *string  `db:"specializations" json:"specializations,omitempty"`
	Bio             *string  `db:"bio" json:"bio,omitempty"`
}

// StudentProfile holds student-specific directory data.
type StudentProfile struct {
	PersonID      string     `db:"person_id" json:"person_id"`
	BirthDate     *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	School        *string    `db:"school" json:"school,omitempty"`
	GuardianName  *string    `db:"guardian_name" json:"guardian_name,omitempty"`
	GuardianPhone *string    `db:"guardian_phone" json:"guardian_phone,omitempty"`
}

// PersonDetail combines a person with its role variant.
type PersonDetail struct {
	Person
	Teacher *TeacherProfile `json:"teacher,omitempty"`
	Student *StudentProfile `json:"student,omitempty"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

package models

import (
	"time"

	"github.com/lib/pq"
)

// LessonType enumerates the offered lesson formats.
type LessonType string

const (
	LessonTypePrivate     LessonType = "private"
	LessonTypeMasterclass LessonType = "masterclass"
	LessonTypeGroup       LessonType = "group"
)

// LessonStatus represents the lesson lifecycle.
type LessonStatus string

// Lesson lifecycle states. Rescheduling and cancelling are negotiation
// states awaiting the owning teacher's decision.
const (
	LessonStatusScheduled    LessonStatus = "scheduled"
	LessonStatusConfirmed    LessonStatus = "confirmed"
	LessonStatusRescheduling LessonStatus = "rescheduling"
	LessonStatusCancelling   LessonStatus = "cancelling"
	LessonStatusCancelled    LessonStatus = "cancelled"
	LessonStatusCompleted    LessonStatus = "completed"
)

// PendingKind discriminates the active negotiation on a lesson.
type PendingKind string

const (
	PendingKindReschedule PendingKind = "reschedule"
	PendingKindCancel     PendingKind = "cancel"
)

// Lesson represents a booked lesson owned by one teacher with one or
// more enrolled students.
type Lesson struct {
	ID                  string         `db:"id" json:"id"`
	Type                LessonType     `db:"type" json:"type"`
	Title               string         `db:"title" json:"title"`
	Description         *string        `db:"description" json:"description,omitempty"`
	TeacherID           string         `db:"teacher_id" json:"teacher_id"`
	StudentIDs          pq.StringArray `db:"student_ids" json:"student_ids"`
	ScheduledDate       time.Time      `db:"scheduled_date" json:"scheduled_date"`
	DurationMinutes     int            `db:"duration_minutes" json:"duration_minutes"`
	Status              LessonStatus   `db:"status" json:"status"`
	AttendanceConfirmed bool           `db:"attendance_confirmed" json:"attendance_confirmed"`
	Location            *string        `db:"location" json:"location,omitempty"`
	Notes               *string        `db:"notes" json:"notes,omitempty"`

	// Last negotiation reasons, retained for audit after resolution.
	RescheduleReason *string `db:"reschedule_reason" json:"reschedule_reason,omitempty"`
	CancelReason     *string `db:"cancel_reason" json:"cancel_reason,omitempty"`

	// The single active negotiation, nil when none is pending.
	PendingKind         *PendingKind `db:"pending_kind" json:"pending_kind,omitempty"`
	PendingReason       *string      `db:"pending_reason" json:"pending_reason,omitempty"`
	PendingProposedDate *time.Time   `db:"pending_proposed_date" json:"pending_proposed_date,omitempty"`
	PendingPriorDate    *time.Time   `db:"pending_prior_date" json:"pending_prior_date,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PendingChange is the resolved view of the active negotiation.
type PendingChange struct {
	Kind         PendingKind `json:"kind"`
	Reason       string      `json:"reason"`
	ProposedDate *time.Time  `json:"proposed_date,omitempty"`
	PriorDate    *time.Time  `json:"prior_date,omitempty"`
}

// Pending returns the active negotiation, or nil when none is pending.
func (l *Lesson) Pending() *PendingChange {
	if l.PendingKind == nil {
		return nil
	}
	change := &PendingChange{Kind: *l.PendingKind}
	if l.PendingReason != nil {
		change.Reason = *l.PendingReason
	}
	change.ProposedDate = l.PendingProposedDate
	change.PriorDate = l.PendingPriorDate
	return change
}

// SetPending replaces the active negotiation.
func (l *Lesson) SetPending(kind PendingKind, reason string, proposed, prior *time.Time) {
	l.PendingKind = &kind
	l.PendingReason = &reason
	l.PendingProposedDate = proposed
	l.PendingPriorDate = prior
}

// ClearPending resolves the active negotiation.
func (l *Lesson) ClearPending() {
	l.PendingKind = nil
	l.PendingReason = nil
	l.PendingProposedDate = nil
	l.PendingPriorDate = nil
}

// HasStudent reports whether the given person is enrolled on the lesson.
func (l *Lesson) HasStudent(personID string) bool {
	for _, id := range l.StudentIDs {
		if id == personID {
			return true
		}
	}
	return false
}

// LessonFilter captures filtering options for listing lessons.
type LessonFilter struct {
	TeacherID string
	StudentID string
	Status    LessonStatus
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
	SortOrder string
}

// ValidLessonType reports whether t is a known lesson type.
func ValidLessonType(t LessonType) bool {
	switch t {
	case LessonTypePrivate, LessonTypeMasterclass, LessonTypeGroup:
		return true
	default:
		return false
	}
}

// ValidLessonStatus reports whether s is a known lesson status.
func ValidLessonStatus(s LessonStatus) bool {
	switch s {
	case LessonStatusScheduled, LessonStatusConfirmed, LessonStatusRescheduling,
		LessonStatusCancelling, LessonStatusCancelled, LessonStatusCompleted:
		return true
	default:
		return false
	}
}

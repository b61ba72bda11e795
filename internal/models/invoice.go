package models

import (
	"time"

	"github.com/lib/pq"
)

// InvoiceStatus represents the invoice payment lifecycle.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
)

// Invoice represents one billing period for a (student, teacher) pair.
// At most one invoice exists per (student, teacher, month, year); the
// store enforces this with a unique constraint.
type Invoice struct {
	ID          string         `db:"id" json:"id"`
	StudentID   string         `db:"student_id" json:"student_id"`
	TeacherID   string         `db:"teacher_id" json:"teacher_id"`
	Month       int            `db:"month" json:"month"`
	Year        int            `db:"year" json:"year"`
	LessonIDs   pq.StringArray `db:"lesson_ids" json:"lesson_ids"`
	TotalAmount float64        `db:"total_amount" json:"total_amount"`
	PaidAmount  float64        `db:"paid_amount" json:"paid_amount"`
	Status      InvoiceStatus  `db:"status" json:"status"`
	DueDate     time.Time      `db:"due_date" json:"due_date"`
	PaidDate    *time.Time     `db:"paid_date" json:"paid_date,omitempty"`
	Notes       *string        `db:"notes" json:"notes,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// InvoiceFilter captures filtering options for listing invoices.
type InvoiceFilter struct {
	StudentID string
	TeacherID string
	Status    InvoiceStatus
	Month     int
	Year      int
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// ReconciliationSummary reports the outcome of a monthly invoice run.
type ReconciliationSummary struct {
	Month     int       `json:"month"`
	Year      int       `json:"year"`
	Groups    int       `json:"groups"`
	Generated int       `json:"generated"`
	Updated   int       `json:"updated"`
	Failed    int       `json:"failed"`
	Invoices  []Invoice `json:"invoices"`
}

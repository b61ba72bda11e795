package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionLessonCreate    = "LESSON_CREATE"
	AuditActionLessonEdit      = "LESSON_EDIT"
	AuditActionLessonDecision  = "LESSON_DECISION"
	AuditActionInvoiceGenerate = "INVOICE_GENERATE"
	AuditActionInvoicePay      = "INVOICE_PAY"
	AuditActionInvoiceChange   = "INVOICE_CHANGE"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	PersonID   *string   `db:"person_id" json:"person_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	Details    []byte    `db:"details" json:"details,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cadenzahq/conservatory-api/internal/models"
	"github.com/cadenzahq/conservatory-api/internal/repository"
	appErrors "github.com/cadenzahq/conservatory-api/pkg/errors"
)

type billingLessonRepository interface {
	ListForPeriod(ctx context.Context, from, to time.Time, statuses []models.LessonStatus) ([]models.Lesson, error)
	ValidateIDs(ctx context.Context, lessonIDs []string) (map[string]bool, error)
}

type invoiceStore interface {
	List(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, int, error)
	FindByID(ctx context.Context, id string) (*models.Invoice, error)
	FindByKey(ctx context.Context, studentID, teacherID string, month, year int) (*models.Invoice, error)
	Create(ctx context.Context, invoice *models.Invoice) error
	Update(ctx context.Context, invoice *models.Invoice) error
	Delete(ctx context.Context, id string) error
}

type billingDirectory interface {
	RequireTeacher(ctx context.Context, id string) (*models.Person, error)
	ValidateStudents(ctx context.Context, studentIDs []string) ([]string, error)
	TeacherRate(ctx context.Context, teacherID string) (float64, error)
}

type reconciliationObserver interface {
	ObserveReconciliation(generated, updated, failed int)
}

// BillingSettings tunes the reconciliation engine.
type BillingSettings struct {
	// BillableStatuses is the lesson-status set counted toward invoice
	// totals. Defaults to completed lessons only.
	BillableStatuses []models.LessonStatus
	// DueDayOfMonth is the day in the month following the billing
	// period on which invoices fall due.
	DueDayOfMonth int
}

func (s BillingSettings) withDefaults() BillingSettings {
	if len(s.BillableStatuses) == 0 {
		s.BillableStatuses = []models.LessonStatus{models.LessonStatusCompleted}
	}
	if s.DueDayOfMonth < 1 || s.DueDayOfMonth > 28 {
		s.DueDayOfMonth = 15
	}
	return s
}

// GenerateInvoicesRequest selects the billing period to reconcile.
type GenerateInvoicesRequest struct {
	Month int `json:"month" validate:"required,min=1,max=12"`
	Year  int `json:"year" validate:"required,min=2000,max=2100"`
}

// MarkPaidRequest records a payment against an invoice. Omitted fields
// default to the invoice total and the current time.
type MarkPaidRequest struct {
	PaidAmount *float64   `json:"paid_amount,omitempty" validate:"omitempty,min=0"`
	PaidDate   *time.Time `json:"paid_date,omitempty"`
}

// CreateInvoiceRequest is the administrative escape hatch for creating
// an invoice outside reconciliation.
type CreateInvoiceRequest struct {
	StudentID   string     `json:"student_id" validate:"required"`
	TeacherID   string     `json:"teacher_id" validate:"required"`
	Month       int        `json:"month" validate:"required,min=1,max=12"`
	Year        int        `json:"year" validate:"required,min=2000,max=2100"`
	LessonIDs   []string   `json:"lesson_ids,omitempty"`
	TotalAmount float64    `json:"total_amount" validate:"min=0"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
}

// UpdateInvoiceRequest is the administrative update. Nil fields are
// left unchanged.
type UpdateInvoiceRequest struct {
	LessonIDs   []string              `json:"lesson_ids,omitempty"`
	TotalAmount *float64              `json:"total_amount,omitempty" validate:"omitempty,min=0"`
	PaidAmount  *float64              `json:"paid_amount,omitempty" validate:"omitempty,min=0"`
	Status      *models.InvoiceStatus `json:"status,omitempty"`
	DueDate     *time.Time            `json:"due_date,omitempty"`
	PaidDate    *time.Time            `json:"paid_date,omitempty"`
	Notes       *string               `json:"notes,omitempty"`
}

type billingGroupKey struct {
	studentID string
	teacherID string
}

// BillingService derives invoices from the lesson set and manages
// their payment lifecycle.
type BillingService struct {
	invoices  invoiceStore
	lessons   billingLessonRepository
	directory billingDirectory
	audit     auditRecorder
	metrics   reconciliationObserver
	validator *validator.Validate
	logger    *zap.Logger
	settings  BillingSettings
	now       func() time.Time
}

// NewBillingService constructs a BillingService.
func NewBillingService(invoices invoiceStore, lessons billingLessonRepository, directory billingDirectory, audit auditRecorder, metrics reconciliationObserver, validate *validator.Validate, logger *zap.Logger, settings BillingSettings) *BillingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &BillingService{
		invoices:  invoices,
		lessons:   lessons,
		directory: directory,
		audit:     audit,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		settings:  settings.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GenerateMonthlyInvoices reconciles the billing period: billable
// lessons are fanned out per (student, teacher) pair and each group is
// upserted as one invoice. Re-running for an unchanged lesson set
// yields the same invoices; existing rows are overwritten, never
// accumulated. Group failures are reported, not propagated.
func (s *BillingService) GenerateMonthlyInvoices(ctx context.Context, actor *models.JWTClaims, req GenerateInvoicesRequest) (*models.ReconciliationSummary, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid billing period")
	}
	if actor.Role != models.RoleTeacher && actor.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only teachers and admins may generate invoices")
	}

	from := time.Date(req.Year, time.Month(req.Month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0).Add(-time.Nanosecond)

	lessons, err := s.lessons.ListForPeriod(ctx, from, to, s.settings.BillableStatuses)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to scan billable lessons")
	}

	groups := make(map[billingGroupKey][]string)
	for _, lesson := range lessons {
		for _, studentID := range lesson.StudentIDs {
			key := billingGroupKey{studentID: studentID, teacherID: lesson.TeacherID}
			groups[key] = append(groups[key], lesson.ID)
		}
	}

	keys := make([]billingGroupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].teacherID != keys[j].teacherID {
			return keys[i].teacherID < keys[j].teacherID
		}
		return keys[i].studentID < keys[j].studentID
	})

	dueDate := time.Date(req.Year, time.Month(req.Month)+1, s.settings.DueDayOfMonth, 0, 0, 0, 0, time.UTC)
	rates := make(map[string]float64)

	summary := &models.ReconciliationSummary{Month: req.Month, Year: req.Year, Groups: len(keys)}
	for _, key := range keys {
		rate, ok := rates[key.teacherID]
		if !ok {
			var err error
			rate, err = s.directory.TeacherRate(ctx, key.teacherID)
			if err != nil {
				s.logger.Warn("skipping billing group: teacher rate lookup failed",
					zap.String("teacher_id", key.teacherID), zap.Error(err))
				summary.Failed++
				continue
			}
			rates[key.teacherID] = rate
		}

		lessonIDs := groups[key]
		invoice, created, err := s.upsertGroup(ctx, key, req.Month, req.Year, lessonIDs, float64(len(lessonIDs))*rate, dueDate)
		if err != nil {
			s.logger.Warn("billing group upsert failed",
				zap.String("student_id", key.studentID),
				zap.String("teacher_id", key.teacherID),
				zap.Error(err))
			summary.Failed++
			continue
		}
		if created {
			summary.Generated++
		} else {
			summary.Updated++
		}
		summary.Invoices = append(summary.Invoices, *invoice)
	}

	if s.metrics != nil {
		s.metrics.ObserveReconciliation(summary.Generated, summary.Updated, summary.Failed)
	}
	s.recordAudit(ctx, actor, models.AuditActionInvoiceGenerate, fmt.Sprintf("%d-%02d", req.Year, req.Month),
		[]byte(fmt.Sprintf(`{"generated":%d,"updated":%d,"failed":%d}`, summary.Generated, summary.Updated, summary.Failed)))

	return summary, nil
}

// upsertGroup writes one (student, teacher) group, relying on the store
// unique constraint to settle races between concurrent runs.
func (s *BillingService) upsertGroup(ctx context.Context, key billingGroupKey, month, year int, lessonIDs []string, total float64, dueDate time.Time) (*models.Invoice, bool, error) {
	existing, err := s.invoices.FindByKey(ctx, key.studentID, key.teacherID, month, year)
	switch {
	case err == nil:
		existing.LessonIDs = pq.StringArray(lessonIDs)
		existing.TotalAmount = total
		existing.DueDate = dueDate
		if err := s.invoices.Update(ctx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, false, err
	}

	invoice := &models.Invoice{
		StudentID:   key.studentID,
		TeacherID:   key.teacherID,
		Month:       month,
		Year:        year,
		LessonIDs:   pq.StringArray(lessonIDs),
		TotalAmount: total,
		Status:      models.InvoiceStatusPending,
		DueDate:     dueDate,
	}
	err = s.invoices.Create(ctx, invoice)
	if err == nil {
		return invoice, true, nil
	}
	if !repository.IsUniqueViolation(err) {
		return nil, false, err
	}

	// Lost the insert race to a concurrent run; fall back to update.
	existing, ferr := s.invoices.FindByKey(ctx, key.studentID, key.teacherID, month, year)
	if ferr != nil {
		return nil, false, ferr
	}
	existing.LessonIDs = pq.StringArray(lessonIDs)
	existing.TotalAmount = total
	existing.DueDate = dueDate
	if err := s.invoices.Update(ctx, existing); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// MarkAsPaid records payment on an invoice. Amount defaults to the
// invoice total and date to now; repeating the call leaves the same
// end state.
func (s *BillingService) MarkAsPaid(ctx context.Context, actor *models.JWTClaims, id string, req MarkPaidRequest) (*models.Invoice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}

	invoice, err := s.loadInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case models.RoleAdmin:
	case models.RoleTeacher:
		if invoice.TeacherID != actor.UserID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "teachers may only settle their own invoices")
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only teachers and admins may settle invoices")
	}

	amount := invoice.TotalAmount
	if req.PaidAmount != nil {
		amount = *req.PaidAmount
	}
	paidDate := s.now()
	if req.PaidDate != nil {
		paidDate = *req.PaidDate
	}

	invoice.PaidAmount = amount
	invoice.PaidDate = &paidDate
	invoice.Status = models.InvoiceStatusPaid

	if err := s.invoices.Update(ctx, invoice); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment")
	}

	s.recordAudit(ctx, actor, models.AuditActionInvoicePay, invoice.ID, nil)
	return invoice, nil
}

// List returns invoices visible to the actor.
func (s *BillingService) List(ctx context.Context, actor *models.JWTClaims, filter models.InvoiceFilter) ([]models.Invoice, *models.Pagination, error) {
	switch actor.Role {
	case models.RoleStudent:
		filter.StudentID = actor.UserID
	case models.RoleTeacher:
		filter.TeacherID = actor.UserID
	case models.RoleAdmin:
	default:
		return nil, nil, appErrors.Clone(appErrors.ErrForbidden, "unknown role")
	}

	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	invoices, total, err := s.invoices.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list invoices")
	}
	return invoices, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Get returns a single invoice if the actor may see it.
func (s *BillingService) Get(ctx context.Context, actor *models.JWTClaims, id string) (*models.Invoice, error) {
	invoice, err := s.loadInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case models.RoleAdmin:
	case models.RoleTeacher:
		if invoice.TeacherID != actor.UserID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to view this invoice")
		}
	case models.RoleStudent:
		if invoice.StudentID != actor.UserID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to view this invoice")
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "unknown role")
	}
	return invoice, nil
}

// Create is the administrative escape hatch. The billing-period key
// must be free and every referenced id must exist.
func (s *BillingService) Create(ctx context.Context, actor *models.JWTClaims, req CreateInvoiceRequest) (*models.Invoice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid invoice payload")
	}

	if _, err := s.directory.RequireTeacher(ctx, req.TeacherID); err != nil {
		return nil, err
	}
	missing, err := s.directory.ValidateStudents(ctx, []string{req.StudentID})
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown student")
	}
	if len(req.LessonIDs) > 0 {
		existing, err := s.lessons.ValidateIDs(ctx, req.LessonIDs)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate lessons")
		}
		for _, id := range req.LessonIDs {
			if !existing[id] {
				return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown lesson %s", id))
			}
		}
	}

	if _, err := s.invoices.FindByKey(ctx, req.StudentID, req.TeacherID, req.Month, req.Year); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "an invoice already exists for this billing period")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check billing period")
	}

	dueDate := time.Date(req.Year, time.Month(req.Month)+1, s.settings.DueDayOfMonth, 0, 0, 0, 0, time.UTC)
	if req.DueDate != nil {
		dueDate = *req.DueDate
	}

	invoice := &models.Invoice{
		StudentID:   req.StudentID,
		TeacherID:   req.TeacherID,
		Month:       req.Month,
		Year:        req.Year,
		LessonIDs:   pq.StringArray(req.LessonIDs),
		TotalAmount: req.TotalAmount,
		Status:      models.InvoiceStatusPending,
		DueDate:     dueDate,
		Notes:       req.Notes,
	}
	if err := s.invoices.Create(ctx, invoice); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "an invoice already exists for this billing period")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create invoice")
	}

	s.recordAudit(ctx, actor, models.AuditActionInvoiceChange, invoice.ID, []byte(`{"op":"create"}`))
	return invoice, nil
}

// Update is the administrative update path.
func (s *BillingService) Update(ctx context.Context, actor *models.JWTClaims, id string, req UpdateInvoiceRequest) (*models.Invoice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid invoice update payload")
	}

	invoice, err := s.loadInvoice(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Status != nil {
		switch *req.Status {
		case models.InvoiceStatusPending, models.InvoiceStatusPaid, models.InvoiceStatusOverdue:
		default:
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown invoice status %q", *req.Status))
		}
		invoice.Status = *req.Status
	}
	if req.LessonIDs != nil {
		existing, err := s.lessons.ValidateIDs(ctx, req.LessonIDs)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate lessons")
		}
		for _, lessonID := range req.LessonIDs {
			if !existing[lessonID] {
				return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown lesson %s", lessonID))
			}
		}
		invoice.LessonIDs = pq.StringArray(req.LessonIDs)
	}
	if req.TotalAmount != nil {
		invoice.TotalAmount = *req.TotalAmount
	}
	if req.PaidAmount != nil {
		invoice.PaidAmount = *req.PaidAmount
	}
	if req.DueDate != nil {
		invoice.DueDate = *req.DueDate
	}
	if req.PaidDate != nil {
		invoice.PaidDate = req.PaidDate
	}
	if req.Notes != nil {
		invoice.Notes = req.Notes
	}

	if err := s.invoices.Update(ctx, invoice); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update invoice")
	}

	s.recordAudit(ctx, actor, models.AuditActionInvoiceChange, invoice.ID, []byte(`{"op":"update"}`))
	return invoice, nil
}

// Delete removes an invoice.
func (s *BillingService) Delete(ctx context.Context, actor *models.JWTClaims, id string) error {
	if err := s.invoices.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete invoice")
	}
	s.recordAudit(ctx, actor, models.AuditActionInvoiceChange, id, []byte(`{"op":"delete"}`))
	return nil
}

func (s *BillingService) loadInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	invoice, err := s.invoices.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	return invoice, nil
}

func (s *BillingService) recordAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, details []byte) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		PersonID:   &actor.UserID,
		Action:     action,
		Resource:   "invoice",
		ResourceID: &resourceID,
		Details:    details,
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record invoice audit log", zap.String("resource_id", resourceID), zap.Error(err))
	}
}

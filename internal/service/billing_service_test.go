package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/conservatory-api/internal/models"
	appErrors "github.com/cadenzahq/conservatory-api/pkg/errors"
)

type invoiceStoreStub struct {
	byID    map[string]*models.Invoice
	creates int
	updates int

	// raceOnCreate simulates a concurrent run winning the insert.
	raceOnCreate *models.Invoice
}

func newInvoiceStoreStub() *invoiceStoreStub {
	return &invoiceStoreStub{byID: map[string]*models.Invoice{}}
}

func invoiceKey(studentID, teacherID string, month, year int) string {
	return fmt.Sprintf("%s|%s|%d|%d", studentID, teacherID, month, year)
}

func (s *invoiceStoreStub) findKey(studentID, teacherID string, month, year int) *models.Invoice {
	for _, invoice := range s.byID {
		if invoiceKey(invoice.StudentID, invoice.TeacherID, invoice.Month, invoice.Year) == invoiceKey(studentID, teacherID, month, year) {
			return invoice
		}
	}
	return nil
}

func (s *invoiceStoreStub) List(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, int, error) {
	var out []models.Invoice
	for _, invoice := range s.byID {
		if filter.StudentID != "" && invoice.StudentID != filter.StudentID {
			continue
		}
		if filter.TeacherID != "" && invoice.TeacherID != filter.TeacherID {
			continue
		}
		if filter.Month > 0 && invoice.Month != filter.Month {
			continue
		}
		if filter.Year > 0 && invoice.Year != filter.Year {
			continue
		}
		out = append(out, *invoice)
	}
	return out, len(out), nil
}

func (s *invoiceStoreStub) FindByID(ctx context.Context, id string) (*models.Invoice, error) {
	invoice, ok := s.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *invoice
	return &copied, nil
}

func (s *invoiceStoreStub) FindByKey(ctx context.Context, studentID, teacherID string, month, year int) (*models.Invoice, error) {
	if invoice := s.findKey(studentID, teacherID, month, year); invoice != nil {
		copied := *invoice
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *invoiceStoreStub) Create(ctx context.Context, invoice *models.Invoice) error {
	if s.raceOnCreate != nil {
		winner := *s.raceOnCreate
		s.byID[winner.ID] = &winner
		s.raceOnCreate = nil
		return &pq.Error{Code: "23505", Constraint: "invoices_billing_period_key"}
	}
	if s.findKey(invoice.StudentID, invoice.TeacherID, invoice.Month, invoice.Year) != nil {
		return &pq.Error{Code: "23505", Constraint: "invoices_billing_period_key"}
	}
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	if invoice.Status == "" {
		invoice.Status = models.InvoiceStatusPending
	}
	copied := *invoice
	s.byID[invoice.ID] = &copied
	s.creates++
	return nil
}

func (s *invoiceStoreStub) Update(ctx context.Context, invoice *models.Invoice) error {
	if _, ok := s.byID[invoice.ID]; !ok {
		return sql.ErrNoRows
	}
	copied := *invoice
	s.byID[invoice.ID] = &copied
	s.updates++
	return nil
}

func (s *invoiceStoreStub) Delete(ctx context.Context, id string) error {
	if _, ok := s.byID[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.byID, id)
	return nil
}

type billingLessonStub struct {
	lessons []models.Lesson
}

func (s *billingLessonStub) ListForPeriod(ctx context.Context, from, to time.Time, statuses []models.LessonStatus) ([]models.Lesson, error) {
	allowed := make(map[models.LessonStatus]bool, len(statuses))
	for _, status := range statuses {
		allowed[status] = true
	}
	var out []models.Lesson
	for _, lesson := range s.lessons {
		if lesson.ScheduledDate.Before(from) || lesson.ScheduledDate.After(to) {
			continue
		}
		if !allowed[lesson.Status] {
			continue
		}
		out = append(out, lesson)
	}
	return out, nil
}

func (s *billingLessonStub) ValidateIDs(ctx context.Context, lessonIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	for _, lesson := range s.lessons {
		existing[lesson.ID] = true
	}
	out := make(map[string]bool, len(lessonIDs))
	for _, id := range lessonIDs {
		out[id] = existing[id]
	}
	return out, nil
}

type billingDirectoryStub struct {
	teachers map[string]bool
	students map[string]bool
	rates    map[string]float64
}

func (d *billingDirectoryStub) RequireTeacher(ctx context.Context, id string) (*models.Person, error) {
	if !d.teachers[id] {
		return nil, appErrors.Clone(appErrors.ErrValidation, "teacher not found")
	}
	return &models.Person{ID: id, Role: models.RoleTeacher}, nil
}

func (d *billingDirectoryStub) ValidateStudents(ctx context.Context, studentIDs []string) ([]string, error) {
	var missing []string
	for _, id := range studentIDs {
		if !d.students[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (d *billingDirectoryStub) TeacherRate(ctx context.Context, teacherID string) (float64, error) {
	return d.rates[teacherID], nil
}

func billableLesson(id, teacherID string, students []string, date time.Time) models.Lesson {
	return models.Lesson{
		ID:              id,
		Type:            models.LessonTypePrivate,
		Title:           "Piano",
		TeacherID:       teacherID,
		StudentIDs:      pq.StringArray(students),
		ScheduledDate:   date,
		DurationMinutes: 60,
		Status:          models.LessonStatusCompleted,
	}
}

func newBillingServiceForTest(invoices *invoiceStoreStub, lessons *billingLessonStub, directory *billingDirectoryStub) *BillingService {
	return NewBillingService(invoices, lessons, directory, &auditStub{}, nil, nil, nil, BillingSettings{})
}

func TestBillingServiceGenerateIdempotent(t *testing.T) {
	march := func(day int) time.Time {
		return time.Date(2024, time.March, day, 10, 0, 0, 0, time.UTC)
	}
	invoices := newInvoiceStoreStub()
	lessons := &billingLessonStub{lessons: []models.Lesson{
		billableLesson("lesson-1", "teacher-1", []string{"student-1"}, march(4)),
		billableLesson("lesson-2", "teacher-1", []string{"student-1"}, march(11)),
		billableLesson("lesson-3", "teacher-1", []string{"student-1"}, march(18)),
	}}
	directory := &billingDirectoryStub{
		teachers: map[string]bool{"teacher-1": true},
		students: map[string]bool{"student-1": true},
		rates:    map[string]float64{"teacher-1": 50},
	}
	svc := newBillingServiceForTest(invoices, lessons, directory)

	req := GenerateInvoicesRequest{Month: 3, Year: 2024}
	first, err := svc.GenerateMonthlyInvoices(context.Background(), adminActor(), req)
	require.NoError(t, err)
	require.Equal(t, 1, first.Groups)
	require.Equal(t, 1, first.Generated)
	require.Equal(t, 0, first.Failed)
	require.Len(t, first.Invoices, 1)

	invoice := first.Invoices[0]
	assert.Len(t, invoice.LessonIDs, 3)
	assert.Equal(t, 150.0, invoice.TotalAmount)
	assert.Equal(t, models.InvoiceStatusPending, invoice.Status)
	assert.Equal(t, time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC), invoice.DueDate)

	second, err := svc.GenerateMonthlyInvoices(context.Background(), adminActor(), req)
	require.NoError(t, err)
	require.Equal(t, 0, second.Generated)
	require.Equal(t, 1, second.Updated)
	require.Len(t, second.Invoices, 1)
	assert.Equal(t, invoice.ID, second.Invoices[0].ID)
	assert.Equal(t, invoice.TotalAmount, second.Invoices[0].TotalAmount)
	assert.Equal(t, invoice.DueDate, second.Invoices[0].DueDate)
	assert.Equal(t, []string(invoice.LessonIDs), []string(second.Invoices[0].LessonIDs))
	assert.Len(t, invoices.byID, 1)
}

func TestBillingServiceGenerateOverwritesStaleInvoice(t *testing.T) {
	invoices := newInvoiceStoreStub()
	lessons := &billingLessonStub{lessons: []models.Lesson{
		billableLesson("lesson-1", "teacher-1", []string{"student-1"}, time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)),
	}}
	directory := &billingDirectoryStub{
		teachers: map[string]bool{"teacher-1": true},
		students: map[string]bool{"student-1": true},
		rates:    map[string]float64{"teacher-1": 40},
	}
	svc := newBillingServiceForTest(invoices, lessons, directory)

	stale := &models.Invoice{
		ID:          "inv-stale",
		StudentID:   "student-1",
		TeacherID:   "teacher-1",
		Month:       3,
		Year:        2024,
		LessonIDs:   pq.StringArray{"lesson-old-1", "lesson-old-2"},
		TotalAmount: 999,
		Status:      models.InvoiceStatusPending,
		DueDate:     time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC),
	}
	invoices.byID[stale.ID] = stale

	summary, err := svc.GenerateMonthlyInvoices(context.Background(), adminActor(), GenerateInvoicesRequest{Month: 3, Year: 2024})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Updated)
	require.Equal(t, 0, summary.Generated)

	result := invoices.byID["inv-stale"]
	assert.Equal(t, pq.StringArray{"lesson-1"}, result.LessonIDs, "lesson list overwritten, not accumulated")
	assert.Equal(t, 40.0, result.TotalAmount)
	assert.Equal(t, time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC), result.DueDate)
}

func TestBillingServiceGenerateMissingRateBillsZero(t *testing.T) {
	invoices := newInvoiceStoreStub()
	lessons := &billingLessonStub{lessons: []models.Lesson{
		billableLesson("lesson-1", "teacher-1", []string{"student-1"}, time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)),
	}}
	directory := &billingDirectoryStub{
		teachers: map[string]bool{"teacher-1": true},
		students: map[string]bool{"student-1": true},
		rates:    map[string]float64{},
	}
	svc := newBillingServiceForTest(invoices, lessons, directory)

	summary, err := svc.GenerateMonthlyInvoices(context.Background(), adminActor(), GenerateInvoicesRequest{Month: 3, Year: 2024})
	require.NoError(t, err)
	require.Len(t, summary.Invoices, 1)
	assert.Equal(t, 0.0, summary.Invoices[0].TotalAmount)
}

func TestBillingServiceGenerateFansOutGroupLessons(t *testing.T) {
	invoices := newInvoiceStoreStub()
	lessons := &billingLessonStub{lessons: []models.Lesson{
		billableLesson("lesson-1", "teacher-1", []string{"student-1", "student-2"}, time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)),
	}}
	directory := &billingDirectoryStub{
		teachers: map[string]bool{"teacher-1": true},
		students: map[string]bool{"student-1": true, "student-2": true},
		rates:    map[string]float64{"teacher-1": 30},
	}
	svc := newBillingServiceForTest(invoices, lessons, directory)

	summary, err := svc.GenerateMonthlyInvoices(context.Background(), adminActor(), GenerateInvoicesRequest{Month: 3, Year: 2024})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Groups)
	require.Len(t, summary.Invoices, 2)
	for _, invoice := range summary.Invoices {
		assert.Equal(t, 30.0, invoice.TotalAmount)
		assert.Equal(t, pq.StringArray{"lesson-1"}, invoice.LessonIDs)
	}
}

func TestBillingServiceGenerateDecemberDueDate(t *testing.T) {
	invoices := newInvoiceStoreStub()
	lessons := &billingLessonStub{lessons: []models.Lesson{
		billableLesson("lesson-1", "teacher-1", []string{"student-1"}, time.Date(2024, time.December, 4, 10, 0, 0, 0, time.UTC)),
	}}
	directory := &billingDirectoryStub{
		teachers: map[string]bool{"teacher-1": true},
		students: map[string]bool{"student-1": true},
		rates:    map[string]float64{"teacher-1": 50},
	}
	svc := newBillingServiceForTest(invoices, lessons, directory)

	summary, err := svc.GenerateMonthlyInvoices(context.Background(), adminActor(), GenerateInvoicesRequest{Month: 12, Year: 2024})
	require.NoError(t, err)
	require.Len(t, summary.Invoices, 1)
	assert.Equal(t, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC), summary.Invoices[0].DueDate)
}

func TestBillingServiceGenerateInsertRaceFallsBackToUpdate(t *testing.T) {
	invoices := newInvoiceStoreStub()
	invoices.raceOnCreate = &models.Invoice{
		ID:        "inv-winner",
		StudentID: "student-1",
		TeacherID: "teacher-1",
		Month:     3,
		Year:      2024,
		Status:    models.InvoiceStatusPending,
		DueDate:   time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC),
	}
	lessons := &billingLessonStub{lessons: []models.Lesson{
		billableLesson("lesson-1", "teacher-1", []string{"student-1"}, time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)),
	}}
	directory := &billingDirectoryStub{
		teachers: map[string]bool{"teacher-1": true},
		students: map[string]bool{"student-1": true},
		rates:    map[string]float64{"teacher-1": 50},
	}
	svc := newBillingServiceForTest(invoices, lessons, directory)

	summary, err := svc.GenerateMonthlyInvoices(context.Background(), adminActor(), GenerateInvoicesRequest{Month: 3, Year: 2024})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 50.0, invoices.byID["inv-winner"].TotalAmount)
}

func TestBillingServiceGenerateStudentForbidden(t *testing.T) {
	svc := newBillingServiceForTest(newInvoiceStoreStub(), &billingLessonStub{}, &billingDirectoryStub{})
	_, err := svc.GenerateMonthlyInvoices(context.Background(), studentActor("student-1"), GenerateInvoicesRequest{Month: 3, Year: 2024})
	requireForbidden(t, err)
}

func TestBillingServiceMarkAsPaidDefaults(t *testing.T) {
	invoices := newInvoiceStoreStub()
	invoices.byID["inv-1"] = &models.Invoice{
		ID:          "inv-1",
		StudentID:   "student-1",
		TeacherID:   "teacher-1",
		Month:       3,
		Year:        2024,
		TotalAmount: 150,
		Status:      models.InvoiceStatusPending,
		DueDate:     time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC),
	}
	svc := newBillingServiceForTest(invoices, &billingLessonStub{}, &billingDirectoryStub{})

	first, err := svc.MarkAsPaid(context.Background(), teacherActor("teacher-1"), "inv-1", MarkPaidRequest{})
	require.NoError(t, err)
	assert.Equal(t, 150.0, first.PaidAmount)
	assert.Equal(t, models.InvoiceStatusPaid, first.Status)
	require.NotNil(t, first.PaidDate)

	second, err := svc.MarkAsPaid(context.Background(), teacherActor("teacher-1"), "inv-1", MarkPaidRequest{})
	require.NoError(t, err)
	assert.Equal(t, first.PaidAmount, second.PaidAmount)
	assert.Equal(t, first.Status, second.Status)
}

func TestBillingServiceMarkAsPaidWrongTeacher(t *testing.T) {
	invoices := newInvoiceStoreStub()
	invoices.byID["inv-1"] = &models.Invoice{
		ID:        "inv-1",
		StudentID: "student-1",
		TeacherID: "teacher-1",
		Month:     3,
		Year:      2024,
		Status:    models.InvoiceStatusPending,
	}
	svc := newBillingServiceForTest(invoices, &billingLessonStub{}, &billingDirectoryStub{})

	_, err := svc.MarkAsPaid(context.Background(), teacherActor("teacher-2"), "inv-1", MarkPaidRequest{})
	requireForbidden(t, err)
}

func TestBillingServiceCreateDuplicateKeyConflict(t *testing.T) {
	invoices := newInvoiceStoreStub()
	invoices.byID["inv-1"] = &models.Invoice{
		ID:        "inv-1",
		StudentID: "student-1",
		TeacherID: "teacher-1",
		Month:     3,
		Year:      2024,
		Status:    models.InvoiceStatusPending,
	}
	directory := &billingDirectoryStub{
		teachers: map[string]bool{"teacher-1": true},
		students: map[string]bool{"student-1": true},
	}
	svc := newBillingServiceForTest(invoices, &billingLessonStub{}, directory)

	_, err := svc.Create(context.Background(), adminActor(), CreateInvoiceRequest{
		StudentID: "student-1",
		TeacherID: "teacher-1",
		Month:     3,
		Year:      2024,
	})
	requireConflict(t, err)
}

func TestBillingServiceCreateUnknownLesson(t *testing.T) {
	directory := &billingDirectoryStub{
		teachers: map[string]bool{"teacher-1": true},
		students: map[string]bool{"student-1": true},
	}
	svc := newBillingServiceForTest(newInvoiceStoreStub(), &billingLessonStub{}, directory)

	_, err := svc.Create(context.Background(), adminActor(), CreateInvoiceRequest{
		StudentID: "student-1",
		TeacherID: "teacher-1",
		Month:     3,
		Year:      2024,
		LessonIDs: []string{"lesson-ghost"},
	})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestBillingServiceListScopesStudents(t *testing.T) {
	invoices := newInvoiceStoreStub()
	invoices.byID["inv-1"] = &models.Invoice{ID: "inv-1", StudentID: "student-1", TeacherID: "teacher-1", Month: 3, Year: 2024}
	invoices.byID["inv-2"] = &models.Invoice{ID: "inv-2", StudentID: "student-2", TeacherID: "teacher-1", Month: 3, Year: 2024}
	svc := newBillingServiceForTest(invoices, &billingLessonStub{}, &billingDirectoryStub{})

	out, pagination, err := svc.List(context.Background(), studentActor("student-1"), models.InvoiceFilter{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "inv-1", out[0].ID)
	assert.Equal(t, 1, pagination.TotalCount)
}

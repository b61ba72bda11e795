package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/conservatory-api/internal/models"
)

func newInvoiceRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func invoiceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "student_id", "teacher_id", "month", "year", "lesson_ids",
		"total_amount", "paid_amount", "status", "due_date", "paid_date", "notes", "created_at", "updated_at"})
}

func TestInvoiceRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newInvoiceRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO invoices")).
		WithArgs(sqlmock.AnyArg(), "student-1", "teacher-1", 3, 2024, sqlmock.AnyArg(),
			150.0, 0.0, "pending", sqlmock.AnyArg(), nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	invoice := &models.Invoice{
		StudentID:   "student-1",
		TeacherID:   "teacher-1",
		Month:       3,
		Year:        2024,
		LessonIDs:   pq.StringArray{"lesson-1", "lesson-2", "lesson-3"},
		TotalAmount: 150,
		DueDate:     time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.Create(context.Background(), invoice))
	require.NotEmpty(t, invoice.ID)
	require.Equal(t, models.InvoiceStatusPending, invoice.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryCreateUniqueViolation(t *testing.T) {
	db, mock, cleanup := newInvoiceRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO invoices")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "invoices_billing_period_key"})

	err := repo.Create(context.Background(), &models.Invoice{
		StudentID: "student-1",
		TeacherID: "teacher-1",
		Month:     3,
		Year:      2024,
		DueDate:   time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryFindByKey(t *testing.T) {
	db, mock, cleanup := newInvoiceRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	rows := invoiceRows().AddRow("inv-1", "student-1", "teacher-1", 3, 2024, "{lesson-1}",
		50.0, 0.0, "pending", time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC), nil, nil, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM invoices WHERE student_id = $1 AND teacher_id = $2 AND month = $3 AND year = $4")).
		WithArgs("student-1", "teacher-1", 3, 2024).
		WillReturnRows(rows)

	invoice, err := repo.FindByKey(context.Background(), "student-1", "teacher-1", 3, 2024)
	require.NoError(t, err)
	require.Equal(t, "inv-1", invoice.ID)
	require.Equal(t, pq.StringArray{"lesson-1"}, invoice.LessonIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryList(t *testing.T) {
	db, mock, cleanup := newInvoiceRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	rows := invoiceRows().AddRow("inv-1", "student-1", "teacher-1", 3, 2024, "{lesson-1}",
		50.0, 0.0, "pending", time.Date(2024, time.April, 15, 0, 0, 0, 0, time.UTC), nil, nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT \\* FROM invoices WHERE student_id = \\$1 AND status = \\$2").
		WithArgs("student-1", "pending").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM invoices WHERE student_id = $1 AND status = $2")).
		WithArgs("student-1", "pending").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	invoices, total, err := repo.List(context.Background(), models.InvoiceFilter{
		StudentID: "student-1",
		Status:    models.InvoiceStatusPending,
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, invoices, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryUpdateMissing(t *testing.T) {
	db, mock, cleanup := newInvoiceRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE invoices SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &models.Invoice{ID: "missing"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

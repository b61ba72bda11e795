package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/conservatory-api/internal/models"
	"github.com/cadenzahq/conservatory-api/internal/service"
	appErrors "github.com/cadenzahq/conservatory-api/pkg/errors"
)

type billingServiceMock struct {
	invoice     *models.Invoice
	summary     *models.ReconciliationSummary
	err         error
	lastFilter  models.InvoiceFilter
	lastPayReq  service.MarkPaidRequest
	lastGenReq  service.GenerateInvoicesRequest
	called      string
	deleteErr   error
	deletedID   string
}

func (m *billingServiceMock) GenerateMonthlyInvoices(ctx context.Context, actor *models.JWTClaims, req service.GenerateInvoicesRequest) (*models.ReconciliationSummary, error) {
	m.called = "GenerateMonthlyInvoices"
	m.lastGenReq = req
	return m.summary, m.err
}

func (m *billingServiceMock) MarkAsPaid(ctx context.Context, actor *models.JWTClaims, id string, req service.MarkPaidRequest) (*models.Invoice, error) {
	m.called = "MarkAsPaid"
	m.lastPayReq = req
	return m.invoice, m.err
}

func (m *billingServiceMock) List(ctx context.Context, actor *models.JWTClaims, filter models.InvoiceFilter) ([]models.Invoice, *models.Pagination, error) {
	m.called = "List"
	m.lastFilter = filter
	if m.err != nil {
		return nil, nil, m.err
	}
	return []models.Invoice{*m.invoice}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, nil
}

func (m *billingServiceMock) Get(ctx context.Context, actor *models.JWTClaims, id string) (*models.Invoice, error) {
	m.called = "Get"
	return m.invoice, m.err
}

func (m *billingServiceMock) Create(ctx context.Context, actor *models.JWTClaims, req service.CreateInvoiceRequest) (*models.Invoice, error) {
	m.called = "Create"
	return m.invoice, m.err
}

func (m *billingServiceMock) Update(ctx context.Context, actor *models.JWTClaims, id string, req service.UpdateInvoiceRequest) (*models.Invoice, error) {
	m.called = "Update"
	return m.invoice, m.err
}

func (m *billingServiceMock) Delete(ctx context.Context, actor *models.JWTClaims, id string) error {
	m.called = "Delete"
	m.deletedID = id
	return m.deleteErr
}

func testInvoice() *models.Invoice {
	return &models.Invoice{
		ID:          "invoice-1",
		StudentID:   "student-1",
		TeacherID:   "teacher-1",
		Month:       3,
		Year:        2024,
		TotalAmount: 150,
		Status:      models.InvoiceStatusPending,
	}
}

func TestInvoiceHandlerGenerate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &billingServiceMock{summary: &models.ReconciliationSummary{Generated: 2, Updated: 1}}
	h := NewInvoiceHandler(mockSvc)

	payload, _ := json.Marshal(service.GenerateInvoicesRequest{Month: 3, Year: 2024})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/invoices/generate", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	setClaims(c, models.RoleAdmin)

	h.Generate(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "GenerateMonthlyInvoices", mockSvc.called)
	assert.Equal(t, 3, mockSvc.lastGenReq.Month)
	assert.Equal(t, 2024, mockSvc.lastGenReq.Year)
}

func TestInvoiceHandlerPayEmptyBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &billingServiceMock{invoice: testInvoice()}
	h := NewInvoiceHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/invoices/invoice-1/pay", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "invoice-1"}}
	setClaims(c, models.RoleTeacher)

	h.Pay(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MarkAsPaid", mockSvc.called)
	assert.Nil(t, mockSvc.lastPayReq.PaidAmount)
	assert.Nil(t, mockSvc.lastPayReq.PaidDate)
}

func TestInvoiceHandlerPayWithAmount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &billingServiceMock{invoice: testInvoice()}
	h := NewInvoiceHandler(mockSvc)

	amount := 75.0
	payload, _ := json.Marshal(service.MarkPaidRequest{PaidAmount: &amount})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/invoices/invoice-1/pay", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "invoice-1"}}
	setClaims(c, models.RoleTeacher)

	h.Pay(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, mockSvc.lastPayReq.PaidAmount)
	assert.Equal(t, 75.0, *mockSvc.lastPayReq.PaidAmount)
}

func TestInvoiceHandlerCreateConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &billingServiceMock{err: appErrors.Clone(appErrors.ErrConflict, "invoice already exists for this billing period")}
	h := NewInvoiceHandler(mockSvc)

	payload, _ := json.Marshal(service.CreateInvoiceRequest{
		StudentID:   "student-1",
		TeacherID:   "teacher-1",
		Month:       3,
		Year:        2024,
		TotalAmount: 150,
	})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/invoices", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	setClaims(c, models.RoleAdmin)

	h.Create(c)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestInvoiceHandlerList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &billingServiceMock{invoice: testInvoice()}
	h := NewInvoiceHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/invoices?month=3&year=2024&status=pending", nil)
	c.Request = req
	setClaims(c, models.RoleAdmin)

	h.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, mockSvc.lastFilter.Month)
	assert.Equal(t, 2024, mockSvc.lastFilter.Year)
	assert.Equal(t, models.InvoiceStatusPending, mockSvc.lastFilter.Status)
}

func TestInvoiceHandlerDelete(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &billingServiceMock{}
	h := NewInvoiceHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodDelete, "/invoices/invoice-1", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "invoice-1"}}
	setClaims(c, models.RoleAdmin)

	h.Delete(c)
	c.Writer.WriteHeaderNow()
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "invoice-1", mockSvc.deletedID)
}

func TestInvoiceHandlerDeleteNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &billingServiceMock{deleteErr: appErrors.ErrNotFound}
	h := NewInvoiceHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodDelete, "/invoices/missing", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	setClaims(c, models.RoleAdmin)

	h.Delete(c)
	require.Equal(t, http.StatusNotFound, w.Code)
}

package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cadenzahq/conservatory-api/internal/models"
	"github.com/cadenzahq/conservatory-api/internal/service"
	appErrors "github.com/cadenzahq/conservatory-api/pkg/errors"
	"github.com/cadenzahq/conservatory-api/pkg/response"
)

type billingService interface {
	GenerateMonthlyInvoices(ctx context.Context, actor *models.JWTClaims, req service.GenerateInvoicesRequest) (*models.ReconciliationSummary, error)
	MarkAsPaid(ctx context.Context, actor *models.JWTClaims, id string, req service.MarkPaidRequest) (*models.Invoice, error)
	List(ctx context.Context, actor *models.JWTClaims, filter models.InvoiceFilter) ([]models.Invoice, *models.Pagination, error)
	Get(ctx context.Context, actor *models.JWTClaims, id string) (*models.Invoice, error)
	Create(ctx context.Context, actor *models.JWTClaims, req service.CreateInvoiceRequest) (*models.Invoice, error)
	Update(ctx context.Context, actor *models.JWTClaims, id string, req service.UpdateInvoiceRequest) (*models.Invoice, error)
	Delete(ctx context.Context, actor *models.JWTClaims, id string) error
}

// InvoiceHandler exposes billing endpoints.
type InvoiceHandler struct {
	service billingService
}

// NewInvoiceHandler constructs the handler.
func NewInvoiceHandler(service billingService) *InvoiceHandler {
	return &InvoiceHandler{service: service}
}

// List godoc
// @Summary List invoices visible to the caller
// @Tags Invoices
// @Produce json
// @Param status query string false "Invoice status"
// @Param month query int false "Billing month"
// @Param year query int false "Billing year"
// @Param studentId query string false "Student filter (admin/teacher)"
// @Success 200 {object} response.Envelope
// @Router /invoices [get]
func (h *InvoiceHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := models.InvoiceFilter{
		StudentID: c.Query("studentId"),
		Status:    models.InvoiceStatus(c.Query("status")),
	}
	filter.Month, _ = strconv.Atoi(c.Query("month"))
	filter.Year, _ = strconv.Atoi(c.Query("year"))
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("pageSize", "20"))

	invoices, pagination, err := h.service.List(c.Request.Context(), claims, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoices, pagination)
}

// Get godoc
// @Summary Get an invoice
// @Tags Invoices
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id} [get]
func (h *InvoiceHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	invoice, err := h.service.Get(c.Request.Context(), claims, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}

// Generate godoc
// @Summary Reconcile invoices for a billing period
// @Tags Invoices
// @Accept json
// @Produce json
// @Param payload body service.GenerateInvoicesRequest true "Billing period"
// @Success 200 {object} response.Envelope
// @Router /invoices/generate [post]
func (h *InvoiceHandler) Generate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.GenerateInvoicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid billing period"))
		return
	}
	summary, err := h.service.GenerateMonthlyInvoices(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Pay godoc
// @Summary Mark an invoice paid
// @Tags Invoices
// @Accept json
// @Produce json
// @Param id path string true "Invoice ID"
// @Param payload body service.MarkPaidRequest false "Payment details"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id}/pay [post]
func (h *InvoiceHandler) Pay(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.MarkPaidRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid payment payload"))
			return
		}
	}
	invoice, err := h.service.MarkAsPaid(c.Request.Context(), claims, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}

// Create godoc
// @Summary Create an invoice directly
// @Tags Invoices
// @Accept json
// @Produce json
// @Param payload body service.CreateInvoiceRequest true "Invoice"
// @Success 201 {object} response.Envelope
// @Router /invoices [post]
func (h *InvoiceHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid invoice payload"))
		return
	}
	invoice, err := h.service.Create(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, invoice)
}

// Update godoc
// @Summary Update an invoice directly
// @Tags Invoices
// @Accept json
// @Produce json
// @Param id path string true "Invoice ID"
// @Param payload body service.UpdateInvoiceRequest true "Fields to change"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id} [put]
func (h *InvoiceHandler) Update(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.UpdateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid invoice update payload"))
		return
	}
	invoice, err := h.service.Update(c.Request.Context(), claims, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}

// Delete godoc
// @Summary Delete an invoice
// @Tags Invoices
// @Param id path string true "Invoice ID"
// @Success 204
// @Router /invoices/{id} [delete]
func (h *InvoiceHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Delete(c.Request.Context(), claims, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

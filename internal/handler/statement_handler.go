package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cadenzahq/conservatory-api/internal/models"
	"github.com/cadenzahq/conservatory-api/internal/service"
	appErrors "github.com/cadenzahq/conservatory-api/pkg/errors"
	"github.com/cadenzahq/conservatory-api/pkg/response"
)

type statementService interface {
	CreateJob(ctx context.Context, actor *models.JWTClaims, req service.StatementRequest) (*service.StatementJobResponse, error)
	GetStatus(ctx context.Context, actor *models.JWTClaims, id string) (*service.StatementStatusResponse, error)
	ResolveDownload(ctx context.Context, token string) (*service.StatementDownload, error)
}

// StatementHandler exposes invoice statement export endpoints.
type StatementHandler struct {
	service statementService
}

// NewStatementHandler constructs the handler.
func NewStatementHandler(service statementService) *StatementHandler {
	return &StatementHandler{service: service}
}

// Create godoc
// @Summary Queue an invoice statement export
// @Tags Statements
// @Accept json
// @Produce json
// @Param payload body service.StatementRequest true "Statement parameters"
// @Success 202 {object} response.Envelope
// @Router /statements [post]
func (h *StatementHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.StatementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid statement payload"))
		return
	}
	job, err := h.service.CreateJob(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, job, nil)
}

// Status godoc
// @Summary Statement job status
// @Tags Statements
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Router /statements/{id} [get]
func (h *StatementHandler) Status(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	status, err := h.service.GetStatus(c.Request.Context(), claims, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Download godoc
// @Summary Download a finished statement via signed token
// @Tags Statements
// @Produce application/octet-stream
// @Param token query string true "Signed download token"
// @Success 200
// @Router /statements/download [get]
func (h *StatementHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	download, err := h.service.ResolveDownload(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close()

	contentType := "application/octet-stream"
	switch download.Format {
	case models.StatementFormatCSV:
		contentType = "text/csv"
	case models.StatementFormatPDF:
		contentType = "application/pdf"
	}

	info, err := download.File.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stat export file"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download.Filename))
	c.DataFromReader(http.StatusOK, info.Size(), contentType, download.File, nil)
}

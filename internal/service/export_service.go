package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cadenzahq/conservatory-api/internal/models"
	"github.com/cadenzahq/conservatory-api/pkg/export"
	"github.com/cadenzahq/conservatory-api/pkg/storage"
)

type statementInvoiceSource interface {
	List(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, int, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.StatementFormat
	ExpiresAt    time.Time
}

// ExportService renders invoice statements and persists the files.
type ExportService struct {
	invoices statementInvoiceSource
	storage  fileStorage
	csv      csvRenderer
	pdf      pdfRenderer
	signer   *storage.SignedURLSigner
	logger   *zap.Logger
	cfg      ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(invoices statementInvoiceSource, files fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		invoices: invoices,
		storage:  files,
		csv:      csv,
		pdf:      pdf,
		signer:   signer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Generate builds the statement dataset for a job and stores the
// rendered file.
func (s *ExportService) Generate(ctx context.Context, job *models.StatementJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job.Params)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.StatementFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.StatementFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	signedURL := fmt.Sprintf("%s/statements/download?token=%s", prefix, token)

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.StatementJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("statement_%04d-%02d_%s.%s", job.Params.Year, job.Params.Month, timestamp, job.Params.Format)
}

func (s *ExportService) buildDataset(ctx context.Context, params models.StatementJobParams) (export.Dataset, string, error) {
	filter := models.InvoiceFilter{
		Month:    params.Month,
		Year:     params.Year,
		PageSize: 100,
	}
	if params.TeacherID != nil {
		filter.TeacherID = *params.TeacherID
	}
	if params.StudentID != nil {
		filter.StudentID = *params.StudentID
	}

	var invoices []models.Invoice
	for page := 1; ; page++ {
		filter.Page = page
		batch, total, err := s.invoices.List(ctx, filter)
		if err != nil {
			return export.Dataset{}, "", err
		}
		invoices = append(invoices, batch...)
		if len(invoices) >= total || len(batch) == 0 {
			break
		}
	}

	rows := make([]map[string]string, 0, len(invoices))
	for _, invoice := range invoices {
		paidDate := ""
		if invoice.PaidDate != nil {
			paidDate = invoice.PaidDate.UTC().Format("2006-01-02")
		}
		rows = append(rows, map[string]string{
			"Invoice ID": invoice.ID,
			"Student ID": invoice.StudentID,
			"Teacher ID": invoice.TeacherID,
			"Lessons":    fmt.Sprintf("%d", len(invoice.LessonIDs)),
			"Total":      fmt.Sprintf("%.2f", invoice.TotalAmount),
			"Paid":       fmt.Sprintf("%.2f", invoice.PaidAmount),
			"Status":     string(invoice.Status),
			"Due Date":   invoice.DueDate.UTC().Format("2006-01-02"),
			"Paid Date":  paidDate,
		})
	}

	dataset := export.Dataset{
		Headers: []string{"Invoice ID", "Student ID", "Teacher ID", "Lessons", "Total", "Paid", "Status", "Due Date", "Paid Date"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Invoice Statement %04d-%02d", params.Year, params.Month)
	return dataset, title, nil
}

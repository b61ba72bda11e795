package service

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cadenzahq/conservatory-api/internal/models"
	"github.com/cadenzahq/conservatory-api/internal/repository"
	appErrors "github.com/cadenzahq/conservatory-api/pkg/errors"
	"github.com/cadenzahq/conservatory-api/pkg/jobs"
)

type statementJobStore interface {
	Create(ctx context.Context, job *models.StatementJob) error
	GetByID(ctx context.Context, id string) (*models.StatementJob, error)
	Update(ctx context.Context, id string, params repository.UpdateStatementJobParams) error
	ListQueued(ctx context.Context, limit int) ([]models.StatementJob, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.StatementJob, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type exportGenerator interface {
	Generate(ctx context.Context, job *models.StatementJob) (*ExportResult, error)
}

// StatementRequest queues a statement export.
type StatementRequest struct {
	Month     int                    `json:"month" validate:"required,min=1,max=12"`
	Year      int                    `json:"year" validate:"required,min=2000,max=2100"`
	Format    models.StatementFormat `json:"format" validate:"required"`
	StudentID *string                `json:"student_id,omitempty"`
}

// StatementJobResponse is the queued-job acknowledgement.
type StatementJobResponse struct {
	ID       string                 `json:"id"`
	Status   models.StatementStatus `json:"status"`
	Progress int                    `json:"progress"`
}

// StatementStatusResponse exposes job progress to clients.
type StatementStatusResponse struct {
	ID        string                 `json:"id"`
	Status    models.StatementStatus `json:"status"`
	Progress  int                    `json:"progress"`
	ResultURL *string                `json:"result_url,omitempty"`
	Error     *string                `json:"error,omitempty"`
}

// StatementDownload aggregates resolved download data.
type StatementDownload struct {
	File      *os.File
	Filename  string
	Format    models.StatementFormat
	ExpiresAt time.Time
}

// StatementServiceConfig governs queue recovery and cleanup.
type StatementServiceConfig struct {
	ResultTTL       time.Duration
	CleanupInterval time.Duration
	MaxRetries      int
}

// StatementService orchestrates statement export job lifecycles.
type StatementService struct {
	repo     statementJobStore
	queue    jobDispatcher
	exporter *ExportService
	logger   *zap.Logger
	cfg      StatementServiceConfig
}

// NewStatementService constructs the statement service.
func NewStatementService(repo statementJobStore, queue jobDispatcher, exporter *ExportService, logger *zap.Logger, cfg StatementServiceConfig) *StatementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &StatementService{
		repo:     repo,
		queue:    queue,
		exporter: exporter,
		logger:   logger,
		cfg:      cfg,
	}
}

// CreateJob validates the request, persists the job, and enqueues
// processing. Teachers are scoped to their own invoices.
func (s *StatementService) CreateJob(ctx context.Context, actor *models.JWTClaims, req StatementRequest) (*StatementJobResponse, error) {
	if req.Month < 1 || req.Month > 12 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "month must be between 1 and 12")
	}
	if req.Year < 2000 || req.Year > 2100 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "year is out of range")
	}
	if req.Format != models.StatementFormatCSV && req.Format != models.StatementFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported statement format")
	}

	params := models.StatementJobParams{
		Month:     req.Month,
		Year:      req.Year,
		StudentID: req.StudentID,
		Format:    req.Format,
	}
	switch actor.Role {
	case models.RoleAdmin:
	case models.RoleTeacher:
		teacherID := actor.UserID
		params.TeacherID = &teacherID
	default:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only teachers and admins may export statements")
	}

	job := &models.StatementJob{
		Params:    params,
		Status:    models.StatementStatusQueued,
		Progress:  0,
		CreatedBy: actor.UserID,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create statement job")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "statement"}); err != nil {
		status := models.StatementStatusFailed
		msg := "failed to enqueue job"
		now := time.Now().UTC()
		progress := 100
		_ = s.repo.Update(ctx, job.ID, repository.UpdateStatementJobParams{
			Status:       &status,
			Progress:     &progress,
			ErrorMessage: &msg,
			FinishedAt:   &now,
		})
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue statement job")
	}
	return &StatementJobResponse{ID: job.ID, Status: job.Status, Progress: job.Progress}, nil
}

// GetStatus exposes job metadata, enforcing ownership below admin.
func (s *StatementService) GetStatus(ctx context.Context, actor *models.JWTClaims, id string) (*StatementStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "statement job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load statement job")
	}
	if actor.Role != models.RoleAdmin && job.CreatedBy != actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to view this job")
	}
	resp := &StatementStatusResponse{
		ID:       job.ID,
		Status:   job.Status,
		Progress: job.Progress,
	}
	if job.ResultURL != nil {
		resp.ResultURL = job.ResultURL
	}
	if job.ErrorMessage != nil && *job.ErrorMessage != "" {
		resp.Error = job.ErrorMessage
	}
	return resp, nil
}

// ResolveDownload validates a token and opens the stored export file.
func (s *StatementService) ResolveDownload(ctx context.Context, token string) (*StatementDownload, error) {
	jobID, relPath, expiresAt, err := s.exporter.ParseToken(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "statement job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load statement job")
	}
	if job.ResultURL == nil || !strings.HasSuffix(*job.ResultURL, token) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	if job.Status != models.StatementStatusFinished {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "statement not ready")
	}
	file, err := s.exporter.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export file")
	}
	return &StatementDownload{
		File:      file,
		Filename:  filepath.Base(relPath),
		Format:    job.Params.Format,
		ExpiresAt: expiresAt,
	}, nil
}

// RecoverPendingJobs replays queued jobs after a process restart.
func (s *StatementService) RecoverPendingJobs(ctx context.Context) {
	pending, err := s.repo.ListQueued(ctx, 50)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover queued statement jobs", "error", err)
		return
	}
	for _, job := range pending {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: "statement"}); err != nil {
			s.logger.Sugar().Warnw("failed to requeue pending job", "job_id", job.ID, "error", err)
		}
	}
}

// StartCleanup boots a goroutine that purges expired exports periodically.
func (s *StatementService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupExpired(ctx)
			}
		}
	}()
}

func (s *StatementService) cleanupExpired(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ResultTTL)
	for {
		expired, err := s.repo.ListFinishedBefore(ctx, cutoff, 100)
		if err != nil {
			s.logger.Sugar().Warnw("cleanup list failed", "error", err)
			return
		}
		if len(expired) == 0 {
			break
		}
		for _, job := range expired {
			if job.ResultURL == nil {
				continue
			}
			token := extractToken(*job.ResultURL)
			if token == "" {
				continue
			}
			_, relPath, _, err := s.exporter.ParseToken(token, true)
			if err != nil {
				continue
			}
			if err := s.exporter.Delete(relPath); err != nil {
				s.logger.Sugar().Warnw("cleanup delete failed", "job_id", job.ID, "error", err)
			}
		}
		if len(expired) < 100 {
			break
		}
	}
	if _, err := s.exporter.Cleanup(s.cfg.ResultTTL); err != nil {
		s.logger.Sugar().Warnw("filesystem cleanup failed", "error", err)
	}
}

func extractToken(url string) string {
	if url == "" {
		return ""
	}
	if idx := strings.LastIndex(url, "token="); idx >= 0 {
		return url[idx+len("token="):]
	}
	parts := strings.Split(url, "/")
	return parts[len(parts)-1]
}

// StatementWorker bridges queue jobs to the exporter.
type StatementWorker struct {
	repo       statementJobStore
	exporter   exportGenerator
	metrics    *MetricsService
	logger     *zap.Logger
	maxRetries int
}

// NewStatementWorker constructs a worker.
func NewStatementWorker(repo statementJobStore, exporter exportGenerator, metrics *MetricsService, maxRetries int, logger *zap.Logger) *StatementWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &StatementWorker{
		repo:       repo,
		exporter:   exporter,
		metrics:    metrics,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// Handle processes a queue job.
func (w *StatementWorker) Handle(ctx context.Context, job jobs.Job) error {
	record, err := w.repo.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	processing := models.StatementStatusProcessing
	progress := 10
	if err := w.repo.Update(ctx, job.ID, repository.UpdateStatementJobParams{
		Status:   &processing,
		Progress: &progress,
	}); err != nil {
		return err
	}
	result, err := w.exporter.Generate(ctx, record)
	if err != nil {
		msg := err.Error()
		if job.Attempt >= w.maxRetries {
			failed := models.StatementStatusFailed
			progress = 100
			now := time.Now().UTC()
			if updateErr := w.repo.Update(ctx, job.ID, repository.UpdateStatementJobParams{
				Status:       &failed,
				Progress:     &progress,
				ErrorMessage: &msg,
				FinishedAt:   &now,
			}); updateErr != nil {
				w.logger.Sugar().Warnw("failed to mark job failed", "job_id", job.ID, "error", updateErr)
			}
			w.metrics.ObserveStatementJob("failed")
		} else {
			queued := models.StatementStatusQueued
			reset := 0
			if updateErr := w.repo.Update(ctx, job.ID, repository.UpdateStatementJobParams{
				Status:       &queued,
				Progress:     &reset,
				ErrorMessage: &msg,
			}); updateErr != nil {
				w.logger.Sugar().Warnw("failed to mark job queued", "job_id", job.ID, "error", updateErr)
			}
		}
		return err
	}
	finished := models.StatementStatusFinished
	progress = 100
	now := time.Now().UTC()
	url := result.URL
	noError := ""
	if err := w.repo.Update(ctx, job.ID, repository.UpdateStatementJobParams{
		Status:       &finished,
		Progress:     &progress,
		ResultURL:    &url,
		ErrorMessage: &noError,
		FinishedAt:   &now,
	}); err != nil {
		w.logger.Sugar().Warnw("failed to mark job finished", "job_id", job.ID, "error", err)
		return err
	}
	w.metrics.ObserveStatementJob("finished")
	return nil
}

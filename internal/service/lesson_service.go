package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cadenzahq/conservatory-api/internal/models"
	appErrors "github.com/cadenzahq/conservatory-api/pkg/errors"
)

type lessonRepository interface {
	List(ctx context.Context, filter models.LessonFilter) ([]models.Lesson, int, error)
	FindByID(ctx context.Context, id string) (*models.Lesson, error)
	Create(ctx context.Context, lesson *models.Lesson) error
	Update(ctx context.Context, lesson *models.Lesson) error
}

type lessonDirectory interface {
	RequireTeacher(ctx context.Context, id string) (*models.Person, error)
	ValidateStudents(ctx context.Context, studentIDs []string) ([]string, error)
}

type auditRecorder interface {
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
}

// CreateLessonRequest captures input for booking a lesson.
type CreateLessonRequest struct {
	Type            models.LessonType `json:"type" validate:"required"`
	Title           string            `json:"title" validate:"required,min=2,max=200"`
	Description     *string           `json:"description,omitempty"`
	TeacherID       string            `json:"teacher_id,omitempty"`
	StudentIDs      []string          `json:"student_ids" validate:"required,min=1,dive,required"`
	ScheduledDate   time.Time         `json:"scheduled_date" validate:"required"`
	DurationMinutes int               `json:"duration_minutes" validate:"required,min=15,max=240"`
	Location        *string           `json:"location,omitempty"`
	Notes           *string           `json:"notes,omitempty"`
}

// UpdateLessonRequest captures a direct edit by the owning teacher.
// Nil fields are left unchanged.
type UpdateLessonRequest struct {
	Type            *models.LessonType   `json:"type,omitempty"`
	Title           *string              `json:"title,omitempty" validate:"omitempty,min=2,max=200"`
	Description     *string              `json:"description,omitempty"`
	StudentIDs      []string             `json:"student_ids,omitempty"`
	ScheduledDate   *time.Time           `json:"scheduled_date,omitempty"`
	DurationMinutes *int                 `json:"duration_minutes,omitempty" validate:"omitempty,min=15,max=240"`
	Location        *string              `json:"location,omitempty"`
	Notes           *string              `json:"notes,omitempty"`
	Status          *models.LessonStatus `json:"status,omitempty"`
}

// RescheduleRequest opens a reschedule negotiation.
type RescheduleRequest struct {
	Reason  string     `json:"reason" validate:"required,min=2,max=500"`
	NewDate *time.Time `json:"new_date,omitempty"`
}

// CancelRequest opens a cancellation negotiation.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required,min=2,max=500"`
}

// DecisionRequest resolves a pending negotiation.
type DecisionRequest struct {
	Approved *bool      `json:"approved" validate:"required"`
	NewDate  *time.Time `json:"new_date,omitempty"`
}

// LessonService owns the lesson lifecycle: booking, the negotiated
// reschedule/cancel protocol, and direct teacher edits.
type LessonService struct {
	repo      lessonRepository
	directory lessonDirectory
	audit     auditRecorder
	validator *validator.Validate
	logger    *zap.Logger
}

// NewLessonService constructs a LessonService.
func NewLessonService(repo lessonRepository, directory lessonDirectory, audit auditRecorder, validate *validator.Validate, logger *zap.Logger) *LessonService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &LessonService{repo: repo, directory: directory, audit: audit, validator: validate, logger: logger}
}

// List returns lessons visible to the actor. Students see lessons they
// are enrolled on, teachers see lessons they own, admins see all.
func (s *LessonService) List(ctx context.Context, actor *models.JWTClaims, filter models.LessonFilter) ([]models.Lesson, *models.Pagination, error) {
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

	lessons, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list lessons")
	}
	return lessons, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Get returns a single lesson if the actor may see it.
func (s *LessonService) Get(ctx context.Context, actor *models.JWTClaims, id string) (*models.Lesson, error) {
	lesson, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canViewLesson(actor, lesson) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to view this lesson")
	}
	return lesson, nil
}

// Create books a new lesson. Teachers book for themselves; admins may
// book on behalf of any teacher.
func (s *LessonService) Create(ctx context.Context, actor *models.JWTClaims, req CreateLessonRequest) (*models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid lesson payload")
	}
	if !models.ValidLessonType(req.Type) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown lesson type %q", req.Type))
	}

	teacherID := req.TeacherID
	switch actor.Role {
	case models.RoleTeacher:
		if teacherID != "" && teacherID != actor.UserID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "teachers may only book their own lessons")
		}
		teacherID = actor.UserID
	case models.RoleAdmin:
		if teacherID == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "teacher_id is required")
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only teachers may book lessons")
	}

	if _, err := s.directory.RequireTeacher(ctx, teacherID); err != nil {
		return nil, err
	}
	missing, err := s.directory.ValidateStudents(ctx, req.StudentIDs)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown students: %v", missing))
	}

	lesson := &models.Lesson{
		Type:            req.Type,
		Title:           req.Title,
		Description:     req.Description,
		TeacherID:       teacherID,
		StudentIDs:      pq.StringArray(req.StudentIDs),
		ScheduledDate:   req.ScheduledDate,
		DurationMinutes: req.DurationMinutes,
		Status:          models.LessonStatusScheduled,
		Location:        req.Location,
		Notes:           req.Notes,
	}
	if err := s.repo.Create(ctx, lesson); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create lesson")
	}

	s.recordAudit(ctx, actor, models.AuditActionLessonCreate, lesson.ID, nil)
	return lesson, nil
}

// Update applies a direct edit by the owning teacher or an admin. The
// edit is rejected while a negotiation is pending, and status may only
// be moved to completed this way.
func (s *LessonService) Update(ctx context.Context, actor *models.JWTClaims, id string, req UpdateLessonRequest) (*models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid lesson update payload")
	}

	lesson, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isOwnerOrAdmin(actor, lesson) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the owning teacher may edit this lesson")
	}
	if lesson.Pending() != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "lesson has a pending change awaiting decision")
	}

	if req.Status != nil {
		if *req.Status != models.LessonStatusCompleted {
			return nil, appErrors.Clone(appErrors.ErrConflict, "status may only be set to completed directly")
		}
		if lesson.Status == models.LessonStatusCancelled {
			return nil, appErrors.Clone(appErrors.ErrConflict, "cancelled lessons cannot be completed")
		}
	}
	if req.Type != nil && !models.ValidLessonType(*req.Type) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown lesson type %q", *req.Type))
	}
	if req.StudentIDs != nil {
		if len(req.StudentIDs) == 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "student list cannot be empty")
		}
		missing, err := s.directory.ValidateStudents(ctx, req.StudentIDs)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown students: %v", missing))
		}
	}

	if req.Type != nil {
		lesson.Type = *req.Type
	}
	if req.Title != nil {
		lesson.Title = *req.Title
	}
	if req.Description != nil {
		lesson.Description = req.Description
	}
	if req.StudentIDs != nil {
		lesson.StudentIDs = pq.StringArray(req.StudentIDs)
	}
	if req.ScheduledDate != nil {
		lesson.ScheduledDate = *req.ScheduledDate
	}
	if req.DurationMinutes != nil {
		lesson.DurationMinutes = *req.DurationMinutes
	}
	if req.Location != nil {
		lesson.Location = req.Location
	}
	if req.Notes != nil {
		lesson.Notes = req.Notes
	}
	if req.Status != nil {
		lesson.Status = *req.Status
	}

	if err := s.repo.Update(ctx, lesson); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update lesson")
	}

	s.recordAudit(ctx, actor, models.AuditActionLessonEdit, lesson.ID, nil)
	return lesson, nil
}

// ConfirmAttendance records a student's confirmation of a scheduled
// lesson.
func (s *LessonService) ConfirmAttendance(ctx context.Context, actor *models.JWTClaims, id string) (*models.Lesson, error) {
	lesson, err := s.requireEnrolled(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if lesson.Status != models.LessonStatusScheduled {
		return nil, transitionConflict(lesson.Status, "confirm")
	}

	lesson.Status = models.LessonStatusConfirmed
	lesson.AttendanceConfirmed = true
	if err := s.repo.Update(ctx, lesson); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to confirm lesson")
	}
	return lesson, nil
}

// RequestReschedule opens a reschedule negotiation on a scheduled
// lesson. A proposed date, when given, is applied tentatively and the
// prior date is retained so a denial can restore it.
func (s *LessonService) RequestReschedule(ctx context.Context, actor *models.JWTClaims, id string, req RescheduleRequest) (*models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reschedule payload")
	}

	lesson, err := s.requireEnrolled(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if lesson.Status != models.LessonStatusScheduled {
		return nil, transitionConflict(lesson.Status, "reschedule")
	}

	prior := lesson.ScheduledDate
	lesson.SetPending(models.PendingKindReschedule, req.Reason, req.NewDate, &prior)
	if req.NewDate != nil {
		lesson.ScheduledDate = *req.NewDate
	}
	lesson.Status = models.LessonStatusRescheduling

	if err := s.repo.Update(ctx, lesson); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to request reschedule")
	}
	return lesson, nil
}

// RequestCancel opens a cancellation negotiation on a scheduled lesson.
func (s *LessonService) RequestCancel(ctx context.Context, actor *models.JWTClaims, id string, req CancelRequest) (*models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid cancel payload")
	}

	lesson, err := s.requireEnrolled(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if lesson.Status != models.LessonStatusScheduled {
		return nil, transitionConflict(lesson.Status, "cancel")
	}

	lesson.SetPending(models.PendingKindCancel, req.Reason, nil, nil)
	lesson.Status = models.LessonStatusCancelling

	if err := s.repo.Update(ctx, lesson); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to request cancellation")
	}
	return lesson, nil
}

// DecideReschedule resolves a pending reschedule. Approval keeps the
// tentative date or overwrites it with a supplied one; denial restores
// the prior date. Either way the lesson returns to scheduled.
func (s *LessonService) DecideReschedule(ctx context.Context, actor *models.JWTClaims, id string, req DecisionRequest) (*models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}

	lesson, err := s.requireOwner(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	pending := lesson.Pending()
	if lesson.Status != models.LessonStatusRescheduling || pending == nil || pending.Kind != models.PendingKindReschedule {
		return nil, transitionConflict(lesson.Status, "decide reschedule")
	}

	if *req.Approved {
		if req.NewDate != nil {
			lesson.ScheduledDate = *req.NewDate
		}
	} else if pending.PriorDate != nil {
		lesson.ScheduledDate = *pending.PriorDate
	}
	reason := pending.Reason
	lesson.RescheduleReason = &reason
	lesson.Status = models.LessonStatusScheduled
	lesson.ClearPending()

	if err := s.repo.Update(ctx, lesson); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decide reschedule")
	}

	s.recordAudit(ctx, actor, models.AuditActionLessonDecision, lesson.ID, req.Approved)
	return lesson, nil
}

// DecideCancel resolves a pending cancellation. The cancel reason is
// retained for audit whichever way the decision goes.
func (s *LessonService) DecideCancel(ctx context.Context, actor *models.JWTClaims, id string, req DecisionRequest) (*models.Lesson, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}

	lesson, err := s.requireOwner(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	pending := lesson.Pending()
	if lesson.Status != models.LessonStatusCancelling || pending == nil || pending.Kind != models.PendingKindCancel {
		return nil, transitionConflict(lesson.Status, "decide cancel")
	}

	reason := pending.Reason
	lesson.CancelReason = &reason
	if *req.Approved {
		lesson.Status = models.LessonStatusCancelled
	} else {
		lesson.Status = models.LessonStatusScheduled
	}
	lesson.ClearPending()

	if err := s.repo.Update(ctx, lesson); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decide cancellation")
	}

	s.recordAudit(ctx, actor, models.AuditActionLessonDecision, lesson.ID, req.Approved)
	return lesson, nil
}

func (s *LessonService) load(ctx context.Context, id string) (*models.Lesson, error) {
	lesson, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "lesson not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load lesson")
	}
	return lesson, nil
}

func (s *LessonService) requireEnrolled(ctx context.Context, actor *models.JWTClaims, id string) (*models.Lesson, error) {
	lesson, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleStudent || !lesson.HasStudent(actor.UserID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only an enrolled student may perform this action")
	}
	return lesson, nil
}

func (s *LessonService) requireOwner(ctx context.Context, actor *models.JWTClaims, id string) (*models.Lesson, error) {
	lesson, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isOwnerOrAdmin(actor, lesson) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the owning teacher may decide this change")
	}
	return lesson, nil
}

func (s *LessonService) recordAudit(ctx context.Context, actor *models.JWTClaims, action, lessonID string, approved *bool) {
	if s.audit == nil {
		return
	}
	var details []byte
	if approved != nil {
		details = []byte(fmt.Sprintf(`{"approved":%t}`, *approved))
	}
	entry := &models.AuditLog{
		PersonID:   &actor.UserID,
		Action:     action,
		Resource:   "lesson",
		ResourceID: &lessonID,
		Details:    details,
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record lesson audit log", zap.String("lesson_id", lessonID), zap.Error(err))
	}
}

func canViewLesson(actor *models.JWTClaims, lesson *models.Lesson) bool {
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RoleTeacher:
		return lesson.TeacherID == actor.UserID
	case models.RoleStudent:
		return lesson.HasStudent(actor.UserID)
	default:
		return false
	}
}

func isOwnerOrAdmin(actor *models.JWTClaims, lesson *models.Lesson) bool {
	if actor.Role == models.RoleAdmin {
		return true
	}
	return actor.Role == models.RoleTeacher && lesson.TeacherID == actor.UserID
}

func transitionConflict(from models.LessonStatus, action string) error {
	return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("cannot %s a lesson in status %q", action, from))
}

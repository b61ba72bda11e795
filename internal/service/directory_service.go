package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cadenzahq/conservatory-api/internal/models"
	appErrors "github.com/cadenzahq/conservatory-api/pkg/errors"
)

type directoryPersonRepository interface {
	FindByID(ctx context.Context, id string) (*models.Person, error)
	FindDetailByID(ctx context.Context, id string) (*models.PersonDetail, error)
	TeacherLessonRate(ctx context.Context, teacherID string) (float64, bool, error)
	ValidateIDsByRole(ctx context.Context, ids []string, role models.Role) (map[string]bool, error)
}

type directoryCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// DirectoryService exposes person lookups shared by the lesson and
// billing flows, with teacher rates cached in Redis.
type DirectoryService struct {
	repo    directoryPersonRepository
	cache   directoryCache
	logger  *zap.Logger
	rateTTL time.Duration
}

// NewDirectoryService constructs a DirectoryService.
func NewDirectoryService(repo directoryPersonRepository, cache directoryCache, logger *zap.Logger, rateTTL time.Duration) *DirectoryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rateTTL <= 0 {
		rateTTL = 10 * time.Minute
	}
	return &DirectoryService{repo: repo, cache: cache, logger: logger, rateTTL: rateTTL}
}

// GetPerson returns a person with role profile data.
func (s *DirectoryService) GetPerson(ctx context.Context, id string) (*models.PersonDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "person not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load person")
	}
	return detail, nil
}

// RequireTeacher loads a person and verifies the TEACHER role.
func (s *DirectoryService) RequireTeacher(ctx context.Context, id string) (*models.Person, error) {
	person, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "teacher not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
	}
	if person.Role != models.RoleTeacher {
		return nil, appErrors.Clone(appErrors.ErrValidation, "referenced person is not a teacher")
	}
	return person, nil
}

// ValidateStudents verifies every ID references an existing student and
// returns the missing IDs.
func (s *DirectoryService) ValidateStudents(ctx context.Context, studentIDs []string) ([]string, error) {
	existing, err := s.repo.ValidateIDsByRole(ctx, studentIDs, models.RoleStudent)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate students")
	}
	var missing []string
	for _, id := range studentIDs {
		if !existing[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// TeacherRate returns the billable per-lesson rate for a teacher.
// Teachers without a configured rate bill at zero.
func (s *DirectoryService) TeacherRate(ctx context.Context, teacherID string) (float64, error) {
	key := teacherRateCacheKey(teacherID)
	if s.cache != nil {
		var cached float64
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("teacher rate cache read failed", zap.String("teacher_id", teacherID), zap.Error(err))
		}
	}

	rate, _, err := s.repo.TeacherLessonRate(ctx, teacherID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher rate")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, rate, s.rateTTL); err != nil {
			s.logger.Warn("teacher rate cache write failed", zap.String("teacher_id", teacherID), zap.Error(err))
		}
	}
	return rate, nil
}

// InvalidateTeacherRate drops the cached rate for a teacher.
func (s *DirectoryService) InvalidateTeacherRate(ctx context.Context, teacherID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, teacherRateCacheKey(teacherID)); err != nil {
		s.logger.Warn("teacher rate cache invalidation failed", zap.String("teacher_id", teacherID), zap.Error(err))
	}
}

func teacherRateCacheKey(teacherID string) string {
	return fmt.Sprintf("directory:teacher-rate:%s", teacherID)
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cadenzahq/conservatory-api/internal/models"
)

// PersonRepository provides read access to the people directory and
// writes to the audit trail.
type PersonRepository struct {
	db *sqlx.DB
}

// NewPersonRepository constructs a PersonRepository.
func NewPersonRepository(db *sqlx.DB) *PersonRepository {
	return &PersonRepository{db: db}
}

// FindByID fetches a person record.
func (r *PersonRepository) FindByID(ctx context.Context, id string) (*models.Person, error) {
	var person models.Person
	if err := r.db.GetContext(ctx, &person, "SELECT * FROM persons WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &person, nil
}

// FindDetailByID fetches a person together with any role profile rows.
func (r *PersonRepository) FindDetailByID(ctx context.Context, id string) (*models.PersonDetail, error) {
	person, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &models.PersonDetail{Person: *person}

	switch person.Role {
	case models.RoleTeacher:
		var profile models.TeacherProfile
		err := r.db.GetContext(ctx, &profile, "SELECT * FROM teacher_profiles WHERE person_id = $1", id)
		if err == nil {
			detail.Teacher = &profile
		} else if !isNoRows(err) {
			return nil, fmt.Errorf("teacher profile: %w", err)
		}
	case models.RoleStudent:
		var profile models.StudentProfile
		err := r.db.GetContext(ctx, &profile, "SELECT * FROM student_profiles WHERE person_id = $1", id)
		if err == nil {
			detail.Student = &profile
		} else if !isNoRows(err) {
			return nil, fmt.Errorf("student profile: %w", err)
		}
	}
	return detail, nil
}

// TeacherLessonRate returns the configured per-lesson rate for a teacher,
// or (0, false) when no rate has been set.
func (r *PersonRepository) TeacherLessonRate(ctx context.Context, teacherID string) (float64, bool, error) {
	var rate *float64
	err := r.db.GetContext(ctx, &rate,
		"SELECT lesson_rate FROM teacher_profiles WHERE person_id = $1", teacherID)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("teacher rate: %w", err)
	}
	if rate == nil {
		return 0, false, nil
	}
	return *rate, true, nil
}

// ValidateIDsByRole checks which of the given person IDs exist with the
// expected role. Results map ID to presence.
func (r *PersonRepository) ValidateIDsByRole(ctx context.Context, ids []string, role models.Role) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	const chunkSize = 100
	existing := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		placeholders := make([]string, len(chunk))
		args := []interface{}{role}
		for i, id := range chunk {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, id)
		}
		query := fmt.Sprintf("SELECT id FROM persons WHERE role = $1 AND id IN (%s)", strings.Join(placeholders, ","))
		rows, err := r.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("validate persons: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan person id: %w", err)
			}
			existing[id] = true
		}
		rows.Close()
	}
	return existing, nil
}

// CreateAuditLog records an action against the audit trail. Failures are
// returned to the caller, which typically only logs them.
func (r *PersonRepository) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, person_id, action, resource, resource_id, details, ip_address, user_agent, created_at)
	VALUES (:id, :person_id, :action, :resource, :resource_id, :details, :ip_address, :user_agent, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

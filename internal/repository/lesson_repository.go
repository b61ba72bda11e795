package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cadenzahq/conservatory-api/internal/models"
)

const lessonColumns = `l.id, l.type, l.title, l.description, l.teacher_id, l.scheduled_date,
	l.duration_minutes, l.status, l.attendance_confirmed, l.location, l.notes,
	l.reschedule_reason, l.cancel_reason, l.pending_kind, l.pending_reason,
	l.pending_proposed_date, l.pending_prior_date, l.created_at, l.updated_at,
	COALESCE(array_agg(ls.student_id::text) FILTER (WHERE ls.student_id IS NOT NULL), '{}') AS student_ids`

// LessonRepository manages persistence for lessons and their student sets.
type LessonRepository struct {
	db *sqlx.DB
}

// NewLessonRepository constructs a LessonRepository.
func NewLessonRepository(db *sqlx.DB) *LessonRepository {
	return &LessonRepository{db: db}
}

// List returns lessons matching filters along with total count.
func (r *LessonRepository) List(ctx context.Context, filter models.LessonFilter) ([]models.Lesson, int, error) {
	base := "FROM lessons l LEFT JOIN lesson_students ls ON ls.lesson_id = l.id"
	var conditions []string
	var args []interface{}

	if filter.TeacherID != "" {
		conditions = append(conditions, fmt.Sprintf("l.teacher_id = $%d", len(args)+1))
		args = append(args, filter.TeacherID)
	}
	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("l.id IN (SELECT lesson_id FROM lesson_students WHERE student_id = $%d)", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("l.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("l.scheduled_date >= $%d", len(args)+1))
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("l.scheduled_date <= $%d", len(args)+1))
		args = append(args, *filter.To)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s GROUP BY l.id ORDER BY l.scheduled_date %s LIMIT %d OFFSET %d",
		lessonColumns, base+clause, order, size, offset)
	var lessons []models.Lesson
	if err := r.db.SelectContext(ctx, &lessons, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list lessons: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(DISTINCT l.id) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count lessons: %w", err)
	}

	return lessons, total, nil
}

// FindByID fetches a lesson with its enrolled student ids.
func (r *LessonRepository) FindByID(ctx context.Context, id string) (*models.Lesson, error) {
	query := fmt.Sprintf(`SELECT %s FROM lessons l
	LEFT JOIN lesson_students ls ON ls.lesson_id = l.id
	WHERE l.id = $1 GROUP BY l.id`, lessonColumns)
	var lesson models.Lesson
	if err := r.db.GetContext(ctx, &lesson, query, id); err != nil {
		return nil, err
	}
	return &lesson, nil
}

// ListForPeriod returns lessons scheduled within [from, to] whose status
// is in the provided set. Used by the billing reconciliation scan.
func (r *LessonRepository) ListForPeriod(ctx context.Context, from, to time.Time, statuses []models.LessonStatus) ([]models.Lesson, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := []interface{}{from, to}
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, status)
	}
	query := fmt.Sprintf(`SELECT %s FROM lessons l
	LEFT JOIN lesson_students ls ON ls.lesson_id = l.id
	WHERE l.scheduled_date >= $1 AND l.scheduled_date <= $2 AND l.status IN (%s)
	GROUP BY l.id ORDER BY l.scheduled_date ASC`, lessonColumns, strings.Join(placeholders, ","))

	var lessons []models.Lesson
	if err := r.db.SelectContext(ctx, &lessons, query, args...); err != nil {
		return nil, fmt.Errorf("list period lessons: %w", err)
	}
	return lessons, nil
}

// Create inserts a new lesson record and its student set.
func (r *LessonRepository) Create(ctx context.Context, lesson *models.Lesson) error {
	if lesson.ID == "" {
		lesson.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if lesson.CreatedAt.IsZero() {
		lesson.CreatedAt = now
	}
	lesson.UpdatedAt = now
	if lesson.Status == "" {
		lesson.Status = models.LessonStatusScheduled
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create lesson: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO lessons (id, type, title, description, teacher_id, scheduled_date,
		duration_minutes, status, attendance_confirmed, location, notes,
		reschedule_reason, cancel_reason, pending_kind, pending_reason,
		pending_proposed_date, pending_prior_date, created_at, updated_at)
	VALUES (:id, :type, :title, :description, :teacher_id, :scheduled_date,
		:duration_minutes, :status, :attendance_confirmed, :location, :notes,
		:reschedule_reason, :cancel_reason, :pending_kind, :pending_reason,
		:pending_proposed_date, :pending_prior_date, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, lesson); err != nil {
		return fmt.Errorf("create lesson: %w", err)
	}

	if err := replaceStudents(ctx, tx, lesson.ID, lesson.StudentIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create lesson: %w", err)
	}
	return nil
}

// Update rewrites an existing lesson record and its student set.
func (r *LessonRepository) Update(ctx context.Context, lesson *models.Lesson) error {
	lesson.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update lesson: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `UPDATE lessons SET type = :type, title = :title, description = :description,
		scheduled_date = :scheduled_date, duration_minutes = :duration_minutes, status = :status,
		attendance_confirmed = :attendance_confirmed, location = :location, notes = :notes,
		reschedule_reason = :reschedule_reason, cancel_reason = :cancel_reason,
		pending_kind = :pending_kind, pending_reason = :pending_reason,
		pending_proposed_date = :pending_proposed_date, pending_prior_date = :pending_prior_date,
		updated_at = :updated_at
	WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, query, lesson); err != nil {
		return fmt.Errorf("update lesson: %w", err)
	}

	if err := replaceStudents(ctx, tx, lesson.ID, lesson.StudentIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update lesson: %w", err)
	}
	return nil
}

// ValidateIDs ensures all lesson IDs exist, returning the found set.
func (r *LessonRepository) ValidateIDs(ctx context.Context, lessonIDs []string) (map[string]bool, error) {
	if len(lessonIDs) == 0 {
		return map[string]bool{}, nil
	}
	const chunkSize = 100
	existing := make(map[string]bool, len(lessonIDs))
	for start := 0; start < len(lessonIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(lessonIDs) {
			end = len(lessonIDs)
		}
		chunk := lessonIDs[start:end]
		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id
		}
		query := fmt.Sprintf("SELECT id FROM lessons WHERE id IN (%s)", strings.Join(placeholders, ","))
		rows, err := r.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("validate lessons: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan lesson id: %w", err)
			}
			existing[id] = true
		}
		rows.Close()
	}
	return existing, nil
}

func replaceStudents(ctx context.Context, tx *sqlx.Tx, lessonID string, studentIDs []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM lesson_students WHERE lesson_id = $1", lessonID); err != nil {
		return fmt.Errorf("clear lesson students: %w", err)
	}
	for _, studentID := range studentIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO lesson_students (lesson_id, student_id) VALUES ($1, $2)",
			lessonID, studentID); err != nil {
			return fmt.Errorf("add lesson student: %w", err)
		}
	}
	return nil
}

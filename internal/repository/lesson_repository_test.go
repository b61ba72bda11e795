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

func newLessonRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func lessonRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "type", "title", "description", "teacher_id", "scheduled_date",
		"duration_minutes", "status", "attendance_confirmed", "location", "notes",
		"reschedule_reason", "cancel_reason", "pending_kind", "pending_reason",
		"pending_proposed_date", "pending_prior_date", "created_at", "updated_at", "student_ids"})
}

func addLessonRow(rows *sqlmock.Rows, id, teacherID string, status models.LessonStatus, studentIDs string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, "private", "Piano", nil, teacherID, now.Add(24*time.Hour),
		60, status, false, nil, nil,
		nil, nil, nil, nil,
		nil, nil, now, now, studentIDs)
}

func TestLessonRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newLessonRepoMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	rows := addLessonRow(lessonRows(), "lesson-1", "teacher-1", models.LessonStatusScheduled, "{student-1,student-2}")
	mock.ExpectQuery("FROM lessons l\\s+LEFT JOIN lesson_students ls ON ls.lesson_id = l.id\\s+WHERE l.id = \\$1").
		WithArgs("lesson-1").
		WillReturnRows(rows)

	lesson, err := repo.FindByID(context.Background(), "lesson-1")
	require.NoError(t, err)
	require.Equal(t, "lesson-1", lesson.ID)
	require.Equal(t, pq.StringArray{"student-1", "student-2"}, lesson.StudentIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryListFiltersByTeacher(t *testing.T) {
	db, mock, cleanup := newLessonRepoMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	rows := addLessonRow(lessonRows(), "lesson-1", "teacher-1", models.LessonStatusConfirmed, "{student-1}")
	mock.ExpectQuery("WHERE l.teacher_id = \\$1 AND l.status = \\$2 GROUP BY l.id ORDER BY l.scheduled_date ASC").
		WithArgs("teacher-1", "confirmed").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(DISTINCT l.id)")).
		WithArgs("teacher-1", "confirmed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	lessons, total, err := repo.List(context.Background(), models.LessonFilter{
		TeacherID: "teacher-1",
		Status:    models.LessonStatusConfirmed,
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, lessons, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newLessonRepoMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lessons")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM lesson_students WHERE lesson_id = $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lesson_students (lesson_id, student_id) VALUES ($1, $2)")).
		WithArgs(sqlmock.AnyArg(), "student-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	lesson := &models.Lesson{
		Type:            models.LessonTypePrivate,
		Title:           "Piano",
		TeacherID:       "teacher-1",
		ScheduledDate:   time.Now().Add(48 * time.Hour),
		DurationMinutes: 60,
		StudentIDs:      pq.StringArray{"student-1"},
	}
	require.NoError(t, repo.Create(context.Background(), lesson))
	require.NotEmpty(t, lesson.ID)
	require.Equal(t, models.LessonStatusScheduled, lesson.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryListForPeriod(t *testing.T) {
	db, mock, cleanup := newLessonRepoMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	rows := addLessonRow(lessonRows(), "lesson-1", "teacher-1", models.LessonStatusCompleted, "{student-1}")
	mock.ExpectQuery("WHERE l.scheduled_date >= \\$1 AND l.scheduled_date <= \\$2 AND l.status IN \\(\\$3\\)").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "completed").
		WillReturnRows(rows)

	from := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, time.March, 31, 23, 59, 59, 0, time.UTC)
	lessons, err := repo.ListForPeriod(context.Background(), from, to, []models.LessonStatus{models.LessonStatusCompleted})
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLessonRepositoryListForPeriodNoStatuses(t *testing.T) {
	db, _, cleanup := newLessonRepoMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	lessons, err := repo.ListForPeriod(context.Background(), time.Now(), time.Now(), nil)
	require.NoError(t, err)
	require.Empty(t, lessons)
}

func TestLessonRepositoryValidateIDs(t *testing.T) {
	db, mock, cleanup := newLessonRepoMock(t)
	defer cleanup()
	repo := NewLessonRepository(db)

	rows := sqlmock.NewRows([]string{"id"}).AddRow("lesson-1")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM lessons WHERE id IN ($1,$2)")).
		WithArgs("lesson-1", "lesson-missing").
		WillReturnRows(rows)

	existing, err := repo.ValidateIDs(context.Background(), []string{"lesson-1", "lesson-missing"})
	require.NoError(t, err)
	require.True(t, existing["lesson-1"])
	require.False(t, existing["lesson-missing"])
	require.NoError(t, mock.ExpectationsWereMet())
}

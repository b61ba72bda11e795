package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/conservatory-api/internal/middleware"
	"github.com/cadenzahq/conservatory-api/internal/models"
	"github.com/cadenzahq/conservatory-api/internal/service"
	appErrors "github.com/cadenzahq/conservatory-api/pkg/errors"
)

type lessonServiceMock struct {
	lesson     *models.Lesson
	err        error
	lastFilter models.LessonFilter
	lastID     string
	called     string
}

func (m *lessonServiceMock) List(ctx context.Context, actor *models.JWTClaims, filter models.LessonFilter) ([]models.Lesson, *models.Pagination, error) {
	m.called = "List"
	m.lastFilter = filter
	if m.err != nil {
		return nil, nil, m.err
	}
	return []models.Lesson{*m.lesson}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, nil
}

func (m *lessonServiceMock) Get(ctx context.Context, actor *models.JWTClaims, id string) (*models.Lesson, error) {
	m.called = "Get"
	m.lastID = id
	return m.lesson, m.err
}

func (m *lessonServiceMock) Create(ctx context.Context, actor *models.JWTClaims, req service.CreateLessonRequest) (*models.Lesson, error) {
	m.called = "Create"
	return m.lesson, m.err
}

func (m *lessonServiceMock) Update(ctx context.Context, actor *models.JWTClaims, id string, req service.UpdateLessonRequest) (*models.Lesson, error) {
	m.called = "Update"
	m.lastID = id
	return m.lesson, m.err
}

func (m *lessonServiceMock) ConfirmAttendance(ctx context.Context, actor *models.JWTClaims, id string) (*models.Lesson, error) {
	m.called = "ConfirmAttendance"
	m.lastID = id
	return m.lesson, m.err
}

func (m *lessonServiceMock) RequestReschedule(ctx context.Context, actor *models.JWTClaims, id string, req service.RescheduleRequest) (*models.Lesson, error) {
	m.called = "RequestReschedule"
	m.lastID = id
	return m.lesson, m.err
}

func (m *lessonServiceMock) RequestCancel(ctx context.Context, actor *models.JWTClaims, id string, req service.CancelRequest) (*models.Lesson, error) {
	m.called = "RequestCancel"
	m.lastID = id
	return m.lesson, m.err
}

func (m *lessonServiceMock) DecideReschedule(ctx context.Context, actor *models.JWTClaims, id string, req service.DecisionRequest) (*models.Lesson, error) {
	m.called = "DecideReschedule"
	m.lastID = id
	return m.lesson, m.err
}

func (m *lessonServiceMock) DecideCancel(ctx context.Context, actor *models.JWTClaims, id string, req service.DecisionRequest) (*models.Lesson, error) {
	m.called = "DecideCancel"
	m.lastID = id
	return m.lesson, m.err
}

func testLesson() *models.Lesson {
	return &models.Lesson{
		ID:        "lesson-1",
		TeacherID: "teacher-1",
		Status:    models.LessonStatusScheduled,
	}
}

func setClaims(c *gin.Context, role models.Role) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "user-1", Role: role})
}

func TestLessonHandlerList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &lessonServiceMock{lesson: testLesson()}
	h := NewLessonHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/lessons?status=scheduled&page=2&pageSize=10", nil)
	c.Request = req
	setClaims(c, models.RoleAdmin)

	h.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "List", mockSvc.called)
	assert.Equal(t, models.LessonStatusScheduled, mockSvc.lastFilter.Status)
	assert.Equal(t, 2, mockSvc.lastFilter.Page)
	assert.Equal(t, 10, mockSvc.lastFilter.PageSize)
}

func TestLessonHandlerListInvalidDate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &lessonServiceMock{lesson: testLesson()}
	h := NewLessonHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/lessons?from=yesterday", nil)
	c.Request = req
	setClaims(c, models.RoleAdmin)

	h.List(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, mockSvc.called)
}

func TestLessonHandlerListNoClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewLessonHandler(&lessonServiceMock{lesson: testLesson()})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/lessons", nil)
	c.Request = req

	h.List(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLessonHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &lessonServiceMock{lesson: testLesson()}
	h := NewLessonHandler(mockSvc)

	payload, _ := json.Marshal(service.CreateLessonRequest{
		Type:            models.LessonTypePrivate,
		Title:           "Piano basics",
		StudentIDs:      []string{"student-1"},
		ScheduledDate:   time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC),
		DurationMinutes: 45,
	})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/lessons", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	setClaims(c, models.RoleTeacher)

	h.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Create", mockSvc.called)
}

func TestLessonHandlerCreateInvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &lessonServiceMock{lesson: testLesson()}
	h := NewLessonHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/lessons", bytes.NewBufferString(`{"title":`))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	setClaims(c, models.RoleTeacher)

	h.Create(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, mockSvc.called)
}

func TestLessonHandlerConfirmConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &lessonServiceMock{err: appErrors.Clone(appErrors.ErrConflict, "confirm is not allowed from status cancelled")}
	h := NewLessonHandler(mockSvc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/lessons/lesson-1/confirm", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "lesson-1"}}
	setClaims(c, models.RoleStudent)

	h.Confirm(c)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "lesson-1", mockSvc.lastID)
}

func TestLessonHandlerRequestReschedule(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &lessonServiceMock{lesson: testLesson()}
	h := NewLessonHandler(mockSvc)

	payload, _ := json.Marshal(service.RescheduleRequest{Reason: "family trip"})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/lessons/lesson-1/reschedule", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "lesson-1"}}
	setClaims(c, models.RoleStudent)

	h.RequestReschedule(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RequestReschedule", mockSvc.called)
}

func TestLessonHandlerDecideForbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &lessonServiceMock{err: appErrors.ErrForbidden}
	h := NewLessonHandler(mockSvc)

	approved := true
	payload, _ := json.Marshal(service.DecisionRequest{Approved: &approved})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/lessons/lesson-1/reschedule/decision", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "lesson-1"}}
	setClaims(c, models.RoleTeacher)

	h.DecideReschedule(c)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "DecideReschedule", mockSvc.called)
}

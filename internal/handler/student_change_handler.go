package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-student-changes/internal/dto"
	"github.com/noah-isme/sma-student-changes/internal/models"
	appErrors "github.com/noah-isme/sma-student-changes/pkg/errors"
	"github.com/noah-isme/sma-student-changes/pkg/response"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the body.
const IdempotencyKeyHeader = "Idempotency-Key"

type studentChangeService interface {
	Create(ctx context.Context, req dto.CreateStudentChangeRequest, actorID string) (*models.StudentChange, error)
	Get(ctx context.Context, id string) (*models.StudentChange, error)
	List(ctx context.Context, query dto.StudentChangeQuery) ([]models.StudentChangeListItem, *models.Pagination, error)
	Update(ctx context.Context, id string, req dto.UpdateStudentChangeRequest, actorID string) (*models.StudentChange, error)
	Submit(ctx context.Context, id, actorID string) (*models.StudentChange, error)
	Review(ctx context.Context, id, actorID string) (*models.StudentChange, error)
	Approve(ctx context.Context, id, actorID string) (*models.StudentChange, error)
	Reject(ctx context.Context, id, actorID string) (*models.StudentChange, error)
	Cancel(ctx context.Context, id, actorID string) (*models.StudentChange, error)
	Effect(ctx context.Context, id, actorID string) (*models.StudentChange, error)
}

type changeNoticeRenderer interface {
	Notice(ctx context.Context, id string) (string, []byte, error)
}

type transitionFunc func(ctx context.Context, id, actorID string) (*models.StudentChange, error)

// StudentChangeHandler exposes the student change request endpoints.
type StudentChangeHandler struct {
	changes studentChangeService
	notices changeNoticeRenderer
}

// NewStudentChangeHandler constructs StudentChangeHandler.
func NewStudentChangeHandler(changes studentChangeService, notices changeNoticeRenderer) *StudentChangeHandler {
	return &StudentChangeHandler{changes: changes, notices: notices}
}

// Create godoc
// @Summary Create a student change request
// @Description Creates a DRAFT request. The idempotency key may be sent in the body or the Idempotency-Key header.
// @Tags StudentChanges
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Idempotency key"
// @Param payload body dto.CreateStudentChangeRequest true "Change request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /changes [post]
func (h *StudentChangeHandler) Create(c *gin.Context) {
	var req dto.CreateStudentChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if req.IdempotencyKey == nil {
		if key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)); key != "" {
			req.IdempotencyKey = &key
		}
	}
	change, err := h.changes.Create(c.Request.Context(), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.NewStudentChangeResponse(change))
}

// List godoc
// @Summary List student change requests
// @Tags StudentChanges
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param type query string false "TRANSFER_OUT, LEAVE or REINSTATE"
// @Param status query string false "Comma separated statuses"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /changes [get]
func (h *StudentChangeHandler) List(c *gin.Context) {
	query := dto.StudentChangeQuery{
		StudentID: strings.TrimSpace(c.Query("studentId")),
		Type:      models.ChangeType(strings.ToUpper(strings.TrimSpace(c.Query("type")))),
	}
	for _, raw := range strings.Split(c.Query("status"), ",") {
		if status := strings.ToUpper(strings.TrimSpace(raw)); status != "" {
			query.Status = append(query.Status, models.ChangeStatus(status))
		}
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		query.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("pageSize", "20")); err == nil {
		query.PageSize = size
	}

	items, pagination, err := h.changes.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewStudentChangeListResponse(items), pagination)
}

// Get godoc
// @Summary Get a student change request
// @Tags StudentChanges
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /changes/{id} [get]
func (h *StudentChangeHandler) Get(c *gin.Context) {
	change, err := h.changes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewStudentChangeResponse(change), nil)
}

// Update godoc
// @Summary Edit a draft change request
// @Tags StudentChanges
// @Accept json
// @Produce json
// @Param id path string true "Change request ID"
// @Param payload body dto.UpdateStudentChangeRequest true "Fields to change with the current version"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /changes/{id} [patch]
func (h *StudentChangeHandler) Update(c *gin.Context) {
	var req dto.UpdateStudentChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	change, err := h.changes.Update(c.Request.Context(), c.Param("id"), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewStudentChangeResponse(change), nil)
}

// Submit godoc
// @Summary Submit a draft for approval
// @Tags StudentChanges
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /changes/{id}/submit [post]
func (h *StudentChangeHandler) Submit(c *gin.Context) {
	h.transition(c, h.changes.Submit)
}

// Review godoc
// @Summary Start reviewing a submitted request
// @Tags StudentChanges
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Router /changes/{id}/review [post]
func (h *StudentChangeHandler) Review(c *gin.Context) {
	h.transition(c, h.changes.Review)
}

// Approve godoc
// @Summary Approve a request
// @Description Due requests take effect immediately; future ones become SCHEDULED.
// @Tags StudentChanges
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Router /changes/{id}/approve [post]
func (h *StudentChangeHandler) Approve(c *gin.Context) {
	h.transition(c, h.changes.Approve)
}

// Reject godoc
// @Summary Reject a request
// @Tags StudentChanges
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Router /changes/{id}/reject [post]
func (h *StudentChangeHandler) Reject(c *gin.Context) {
	h.transition(c, h.changes.Reject)
}

// Cancel godoc
// @Summary Cancel a request that has not taken effect
// @Tags StudentChanges
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Router /changes/{id}/cancel [post]
func (h *StudentChangeHandler) Cancel(c *gin.Context) {
	h.transition(c, h.changes.Cancel)
}

// Effect godoc
// @Summary Apply an approved request to the student
// @Tags StudentChanges
// @Produce json
// @Param id path string true "Change request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /changes/{id}/effect [post]
func (h *StudentChangeHandler) Effect(c *gin.Context) {
	h.transition(c, h.changes.Effect)
}

// Notice godoc
// @Summary Download the change notice
// @Tags StudentChanges
// @Produce application/pdf
// @Param id path string true "Change request ID"
// @Success 200 {file} file
// @Router /changes/{id}/notice [get]
func (h *StudentChangeHandler) Notice(c *gin.Context) {
	if h.notices == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "notices are not enabled"))
		return
	}
	filename, data, err := h.notices.Notice(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.File(c, "application/pdf", filename, data)
}

func (h *StudentChangeHandler) transition(c *gin.Context, fn transitionFunc) {
	change, err := fn(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.TransitionResult{ID: change.ID, Status: change.Status, Version: change.Version}, nil)
}

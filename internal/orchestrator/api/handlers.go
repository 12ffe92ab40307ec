package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/attachments"
	"github.com/kandev/chatsync/internal/chat/state"
	"github.com/kandev/chatsync/internal/common/errors"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/orchestrator"
	"github.com/kandev/chatsync/internal/orchestrator/queue"
	"github.com/kandev/chatsync/internal/task/models"
)

// Handler contains HTTP handlers for the delivery engine
type Handler struct {
	service *orchestrator.Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *orchestrator.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "orchestrator-api")),
	}
}

// GetStatus returns the engine status
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.GetStatus())
}

// ListTasks returns every task in queue order
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks := h.service.ListTasks()
	records := make([]json.RawMessage, 0, len(tasks))
	pending := 0
	for _, t := range tasks {
		raw, err := models.Marshal(t)
		if err != nil {
			_ = c.Error(errors.InternalError("failed to encode task", err))
			return
		}
		if !t.Head().Status.IsTerminal() {
			pending++
		}
		records = append(records, raw)
	}
	c.JSON(http.StatusOK, TaskListResponse{Tasks: records, Total: len(records), Pending: pending})
}

// EnqueueTask accepts any task variant as a tagged record
// POST /api/v1/tasks
func (h *Handler) EnqueueTask(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		_ = c.Error(errors.BadRequest("failed to read body"))
		return
	}
	task, err := models.Unmarshal(body)
	if err != nil {
		_ = c.Error(errors.BadRequest(err.Error()))
		return
	}
	h.enqueued(c, task.Kind(), func() (string, error) {
		return h.service.Enqueue(c.Request.Context(), task)
	})
}

// GetTask returns one task with its result
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	id := c.Param("taskId")
	task, ok := h.service.GetTask(id)
	if !ok {
		_ = c.Error(errors.NotFound("task", id))
		return
	}
	raw, err := models.Marshal(task)
	if err != nil {
		_ = c.Error(errors.InternalError("failed to encode task", err))
		return
	}
	resp := TaskResponse{Task: raw}
	if res, ok := h.service.TaskResult(id); ok {
		resp.Result = &res
	}
	c.JSON(http.StatusOK, resp)
}

// CancelTask cancels a task that has not started
// DELETE /api/v1/tasks/:taskId
func (h *Handler) CancelTask(c *gin.Context) {
	id := c.Param("taskId")
	task, err := h.service.CancelTask(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(h.classify(err, "task", id))
		return
	}
	raw, err := models.Marshal(task)
	if err != nil {
		_ = c.Error(errors.InternalError("failed to encode task", err))
		return
	}
	c.JSON(http.StatusOK, TaskResponse{Task: raw})
}

// SendMessage queues a user message
// POST /api/v1/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.BadRequest(err.Error()))
		return
	}
	if req.Text == "" && len(req.AttachmentIDs) == 0 {
		_ = c.Error(errors.BadRequest("text or attachmentIds is required"))
		return
	}
	h.enqueued(c, models.KindSendTextMessage, func() (string, error) {
		return h.service.SendMessage(c.Request.Context(), orchestrator.SendRequest{
			ConversationID: req.ConversationID,
			Text:           req.Text,
			AttachmentIDs:  req.AttachmentIDs,
			ToolIDs:        req.ToolIDs,
			Model:          req.Model,
		})
	})
}

// UploadMedia queues a file upload
// POST /api/v1/uploads
func (h *Handler) UploadMedia(c *gin.Context) {
	var req UploadMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.BadRequest(err.Error()))
		return
	}
	h.enqueued(c, models.KindUploadMedia, func() (string, error) {
		return h.service.UploadMedia(c.Request.Context(), orchestrator.UploadRequest(req))
	})
}

// ListConversations returns the stored conversation ids
// GET /api/v1/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	ids, err := h.service.ListConversations(c.Request.Context())
	if err != nil {
		_ = c.Error(errors.InternalError("failed to list conversations", err))
		return
	}
	c.JSON(http.StatusOK, ConversationListResponse{ConversationIDs: ids, Total: len(ids)})
}

// GetConversation returns a conversation with its messages
// GET /api/v1/conversations/:conversationId
func (h *Handler) GetConversation(c *gin.Context) {
	id := c.Param("conversationId")
	conv, err := h.service.GetConversation(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(h.classify(err, "conversation", id))
		return
	}
	c.JSON(http.StatusOK, conv)
}

// StopGeneration stops the response streaming into a conversation
// POST /api/v1/conversations/:conversationId/stop
func (h *Handler) StopGeneration(c *gin.Context) {
	id := c.Param("conversationId")
	stopped := h.service.StopGeneration(c.Request.Context(), id)
	c.JSON(http.StatusOK, StopGenerationResponse{Stopped: stopped})
}

// Reconcile merges the server copy of a conversation
// POST /api/v1/conversations/:conversationId/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	id := c.Param("conversationId")
	if err := h.service.Reconcile(c.Request.Context(), id); err != nil {
		_ = c.Error(h.classify(err, "conversation", id))
		return
	}
	c.Status(http.StatusNoContent)
}

// RegenerateTitle queues a title request
// POST /api/v1/conversations/:conversationId/title
func (h *Handler) RegenerateTitle(c *gin.Context) {
	id := c.Param("conversationId")
	h.enqueued(c, models.KindGenerateTitle, func() (string, error) {
		return h.service.RegenerateTitle(c.Request.Context(), id)
	})
}

// ListAttachments returns the upload queue
// GET /api/v1/attachments
func (h *Handler) ListAttachments(c *gin.Context) {
	items := h.service.Attachments().List()
	c.JSON(http.StatusOK, AttachmentListResponse{Attachments: items, Total: len(items)})
}

// GetAttachment returns one upload entry
// GET /api/v1/attachments/:attachmentId
func (h *Handler) GetAttachment(c *gin.Context) {
	id := c.Param("attachmentId")
	item, ok := h.service.Attachments().Get(id)
	if !ok {
		_ = c.Error(errors.NotFound("attachment", id))
		return
	}
	c.JSON(http.StatusOK, item)
}

// RetryAttachment re-queues a failed or cancelled upload
// POST /api/v1/attachments/:attachmentId/retry
func (h *Handler) RetryAttachment(c *gin.Context) {
	h.attachmentAction(c, (*attachments.Queue).Retry)
}

// CancelAttachment cancels a pending upload
// POST /api/v1/attachments/:attachmentId/cancel
func (h *Handler) CancelAttachment(c *gin.Context) {
	h.attachmentAction(c, (*attachments.Queue).Cancel)
}

// RemoveAttachment drops an upload entry
// DELETE /api/v1/attachments/:attachmentId
func (h *Handler) RemoveAttachment(c *gin.Context) {
	id := c.Param("attachmentId")
	if err := h.service.Attachments().Remove(c.Request.Context(), id); err != nil {
		_ = c.Error(h.classify(err, "attachment", id))
		return
	}
	c.Status(http.StatusNoContent)
}

// EnterBackground persists active streams before suspension
// POST /api/v1/lifecycle/background
func (h *Handler) EnterBackground(c *gin.Context) {
	if err := h.service.EnterBackground(c.Request.Context()); err != nil {
		_ = c.Error(errors.InternalError("failed to persist active streams", err))
		return
	}
	c.JSON(http.StatusOK, LifecycleResponse{At: time.Now().UTC()})
}

// EnterForeground reconciles streams recovered after suspension
// POST /api/v1/lifecycle/foreground
func (h *Handler) EnterForeground(c *gin.Context) {
	ids, err := h.service.EnterForeground(c.Request.Context())
	if err != nil {
		_ = c.Error(errors.InternalError("failed to recover active streams", err))
		return
	}
	c.JSON(http.StatusOK, LifecycleResponse{Reconciled: ids, At: time.Now().UTC()})
}

func (h *Handler) attachmentAction(c *gin.Context, action func(*attachments.Queue, context.Context, string) error) {
	id := c.Param("attachmentId")
	uploads := h.service.Attachments()
	if err := action(uploads, c.Request.Context(), id); err != nil {
		_ = c.Error(h.classify(err, "attachment", id))
		return
	}
	item, _ := uploads.Get(id)
	c.JSON(http.StatusOK, item)
}

func (h *Handler) enqueued(c *gin.Context, kind models.Kind, enqueue func() (string, error)) {
	id, err := enqueue()
	if err != nil {
		h.logger.Warn("Failed to enqueue task", zap.String("kind", string(kind)), zap.Error(err))
		_ = c.Error(h.classify(err, "task", ""))
		return
	}
	c.JSON(http.StatusAccepted, EnqueuedResponse{TaskID: id})
}

// classify maps package sentinels onto API errors.
func (h *Handler) classify(err error, resource, id string) error {
	switch {
	case stderrors.Is(err, queue.ErrTaskNotFound),
		stderrors.Is(err, attachments.ErrNotFound),
		stderrors.Is(err, state.ErrConversationNotFound):
		return errors.NotFound(resource, id)
	case stderrors.Is(err, queue.ErrInvalidTransition),
		stderrors.Is(err, queue.ErrTaskExists),
		stderrors.Is(err, attachments.ErrInvalidState):
		return errors.Conflict(err.Error())
	case stderrors.Is(err, queue.ErrQueueFull):
		return &errors.AppError{
			Code:       errors.ErrCodeServer,
			Message:    err.Error(),
			HTTPStatus: http.StatusServiceUnavailable,
			Retryable:  true,
		}
	default:
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			return appErr
		}
		return errors.InternalError("request failed", err)
	}
}

// Package executor performs outbound tasks against the remote chat service.
package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/chat/chunker"
	"github.com/kandev/chatsync/internal/chat/state"
	apperrors "github.com/kandev/chatsync/internal/common/errors"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/common/tracing"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/platform"
	"github.com/kandev/chatsync/internal/remote"
	"github.com/kandev/chatsync/internal/task/models"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

const tracerName = "chatsync-executor"

// Common errors
var (
	ErrUploadFailed    = errors.New("attachment upload failed")
	ErrUploadCancelled = errors.New("attachment upload cancelled")
	ErrNoConversation  = errors.New("task has no conversation")
	ErrNotImage        = errors.New("file is not an image")
)

// Remote is the chat service surface the worker uses.
type Remote interface {
	CreateConversation(ctx context.Context, req remote.CreateConversationRequest, idempotencyKey string) (*remote.Conversation, error)
	UpdateConversation(ctx context.Context, conv remote.Conversation, idempotencyKey string) (*remote.Conversation, error)
	StreamCompletion(ctx context.Context, req remote.CompletionRequest, onEvent func(remote.StreamEvent) error) error
	ChatCompleted(ctx context.Context, req remote.ChatCompletedRequest) error
	StopTask(ctx context.Context, taskID string) error
	GenerateTitle(ctx context.Context, conversationID, idempotencyKey string) (string, error)
	GenerateImage(ctx context.Context, req remote.ImageRequest) (*remote.ImageResponse, error)
}

// Uploads is the attachment queue surface the worker uses.
type Uploads interface {
	Enqueue(ctx context.Context, filePath, fileName string, fileSize int64, mimeType, checksum string) (string, error)
	WaitTerminal(ctx context.Context, id string) (v1.QueuedAttachment, error)
	Get(id string) (v1.QueuedAttachment, bool)
}

// Reconciler merges server truth into a conversation after a stream.
type Reconciler interface {
	Reconcile(ctx context.Context, conversationID string) error
}

// TaskUpdater records the conversation a new-conversation task ended up in.
type TaskUpdater interface {
	SetConversationID(ctx context.Context, id, conversationID string) (models.Task, error)
}

// ToolHook runs a tool call locally. A nil hook accepts every call.
type ToolHook func(ctx context.Context, name string, arguments []byte) error

// Options configures a Worker.
type Options struct {
	Chunker           chunker.Options
	UploadWaitTimeout time.Duration
	DefaultModel      string
	SessionID         string
	ToolHook          ToolHook
	EventBus          bus.EventBus
	Logger            *logger.Logger
}

// Result is what a finished task produced, when anything.
type Result struct {
	ConversationID string   `json:"conversationId,omitempty"`
	AttachmentID   string   `json:"attachmentId,omitempty"`
	FileID         string   `json:"fileId,omitempty"`
	DataURL        string   `json:"dataUrl,omitempty"`
	ImageURLs      []string `json:"imageUrls,omitempty"`
	Title          string   `json:"title,omitempty"`
}

type activeStream struct {
	state   v1.StreamState
	remote  string // server task id, once announced
	cancel  context.CancelFunc
	stopped bool
}

// Worker performs one task at a time per call; the scheduler decides
// concurrency.
type Worker struct {
	remote     Remote
	convs      *state.Conversations
	uploads    Uploads
	reconciler Reconciler
	background platform.Background
	tasks      TaskUpdater
	opts       Options
	logger     *logger.Logger

	mu      sync.Mutex
	results map[string]Result
	streams map[string]*activeStream // by conversation id
}

// Deps bundles the collaborators of a Worker.
type Deps struct {
	Remote     Remote
	Convs      *state.Conversations
	Uploads    Uploads
	Reconciler Reconciler
	Background platform.Background
	Tasks      TaskUpdater
}

// NewWorker creates a worker.
func NewWorker(deps Deps, opts Options) *Worker {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	if opts.UploadWaitTimeout <= 0 {
		opts.UploadWaitTimeout = 2 * time.Minute
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	return &Worker{
		remote:     deps.Remote,
		convs:      deps.Convs,
		uploads:    deps.Uploads,
		reconciler: deps.Reconciler,
		background: deps.Background,
		tasks:      deps.Tasks,
		opts:       opts,
		logger:     log.WithFields(zap.String("component", "worker")),
		results:    make(map[string]Result),
		streams:    make(map[string]*activeStream),
	}
}

// Perform executes task. The returned error is classified with the common
// error taxonomy so callers can decide on retries.
func (w *Worker) Perform(ctx context.Context, task models.Task) error {
	h := task.Head()
	ctx, span := tracing.StartSpan(ctx, tracerName, "task.perform",
		tracing.TaskAttributes(h.ID, string(task.Kind()), models.ThreadKey(task), h.Attempt)...)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	ctx = logger.ContextWithTaskID(ctx, h.ID)
	if h.ConversationID != nil {
		ctx = logger.ContextWithConversationID(ctx, *h.ConversationID)
	}
	log := w.logger.WithContext(ctx).WithFields(zap.String("kind", string(task.Kind())))
	log.Debug("Performing task", zap.Int("attempt", h.Attempt))
	start := time.Now()

	switch t := task.(type) {
	case *models.SendTextMessage:
		err = w.sendText(ctx, t)
	case *models.UploadMedia:
		err = w.uploadMedia(ctx, t)
	case *models.ExecuteToolCall:
		err = w.executeToolCall(ctx, t)
	case *models.GenerateImage:
		err = w.generateImage(ctx, t)
	case *models.SaveConversation:
		err = w.saveConversation(ctx, t)
	case *models.GenerateTitle:
		err = w.generateTitle(ctx, t)
	case *models.ImageToDataURL:
		err = w.imageToDataURL(t)
	default:
		err = fmt.Errorf("unsupported task kind %q", task.Kind())
	}

	if err != nil {
		if apperrors.IsAuth(err) {
			w.invalidateSession(ctx, h.ID, err)
		}
		log.Warn("Task failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return err
	}
	log.Info("Task performed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Result returns what the task with the given id produced.
func (w *Worker) Result(taskID string) (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.results[taskID]
	return r, ok
}

func (w *Worker) setResult(taskID string, r Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[taskID] = r
}

// ActiveStreams describes the responses currently streaming.
func (w *Worker) ActiveStreams() []v1.StreamState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]v1.StreamState, 0, len(w.streams))
	for _, s := range w.streams {
		out = append(out, s.state)
	}
	return out
}

// StopGeneration ends the response streaming into a conversation. The
// message is finished immediately and the server is asked to stop. Reports
// whether a stream was active.
func (w *Worker) StopGeneration(ctx context.Context, conversationID string) bool {
	w.mu.Lock()
	s, ok := w.streams[conversationID]
	var remoteID string
	if ok {
		s.stopped = true
		s.cancel()
		remoteID = s.remote
		if remoteID == "" {
			remoteID = s.state.TaskID
		}
	}
	w.mu.Unlock()
	if !ok {
		return false
	}

	if m, err := w.convs.Machine(ctx, conversationID); err == nil {
		m.FinishStreaming()
	}
	if err := w.remote.StopTask(ctx, remoteID); err != nil {
		w.logger.Warn("Remote stop request failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return true
}

func idempotencyKey(h *models.Header) string {
	if h.IdempotencyKey != nil && *h.IdempotencyKey != "" {
		return *h.IdempotencyKey
	}
	return h.ID
}

// derivedID returns a stable message id for a task so a re-run after a
// crash finds the messages of the first run.
func derivedID(taskID, role string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(taskID+":"+role)).String()
}

func (w *Worker) invalidateSession(ctx context.Context, taskID string, cause error) {
	if w.opts.EventBus == nil {
		return
	}
	event, err := bus.NewEvent(bus.EventSessionInvalidated, "worker", map[string]string{
		"taskId": taskID,
		"reason": cause.Error(),
	})
	if err != nil {
		return
	}
	if err := w.opts.EventBus.Publish(ctx, bus.SessionSubject(), event); err != nil {
		w.logger.Warn("Failed to publish session event", zap.Error(err))
	}
}

func (w *Worker) uploadMedia(ctx context.Context, t *models.UploadMedia) error {
	id, err := w.uploads.Enqueue(ctx, t.FilePath, t.FileName, t.FileSize, t.MimeType, t.Checksum)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.opts.UploadWaitTimeout)
	defer cancel()
	item, err := w.uploads.WaitTerminal(waitCtx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return apperrors.Timeout(fmt.Sprintf("upload of %s did not finish within %s", t.FileName, w.opts.UploadWaitTimeout), err)
		}
		return err
	}

	switch item.Status {
	case v1.AttachmentStatusCompleted:
		r := Result{AttachmentID: id}
		if item.FileID != nil {
			r.FileID = *item.FileID
		}
		w.setResult(t.ID, r)
		return nil
	case v1.AttachmentStatusCancelled:
		return fmt.Errorf("%w: %s", ErrUploadCancelled, item.FileName)
	default:
		reason := "unknown error"
		if item.LastError != nil {
			reason = *item.LastError
		}
		return fmt.Errorf("%w: %s after %d attempts: %s", ErrUploadFailed, item.FileName, item.Attempts, reason)
	}
}

func (w *Worker) executeToolCall(ctx context.Context, t *models.ExecuteToolCall) error {
	if w.opts.ToolHook == nil {
		w.logger.Debug("No tool hook, accepting call", zap.String("tool", t.ToolName))
		return nil
	}
	return w.opts.ToolHook(ctx, t.ToolName, t.Arguments)
}

func (w *Worker) generateImage(ctx context.Context, t *models.GenerateImage) error {
	convID := models.ConversationID(t)
	resp, err := w.remote.GenerateImage(ctx, remote.ImageRequest{
		Prompt:         t.Prompt,
		Model:          w.opts.DefaultModel,
		ConversationID: convID,
		IdempotencyKey: idempotencyKey(&t.Header),
	})
	if err != nil {
		return err
	}

	urls := make([]string, 0, len(resp.Images))
	for _, img := range resp.Images {
		urls = append(urls, img.URL)
	}
	w.setResult(t.ID, Result{ConversationID: convID, ImageURLs: urls})
	if convID == "" {
		return nil
	}

	m, err := w.convs.Machine(ctx, convID)
	if err != nil {
		return err
	}
	lines := make([]string, len(urls))
	for i, u := range urls {
		lines[i] = fmt.Sprintf("![%s](%s)", t.Prompt, u)
	}
	m.AddMessage(v1.ChatMessage{
		ID:      derivedID(t.ID, "image"),
		Role:    v1.RoleAssistant,
		Content: strings.Join(lines, "\n"),
	})
	return w.convs.Commit(ctx, convID)
}

func (w *Worker) saveConversation(ctx context.Context, t *models.SaveConversation) error {
	convID := models.ConversationID(t)
	if convID == "" {
		return apperrors.Validation(ErrNoConversation.Error())
	}
	conv, err := w.convs.Get(ctx, convID)
	if err != nil {
		return err
	}
	messages := make([]v1.ChatMessage, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		if !sendable(msg) {
			continue
		}
		msg.IsStreaming = false
		messages = append(messages, msg)
	}
	_, err = w.remote.UpdateConversation(ctx, remote.Conversation{
		ID:        conv.ID,
		Title:     conv.Title,
		Model:     conv.Model,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		Messages:  messages,
		Pinned:    conv.Pinned,
		Archived:  conv.Archived,
	}, idempotencyKey(&t.Header))
	return err
}

func (w *Worker) generateTitle(ctx context.Context, t *models.GenerateTitle) error {
	target := t.TargetConversationID
	if target == "" {
		target = models.ConversationID(t)
	}
	if target == "" {
		return apperrors.Validation(ErrNoConversation.Error())
	}
	title, err := w.remote.GenerateTitle(ctx, target, idempotencyKey(&t.Header))
	if err != nil {
		return err
	}
	w.setResult(t.ID, Result{ConversationID: target, Title: title})
	if title == "" {
		return nil
	}
	return w.convs.SetTitle(ctx, target, title)
}

func (w *Worker) imageToDataURL(t *models.ImageToDataURL) error {
	data, err := os.ReadFile(t.FilePath)
	if err != nil {
		return apperrors.Validation(fmt.Sprintf("cannot read %s: %v", t.FilePath, err))
	}
	mt := mimetype.Detect(data)
	mimeType, _, _ := strings.Cut(mt.String(), ";")
	if !strings.HasPrefix(mimeType, "image/") {
		return apperrors.Validation(fmt.Sprintf("%v: %s is %s", ErrNotImage, t.FileName, mimeType))
	}
	w.setResult(t.ID, Result{
		DataURL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
	})
	return nil
}

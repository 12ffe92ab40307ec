// Package orchestrator wires the delivery engine together. It owns:
//
//   - the persisted outbound task queue and the lane scheduler draining it
//   - the attachment upload queue and its background loop
//   - the conversation holder, the reconciliation coordinator and the worker
//
// Callers enqueue user actions through the Service and observe progress
// through the queue, attachment and conversation subscriptions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/attachments"
	"github.com/kandev/chatsync/internal/chat/chunker"
	"github.com/kandev/chatsync/internal/chat/reconcile"
	"github.com/kandev/chatsync/internal/chat/state"
	"github.com/kandev/chatsync/internal/common/broadcast"
	"github.com/kandev/chatsync/internal/common/config"
	apperrors "github.com/kandev/chatsync/internal/common/errors"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/orchestrator/executor"
	"github.com/kandev/chatsync/internal/orchestrator/queue"
	"github.com/kandev/chatsync/internal/orchestrator/scheduler"
	"github.com/kandev/chatsync/internal/platform"
	"github.com/kandev/chatsync/internal/remote"
	"github.com/kandev/chatsync/internal/storage/kv"
	"github.com/kandev/chatsync/internal/task/models"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// RemoteService is everything the engine needs from the remote chat service.
// *remote.Client satisfies it.
type RemoteService interface {
	executor.Remote
	reconcile.Remote
	attachments.Uploader
}

// ServiceConfig holds the tuning of every component.
type ServiceConfig struct {
	Queue       queue.Options
	Scheduler   scheduler.Options
	Attachments attachments.Options
	Reconcile   reconcile.Options
	Worker      executor.Options
}

// ServiceConfigFromConfig maps the loaded configuration onto component options.
func ServiceConfigFromConfig(cfg *config.Config) ServiceConfig {
	chunk := chunker.OptionsFromConfig(cfg.Chunker)
	return ServiceConfig{
		Queue: queue.Options{
			MaxSize:    cfg.Queue.MaxSize,
			MaxHistory: cfg.Queue.MaxHistory,
		},
		Scheduler:   scheduler.OptionsFromConfig(cfg.Queue),
		Attachments: attachments.OptionsFromConfig(cfg.Uploads),
		Reconcile:   reconcile.OptionsFromConfig(cfg.Chunker, cfg.Reconcile),
		Worker: executor.Options{
			Chunker:           chunk,
			UploadWaitTimeout: cfg.Uploads.WaitTimeoutDuration(),
			DefaultModel:      cfg.Remote.DefaultModel,
		},
	}
}

// Deps are the collaborators injected into the Service.
type Deps struct {
	Store    kv.Store
	Remote   RemoteService
	EventBus bus.EventBus
	// Background defaults to a store-backed implementation.
	Background platform.Background
	ToolHook   executor.ToolHook
}

// Status contains service status information
type Status struct {
	Running       bool      `json:"running"`
	QueuedTasks   int       `json:"queuedTasks"`
	TotalTasks    int       `json:"totalTasks"`
	ActiveStreams int       `json:"activeStreams"`
	Attachments   int       `json:"attachments"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// SendRequest describes a user message to deliver.
type SendRequest struct {
	// ConversationID is empty for a new conversation.
	ConversationID string   `json:"conversationId,omitempty"`
	Text           string   `json:"text"`
	AttachmentIDs  []string `json:"attachmentIds,omitempty"`
	ToolIDs        []string `json:"toolIds,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// UploadRequest describes a local file to upload.
type UploadRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	FilePath       string `json:"filePath"`
	FileName       string `json:"fileName,omitempty"`
	FileSize       int64  `json:"fileSize,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
	Checksum       string `json:"checksum,omitempty"`
}

// Service is the delivery engine facade.
type Service struct {
	logger     *logger.Logger
	eventBus   bus.EventBus
	background platform.Background

	queue       *queue.TaskQueue
	attachments *attachments.Queue
	convs       *state.Conversations
	coordinator *reconcile.Coordinator
	worker      *executor.Worker
	scheduler   *scheduler.Scheduler

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewService opens the persisted queues and builds every component. Close
// releases them.
func NewService(ctx context.Context, cfg ServiceConfig, deps Deps, log *logger.Logger) (*Service, error) {
	if deps.Store == nil || deps.Remote == nil {
		return nil, errors.New("store and remote are required")
	}
	if log == nil {
		log = logger.Default()
	}
	background := deps.Background
	if background == nil {
		background = platform.NewStoreBackground(deps.Store, log)
	}

	cfg.Queue.Logger = log
	cfg.Queue.EventBus = deps.EventBus
	q, err := queue.Open(ctx, deps.Store, cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("open task queue: %w", err)
	}

	cfg.Attachments.Logger = log
	cfg.Attachments.EventBus = deps.EventBus
	uploads, err := attachments.Open(ctx, deps.Store, deps.Remote, cfg.Attachments)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("open attachment queue: %w", err)
	}

	convs := state.NewConversations(deps.Store, deps.EventBus, log)

	cfg.Reconcile.Logger = log
	coordinator := reconcile.New(deps.Remote, convs, cfg.Reconcile)

	cfg.Worker.Logger = log
	cfg.Worker.EventBus = deps.EventBus
	if deps.ToolHook != nil {
		cfg.Worker.ToolHook = deps.ToolHook
	}
	worker := executor.NewWorker(executor.Deps{
		Remote:     deps.Remote,
		Convs:      convs,
		Uploads:    uploads,
		Reconciler: coordinator,
		Background: background,
		Tasks:      q,
	}, cfg.Worker)

	cfg.Scheduler.Logger = log
	sched := scheduler.New(q, worker, cfg.Scheduler)

	return &Service{
		logger:      log.WithFields(zap.String("component", "orchestrator")),
		eventBus:    deps.EventBus,
		background:  background,
		queue:       q,
		attachments: uploads,
		convs:       convs,
		coordinator: coordinator,
		worker:      worker,
		scheduler:   sched,
	}, nil
}

// Start launches the scheduler and the upload loop in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running = true
	s.startedAt = time.Now()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	if n, err := s.queue.PruneTerminal(ctx); err != nil {
		s.logger.Warn("Failed to prune finished tasks", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("Pruned finished tasks", zap.Int("count", n))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.scheduler.Run(runCtx); err != nil {
			s.logger.Error("Scheduler exited", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.attachments.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Upload loop exited", zap.Error(err))
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	s.logger.Info("Service started")
	return nil
}

// Stop cancels the background loops and waits for them. Running tasks are
// requeued by the scheduler.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.logger.Info("Stopping service")
	cancel()
	<-done
	s.logger.Info("Service stopped")
	return nil
}

// Close stops the service if needed and releases every component.
func (s *Service) Close() {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrServiceNotRunning) {
		s.logger.Warn("Failed to stop service", zap.Error(err))
	}
	s.coordinator.Close()
	s.attachments.Close()
	s.queue.Close()
	s.convs.Close()
}

// IsRunning returns true if the background loops are active.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetStatus returns the service status
func (s *Service) GetStatus() *Status {
	s.mu.RLock()
	running := s.running
	startedAt := s.startedAt
	s.mu.RUnlock()

	var uptime int64
	if running {
		uptime = int64(time.Since(startedAt).Seconds())
	}
	return &Status{
		Running:       running,
		QueuedTasks:   s.queue.Pending(),
		TotalTasks:    s.queue.Len(),
		ActiveStreams: len(s.worker.ActiveStreams()),
		Attachments:   len(s.attachments.List()),
		UptimeSeconds: uptime,
		LastHeartbeat: time.Now(),
	}
}

// Enqueue persists any task variant. The task is durable once this returns.
func (s *Service) Enqueue(ctx context.Context, task models.Task) (string, error) {
	id, err := s.queue.Enqueue(ctx, task)
	if err != nil {
		return "", err
	}
	s.logger.WithTaskID(id).Debug("Task accepted",
		zap.String("kind", string(task.Kind())),
		zap.String("thread", models.ThreadKey(task)))
	return id, nil
}

// SendMessage queues a user message for delivery.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (string, error) {
	if req.Text == "" && len(req.AttachmentIDs) == 0 {
		return "", apperrors.Validation("message needs text or attachments")
	}
	return s.Enqueue(ctx, &models.SendTextMessage{
		Header:        models.Header{ConversationID: optional(req.ConversationID)},
		Text:          req.Text,
		AttachmentIDs: req.AttachmentIDs,
		ToolIDs:       req.ToolIDs,
		Model:         req.Model,
	})
}

// UploadMedia queues a file upload. The upload runs as a task so it is
// ordered with the messages of its conversation.
func (s *Service) UploadMedia(ctx context.Context, req UploadRequest) (string, error) {
	if req.FilePath == "" {
		return "", apperrors.Validation("file path is required")
	}
	return s.Enqueue(ctx, &models.UploadMedia{
		Header:   models.Header{ConversationID: optional(req.ConversationID)},
		FilePath: req.FilePath,
		FileName: req.FileName,
		FileSize: req.FileSize,
		MimeType: req.MimeType,
		Checksum: req.Checksum,
	})
}

// RegenerateTitle queues a title request for a conversation.
func (s *Service) RegenerateTitle(ctx context.Context, conversationID string) (string, error) {
	return s.Enqueue(ctx, &models.GenerateTitle{
		Header:               models.Header{ConversationID: &conversationID},
		TargetConversationID: conversationID,
	})
}

// CancelTask cancels a task that has not started.
func (s *Service) CancelTask(ctx context.Context, id string) (models.Task, error) {
	return s.queue.Cancel(ctx, id)
}

// GetTask returns a task by id.
func (s *Service) GetTask(id string) (models.Task, bool) {
	return s.queue.Get(id)
}

// ListTasks returns every task in queue order.
func (s *Service) ListTasks() []models.Task {
	return s.queue.List()
}

// TaskResult returns what a finished task produced.
func (s *Service) TaskResult(id string) (executor.Result, bool) {
	return s.worker.Result(id)
}

// SubscribeTasks streams queue snapshots.
func (s *Service) SubscribeTasks() *broadcast.Subscription[[]models.Task] {
	return s.queue.Subscribe()
}

// SubscribeAttachments streams upload queue snapshots.
func (s *Service) SubscribeAttachments() *broadcast.Subscription[[]v1.QueuedAttachment] {
	return s.attachments.Subscribe()
}

// Attachments returns the upload queue.
func (s *Service) Attachments() *attachments.Queue {
	return s.attachments
}

// GetConversation returns a conversation with its messages.
func (s *Service) GetConversation(ctx context.Context, id string) (v1.Conversation, error) {
	return s.convs.Get(ctx, id)
}

// ListConversations returns the ids of stored conversations.
func (s *Service) ListConversations(ctx context.Context) ([]string, error) {
	return s.convs.List(ctx)
}

// SubscribeConversation streams message-list snapshots of one conversation.
func (s *Service) SubscribeConversation(ctx context.Context, id string) (*broadcast.Subscription[state.Snapshot], error) {
	m, err := s.convs.Machine(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Subscribe(), nil
}

// StopGeneration stops the response streaming into a conversation. It
// reports whether a stream was active.
func (s *Service) StopGeneration(ctx context.Context, conversationID string) bool {
	return s.worker.StopGeneration(ctx, conversationID)
}

// Reconcile merges the server copy of a conversation into the local one.
func (s *Service) Reconcile(ctx context.Context, conversationID string) error {
	return s.coordinator.Reconcile(ctx, conversationID)
}

// EnterBackground hands the in-flight streams to the platform so they can be
// recovered after the process is suspended.
func (s *Service) EnterBackground(ctx context.Context) error {
	streams := s.worker.ActiveStreams()
	if len(streams) == 0 {
		return nil
	}
	if err := s.background.PersistActiveStreams(ctx, streams); err != nil {
		return fmt.Errorf("persist active streams: %w", err)
	}
	s.logger.Info("Active streams persisted", zap.Int("count", len(streams)))
	return nil
}

// EnterForeground reconciles every conversation whose stream was persisted
// when the app went to the background. It returns the reconciled ids.
func (s *Service) EnterForeground(ctx context.Context) ([]string, error) {
	streams, err := s.background.RecoverActiveStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover active streams: %w", err)
	}

	seen := make(map[string]bool)
	reconciled := make([]string, 0, len(streams))
	for _, st := range streams {
		id := st.ConversationID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if err := s.coordinator.Reconcile(ctx, id); err != nil {
			s.logger.WithConversationID(id).Warn("Failed to reconcile recovered stream",
				zap.String("stream_id", st.StreamID),
				zap.Error(err))
			continue
		}
		reconciled = append(reconciled, id)
	}
	if len(reconciled) > 0 {
		s.logger.Info("Recovered streams reconciled", zap.Strings("conversations", reconciled))
	}
	return reconciled, nil
}

// Drain runs every queued task to completion without starting the
// background loops. Uploads are processed inline.
func (s *Service) Drain(ctx context.Context) error {
	if s.IsRunning() {
		return ErrServiceAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.attachments.Run(runCtx)
	}()
	err := s.scheduler.Drain(ctx)
	cancel()
	<-done
	s.coordinator.Wait()
	return err
}

// EventBus returns the event bus, which may be nil.
func (s *Service) EventBus() bus.EventBus {
	return s.eventBus
}

var _ RemoteService = (*remote.Client)(nil)

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

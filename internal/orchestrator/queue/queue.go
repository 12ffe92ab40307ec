// Package queue implements the durable outbound task queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/common/broadcast"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/storage/kv"
	"github.com/kandev/chatsync/internal/task/models"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// StorageKey is the KV key holding the persisted task list.
const StorageKey = "outbound_task_queue_v1"

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrTaskExists is returned when a task already exists in the queue
	ErrTaskExists = errors.New("task already exists in queue")
	// ErrTaskNotFound is returned when no task has the given id
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("queue is closed")
)

// Options configures a TaskQueue.
type Options struct {
	// MaxSize bounds the number of non-terminal tasks. 0 means unbounded.
	MaxSize int
	// MaxHistory is how many terminal tasks PruneTerminal keeps.
	MaxHistory int
	Logger     *logger.Logger
	// EventBus receives task lifecycle events when set.
	EventBus bus.EventBus
}

// TaskStatusEvent is the payload of task lifecycle events.
type TaskStatusEvent struct {
	TaskID         string        `json:"taskId"`
	Kind           models.Kind   `json:"kind"`
	ConversationID string        `json:"conversationId,omitempty"`
	Status         v1.TaskStatus `json:"status"`
	Attempt        int           `json:"attempt"`
	Error          string        `json:"error,omitempty"`
}

// TaskQueue holds outbound tasks in enqueue order. Every mutation is written
// to the store before the call returns.
type TaskQueue struct {
	mu      sync.Mutex
	store   kv.Store
	tasks   []models.Task
	opts    Options
	logger  *logger.Logger
	updates *broadcast.Broadcaster[[]models.Task]
	closed  bool
}

// Open loads the persisted queue from store. Tasks left running by a previous
// process are put back to queued with their attempt count kept.
func Open(ctx context.Context, store kv.Store, opts Options) (*TaskQueue, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	q := &TaskQueue{
		store:   store,
		tasks:   make([]models.Task, 0),
		opts:    opts,
		logger:  log.WithFields(zap.String("component", "task-queue")),
		updates: broadcast.New[[]models.Task](),
	}

	raw, err := store.Get(ctx, StorageKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return q, nil
	case err != nil:
		return nil, fmt.Errorf("load task queue: %w", err)
	}

	tasks, err := models.UnmarshalList(raw)
	if err != nil {
		return nil, fmt.Errorf("load task queue: %w", err)
	}

	recovered := 0
	for _, t := range tasks {
		if h := t.Head(); h.Status == v1.TaskStatusRunning {
			h.Status = v1.TaskStatusQueued
			h.StartedAt = nil
			recovered++
		}
	}
	if recovered > 0 {
		if err := q.write(ctx, tasks); err != nil {
			return nil, err
		}
		q.logger.Info("Recovered interrupted tasks", zap.Int("count", recovered))
	}
	q.tasks = tasks
	return q, nil
}

// Close stops snapshot delivery. Persisted state is left as is.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.updates.Close()
}

// Enqueue persists task as queued and returns its id. Empty ids and missing
// idempotency keys are generated.
func (q *TaskQueue) Enqueue(ctx context.Context, task models.Task) (string, error) {
	task = models.Clone(task)
	h := task.Head()
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.IdempotencyKey == nil {
		key := uuid.New().String()
		h.IdempotencyKey = &key
	}
	now := time.Now().UTC()
	h.Status = v1.TaskStatusQueued
	h.EnqueuedAt = &now
	h.StartedAt = nil
	h.CompletedAt = nil

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	if q.indexOf(h.ID) >= 0 {
		q.mu.Unlock()
		return "", ErrTaskExists
	}
	if q.opts.MaxSize > 0 && q.activeLocked() >= q.opts.MaxSize {
		q.mu.Unlock()
		return "", ErrQueueFull
	}
	next := append(slices.Clone(q.tasks), task)
	if err := q.commitLocked(ctx, next); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.mu.Unlock()

	q.logger.Debug("Task enqueued",
		zap.String("task_id", h.ID),
		zap.String("kind", string(task.Kind())),
		zap.String("thread", models.ThreadKey(task)))
	q.emit(ctx, bus.EventTaskEnqueued, task)
	return h.ID, nil
}

// DequeueNext returns a copy of the oldest queued task, optionally restricted
// to one thread key. Thread keys with a running task are skipped. Returns nil
// when nothing is eligible. The task stays queued until MarkRunning.
func (q *TaskQueue) DequeueNext(ctx context.Context, threadKey *string) (models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	busy := q.busyThreadsLocked()
	for _, t := range q.tasks {
		if t.Head().Status != v1.TaskStatusQueued {
			continue
		}
		key := models.ThreadKey(t)
		if threadKey != nil && key != *threadKey {
			continue
		}
		if busy[key] {
			continue
		}
		return models.Clone(t), nil
	}
	return nil, nil
}

// QueuedThreads returns the distinct thread keys with queued tasks, in order
// of their oldest queued task.
func (q *TaskQueue) QueuedThreads() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]bool)
	keys := make([]string, 0)
	for _, t := range q.tasks {
		if t.Head().Status != v1.TaskStatusQueued {
			continue
		}
		key := models.ThreadKey(t)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

// MarkRunning moves a queued task to running and counts the attempt. It fails
// when another task of the same thread is running or an older one is queued.
func (q *TaskQueue) MarkRunning(ctx context.Context, id string) (models.Task, error) {
	return q.transition(ctx, id, func(t models.Task, tasks []models.Task) error {
		h := t.Head()
		if h.Status != v1.TaskStatusQueued {
			return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, h.Status)
		}
		key := models.ThreadKey(t)
		for _, other := range tasks {
			oh := other.Head()
			if oh.ID == h.ID {
				break
			}
			if models.ThreadKey(other) == key && !oh.Status.IsTerminal() {
				return fmt.Errorf("%w: thread %s has earlier task %s", ErrInvalidTransition, key, oh.ID)
			}
		}
		for _, other := range tasks {
			oh := other.Head()
			if oh.ID != h.ID && oh.Status == v1.TaskStatusRunning && models.ThreadKey(other) == key {
				return fmt.Errorf("%w: thread %s is busy", ErrInvalidTransition, key)
			}
		}
		now := time.Now().UTC()
		h.Status = v1.TaskStatusRunning
		h.Attempt++
		h.StartedAt = &now
		return nil
	})
}

// MarkSucceeded finishes a running task.
func (q *TaskQueue) MarkSucceeded(ctx context.Context, id string) (models.Task, error) {
	return q.finish(ctx, id, v1.TaskStatusSucceeded, nil, v1.TaskStatusRunning)
}

// MarkFailed finishes a running task with err recorded.
func (q *TaskQueue) MarkFailed(ctx context.Context, id string, cause error) (models.Task, error) {
	return q.finish(ctx, id, v1.TaskStatusFailed, cause, v1.TaskStatusRunning)
}

// MarkCancelled cancels a queued or running task.
func (q *TaskQueue) MarkCancelled(ctx context.Context, id string) (models.Task, error) {
	return q.finish(ctx, id, v1.TaskStatusCancelled, nil, v1.TaskStatusQueued, v1.TaskStatusRunning)
}

// Cancel cancels a task that has not started.
func (q *TaskQueue) Cancel(ctx context.Context, id string) (models.Task, error) {
	return q.finish(ctx, id, v1.TaskStatusCancelled, nil, v1.TaskStatusQueued)
}

// Requeue puts a running task back to queued after a retryable failure.
func (q *TaskQueue) Requeue(ctx context.Context, id string, cause error) (models.Task, error) {
	return q.transition(ctx, id, func(t models.Task, _ []models.Task) error {
		h := t.Head()
		if h.Status != v1.TaskStatusRunning {
			return fmt.Errorf("%w: %s -> queued", ErrInvalidTransition, h.Status)
		}
		h.Status = v1.TaskStatusQueued
		h.StartedAt = nil
		h.Error = errString(cause)
		return nil
	})
}

// SetConversationID binds a task to a conversation created while it ran.
func (q *TaskQueue) SetConversationID(ctx context.Context, id, conversationID string) (models.Task, error) {
	return q.transition(ctx, id, func(t models.Task, _ []models.Task) error {
		t.Head().ConversationID = &conversationID
		return nil
	})
}

// Get returns a copy of the task with the given id.
func (q *TaskQueue) Get(id string) (models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return nil, false
	}
	return models.Clone(q.tasks[i]), true
}

// List returns copies of all tasks in enqueue order.
func (q *TaskQueue) List() []models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Len returns the number of tasks, terminal ones included.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Pending returns the number of queued and running tasks.
func (q *TaskQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeLocked()
}

// Subscribe returns an ordered stream of full queue snapshots, starting with
// the current one. Call Unsubscribe when done.
func (q *TaskQueue) Subscribe() *broadcast.Subscription[[]models.Task] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updates.Subscribe(q.snapshotLocked())
}

// PruneTerminal drops the oldest terminal tasks beyond MaxHistory.
func (q *TaskQueue) PruneTerminal(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	terminal := 0
	for _, t := range q.tasks {
		if t.Head().Status.IsTerminal() {
			terminal++
		}
	}
	drop := terminal - q.opts.MaxHistory
	if q.opts.MaxHistory <= 0 || drop <= 0 {
		return 0, nil
	}

	next := make([]models.Task, 0, len(q.tasks)-drop)
	removed := 0
	for _, t := range q.tasks {
		if removed < drop && t.Head().Status.IsTerminal() {
			removed++
			continue
		}
		next = append(next, t)
	}
	if err := q.commitLocked(ctx, next); err != nil {
		return 0, err
	}
	return removed, nil
}

func (q *TaskQueue) finish(ctx context.Context, id string, status v1.TaskStatus, cause error, from ...v1.TaskStatus) (models.Task, error) {
	t, err := q.transition(ctx, id, func(t models.Task, _ []models.Task) error {
		h := t.Head()
		if !slices.Contains(from, h.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.Status, status)
		}
		now := time.Now().UTC()
		h.Status = status
		h.CompletedAt = &now
		if cause != nil {
			h.Error = errString(cause)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := q.PruneTerminal(ctx); err != nil {
		q.logger.Warn("Failed to prune terminal tasks", zap.Error(err))
	}
	return t, nil
}

func (q *TaskQueue) transition(ctx context.Context, id string, fn func(t models.Task, tasks []models.Task) error) (models.Task, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	i := q.indexOf(id)
	if i < 0 {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	updated := models.Clone(q.tasks[i])
	if err := fn(updated, q.tasks); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	next := slices.Clone(q.tasks)
	next[i] = updated
	if err := q.commitLocked(ctx, next); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	h := updated.Head()
	q.logger.Debug("Task status changed",
		zap.String("task_id", id),
		zap.String("status", string(h.Status)),
		zap.Int("attempt", h.Attempt))
	q.emit(ctx, bus.EventTaskStatusChanged, updated)
	return models.Clone(updated), nil
}

// commitLocked persists tasks and, only once the write succeeded, makes them
// the current state and notifies subscribers.
func (q *TaskQueue) commitLocked(ctx context.Context, tasks []models.Task) error {
	if err := q.write(ctx, tasks); err != nil {
		return err
	}
	q.tasks = tasks
	q.updates.Publish(q.snapshotLocked())
	return nil
}

func (q *TaskQueue) write(ctx context.Context, tasks []models.Task) error {
	raw, err := models.MarshalList(tasks)
	if err != nil {
		return fmt.Errorf("persist task queue: %w", err)
	}
	if err := q.store.Put(ctx, StorageKey, raw); err != nil {
		return fmt.Errorf("persist task queue: %w", err)
	}
	return nil
}

func (q *TaskQueue) emit(ctx context.Context, eventType string, t models.Task) {
	if q.opts.EventBus == nil {
		return
	}
	h := t.Head()
	payload := TaskStatusEvent{
		TaskID:         h.ID,
		Kind:           t.Kind(),
		ConversationID: models.ConversationID(t),
		Status:         h.Status,
		Attempt:        h.Attempt,
	}
	if h.Error != nil {
		payload.Error = *h.Error
	}
	event, err := bus.NewEvent(eventType, "task-queue", payload)
	if err != nil {
		q.logger.Warn("Failed to build task event", zap.Error(err))
		return
	}
	if err := q.opts.EventBus.Publish(ctx, bus.TaskSubject(h.ID), event); err != nil {
		q.logger.Warn("Failed to publish task event", zap.String("task_id", h.ID), zap.Error(err))
	}
}

func (q *TaskQueue) snapshotLocked() []models.Task {
	out := make([]models.Task, len(q.tasks))
	for i, t := range q.tasks {
		out[i] = models.Clone(t)
	}
	return out
}

func (q *TaskQueue) indexOf(id string) int {
	for i, t := range q.tasks {
		if t.Head().ID == id {
			return i
		}
	}
	return -1
}

func (q *TaskQueue) activeLocked() int {
	n := 0
	for _, t := range q.tasks {
		if !t.Head().Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (q *TaskQueue) busyThreadsLocked() map[string]bool {
	busy := make(map[string]bool)
	for _, t := range q.tasks {
		if t.Head().Status == v1.TaskStatusRunning {
			busy[models.ThreadKey(t)] = true
		}
	}
	return busy
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

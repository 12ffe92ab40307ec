// Package scheduler drives queued tasks through the worker, one lane per
// conversation thread.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/chatsync/internal/common/config"
	apperrors "github.com/kandev/chatsync/internal/common/errors"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/orchestrator/queue"
	"github.com/kandev/chatsync/internal/task/models"
)

// ErrAlreadyRunning is returned when Run or Drain is called while another
// call is active.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Performer executes a single task.
type Performer interface {
	Perform(ctx context.Context, task models.Task) error
}

// Options configures the scheduler.
type Options struct {
	// MaxConcurrentThreads bounds how many threads run at once.
	MaxConcurrentThreads int
	// MaxAttempts bounds retries of retryable failures. Send tasks are never
	// retried.
	MaxAttempts int
	// RetryDelay is multiplied by the attempt number before a retry.
	RetryDelay time.Duration
	Logger     *logger.Logger
}

// OptionsFromConfig maps the queue config section.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxConcurrentThreads: cfg.MaxConcurrentThreads,
		MaxAttempts:          cfg.MaxAttempts,
		RetryDelay:           time.Second,
	}
}

// Scheduler pulls tasks from the queue. Tasks of one thread run strictly in
// enqueue order; distinct threads run concurrently.
type Scheduler struct {
	queue  *queue.TaskQueue
	worker Performer
	opts   Options
	logger *logger.Logger

	active atomic.Bool
	wake   chan struct{}

	mu    sync.Mutex
	lanes map[string]bool
}

// New creates a scheduler.
func New(q *queue.TaskQueue, worker Performer, opts Options) *Scheduler {
	if opts.MaxConcurrentThreads <= 0 {
		opts.MaxConcurrentThreads = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		queue:  q,
		worker: worker,
		opts:   opts,
		logger: log.WithFields(zap.String("component", "scheduler")),
		wake:   make(chan struct{}, 1),
		lanes:  make(map[string]bool),
	}
}

// Run schedules tasks as they are enqueued until ctx is done, then waits for
// running lanes to stop.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.active.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.active.Store(false)

	sub := s.queue.Subscribe()
	defer sub.Unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxConcurrentThreads)
	s.logger.Info("Scheduler started", zap.Int("max_concurrent_threads", s.opts.MaxConcurrentThreads))

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case _, ok := <-sub.C:
			if !ok {
				break loop
			}
		case <-s.wake:
		}
		s.startLanes(gctx, g)
	}

	err := g.Wait()
	s.logger.Info("Scheduler stopped")
	return err
}

func (s *Scheduler) startLanes(ctx context.Context, g *errgroup.Group) {
	for _, key := range s.queue.QueuedThreads() {
		if !s.claim(key) {
			continue
		}
		started := g.TryGo(func() error {
			defer s.signal()
			s.lane(ctx, key)
			return nil
		})
		if !started {
			s.release(key)
			return
		}
	}
}

// Drain runs queued tasks until none are left or ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	if !s.active.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.active.Store(false)

	for {
		keys := s.queue.QueuedThreads()
		if len(keys) == 0 {
			return ctx.Err()
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.MaxConcurrentThreads)
		for _, key := range keys {
			if !s.claim(key) {
				continue
			}
			g.Go(func() error {
				s.lane(gctx, key)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Scheduler) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lanes[key] {
		return false
	}
	s.lanes[key] = true
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lanes, key)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// lane runs the tasks of one thread until none is queued.
func (s *Scheduler) lane(ctx context.Context, key string) {
	defer s.release(key)
	for ctx.Err() == nil {
		task, err := s.queue.DequeueNext(ctx, &key)
		if err != nil || task == nil {
			return
		}
		s.runOne(ctx, task)
	}
}

func (s *Scheduler) runOne(ctx context.Context, task models.Task) {
	id := task.Head().ID
	log := s.logger.WithTaskID(id).WithFields(zap.String("thread", models.ThreadKey(task)))

	running, err := s.queue.MarkRunning(ctx, id)
	if err != nil {
		log.Debug("Task not started", zap.Error(err))
		return
	}

	perr := s.worker.Perform(ctx, running)
	// transitions must land even when shutting down
	wctx := context.WithoutCancel(ctx)
	attempt := running.Head().Attempt

	switch {
	case perr == nil:
		_, err = s.queue.MarkSucceeded(wctx, id)
	case ctx.Err() != nil:
		log.Info("Task interrupted, requeueing", zap.Error(perr))
		_, err = s.queue.Requeue(wctx, id, perr)
	case s.retryable(running, perr):
		delay := s.opts.RetryDelay * time.Duration(attempt)
		log.Warn("Task failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(perr))
		sleep(ctx, delay)
		_, err = s.queue.Requeue(wctx, id, perr)
	default:
		log.Error("Task failed", zap.Int("attempt", attempt), zap.Error(perr))
		_, err = s.queue.MarkFailed(wctx, id, perr)
	}
	if err != nil && !errors.Is(err, queue.ErrInvalidTransition) {
		log.Error("Failed to record task outcome", zap.Error(err))
	}
}

func (s *Scheduler) retryable(task models.Task, err error) bool {
	if task.Kind() == models.KindSendTextMessage {
		return false
	}
	return apperrors.IsRetryable(err) && task.Head().Attempt < s.opts.MaxAttempts
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

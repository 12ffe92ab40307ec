// Package attachments implements the durable attachment upload queue.
package attachments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/common/broadcast"
	"github.com/kandev/chatsync/internal/common/config"
	apperrors "github.com/kandev/chatsync/internal/common/errors"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/remote"
	"github.com/kandev/chatsync/internal/storage/kv"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// StorageKey is the KV key holding the persisted attachment list.
const StorageKey = "attachment_upload_queue_v1"

var (
	// ErrNotFound is returned for unknown attachment ids
	ErrNotFound = errors.New("attachment not found")
	// ErrInvalidState is returned when an operation does not apply to the current status
	ErrInvalidState = errors.New("attachment is not in a valid state for this operation")
)

// Uploader sends one file to the remote service.
type Uploader interface {
	UploadFile(ctx context.Context, req remote.UploadRequest) (*remote.FileInfo, error)
}

// UploaderFunc adapts a function to Uploader.
type UploaderFunc func(ctx context.Context, req remote.UploadRequest) (*remote.FileInfo, error)

func (f UploaderFunc) UploadFile(ctx context.Context, req remote.UploadRequest) (*remote.FileInfo, error) {
	return f(ctx, req)
}

// Options configures retry behaviour.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *logger.Logger
	EventBus    bus.EventBus
}

// OptionsFromConfig maps the uploads config section.
func OptionsFromConfig(cfg config.UploadsConfig) Options {
	return Options{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay(),
		MaxDelay:    cfg.MaxDelay(),
	}
}

// Queue uploads attachments one at a time with bounded exponential backoff.
// The full list is persisted after every mutation.
type Queue struct {
	mu       sync.Mutex
	procMu   sync.Mutex
	store    kv.Store
	uploader Uploader
	items    []v1.QueuedAttachment
	opts     Options
	logger   *logger.Logger
	updates  *broadcast.Broadcaster[[]v1.QueuedAttachment]
	wake     chan struct{}
}

// Open loads the persisted queue. Entries interrupted mid-upload are put
// back to queued.
func Open(ctx context.Context, store kv.Store, uploader Uploader, opts Options) (*Queue, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	q := &Queue{
		store:    store,
		uploader: uploader,
		items:    make([]v1.QueuedAttachment, 0),
		opts:     opts,
		logger:   log.WithFields(zap.String("component", "attachment-queue")),
		updates:  broadcast.New[[]v1.QueuedAttachment](),
		wake:     make(chan struct{}, 1),
	}

	var items []v1.QueuedAttachment
	found, err := kv.GetJSON(ctx, store, StorageKey, &items)
	if err != nil {
		return nil, fmt.Errorf("load attachment queue: %w", err)
	}
	if !found {
		return q, nil
	}

	reset := 0
	for i := range items {
		if items[i].Status == v1.AttachmentStatusUploading {
			items[i].Status = v1.AttachmentStatusQueued
			reset++
		}
	}
	if reset > 0 {
		if err := kv.PutJSON(ctx, store, StorageKey, items); err != nil {
			return nil, fmt.Errorf("persist attachment queue: %w", err)
		}
		q.logger.Info("Recovered interrupted uploads", zap.Int("count", reset))
	}
	q.items = items
	return q, nil
}

// Close ends all subscriptions.
func (q *Queue) Close() {
	q.updates.Close()
}

// Enqueue adds a file for upload and returns its attachment id. When an
// entry with the same checksum and size is already queued, uploading or
// completed, its id is returned instead. Missing size, MIME type and
// checksum are derived from the file.
func (q *Queue) Enqueue(ctx context.Context, filePath, fileName string, fileSize int64, mimeType, checksum string) (string, error) {
	if fileName == "" {
		fileName = filepath.Base(filePath)
	}
	if fileSize <= 0 {
		if st, err := os.Stat(filePath); err == nil {
			fileSize = st.Size()
		}
	}
	if mimeType == "" {
		if mt, err := mimetype.DetectFile(filePath); err == nil {
			mimeType = mt.String()
		} else {
			mimeType = "application/octet-stream"
		}
	}
	if checksum == "" {
		sum, err := fileChecksum(filePath)
		if err != nil {
			return "", apperrors.Validation(fmt.Sprintf("cannot read %s: %v", filePath, err))
		}
		checksum = sum
	}

	q.mu.Lock()
	for _, it := range q.items {
		if it.Checksum == checksum && it.FileSize == fileSize &&
			it.Status != v1.AttachmentStatusFailed && it.Status != v1.AttachmentStatusCancelled {
			q.mu.Unlock()
			q.logger.Debug("Attachment already queued", zap.String("attachment_id", it.ID))
			return it.ID, nil
		}
	}

	now := time.Now().UTC()
	item := v1.QueuedAttachment{
		ID:         uuid.New().String(),
		FilePath:   filePath,
		FileName:   fileName,
		FileSize:   fileSize,
		MimeType:   mimeType,
		Checksum:   checksum,
		Status:     v1.AttachmentStatusQueued,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	next := append(slices.Clone(q.items), item)
	if err := q.commitLocked(ctx, next); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.mu.Unlock()

	q.emit(ctx, item)
	q.signal()
	return item.ID, nil
}

// ProcessQueue uploads every queued entry whose retry time has passed.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	q.procMu.Lock()
	defer q.procMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, ok, err := q.claimNext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := q.upload(ctx, item); err != nil {
			return err
		}
	}
}

// claimNext marks the first due queued entry as uploading.
func (q *Queue) claimNext(ctx context.Context) (v1.QueuedAttachment, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for i, it := range q.items {
		if it.Status != v1.AttachmentStatusQueued {
			continue
		}
		if it.NextAttemptAt != nil && it.NextAttemptAt.After(now) {
			continue
		}
		next := slices.Clone(q.items)
		next[i].Status = v1.AttachmentStatusUploading
		next[i].UpdatedAt = now.UTC()
		if err := q.commitLocked(ctx, next); err != nil {
			return v1.QueuedAttachment{}, false, err
		}
		return next[i], true, nil
	}
	return v1.QueuedAttachment{}, false, nil
}

func (q *Queue) upload(ctx context.Context, item v1.QueuedAttachment) error {
	log := q.logger.WithFields(zap.String("attachment_id", item.ID), zap.String("file_name", item.FileName))
	info, uploadErr := q.uploader.UploadFile(ctx, remote.UploadRequest{
		FilePath:       item.FilePath,
		FileName:       item.FileName,
		MimeType:       item.MimeType,
		Checksum:       item.Checksum,
		IdempotencyKey: item.ID,
	})
	if uploadErr != nil && ctx.Err() != nil {
		// shutting down: leave it for the next run
		return q.update(context.WithoutCancel(ctx), item.ID, func(it *v1.QueuedAttachment) bool {
			if it.Status != v1.AttachmentStatusUploading {
				return false
			}
			it.Status = v1.AttachmentStatusQueued
			return true
		})
	}

	return q.update(ctx, item.ID, func(it *v1.QueuedAttachment) bool {
		if it.Status != v1.AttachmentStatusUploading {
			// cancelled or removed while in flight
			return false
		}
		now := time.Now().UTC()
		if uploadErr == nil {
			it.Status = v1.AttachmentStatusCompleted
			it.FileID = &info.ID
			it.LastError = nil
			it.NextAttemptAt = nil
			log.Info("Attachment uploaded", zap.String("file_id", info.ID))
			return true
		}

		it.Attempts++
		msg := uploadErr.Error()
		it.LastError = &msg
		if apperrors.IsRetryable(uploadErr) && it.Attempts < q.opts.MaxAttempts {
			at := now.Add(q.backoff(it.Attempts))
			it.Status = v1.AttachmentStatusQueued
			it.NextAttemptAt = &at
			log.Warn("Attachment upload failed, retrying",
				zap.Int("attempt", it.Attempts),
				zap.Time("next_attempt_at", at),
				zap.Error(uploadErr))
			return true
		}
		it.Status = v1.AttachmentStatusFailed
		it.NextAttemptAt = nil
		log.Error("Attachment upload failed", zap.Int("attempt", it.Attempts), zap.Error(uploadErr))
		return true
	})
}

// backoff returns BaseDelay doubled for every failed attempt after the first,
// capped at MaxDelay.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BaseDelay
	for i := 1; i < attempts && d < q.opts.MaxDelay; i++ {
		d *= 2
	}
	if d > q.opts.MaxDelay {
		d = q.opts.MaxDelay
	}
	return d
}

// Cancel stops a queued or uploading entry.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.mutate(ctx, id, func(it *v1.QueuedAttachment) error {
		if it.Status != v1.AttachmentStatusQueued && it.Status != v1.AttachmentStatusUploading {
			return fmt.Errorf("%w: cannot cancel %s", ErrInvalidState, it.Status)
		}
		it.Status = v1.AttachmentStatusCancelled
		it.NextAttemptAt = nil
		return nil
	})
}

// Retry puts a failed or cancelled entry back in the queue with a fresh
// attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	err := q.mutate(ctx, id, func(it *v1.QueuedAttachment) error {
		if it.Status != v1.AttachmentStatusFailed && it.Status != v1.AttachmentStatusCancelled {
			return fmt.Errorf("%w: cannot retry %s", ErrInvalidState, it.Status)
		}
		it.Status = v1.AttachmentStatusQueued
		it.Attempts = 0
		it.NextAttemptAt = nil
		return nil
	})
	if err == nil {
		q.signal()
	}
	return err
}

// Remove deletes an entry.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := slices.Delete(slices.Clone(q.items), i, i+1)
	return q.commitLocked(ctx, next)
}

// Get returns the entry with the given id.
func (q *Queue) Get(id string) (v1.QueuedAttachment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return v1.QueuedAttachment{}, false
	}
	return q.items[i], true
}

// List returns all entries in enqueue order.
func (q *Queue) List() []v1.QueuedAttachment {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

// Subscribe streams the full list after every mutation, starting with the
// current list.
func (q *Queue) Subscribe() *broadcast.Subscription[[]v1.QueuedAttachment] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updates.Subscribe(slices.Clone(q.items))
}

// WaitTerminal blocks until the entry is completed, failed or cancelled.
func (q *Queue) WaitTerminal(ctx context.Context, id string) (v1.QueuedAttachment, error) {
	sub := q.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return v1.QueuedAttachment{}, ctx.Err()
		case items, ok := <-sub.C:
			if !ok {
				return v1.QueuedAttachment{}, fmt.Errorf("attachment queue closed")
			}
			i := slices.IndexFunc(items, func(it v1.QueuedAttachment) bool { return it.ID == id })
			if i < 0 {
				return v1.QueuedAttachment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			if items[i].Status.IsTerminal() {
				return items[i], nil
			}
		}
	}
}

// Run processes the queue whenever entries are added and when backoff
// delays expire, until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if err := q.ProcessQueue(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error("Failed to process attachment queue", zap.Error(err))
		}

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if due, ok := q.nextDue(); ok {
			timer = time.NewTimer(time.Until(due))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (q *Queue) nextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		due   time.Time
		found bool
	)
	for _, it := range q.items {
		if it.Status != v1.AttachmentStatusQueued {
			continue
		}
		at := time.Now()
		if it.NextAttemptAt != nil {
			at = *it.NextAttemptAt
		}
		if !found || at.Before(due) {
			due, found = at, true
		}
	}
	return due, found
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) mutate(ctx context.Context, id string, fn func(it *v1.QueuedAttachment) error) error {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := slices.Clone(q.items)
	if err := fn(&next[i]); err != nil {
		q.mu.Unlock()
		return err
	}
	next[i].UpdatedAt = time.Now().UTC()
	if err := q.commitLocked(ctx, next); err != nil {
		q.mu.Unlock()
		return err
	}
	item := next[i]
	q.mu.Unlock()
	q.emit(ctx, item)
	return nil
}

// update is mutate for internal transitions; fn returns false to skip.
func (q *Queue) update(ctx context.Context, id string, fn func(it *v1.QueuedAttachment) bool) error {
	err := q.mutate(ctx, id, func(it *v1.QueuedAttachment) error {
		if !fn(it) {
			return errSkip
		}
		return nil
	})
	if errors.Is(err, errSkip) || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

var errSkip = errors.New("skip")

func (q *Queue) commitLocked(ctx context.Context, items []v1.QueuedAttachment) error {
	if err := kv.PutJSON(ctx, q.store, StorageKey, items); err != nil {
		return fmt.Errorf("persist attachment queue: %w", err)
	}
	q.items = items
	q.updates.Publish(slices.Clone(items))
	return nil
}

func (q *Queue) indexLocked(id string) int {
	return slices.IndexFunc(q.items, func(it v1.QueuedAttachment) bool { return it.ID == id })
}

func (q *Queue) emit(ctx context.Context, item v1.QueuedAttachment) {
	if q.opts.EventBus == nil {
		return
	}
	event, err := bus.NewEvent(bus.EventAttachmentUpdated, "attachment-queue", item)
	if err != nil {
		return
	}
	if err := q.opts.EventBus.Publish(ctx, bus.AttachmentSubject(item.ID), event); err != nil {
		q.logger.Warn("Failed to publish attachment event", zap.Error(err))
	}
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

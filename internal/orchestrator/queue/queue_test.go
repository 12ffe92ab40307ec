package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/storage/kv"
	"github.com/kandev/chatsync/internal/task/models"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

func strPtr(s string) *string { return &s }

// createTestTask creates a send task for the given conversation ("" = new)
func createTestTask(id, conversationID string) models.Task {
	task := &models.SendTextMessage{Header: models.Header{ID: id}, Text: "msg " + id}
	if conversationID != "" {
		task.ConversationID = strPtr(conversationID)
	}
	return task
}

func openTestQueue(t *testing.T, store kv.Store, opts Options) *TaskQueue {
	t.Helper()
	opts.Logger = logger.NewNop()
	q, err := Open(context.Background(), store, opts)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

type failingStore struct {
	*kv.MemoryStore
	fail bool
}

func (s *failingStore) Put(ctx context.Context, key string, value []byte) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, key, value)
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, kv.NewMemoryStore(), Options{})

	id, err := q.Enqueue(ctx, createTestTask("task-1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	task, ok := q.Get(id)
	require.True(t, ok)
	h := task.Head()
	assert.Equal(t, v1.TaskStatusQueued, h.Status)
	assert.NotNil(t, h.IdempotencyKey)
	assert.NotNil(t, h.EnqueuedAt)

	t.Run("generates missing id", func(t *testing.T) {
		id, err := q.Enqueue(ctx, createTestTask("", ""))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		_, err := q.Enqueue(ctx, createTestTask("task-1", "c1"))
		assert.ErrorIs(t, err, ErrTaskExists)
	})
}

func TestEnqueue_QueueFull(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, kv.NewMemoryStore(), Options{MaxSize: 1})

	_, err := q.Enqueue(ctx, createTestTask("a", "c1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, createTestTask("b", "c1"))
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = q.Cancel(ctx, "a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, createTestTask("b", "c1"))
	assert.NoError(t, err)
}

func TestEnqueue_PersistsBeforeAcknowledging(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: kv.NewMemoryStore(), fail: true}
	q := openTestQueue(t, store, Options{})

	_, err := q.Enqueue(ctx, createTestTask("a", "c1"))
	require.Error(t, err)
	assert.Equal(t, 0, q.Len())

	store.fail = false
	_, err = q.Enqueue(ctx, createTestTask("a", "c1"))
	require.NoError(t, err)

	store.fail = true
	_, err = q.MarkRunning(ctx, "a")
	require.Error(t, err)
	task, _ := q.Get("a")
	assert.Equal(t, v1.TaskStatusQueued, task.Head().Status)
}

func TestDequeueNext_SerializesThreads(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, kv.NewMemoryStore(), Options{})

	for _, task := range []models.Task{
		createTestTask("c1-1", "c1"),
		createTestTask("c1-2", "c1"),
		createTestTask("c2-1", "c2"),
		createTestTask("c1-3", "c1"),
	} {
		_, err := q.Enqueue(ctx, task)
		require.NoError(t, err)
	}

	next, err := q.DequeueNext(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "c1-1", next.Head().ID)
	_, err = q.MarkRunning(ctx, "c1-1")
	require.NoError(t, err)

	next, err = q.DequeueNext(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "c2-1", next.Head().ID, "busy thread must be skipped")

	next, err = q.DequeueNext(ctx, strPtr("c1"))
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = q.MarkRunning(ctx, "c1-2")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = q.MarkSucceeded(ctx, "c1-1")
	require.NoError(t, err)
	next, err = q.DequeueNext(ctx, strPtr("c1"))
	require.NoError(t, err)
	assert.Equal(t, "c1-2", next.Head().ID)

	assert.Equal(t, []string{"c1", "c2"}, q.QueuedThreads())
}

func TestMarkRunning_FollowsEnqueueOrderPerThread(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, kv.NewMemoryStore(), Options{})

	ids := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, id := range ids {
		_, err := q.Enqueue(ctx, createTestTask(id, "conv"))
		require.NoError(t, err)
	}

	var started []string
	for {
		next, err := q.DequeueNext(ctx, strPtr("conv"))
		require.NoError(t, err)
		if next == nil {
			break
		}
		running, err := q.MarkRunning(ctx, next.Head().ID)
		require.NoError(t, err)
		started = append(started, running.Head().ID)
		_, err = q.MarkSucceeded(ctx, running.Head().ID)
		require.NoError(t, err)
	}
	assert.Equal(t, ids, started)
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, kv.NewMemoryStore(), Options{})
	_, err := q.Enqueue(ctx, createTestTask("a", "c1"))
	require.NoError(t, err)

	_, err = q.MarkSucceeded(ctx, "a")
	assert.ErrorIs(t, err, ErrInvalidTransition, "queued cannot succeed")

	running, err := q.MarkRunning(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, running.Head().Attempt)
	assert.NotNil(t, running.Head().StartedAt)

	requeued, err := q.Requeue(ctx, "a", errors.New("connection reset"))
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusQueued, requeued.Head().Status)
	assert.Equal(t, "connection reset", *requeued.Head().Error)

	_, err = q.MarkRunning(ctx, "a")
	require.NoError(t, err)
	failed, err := q.MarkFailed(ctx, "a", errors.New("server error"))
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, failed.Head().Status)
	assert.Equal(t, 2, failed.Head().Attempt)
	assert.NotNil(t, failed.Head().CompletedAt)

	_, err = q.Cancel(ctx, "a")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = q.MarkRunning(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestOpen_RecoversRunningTasks(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	q, err := Open(ctx, store, Options{Logger: logger.NewNop()})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, createTestTask("a", "c1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &models.UploadMedia{Header: models.Header{ID: "b"}, FilePath: "/tmp/x.png"})
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, "a")
	require.NoError(t, err)
	q.Close()

	reopened := openTestQueue(t, store, Options{})
	require.Equal(t, 2, reopened.Len())

	a, ok := reopened.Get("a")
	require.True(t, ok)
	assert.Equal(t, v1.TaskStatusQueued, a.Head().Status)
	assert.Equal(t, 1, a.Head().Attempt)
	assert.Nil(t, a.Head().StartedAt)

	b, ok := reopened.Get("b")
	require.True(t, ok)
	assert.Equal(t, models.KindUploadMedia, b.Kind())
	assert.Equal(t, "/tmp/x.png", b.(*models.UploadMedia).FilePath)
}

func TestPruneTerminal(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, kv.NewMemoryStore(), Options{MaxHistory: 2})

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := q.Enqueue(ctx, createTestTask(id, "c-"+id))
		require.NoError(t, err)
		_, err = q.Cancel(ctx, id)
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, createTestTask("live", "c1"))
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, task := range q.List() {
		ids = append(ids, task.Head().ID)
	}
	assert.Equal(t, []string{"c", "d", "live"}, ids)
}

func TestSubscribe_DeliversOrderedSnapshots(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, kv.NewMemoryStore(), Options{})

	sub := q.Subscribe()
	defer sub.Unsubscribe()

	next := func() []models.Task {
		select {
		case snap := <-sub.C:
			return snap
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}

	assert.Empty(t, next())
	_, err := q.Enqueue(ctx, createTestTask("a", "c1"))
	require.NoError(t, err)
	_, err = q.MarkRunning(ctx, "a")
	require.NoError(t, err)

	snap := next()
	require.Len(t, snap, 1)
	assert.Equal(t, v1.TaskStatusQueued, snap[0].Head().Status)
	snap = next()
	assert.Equal(t, v1.TaskStatusRunning, snap[0].Head().Status)
}

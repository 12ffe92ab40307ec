package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/chatsync/internal/attachments"
	"github.com/kandev/chatsync/internal/chat/chunker"
	"github.com/kandev/chatsync/internal/chat/reconcile"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/orchestrator/executor"
	"github.com/kandev/chatsync/internal/orchestrator/queue"
	"github.com/kandev/chatsync/internal/orchestrator/scheduler"
	"github.com/kandev/chatsync/internal/platform"
	"github.com/kandev/chatsync/internal/remote"
	"github.com/kandev/chatsync/internal/remote/remotetest"
	"github.com/kandev/chatsync/internal/storage/kv"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

type harness struct {
	srv        *remotetest.Server
	store      kv.Store
	background *platform.StoreBackground
	svc        *Service
}

func testConfig() ServiceConfig {
	chunk := chunker.Options{MinChunkSize: 1, MaxChunkLength: 10}
	return ServiceConfig{
		Queue:       queue.Options{MaxHistory: 50},
		Scheduler:   scheduler.Options{MaxConcurrentThreads: 2, RetryDelay: time.Millisecond},
		Attachments: attachments.Options{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Reconcile:   reconcile.Options{Chunker: chunk, TitlePollAttempts: 1, TitlePollBaseDelay: time.Millisecond},
		Worker: executor.Options{
			Chunker:           chunk,
			UploadWaitTimeout: 5 * time.Second,
			DefaultModel:      "test-model",
			SessionID:         "session-1",
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	srv := remotetest.New()
	t.Cleanup(srv.Close)

	client := remote.NewClient(remote.Options{BaseURL: srv.URL, Timeout: 5 * time.Second, Logger: log})
	store := kv.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	background := platform.NewStoreBackground(store, log)

	svc, err := NewService(context.Background(), testConfig(), Deps{
		Store:      store,
		Remote:     client,
		EventBus:   eventBus,
		Background: background,
	}, log)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &harness{srv: srv, store: store, background: background, svc: svc}
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(context.Background(), testConfig(), Deps{}, logger.NewNop())
	assert.Error(t, err)
}

func TestService_SendMessageDrain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.svc.SendMessage(ctx, SendRequest{Text: "hello"})
	require.NoError(t, err)

	task, ok := h.svc.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, v1.TaskStatusQueued, task.Head().Status)

	require.NoError(t, h.svc.Drain(ctx))

	task, ok = h.svc.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, v1.TaskStatusSucceeded, task.Head().Status)

	res, ok := h.svc.TaskResult(id)
	require.True(t, ok)
	require.NotEmpty(t, res.ConversationID)

	conv, err := h.svc.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, "The answer is 42.", conv.Messages[1].Content)
	assert.False(t, conv.Messages[1].IsStreaming)

	ids, err := h.svc.ListConversations(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, res.ConversationID)
}

func TestService_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SendMessage(ctx, SendRequest{})
	assert.Error(t, err)

	_, err = h.svc.UploadMedia(ctx, UploadRequest{})
	assert.Error(t, err)
	assert.Empty(t, h.svc.ListTasks())
}

func TestService_CancelQueuedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.svc.RegenerateTitle(ctx, "conv-1")
	require.NoError(t, err)

	task, err := h.svc.CancelTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, task.Head().Status)

	require.NoError(t, h.svc.Drain(ctx))
	got, _ := h.svc.GetTask(id)
	assert.Equal(t, v1.TaskStatusCancelled, got.Head().Status)
}

func TestService_StartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Start(ctx))
	assert.ErrorIs(t, h.svc.Start(ctx), ErrServiceAlreadyRunning)
	assert.ErrorIs(t, h.svc.Drain(ctx), ErrServiceAlreadyRunning)
	assert.True(t, h.svc.GetStatus().Running)

	id, err := h.svc.SendMessage(ctx, SendRequest{Text: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, ok := h.svc.GetTask(id)
		return ok && task.Head().Status == v1.TaskStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.Stop())
	assert.ErrorIs(t, h.svc.Stop(), ErrServiceNotRunning)

	status := h.svc.GetStatus()
	assert.False(t, status.Running)
	assert.Equal(t, 0, status.QueuedTasks)
	assert.Equal(t, 1, status.TotalTasks)
}

func TestService_BackgroundForeground(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("nothing to persist without active streams", func(t *testing.T) {
		require.NoError(t, h.svc.EnterBackground(ctx))
		streams, err := h.background.RecoverActiveStreams(ctx)
		require.NoError(t, err)
		assert.Empty(t, streams)
	})

	t.Run("recovered streams are reconciled", func(t *testing.T) {
		_, err := h.svc.convs.Create(ctx, "conv-1", "Answers", "")
		require.NoError(t, err)
		m, err := h.svc.convs.Machine(ctx, "conv-1")
		require.NoError(t, err)
		m.AddMessage(v1.ChatMessage{ID: "u1", Role: v1.RoleUser, Content: "question"})
		m.AddMessage(v1.ChatMessage{ID: "a1", Role: v1.RoleAssistant, Content: "The answer"})

		h.srv.PutConversation(remote.Conversation{
			ID:    "conv-1",
			Title: "Answers",
			Messages: []v1.ChatMessage{
				{ID: "u1", Role: v1.RoleUser, Content: "question"},
				{ID: "a1", Role: v1.RoleAssistant, Content: "The answer is 42."},
			},
		})

		require.NoError(t, h.background.PersistActiveStreams(ctx, []v1.StreamState{
			{StreamID: "s1", TaskID: "t1", ConversationID: "conv-1", MessageID: "a1"},
			{StreamID: "s2", TaskID: "t2", ConversationID: "conv-1", MessageID: "a1"},
		}))

		ids, err := h.svc.EnterForeground(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"conv-1"}, ids)

		msg, ok := m.Message("a1")
		require.True(t, ok)
		assert.Equal(t, "The answer is 42.", msg.Content)

		again, err := h.svc.EnterForeground(ctx)
		require.NoError(t, err)
		assert.Empty(t, again)
	})
}

func TestService_UploadMediaTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	path := writeTempFile(t, "notes.txt", []byte("meeting notes"))
	id, err := h.svc.UploadMedia(ctx, UploadRequest{FilePath: path})
	require.NoError(t, err)
	require.NoError(t, h.svc.Drain(ctx))

	task, ok := h.svc.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, v1.TaskStatusSucceeded, task.Head().Status)

	res, ok := h.svc.TaskResult(id)
	require.True(t, ok)
	att, ok := h.svc.Attachments().Get(res.AttachmentID)
	require.True(t, ok)
	assert.Equal(t, v1.AttachmentStatusCompleted, att.Status)
	assert.Equal(t, "notes.txt", att.FileName)
	assert.Equal(t, 1, h.srv.Uploads())
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

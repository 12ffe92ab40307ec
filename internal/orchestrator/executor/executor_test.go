package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/chatsync/internal/attachments"
	"github.com/kandev/chatsync/internal/chat/chunker"
	"github.com/kandev/chatsync/internal/chat/reconcile"
	"github.com/kandev/chatsync/internal/chat/state"
	apperrors "github.com/kandev/chatsync/internal/common/errors"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/platform"
	"github.com/kandev/chatsync/internal/remote"
	"github.com/kandev/chatsync/internal/remote/remotetest"
	"github.com/kandev/chatsync/internal/storage/kv"
	"github.com/kandev/chatsync/internal/task/models"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

type fixture struct {
	srv        *remotetest.Server
	client     *remote.Client
	store      kv.Store
	convs      *state.Conversations
	uploads    *attachments.Queue
	coord      *reconcile.Coordinator
	background *platform.StoreBackground
	eventBus   *bus.MemoryEventBus
	worker     *Worker
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	uploader    attachments.Uploader
	uploadWait  time.Duration
	chunkDelay  time.Duration
	uploadTries int
}

func withUploader(u attachments.Uploader) fixtureOption {
	return func(c *fixtureConfig) { c.uploader = u }
}

func withUploadWait(d time.Duration) fixtureOption {
	return func(c *fixtureConfig) { c.uploadWait = d }
}

func withChunkDelay(d time.Duration) fixtureOption {
	return func(c *fixtureConfig) { c.chunkDelay = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{uploadWait: 5 * time.Second, uploadTries: 2}
	for _, o := range opts {
		o(&cfg)
	}

	log := logger.NewNop()
	srv := remotetest.New()
	t.Cleanup(srv.Close)
	client := remote.NewClient(remote.Options{BaseURL: srv.URL, Timeout: 5 * time.Second, Logger: log})
	if cfg.uploader == nil {
		cfg.uploader = client
	}

	store := kv.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	convs := state.NewConversations(store, eventBus, log)
	t.Cleanup(convs.Close)

	uploads, err := attachments.Open(context.Background(), store, cfg.uploader, attachments.Options{
		MaxAttempts: cfg.uploadTries,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Logger:      log,
	})
	require.NoError(t, err)
	t.Cleanup(uploads.Close)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = uploads.Run(runCtx)
	}()
	t.Cleanup(func() {
		stop()
		<-done
	})

	coord := reconcile.New(client, convs, reconcile.Options{
		Chunker:            chunker.Options{MinChunkSize: 1, MaxChunkLength: 10},
		TitlePollAttempts:  1,
		TitlePollBaseDelay: time.Millisecond,
		Logger:             log,
	})
	t.Cleanup(coord.Close)

	background := platform.NewStoreBackground(store, log)
	worker := NewWorker(Deps{
		Remote:     client,
		Convs:      convs,
		Uploads:    uploads,
		Reconciler: coord,
		Background: background,
	}, Options{
		Chunker:           chunker.Options{MinChunkSize: 1, MaxChunkLength: 10, Delay: cfg.chunkDelay},
		UploadWaitTimeout: cfg.uploadWait,
		DefaultModel:      "test-model",
		SessionID:         "session-1",
		EventBus:          eventBus,
		Logger:            log,
	})

	return &fixture{
		srv:        srv,
		client:     client,
		store:      store,
		convs:      convs,
		uploads:    uploads,
		coord:      coord,
		background: background,
		eventBus:   eventBus,
		worker:     worker,
	}
}

func header(id string, conversationID *string) models.Header {
	key := "idem-" + id
	return models.Header{ID: id, ConversationID: conversationID, IdempotencyKey: &key, Status: v1.TaskStatusRunning, Attempt: 1}
}

func ptr(s string) *string { return &s }

func (f *fixture) existingConversation(t *testing.T, id string) *state.Machine {
	t.Helper()
	_, err := f.convs.Create(context.Background(), id, "", "test-model")
	require.NoError(t, err)
	f.srv.PutConversation(remote.Conversation{ID: id, Title: "Existing"})
	m, err := f.convs.Machine(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestWorker_SendTextMessage_NewConversation(t *testing.T) {
	f := newFixture(t)
	f.srv.SetDeltas("The ", "answer ", "is ", "42.")
	ctx := context.Background()

	task := &models.SendTextMessage{Header: header("t1", nil), Text: "hello"}
	require.NoError(t, f.worker.Perform(ctx, task))

	res, ok := f.worker.Result("t1")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(res.ConversationID, "srv-"), res.ConversationID)

	conv, err := f.convs.Get(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, v1.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, v1.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "The answer is 42.", conv.Messages[1].Content)
	assert.False(t, conv.Messages[1].IsStreaming)

	t.Run("server received the exchange", func(t *testing.T) {
		srvConv, ok := f.srv.Conversation(res.ConversationID)
		require.True(t, ok)
		require.Len(t, srvConv.Messages, 2)
		assert.Equal(t, "hello", srvConv.Messages[0].Content)

		completions := f.srv.Completions()
		require.Len(t, completions, 1)
		assert.Equal(t, "session-1", completions[0].SessionID)
		assert.Equal(t, "test-model", completions[0].Model)
		assert.Len(t, f.srv.Completed(), 1)

		var key string
		for _, r := range f.srv.Requests() {
			if r.Path == "/api/chat/completions" {
				key = r.IdempotencyKey
			}
		}
		assert.Equal(t, "idem-t1", key)
	})

	t.Run("local conversation moved to the server id", func(t *testing.T) {
		ids, err := f.convs.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{res.ConversationID}, ids)
	})

	t.Run("extended execution released", func(t *testing.T) {
		assert.Empty(t, f.background.Leases())
		assert.Empty(t, f.worker.ActiveStreams())
	})

	t.Run("title generated in the background", func(t *testing.T) {
		f.coord.Wait()
		title, err := f.convs.Title(ctx, res.ConversationID)
		require.NoError(t, err)
		assert.Equal(t, "Generated Title", title)
	})
}

func TestWorker_SendTextMessage_ExistingConversation(t *testing.T) {
	f := newFixture(t)
	m := f.existingConversation(t, "c1")
	m.AddMessage(v1.ChatMessage{ID: "old-u", Role: v1.RoleUser, Content: "earlier"})
	m.AddMessage(v1.ChatMessage{ID: "old-a", Role: v1.RoleAssistant, Content: "before"})
	f.srv.SetDeltas("Sure", ".")

	task := &models.SendTextMessage{Header: header("t2", ptr("c1")), Text: "again", ToolIDs: []string{"web"}}
	require.NoError(t, f.worker.Perform(context.Background(), task))

	msgs := m.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "again", msgs[2].Content)
	assert.Equal(t, "Sure.", msgs[3].Content)

	completions := f.srv.Completions()
	require.Len(t, completions, 1)
	req := completions[0]
	assert.Equal(t, "c1", req.ConversationID)
	assert.Equal(t, []string{"web"}, req.ToolIDs)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "earlier", req.Messages[0].Content)
	assert.Equal(t, "again", req.Messages[2].Content)
}

func TestWorker_SendTextMessage_HistorySkipsUnfilledReplies(t *testing.T) {
	f := newFixture(t)
	m := f.existingConversation(t, "c1")
	m.AddMessage(v1.ChatMessage{ID: "u1", Role: v1.RoleUser, Content: "first"})
	m.AddMessage(v1.ChatMessage{ID: "a1", Role: v1.RoleAssistant, Content: v1.TypingPlaceholder, IsStreaming: true})
	m.FinishStreaming()
	m.AddMessage(v1.ChatMessage{ID: "u2", Role: v1.RoleUser, Content: "second"})
	m.AddMessage(v1.ChatMessage{ID: "a2", Role: v1.RoleAssistant, Content: " "})
	f.srv.SetDeltas("ok")

	require.NoError(t, f.worker.Perform(context.Background(), &models.SendTextMessage{Header: header("t9", ptr("c1")), Text: "third"}))

	completions := f.srv.Completions()
	require.Len(t, completions, 1)
	var sent []string
	for _, msg := range completions[0].Messages {
		sent = append(sent, msg.Content)
	}
	assert.Equal(t, []string{"first", "second", "third"}, sent)
}

func TestWorker_SendTextMessage_StreamMetadata(t *testing.T) {
	f := newFixture(t)
	m := f.existingConversation(t, "c1")
	f.srv.SetScript(func(remote.CompletionRequest) []remote.StreamEvent {
		return []remote.StreamEvent{
			{Type: remote.EventStatus, Status: &v1.StatusEvent{Action: "web_search", Description: "Searching"}},
			{Type: remote.EventSource, Source: &v1.Source{ID: "s1", URL: "https://example.com"}},
			{Type: remote.EventDelta, Delta: "Found it."},
			{Type: remote.EventUsage, Usage: &v1.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}},
		}
	})

	require.NoError(t, f.worker.Perform(context.Background(), &models.SendTextMessage{Header: header("t3", ptr("c1")), Text: "search"}))

	msgs := m.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, "Found it.", last.Content)
	require.Len(t, last.StatusHistory, 1)
	assert.Equal(t, "web_search", last.StatusHistory[0].Action)
	require.Len(t, last.Sources, 1)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 3, last.Usage.TotalTokens)
}

func TestWorker_SendTextMessage_AuthFailure(t *testing.T) {
	f := newFixture(t)
	m := f.existingConversation(t, "c1")
	f.srv.FailCompletions(http.StatusUnauthorized)

	invalidated := make(chan *bus.Event, 1)
	sub, err := f.eventBus.Subscribe(bus.SessionSubject(), func(ctx context.Context, e *bus.Event) error {
		invalidated <- e
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	err = f.worker.Perform(context.Background(), &models.SendTextMessage{Header: header("t4", ptr("c1")), Text: "hi"})
	require.Error(t, err)
	assert.True(t, apperrors.IsAuth(err))

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, v1.RoleUser, msgs[0].Role)
	require.NotNil(t, msgs[1].Error)
	assert.Equal(t, apperrors.ErrCodeAuth, msgs[1].Error.Code)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, state.PhaseFinished, m.Phase())

	select {
	case e := <-invalidated:
		assert.Equal(t, bus.EventSessionInvalidated, e.Type)
	case <-time.After(time.Second):
		t.Fatal("session invalidation not published")
	}
}

func TestWorker_SendTextMessage_InterruptedStreamRecovers(t *testing.T) {
	f := newFixture(t)
	m := f.existingConversation(t, "c1")
	f.srv.SetDeltas("partial ", "answer")
	f.srv.TruncateStreams(true)
	f.srv.SetServerContent(func(_ remote.CompletionRequest, streamed string) string {
		return streamed + ", completed on the server"
	})

	require.NoError(t, f.worker.Perform(context.Background(), &models.SendTextMessage{Header: header("t5", ptr("c1")), Text: "go"}))

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial answer, completed on the server", msgs[1].Content)
	assert.Nil(t, msgs[1].Error)
	assert.Equal(t, state.PhaseSettled, m.Phase())
}

func TestWorker_StopGeneration(t *testing.T) {
	f := newFixture(t, withChunkDelay(20*time.Millisecond))
	m := f.existingConversation(t, "c1")
	deltas := make([]string, 40)
	for i := range deltas {
		deltas[i] = fmt.Sprintf("word%02d ", i)
	}
	f.srv.SetDeltas(deltas...)

	done := make(chan error, 1)
	go func() {
		done <- f.worker.Perform(context.Background(), &models.SendTextMessage{Header: header("t6", ptr("c1")), Text: "long"})
	}()

	require.Eventually(t, func() bool {
		_, streaming := m.Streaming()
		return streaming && len(f.worker.ActiveStreams()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, f.worker.StopGeneration(context.Background(), "c1"))
	_, streaming := m.Streaming()
	assert.False(t, streaming)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("perform did not return after stop")
	}
	assert.Len(t, f.srv.Stopped(), 1)
	assert.False(t, f.worker.StopGeneration(context.Background(), "c1"))
}

func TestWorker_UploadMedia(t *testing.T) {
	t.Run("uploads through the attachment queue", func(t *testing.T) {
		f := newFixture(t)
		path := filepath.Join(t.TempDir(), "notes.txt")
		require.NoError(t, os.WriteFile(path, []byte("some notes"), 0o644))

		task := &models.UploadMedia{Header: header("u1", nil), FilePath: path, FileName: "notes.txt"}
		require.NoError(t, f.worker.Perform(context.Background(), task))

		res, ok := f.worker.Result("u1")
		require.True(t, ok)
		assert.NotEmpty(t, res.FileID)
		item, ok := f.uploads.Get(res.AttachmentID)
		require.True(t, ok)
		assert.Equal(t, v1.AttachmentStatusCompleted, item.Status)
		assert.Equal(t, 1, f.srv.Uploads())
	})

	t.Run("always failing transport ends failed", func(t *testing.T) {
		failing := attachments.UploaderFunc(func(ctx context.Context, req remote.UploadRequest) (*remote.FileInfo, error) {
			return nil, apperrors.Transport("network is unreachable", nil)
		})
		f := newFixture(t, withUploader(failing))

		task := &models.UploadMedia{Header: header("u2", nil), FilePath: "/tmp/x.bin", FileName: "x.bin", FileSize: 3, MimeType: "application/octet-stream", Checksum: "abc"}
		err := f.worker.Perform(context.Background(), task)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUploadFailed)
		assert.False(t, apperrors.IsRetryable(err))

		items := f.uploads.List()
		require.Len(t, items, 1)
		assert.Equal(t, v1.AttachmentStatusFailed, items[0].Status)
		assert.Equal(t, 2, items[0].Attempts)
	})

	t.Run("wait is bounded", func(t *testing.T) {
		hanging := attachments.UploaderFunc(func(ctx context.Context, req remote.UploadRequest) (*remote.FileInfo, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		f := newFixture(t, withUploader(hanging), withUploadWait(20*time.Millisecond))

		task := &models.UploadMedia{Header: header("u3", nil), FilePath: "/tmp/y.bin", FileName: "y.bin", FileSize: 3, MimeType: "application/octet-stream", Checksum: "def"}
		err := f.worker.Perform(context.Background(), task)
		require.Error(t, err)
		assert.True(t, apperrors.IsTimeout(err))
	})
}

func TestWorker_ImageToDataURL(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)
	pngPath := filepath.Join(dir, "dot.png")
	require.NoError(t, os.WriteFile(pngPath, png, 0o644))

	require.NoError(t, f.worker.Perform(context.Background(), &models.ImageToDataURL{Header: header("i1", nil), FilePath: pngPath, FileName: "dot.png"}))
	res, ok := f.worker.Result("i1")
	require.True(t, ok)
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(png), res.DataURL)

	t.Run("rejects non-images", func(t *testing.T) {
		txtPath := filepath.Join(dir, "a.txt")
		require.NoError(t, os.WriteFile(txtPath, []byte("plain text"), 0o644))
		err := f.worker.Perform(context.Background(), &models.ImageToDataURL{Header: header("i2", nil), FilePath: txtPath, FileName: "a.txt"})
		require.Error(t, err)
		assert.True(t, apperrors.IsBadRequest(err))
	})

	t.Run("missing file", func(t *testing.T) {
		err := f.worker.Perform(context.Background(), &models.ImageToDataURL{Header: header("i3", nil), FilePath: filepath.Join(dir, "nope.png")})
		assert.True(t, apperrors.IsBadRequest(err))
	})
}

func TestWorker_ConversationTasks(t *testing.T) {
	ctx := context.Background()

	t.Run("generate title", func(t *testing.T) {
		f := newFixture(t)
		f.existingConversation(t, "c1")
		f.srv.SetTitles("Meaning of Life")

		require.NoError(t, f.worker.Perform(ctx, &models.GenerateTitle{Header: header("g1", nil), TargetConversationID: "c1"}))
		title, err := f.convs.Title(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Meaning of Life", title)
	})

	t.Run("generate title needs a conversation", func(t *testing.T) {
		f := newFixture(t)
		err := f.worker.Perform(ctx, &models.GenerateTitle{Header: header("g2", nil)})
		assert.True(t, apperrors.IsBadRequest(err))
	})

	t.Run("generate image", func(t *testing.T) {
		f := newFixture(t)
		m := f.existingConversation(t, "c1")

		require.NoError(t, f.worker.Perform(ctx, &models.GenerateImage{Header: header("img", ptr("c1")), Prompt: "a red fox"}))
		res, ok := f.worker.Result("img")
		require.True(t, ok)
		require.Len(t, res.ImageURLs, 1)

		msgs := m.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "![a red fox]("+res.ImageURLs[0]+")", msgs[0].Content)
	})

	t.Run("save conversation", func(t *testing.T) {
		f := newFixture(t)
		m := f.existingConversation(t, "c1")
		m.AddMessage(v1.ChatMessage{ID: "u", Role: v1.RoleUser, Content: "keep me"})
		m.AddMessage(v1.ChatMessage{ID: "e", Role: v1.RoleAssistant, Content: "oops", Error: &v1.MessageError{Code: "X"}})
		m.AddMessage(v1.ChatMessage{ID: "p", Role: v1.RoleAssistant, Content: v1.TypingPlaceholder})
		m.AddMessage(v1.ChatMessage{ID: "blank", Role: v1.RoleAssistant})

		require.NoError(t, f.worker.Perform(ctx, &models.SaveConversation{Header: header("s1", ptr("c1"))}))
		srvConv, ok := f.srv.Conversation("c1")
		require.True(t, ok)
		require.Len(t, srvConv.Messages, 1)
		assert.Equal(t, "keep me", srvConv.Messages[0].Content)
	})

	t.Run("tool calls use the hook", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.worker.Perform(ctx, &models.ExecuteToolCall{Header: header("tool1", nil), ToolName: "calc"}))

		boom := errors.New("tool crashed")
		f.worker.opts.ToolHook = func(ctx context.Context, name string, args []byte) error {
			assert.Equal(t, "calc", name)
			return boom
		}
		err := f.worker.Perform(ctx, &models.ExecuteToolCall{Header: header("tool2", nil), ToolName: "calc"})
		assert.ErrorIs(t, err, boom)
	})
}

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/chatsync/internal/common/config"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/orchestrator"
	"github.com/kandev/chatsync/internal/platform"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

func TestBootstrap(t *testing.T) {
	dir := writeConfig(t, `
logging:
  level: error
storage:
  driver: memory
remote:
  baseUrl: http://remote.invalid
`)

	app, err := bootstrap(context.Background(), dir)
	require.NoError(t, err)
	defer app.close()

	assert.Equal(t, "memory", app.cfg.Storage.Driver)
	require.NotNil(t, app.service)
	assert.True(t, app.service.EventBus().IsConnected())
	assert.False(t, app.service.GetStatus().Running)

	require.NoError(t, app.service.Drain(context.Background()))
}

func TestBootstrap_InvalidConfig(t *testing.T) {
	dir := writeConfig(t, "storage:\n  driver: floppy\n")

	_, err := bootstrap(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load configuration")
}

func TestProvideEventBus_DefaultsToMemory(t *testing.T) {
	eventBus, err := provideEventBus(&config.Config{}, logger.NewNop())
	require.NoError(t, err)
	defer eventBus.Close()

	_, ok := eventBus.(*bus.MemoryEventBus)
	assert.True(t, ok)
}

func TestApplicationClose_ReverseOrder(t *testing.T) {
	var order []int
	app := &application{}
	app.onClose(func() { order = append(order, 1) })
	app.onClose(func() { order = append(order, 2) })
	app.onClose(func() { order = append(order, 3) })

	app.close()
	app.close()

	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestShutdown_PersistsOpenStreams(t *testing.T) {
	// the remote never answers until the request is cancelled
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	dir := writeConfig(t, `
logging:
  level: error
storage:
  driver: memory
remote:
  baseUrl: `+srv.URL+`
`)
	app, err := bootstrap(context.Background(), dir)
	require.NoError(t, err)
	defer app.close()

	signalCtx, raise := context.WithCancel(context.Background())
	defer raise()
	require.NoError(t, app.start(signalCtx))

	_, err = app.service.SendMessage(context.Background(), orchestrator.SendRequest{ConversationID: "c1", Text: "hello"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return app.service.GetStatus().ActiveStreams == 1
	}, 5*time.Second, 10*time.Millisecond)

	raise()
	assert.Equal(t, 1, app.service.GetStatus().ActiveStreams, "streams stay open until shutdown")
	require.NoError(t, shutdown(app, nil))
	assert.False(t, app.service.IsRunning())

	streams, err := platform.NewStoreBackground(app.store, logger.NewNop()).RecoverActiveStreams(context.Background())
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "c1", streams[0].ConversationID)
}

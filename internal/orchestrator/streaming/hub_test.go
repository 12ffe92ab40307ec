package streaming

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/chatsync/internal/chat/state"
	"github.com/kandev/chatsync/internal/common/broadcast"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/task/models"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

type fakeSources struct {
	tasks       *broadcast.Broadcaster[[]models.Task]
	attachments *broadcast.Broadcaster[[]v1.QueuedAttachment]
	machine     *state.Machine
	eventBus    *bus.MemoryEventBus
}

func (f *fakeSources) SubscribeTasks() *broadcast.Subscription[[]models.Task] {
	return f.tasks.Subscribe([]models.Task{})
}

func (f *fakeSources) SubscribeAttachments() *broadcast.Subscription[[]v1.QueuedAttachment] {
	return f.attachments.Subscribe([]v1.QueuedAttachment{})
}

func (f *fakeSources) SubscribeConversation(_ context.Context, id string) (*broadcast.Subscription[state.Snapshot], error) {
	if id != f.machine.ConversationID() {
		return nil, state.ErrConversationNotFound
	}
	return f.machine.Subscribe(), nil
}

func (f *fakeSources) EventBus() bus.EventBus { return f.eventBus }

type hubFixture struct {
	sources *fakeSources
	hub     *Hub
	url     string
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	machine := state.NewMachine("c1", nil, log)
	t.Cleanup(machine.Close)
	sources := &fakeSources{
		tasks:       broadcast.New[[]models.Task](),
		attachments: broadcast.New[[]v1.QueuedAttachment](),
		machine:     machine,
		eventBus:    eventBus,
	}
	t.Cleanup(sources.tasks.Close)
	t.Cleanup(sources.attachments.Close)

	hub := NewHub(sources, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), hub, log)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &hubFixture{
		sources: sources,
		hub:     hub,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream",
	}
}

func (f *hubFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := f.url
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// next reads messages until one on topic satisfies match.
func next(t *testing.T, conn *websocket.Conn, topic string, match func(Message) bool) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Topic == topic && (match == nil || match(msg)) {
			return msg
		}
	}
}

func TestHub_TaskSnapshots(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "topics="+TopicTasks)

	first := next(t, conn, TopicTasks, nil)
	assert.Equal(t, TypeSnapshot, first.Type)
	assert.JSONEq(t, `[]`, string(first.Data))

	conv := "c1"
	task := &models.SendTextMessage{Header: models.Header{ID: "t1", ConversationID: &conv, Status: v1.TaskStatusQueued}, Text: "hello"}
	f.sources.tasks.Publish([]models.Task{task})

	msg := next(t, conn, TopicTasks, func(m Message) bool { return string(m.Data) != "[]" })
	tasks, err := models.UnmarshalList(msg.Data)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].Head().ID)
	assert.Equal(t, models.KindSendTextMessage, tasks[0].Kind())
}

func TestHub_ConversationTopicAndLateJoiner(t *testing.T) {
	f := newHubFixture(t)
	topic := ConversationTopic("c1")

	first := f.dial(t, "")
	require.NoError(t, first.WriteJSON(SubscriptionMessage{Action: "subscribe", Topics: []string{topic}}))
	next(t, first, topic, nil)

	f.sources.machine.AddMessage(v1.ChatMessage{ID: "u1", Role: v1.RoleUser, Content: "hello"})
	hasMessage := func(m Message) bool {
		var snap state.Snapshot
		return json.Unmarshal(m.Data, &snap) == nil && len(snap.Messages) == 1
	}
	next(t, first, topic, hasMessage)

	late := f.dial(t, "topics="+topic)
	msg := next(t, late, topic, hasMessage)
	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(msg.Data, &snap))
	assert.Equal(t, "c1", snap.ConversationID)
	assert.Equal(t, "hello", snap.Messages[0].Content)
}

func TestHub_Events(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "topics="+TopicEvents)

	event, err := bus.NewEvent(bus.EventSessionInvalidated, "test", map[string]string{"reason": "expired"})
	require.NoError(t, err)

	// the feed subscribes to the bus asynchronously, so keep publishing
	// until the first event comes through
	stop := make(chan struct{})
	published := make(chan struct{})
	go func() {
		defer close(published)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = f.sources.eventBus.Publish(context.Background(), bus.SessionSubject(), event)
			}
		}
	}()

	msg := next(t, conn, TopicEvents, nil)
	close(stop)
	<-published

	assert.Equal(t, TypeEvent, msg.Type)
	var got bus.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, bus.EventSessionInvalidated, got.Type)
	assert.Equal(t, event.ID, got.ID)
}

func TestHub_UnsubscribeStopsFeed(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "topics="+TopicAttachments)
	next(t, conn, TopicAttachments, nil)
	assert.Equal(t, 1, f.hub.Subscribers(TopicAttachments))

	require.NoError(t, conn.WriteJSON(SubscriptionMessage{Action: "unsubscribe", Topics: []string{TopicAttachments}}))
	require.Eventually(t, func() bool {
		return f.hub.Subscribers(TopicAttachments) == 0 && f.sources.attachments.Len() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestHub_InvalidTopicsIgnored(t *testing.T) {
	f := newHubFixture(t)
	f.dial(t, "topics=bogus,conversation:")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.hub.Subscribers("bogus"))
	assert.Equal(t, 0, f.hub.Subscribers("conversation:"))
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "topics="+TopicTasks)
	next(t, conn, TopicTasks, nil)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return f.hub.Subscribers(TopicTasks) == 0
	}, 5*time.Second, 5*time.Millisecond)
}

// Package streaming pushes queue, attachment and conversation state to
// WebSocket observers.
package streaming

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/chat/state"
	"github.com/kandev/chatsync/internal/common/broadcast"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/task/models"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// Topics a client can follow.
const (
	TopicTasks         = "tasks"
	TopicAttachments   = "attachments"
	TopicEvents        = "events"
	conversationPrefix = "conversation:"
)

// Message types
const (
	TypeSnapshot = "snapshot"
	TypeEvent    = "event"
)

// ConversationTopic returns the topic carrying message-list snapshots of one
// conversation.
func ConversationTopic(id string) string {
	return conversationPrefix + id
}

// Sources provides the state streams the hub relays.
type Sources interface {
	SubscribeTasks() *broadcast.Subscription[[]models.Task]
	SubscribeAttachments() *broadcast.Subscription[[]v1.QueuedAttachment]
	SubscribeConversation(ctx context.Context, id string) (*broadcast.Subscription[state.Snapshot], error)
	EventBus() bus.EventBus
}

// Message is the envelope written to clients.
type Message struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

// Hub routes topic updates to subscribed clients. One feed per topic reads
// the underlying source while at least one client follows it; late joiners
// receive the latest snapshot immediately.
type Hub struct {
	sources Sources

	clients      map[*Client]bool
	topicClients map[string]map[*Client]bool
	feeds        map[string]context.CancelFunc
	latest       map[string][]byte

	broadcast chan *Message
	baseCtx   context.Context
	closed    bool
	wg        sync.WaitGroup

	mu     sync.Mutex
	logger *logger.Logger
}

// NewHub creates a hub. Run must be called for feeds to start.
func NewHub(sources Sources, log *logger.Logger) *Hub {
	return &Hub{
		sources:      sources,
		clients:      make(map[*Client]bool),
		topicClients: make(map[string]map[*Client]bool),
		feeds:        make(map[string]context.CancelFunc),
		latest:       make(map[string][]byte),
		broadcast:    make(chan *Message, sendBuffer),
		logger:       log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Run delivers feed output until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.baseCtx = ctx
	for topic := range h.topicClients {
		h.startFeedLocked(topic)
	}
	h.mu.Unlock()

	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for client := range h.clients {
				h.removeClientLocked(client)
			}
			for topic, cancel := range h.feeds {
				cancel()
				delete(h.feeds, topic)
			}
			h.mu.Unlock()
			h.wg.Wait()
			return

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Failed to marshal message", zap.Error(err))
				continue
			}
			h.mu.Lock()
			if msg.Type == TypeSnapshot && len(h.topicClients[msg.Topic]) > 0 {
				h.latest[msg.Topic] = data
			}
			for client := range h.topicClients[msg.Topic] {
				select {
				case client.send <- data:
				default:
					h.logger.Warn("Client too slow, disconnecting", zap.String("client_id", client.ID))
					h.removeClientLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = true
	h.logger.Debug("Client registered", zap.String("client_id", client.ID))
	return true
}

// Unregister removes a client and its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeClientLocked(client)
}

// SubscribeClient adds client to topic and sends it the latest snapshot.
func (h *Hub) SubscribeClient(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] || !validTopic(topic) {
		return
	}

	clients, ok := h.topicClients[topic]
	if !ok {
		clients = make(map[*Client]bool)
		h.topicClients[topic] = clients
	}
	clients[client] = true
	h.startFeedLocked(topic)

	if data, ok := h.latest[topic]; ok {
		select {
		case client.send <- data:
		default:
		}
	}
	h.logger.Debug("Client subscribed",
		zap.String("client_id", client.ID),
		zap.String("topic", topic))
}

// UnsubscribeClient removes client from topic.
func (h *Hub) UnsubscribeClient(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, topic)
}

// Subscribers returns how many clients follow topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topicClients[topic])
}

func (h *Hub) removeClientLocked(client *Client) {
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for topic, clients := range h.topicClients {
		if clients[client] {
			h.unsubscribeLocked(client, topic)
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) unsubscribeLocked(client *Client, topic string) {
	clients, ok := h.topicClients[topic]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) > 0 {
		return
	}
	delete(h.topicClients, topic)
	delete(h.latest, topic)
	if cancel, ok := h.feeds[topic]; ok {
		cancel()
		delete(h.feeds, topic)
	}
}

func (h *Hub) startFeedLocked(topic string) {
	if h.baseCtx == nil || h.closed {
		return
	}
	if _, running := h.feeds[topic]; running {
		return
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	h.feeds[topic] = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runFeed(ctx, topic)
	}()
}

func (h *Hub) runFeed(ctx context.Context, topic string) {
	log := h.logger.WithFields(zap.String("topic", topic))
	switch {
	case topic == TopicTasks:
		sub := h.sources.SubscribeTasks()
		defer sub.Unsubscribe()
		relay(ctx, h, topic, sub.C, models.MarshalList)

	case topic == TopicAttachments:
		sub := h.sources.SubscribeAttachments()
		defer sub.Unsubscribe()
		relay(ctx, h, topic, sub.C, func(items []v1.QueuedAttachment) ([]byte, error) {
			return json.Marshal(items)
		})

	case topic == TopicEvents:
		eventBus := h.sources.EventBus()
		if eventBus == nil {
			log.Debug("No event bus configured")
			return
		}
		sub, err := eventBus.Subscribe(bus.AllSubjects(), func(_ context.Context, event *bus.Event) error {
			data, err := json.Marshal(event)
			if err != nil {
				return err
			}
			h.publish(ctx, &Message{Topic: topic, Type: TypeEvent, Data: data})
			return nil
		})
		if err != nil {
			log.Warn("Failed to subscribe to events", zap.Error(err))
			return
		}
		<-ctx.Done()
		_ = sub.Unsubscribe()

	case strings.HasPrefix(topic, conversationPrefix):
		id := strings.TrimPrefix(topic, conversationPrefix)
		sub, err := h.sources.SubscribeConversation(ctx, id)
		if err != nil {
			log.Warn("Failed to follow conversation", zap.Error(err))
			return
		}
		defer sub.Unsubscribe()
		relay(ctx, h, topic, sub.C, func(s state.Snapshot) ([]byte, error) {
			return json.Marshal(s)
		})
	}
}

func relay[T any](ctx context.Context, h *Hub, topic string, in <-chan T, encode func(T) ([]byte, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-in:
			if !ok {
				return
			}
			data, err := encode(v)
			if err != nil {
				h.logger.Error("Failed to encode snapshot", zap.String("topic", topic), zap.Error(err))
				continue
			}
			h.publish(ctx, &Message{Topic: topic, Type: TypeSnapshot, Data: data})
		}
	}
}

func (h *Hub) publish(ctx context.Context, msg *Message) {
	select {
	case h.broadcast <- msg:
	case <-ctx.Done():
	}
}

func validTopic(topic string) bool {
	switch topic {
	case TopicTasks, TopicAttachments, TopicEvents:
		return true
	}
	return strings.HasPrefix(topic, conversationPrefix) && len(topic) > len(conversationPrefix)
}

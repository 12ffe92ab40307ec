package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/events/bus"
	"github.com/kandev/chatsync/internal/storage/kv"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// ConversationKeyPrefix prefixes the KV key of every persisted conversation.
const ConversationKeyPrefix = "conversation:"

// ErrConversationNotFound is returned for unknown conversation ids.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationKey returns the KV key of a conversation.
func ConversationKey(id string) string {
	return ConversationKeyPrefix + id
}

// TitleEvent is the payload of title and conversation update events.
type TitleEvent struct {
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

type entry struct {
	conv    v1.Conversation // Messages is stale while the machine is live
	machine *Machine
}

// Conversations holds the conversations known to this client together with
// their message machines.
type Conversations struct {
	mu       sync.Mutex
	store    kv.Store
	entries  map[string]*entry
	eventBus bus.EventBus
	base     *logger.Logger
	logger   *logger.Logger
}

// NewConversations creates a holder backed by store. eventBus may be nil.
func NewConversations(store kv.Store, eventBus bus.EventBus, log *logger.Logger) *Conversations {
	if log == nil {
		log = logger.Default()
	}
	return &Conversations{
		store:    store,
		entries:  make(map[string]*entry),
		eventBus: eventBus,
		base:     log,
		logger:   log.WithFields(zap.String("component", "conversations")),
	}
}

// Create registers and persists a new empty conversation.
func (c *Conversations) Create(ctx context.Context, id, title, model string) (v1.Conversation, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if strings.TrimSpace(title) == "" {
		title = v1.DefaultConversationTitle
	}
	now := time.Now().UTC()
	conv := v1.Conversation{
		ID:        id,
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []v1.ChatMessage{},
	}

	c.mu.Lock()
	if _, exists := c.entries[id]; exists {
		c.mu.Unlock()
		return v1.Conversation{}, fmt.Errorf("conversation %s already exists", id)
	}
	e := &entry{conv: conv, machine: NewMachine(id, nil, c.base)}
	c.entries[id] = e
	c.mu.Unlock()

	if err := kv.PutJSON(ctx, c.store, ConversationKey(id), conv); err != nil {
		c.mu.Lock()
		delete(c.entries, id)
		c.mu.Unlock()
		return v1.Conversation{}, fmt.Errorf("persist conversation: %w", err)
	}
	c.logger.Info("Conversation created", zap.String("conversation_id", id))
	return conv.Clone(), nil
}

// Get returns the conversation with its current messages.
func (c *Conversations) Get(ctx context.Context, id string) (v1.Conversation, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return v1.Conversation{}, err
	}
	c.mu.Lock()
	conv := e.conv.Clone()
	c.mu.Unlock()
	conv.Messages = e.machine.Messages()
	return conv, nil
}

// Machine returns the message machine of a conversation, loading it from the
// store when needed.
func (c *Conversations) Machine(ctx context.Context, id string) (*Machine, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.machine, nil
}

// Load reads a conversation from the store, replacing any in-memory copy.
func (c *Conversations) Load(ctx context.Context, id string) (v1.Conversation, error) {
	var conv v1.Conversation
	found, err := kv.GetJSON(ctx, c.store, ConversationKey(id), &conv)
	if err != nil {
		return v1.Conversation{}, err
	}
	if !found {
		return v1.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}

	c.mu.Lock()
	if old, ok := c.entries[id]; ok {
		old.machine.Close()
	}
	c.entries[id] = &entry{conv: conv, machine: NewMachine(id, conv.Messages, c.base)}
	c.mu.Unlock()
	return conv.Clone(), nil
}

// List returns the ids of all persisted conversations.
func (c *Conversations) List(ctx context.Context) ([]string, error) {
	keys, err := c.store.Keys(ctx, ConversationKeyPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, ConversationKeyPrefix)
	}
	return ids, nil
}

// Rename moves a conversation to a new id, typically the one assigned by the
// server for a conversation created locally first.
func (c *Conversations) Rename(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	e, err := c.entry(ctx, oldID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.entries[newID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("conversation %s already exists", newID)
	}
	delete(c.entries, oldID)
	e.conv.ID = newID
	c.entries[newID] = e
	c.mu.Unlock()
	e.machine.setConversationID(newID)

	if err := c.Commit(ctx, newID); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, ConversationKey(oldID)); err != nil {
		c.logger.Warn("Failed to delete renamed conversation",
			zap.String("conversation_id", oldID), zap.Error(err))
	}
	return nil
}

// SetTitle updates and persists the title.
func (c *Conversations) SetTitle(ctx context.Context, id, title string) error {
	e, err := c.entry(ctx, id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	e.conv.Title = title
	c.mu.Unlock()

	if err := c.Commit(ctx, id); err != nil {
		return err
	}
	c.emit(ctx, bus.EventTitleUpdated, TitleEvent{ConversationID: id, Title: title}, id)
	return nil
}

// Title returns the current title.
func (c *Conversations) Title(ctx context.Context, id string) (string, error) {
	e, err := c.entry(ctx, id)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.conv.Title, nil
}

// Commit copies the machine's messages into the conversation and persists it.
func (c *Conversations) Commit(ctx context.Context, id string) error {
	e, err := c.entry(ctx, id)
	if err != nil {
		return err
	}
	messages := e.machine.Messages()

	c.mu.Lock()
	e.conv.Messages = messages
	e.conv.UpdatedAt = time.Now().UTC()
	conv := e.conv.Clone()
	c.mu.Unlock()

	if err := kv.PutJSON(ctx, c.store, ConversationKey(id), conv); err != nil {
		return fmt.Errorf("persist conversation %s: %w", id, err)
	}
	c.emit(ctx, bus.EventConversationUpdated, TitleEvent{ConversationID: id, Title: conv.Title}, id)
	return nil
}

// Close ends every machine's subscriptions.
func (c *Conversations) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.machine.Close()
	}
}

func (c *Conversations) entry(ctx context.Context, id string) (*entry, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if ok {
		return e, nil
	}
	if _, err := c.Load(ctx, id); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[id], nil
}

func (c *Conversations) emit(ctx context.Context, eventType string, payload any, id string) {
	if c.eventBus == nil {
		return
	}
	event, err := bus.NewEvent(eventType, "conversations", payload)
	if err != nil {
		return
	}
	if err := c.eventBus.Publish(ctx, bus.ConversationSubject(id), event); err != nil {
		c.logger.Warn("Failed to publish conversation event", zap.Error(err))
	}
}

// Package state owns the message list of each conversation. All mutations of
// a conversation's messages go through its Machine.
package state

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/common/broadcast"
	apperrors "github.com/kandev/chatsync/internal/common/errors"
	"github.com/kandev/chatsync/internal/common/logger"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// Phase is the lifecycle position of the current exchange.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseUserMessageAdded     Phase = "user_message_added"
	PhaseAssistantPlaceholder Phase = "assistant_placeholder"
	PhaseStreaming            Phase = "streaming"
	PhaseFinished             Phase = "finished"
	PhaseReconciling          Phase = "reconciling"
	PhaseSettled              Phase = "settled"
)

// Snapshot is a copy of a machine's state handed to observers.
type Snapshot struct {
	ConversationID string           `json:"conversationId"`
	Phase          Phase            `json:"phase"`
	Messages       []v1.ChatMessage `json:"messages"`
}

// Machine holds the ordered messages of one conversation. At most one message
// is streaming at any time, and it is always the last one.
type Machine struct {
	mu             sync.Mutex
	conversationID string
	messages       []v1.ChatMessage
	phase          Phase
	updates        *broadcast.Broadcaster[Snapshot]
	logger         *logger.Logger
}

// NewMachine creates a machine seeded with messages. Any streaming flags in
// the seed are cleared since no stream can be live yet.
func NewMachine(conversationID string, messages []v1.ChatMessage, log *logger.Logger) *Machine {
	if log == nil {
		log = logger.Default()
	}
	seed := make([]v1.ChatMessage, len(messages))
	for i, msg := range messages {
		seed[i] = msg.Clone()
		seed[i].IsStreaming = false
	}
	return &Machine{
		conversationID: conversationID,
		messages:       seed,
		phase:          PhaseIdle,
		updates:        broadcast.New[Snapshot](),
		logger: log.WithFields(
			zap.String("component", "message-state"),
			zap.String("conversation_id", conversationID)),
	}
}

// ConversationID returns the id the machine was created for.
func (m *Machine) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

func (m *Machine) setConversationID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversationID = id
	m.publishLocked()
}

// AddMessage appends msg and returns the stored copy. A message that is
// already streaming is finished first. Only assistant messages may stream.
func (m *Machine) AddMessage(msg v1.ChatMessage) v1.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Role != v1.RoleAssistant {
		msg.IsStreaming = false
	}
	m.finishStreamingLocked()
	m.messages = append(m.messages, msg)

	switch {
	case msg.Role == v1.RoleUser:
		m.phase = PhaseUserMessageAdded
	case msg.IsPlaceholder():
		m.phase = PhaseAssistantPlaceholder
	case msg.IsStreaming:
		m.phase = PhaseStreaming
	}
	m.publishLocked()
	return msg.Clone()
}

// AppendToLastMessage adds chunk to the last message when it is an assistant
// message. The typing placeholder is replaced by the first chunk rather than
// appended to. Reports whether anything changed.
func (m *Machine) AppendToLastMessage(chunk string) bool {
	if chunk == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.lastLocked()
	if last == nil || last.Role != v1.RoleAssistant {
		return false
	}
	m.appendLocked(last, chunk)
	return true
}

// AppendToStreamingMessage is AppendToLastMessage for a live stream: the
// chunk is dropped unless the message with the given id is the last one and
// still streaming.
func (m *Machine) AppendToStreamingMessage(id, chunk string) bool {
	if chunk == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.lastLocked()
	if last == nil || last.ID != id || !last.IsStreaming {
		return false
	}
	m.appendLocked(last, chunk)
	return true
}

func (m *Machine) appendLocked(last *v1.ChatMessage, chunk string) {
	if last.IsPlaceholder() {
		last.Content = chunk
	} else {
		last.Content += chunk
	}
	if m.phase == PhaseAssistantPlaceholder {
		m.phase = PhaseStreaming
	}
	m.publishLocked()
}

// ReplaceMessageContent sets the content of the message with the given id.
func (m *Machine) ReplaceMessageContent(id, content string) bool {
	return m.UpdateMessage(id, func(msg *v1.ChatMessage) {
		msg.Content = content
	})
}

// UpdateMessage applies fn to the message with the given id. fn cannot
// change the id or make a non-last message stream.
func (m *Machine) UpdateMessage(id string, fn func(msg *v1.ChatMessage)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexLocked(id)
	if i < 0 {
		return false
	}
	msg := m.messages[i].Clone()
	fn(&msg)
	msg.ID = id
	if msg.IsStreaming && (i != len(m.messages)-1 || msg.Role != v1.RoleAssistant) {
		msg.IsStreaming = false
	}
	m.messages[i] = msg
	m.publishLocked()
	return true
}

// RenameMessage swaps a locally generated id for the server-assigned one.
func (m *Machine) RenameMessage(oldID, newID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if oldID == newID || m.indexLocked(newID) >= 0 {
		return false
	}
	i := m.indexLocked(oldID)
	if i < 0 {
		return false
	}
	m.messages[i].ID = newID
	m.publishLocked()
	return true
}

// FinishStreaming marks the streaming message as complete without touching
// its content. Calling it again, or with nothing streaming, changes nothing.
func (m *Machine) FinishStreaming() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishStreamingLocked() {
		m.publishLocked()
	}
}

func (m *Machine) finishStreamingLocked() bool {
	last := m.lastLocked()
	if last == nil || !last.IsStreaming {
		return false
	}
	last.IsStreaming = false
	if m.phase == PhaseAssistantPlaceholder || m.phase == PhaseStreaming {
		m.phase = PhaseFinished
	}
	return true
}

// RemoveLastMessage drops and returns the last message.
func (m *Machine) RemoveLastMessage() (v1.ChatMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.messages) == 0 {
		return v1.ChatMessage{}, false
	}
	last := m.messages[len(m.messages)-1]
	m.messages = m.messages[:len(m.messages)-1]
	m.publishLocked()
	return last, true
}

// AppendStatus records a progress event on the last assistant message.
func (m *Machine) AppendStatus(ev v1.StatusEvent) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return m.updateLastAssistant(func(msg *v1.ChatMessage) {
		msg.StatusHistory = append(msg.StatusHistory, ev)
	})
}

// AddSource attaches a citation, skipping duplicates by id or URL.
func (m *Machine) AddSource(src v1.Source) bool {
	return m.updateLastAssistant(func(msg *v1.ChatMessage) {
		for _, s := range msg.Sources {
			if (src.ID != "" && s.ID == src.ID) || (src.URL != "" && s.URL == src.URL) {
				return
			}
		}
		msg.Sources = append(msg.Sources, src)
	})
}

// AddCodeExecution inserts or replaces a code execution by id.
func (m *Machine) AddCodeExecution(ce v1.CodeExecution) bool {
	return m.updateLastAssistant(func(msg *v1.ChatMessage) {
		for i := range msg.CodeExecutions {
			if msg.CodeExecutions[i].ID == ce.ID {
				msg.CodeExecutions[i] = ce
				return
			}
		}
		msg.CodeExecutions = append(msg.CodeExecutions, ce)
	})
}

// SetUsage records token usage on the last assistant message.
func (m *Machine) SetUsage(u v1.Usage) bool {
	return m.updateLastAssistant(func(msg *v1.ChatMessage) {
		msg.Usage = &u
	})
}

func (m *Machine) updateLastAssistant(fn func(msg *v1.ChatMessage)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Role == v1.RoleAssistant {
			fn(&m.messages[i])
			m.publishLocked()
			return true
		}
		if m.messages[i].Role == v1.RoleUser {
			break
		}
	}
	return false
}

// FailStreaming ends the current response after err. When the server most
// likely produced a response anyway the placeholder stays, finished, so
// reconciliation can fill it in. Otherwise the placeholder is dropped and an
// assistant error message is appended.
func (m *Machine) FailStreaming(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if apperrors.IsResponseLikelyProduced(err) {
		m.finishStreamingLocked()
		m.phase = PhaseFinished
		m.publishLocked()
		return
	}

	if last := m.lastLocked(); last != nil && last.Role == v1.RoleAssistant && last.IsStreaming {
		if last.IsPlaceholder() || strings.TrimSpace(last.Content) == "" {
			m.messages = m.messages[:len(m.messages)-1]
		} else {
			last.IsStreaming = false
		}
	}

	classified := apperrors.Classify(err)
	m.messages = append(m.messages, v1.ChatMessage{
		ID:        uuid.New().String(),
		Role:      v1.RoleAssistant,
		Content:   apperrors.UserMessage(err),
		Timestamp: time.Now().UTC(),
		Error:     &v1.MessageError{Code: classified.Code, Message: classified.Error()},
	})
	m.phase = PhaseFinished
	m.logger.Warn("Response failed", zap.String("code", classified.Code), zap.Error(err))
	m.publishLocked()
}

// BeginReconcile enters the reconciling phase.
func (m *Machine) BeginReconcile() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseReconciling
	m.publishLocked()
}

// Settle ends reconciliation.
func (m *Machine) Settle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseSettled
	m.publishLocked()
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Messages returns a copy of the message list.
func (m *Machine) Messages() []v1.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

// Message returns a copy of the message with the given id.
func (m *Machine) Message(id string) (v1.ChatMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(id)
	if i < 0 {
		return v1.ChatMessage{}, false
	}
	return m.messages[i].Clone(), true
}

// Streaming returns the id of the streaming message, if any.
func (m *Machine) Streaming() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last := m.lastLocked(); last != nil && last.IsStreaming {
		return last.ID, true
	}
	return "", false
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe streams a snapshot after every mutation, starting with the
// current state.
func (m *Machine) Subscribe() *broadcast.Subscription[Snapshot] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates.Subscribe(m.snapshotLocked())
}

// Close ends all subscriptions.
func (m *Machine) Close() {
	m.updates.Close()
}

func (m *Machine) lastLocked() *v1.ChatMessage {
	if len(m.messages) == 0 {
		return nil
	}
	return &m.messages[len(m.messages)-1]
}

func (m *Machine) indexLocked(id string) int {
	for i := range m.messages {
		if m.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Machine) copyLocked() []v1.ChatMessage {
	out := make([]v1.ChatMessage, len(m.messages))
	for i, msg := range m.messages {
		out[i] = msg.Clone()
	}
	return out
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{ConversationID: m.conversationID, Phase: m.phase, Messages: m.copyLocked()}
}

func (m *Machine) publishLocked() {
	m.updates.Publish(m.snapshotLocked())
}

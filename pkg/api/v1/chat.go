package v1

import "time"

// MessageRole identifies the author of a chat message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// TypingPlaceholder is the content of an assistant message before its first chunk arrives
const TypingPlaceholder = "[TYPING_INDICATOR]"

// DefaultConversationTitle is used until the server generates a real title
const DefaultConversationTitle = "New Chat"

// Source is a citation reference attached to an assistant message
type Source struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Text  string `json:"text,omitempty"`
}

// StatusEvent is an intermediate progress event reported while a response is generated
type StatusEvent struct {
	Action      string    `json:"action,omitempty"`      // web_search, tool_call, knowledge_search, ...
	Description string    `json:"description,omitempty"` // human readable summary
	Queries     []string  `json:"queries,omitempty"`
	URLs        []string  `json:"urls,omitempty"`
	Count       *int      `json:"count,omitempty"`
	Done        bool      `json:"done"`
	Hidden      bool      `json:"hidden,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CodeExecution records a code block executed on behalf of the assistant
type CodeExecution struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Done     bool   `json:"done"`
}

// Usage carries token accounting for a completed response
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// MessageError describes a failure rendered in place of an assistant response
type MessageError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatMessage is a single entry in a conversation
type ChatMessage struct {
	ID             string          `json:"id"`
	Role           MessageRole     `json:"role"`
	Content        string          `json:"content"`
	Timestamp      time.Time       `json:"timestamp"`
	Model          *string         `json:"model,omitempty"`
	IsStreaming    bool            `json:"isStreaming"`
	AttachmentIDs  []string        `json:"attachmentIds,omitempty"`
	Sources        []Source        `json:"sources,omitempty"`
	StatusHistory  []StatusEvent   `json:"statusHistory,omitempty"`
	CodeExecutions []CodeExecution `json:"codeExecutions,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	Error          *MessageError   `json:"error,omitempty"`
}

// IsPlaceholder reports whether the message still shows the typing sentinel
func (m *ChatMessage) IsPlaceholder() bool {
	return m.Role == RoleAssistant && m.Content == TypingPlaceholder
}

// Clone returns a deep copy so snapshots can be handed to observers safely
func (m ChatMessage) Clone() ChatMessage {
	out := m
	if m.Model != nil {
		model := *m.Model
		out.Model = &model
	}
	out.AttachmentIDs = append([]string(nil), m.AttachmentIDs...)
	out.Sources = append([]Source(nil), m.Sources...)
	out.StatusHistory = append([]StatusEvent(nil), m.StatusHistory...)
	out.CodeExecutions = append([]CodeExecution(nil), m.CodeExecutions...)
	if m.Usage != nil {
		usage := *m.Usage
		out.Usage = &usage
	}
	if m.Error != nil {
		msgErr := *m.Error
		out.Error = &msgErr
	}
	return out
}

// Conversation is an ordered chat thread
type Conversation struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Model     string        `json:"model,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Messages  []ChatMessage `json:"messages"`
	Pinned    bool          `json:"pinned"`
	Archived  bool          `json:"archived"`
}

// Clone returns a deep copy of the conversation
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]ChatMessage, len(c.Messages))
	for i, msg := range c.Messages {
		out.Messages[i] = msg.Clone()
	}
	return out
}

package remote

import (
	"encoding/json"
	"time"

	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// Extra keeps response fields this client does not model. They are carried
// through decoding and otherwise ignored.
type Extra map[string]json.RawMessage

// splitExtra returns the top-level fields of data not listed in known.
func splitExtra(data []byte, known ...string) (Extra, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(fields, k)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// Conversation is the server's view of a conversation.
type Conversation struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Model     string           `json:"model,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Messages  []v1.ChatMessage `json:"messages"`
	Pinned    bool             `json:"pinned,omitempty"`
	Archived  bool             `json:"archived,omitempty"`
	Extra     Extra            `json:"-"`
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}
	extra, err := splitExtra(data, "id", "title", "model", "createdAt", "updatedAt", "messages", "pinned", "archived")
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

// Message returns the server message with the given id.
func (c *Conversation) Message(id string) (v1.ChatMessage, bool) {
	for _, m := range c.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return v1.ChatMessage{}, false
}

// CreateConversationRequest creates a conversation on the server.
type CreateConversationRequest struct {
	ID       string           `json:"id,omitempty"`
	Title    string           `json:"title"`
	Model    string           `json:"model,omitempty"`
	Messages []v1.ChatMessage `json:"messages"`
}

// WireMessage is the history entry sent with a completion request.
type WireMessage struct {
	ID      string         `json:"id,omitempty"`
	Role    v1.MessageRole `json:"role"`
	Content string         `json:"content"`
	Files   []string       `json:"files,omitempty"`
}

// CompletionRequest starts a streamed assistant response.
type CompletionRequest struct {
	ConversationID string        `json:"chatId"`
	MessageID      string        `json:"id"` // assistant message id
	UserMessageID  string        `json:"parentId,omitempty"`
	SessionID      string        `json:"sessionId,omitempty"`
	Model          string        `json:"model"`
	Messages       []WireMessage `json:"messages"`
	ToolIDs        []string      `json:"toolIds,omitempty"`
	FileIDs        []string      `json:"files,omitempty"`
	Stream         bool          `json:"stream"`

	IdempotencyKey string `json:"-"`
}

// Stream event types.
const (
	EventDelta         = "delta"
	EventStatus        = "status"
	EventSource        = "source"
	EventCodeExecution = "code_execution"
	EventUsage         = "usage"
	EventTask          = "task"
	EventError         = "error"
	EventDone          = "done"
)

// StreamEvent is one decoded event of a completion stream.
type StreamEvent struct {
	Type          string            `json:"type"`
	Delta         string            `json:"delta,omitempty"`
	Status        *v1.StatusEvent   `json:"status,omitempty"`
	Source        *v1.Source        `json:"source,omitempty"`
	CodeExecution *v1.CodeExecution `json:"codeExecution,omitempty"`
	Usage         *v1.Usage         `json:"usage,omitempty"`
	TaskID        string            `json:"taskId,omitempty"`
	MessageID     string            `json:"messageId,omitempty"`
	Error         string            `json:"error,omitempty"`
	Extra         Extra             `json:"-"`
}

func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	type plain StreamEvent
	if err := json.Unmarshal(data, (*plain)(e)); err != nil {
		return err
	}
	extra, err := splitExtra(data, "type", "delta", "status", "source", "codeExecution", "usage", "taskId", "messageId", "error")
	if err != nil {
		return err
	}
	e.Extra = extra
	return nil
}

// ChatCompletedRequest tells the server a response was fully received.
type ChatCompletedRequest struct {
	ConversationID string `json:"chatId"`
	MessageID      string `json:"id"`
	SessionID      string `json:"sessionId,omitempty"`
	Model          string `json:"model,omitempty"`
}

// TitleResponse carries a generated title.
type TitleResponse struct {
	Title string `json:"title"`
	Extra Extra  `json:"-"`
}

func (t *TitleResponse) UnmarshalJSON(data []byte) error {
	type plain TitleResponse
	if err := json.Unmarshal(data, (*plain)(t)); err != nil {
		return err
	}
	extra, err := splitExtra(data, "title")
	if err != nil {
		return err
	}
	t.Extra = extra
	return nil
}

// ImageRequest asks for image generation.
type ImageRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
	ConversationID string `json:"chatId,omitempty"`
	IdempotencyKey string `json:"-"`
}

// GeneratedImage is one generated image.
type GeneratedImage struct {
	URL string `json:"url"`
}

// ImageResponse lists generated images.
type ImageResponse struct {
	Images []GeneratedImage `json:"images"`
	Extra  Extra            `json:"-"`
}

func (r *ImageResponse) UnmarshalJSON(data []byte) error {
	type plain ImageResponse
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	extra, err := splitExtra(data, "images")
	if err != nil {
		return err
	}
	r.Extra = extra
	return nil
}

// UploadRequest describes a local file to upload.
type UploadRequest struct {
	FilePath       string
	FileName       string
	MimeType       string
	Checksum       string
	IdempotencyKey string
}

// FileInfo is the server record of an uploaded file.
type FileInfo struct {
	ID        string    `json:"id"`
	FileName  string    `json:"filename"`
	MimeType  string    `json:"contentType,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Checksum  string    `json:"hash,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	Extra     Extra     `json:"-"`
}

func (f *FileInfo) UnmarshalJSON(data []byte) error {
	type plain FileInfo
	if err := json.Unmarshal(data, (*plain)(f)); err != nil {
		return err
	}
	extra, err := splitExtra(data, "id", "filename", "contentType", "size", "hash", "createdAt")
	if err != nil {
		return err
	}
	f.Extra = extra
	return nil
}

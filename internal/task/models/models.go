// Package models defines the outbound task variants and their persisted form.
package models

import (
	"encoding/json"
	"strings"
	"time"

	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// NewThreadKey is the thread key shared by tasks with no conversation yet.
const NewThreadKey = "new"

// Kind identifies a task variant in the persisted record.
type Kind string

const (
	KindSendTextMessage  Kind = "sendTextMessage"
	KindUploadMedia      Kind = "uploadMedia"
	KindExecuteToolCall  Kind = "executeToolCall"
	KindGenerateImage    Kind = "generateImage"
	KindSaveConversation Kind = "saveConversation"
	KindGenerateTitle    Kind = "generateTitle"
	KindImageToDataURL   Kind = "imageToDataUrl"
)

// Header carries the fields common to every task.
type Header struct {
	ID             string        `json:"id"`
	ConversationID *string       `json:"conversationId,omitempty"`
	Status         v1.TaskStatus `json:"status"`
	Attempt        int           `json:"attempt"`
	IdempotencyKey *string       `json:"idempotencyKey,omitempty"`
	EnqueuedAt     *time.Time    `json:"enqueuedAt,omitempty"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	Error          *string       `json:"error,omitempty"`
}

// Task is implemented only by the variants in this package.
type Task interface {
	Kind() Kind
	Head() *Header
	sealed()
}

func (h *Header) Head() *Header { return h }

// SendTextMessage posts a user message and streams the assistant response.
type SendTextMessage struct {
	Header
	Text          string   `json:"text"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
	ToolIDs       []string `json:"toolIds,omitempty"`
	Model         string   `json:"model,omitempty"`
}

// UploadMedia uploads a local file through the attachment queue.
type UploadMedia struct {
	Header
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
	Checksum string `json:"checksum"`
}

type ExecuteToolCall struct {
	Header
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type GenerateImage struct {
	Header
	Prompt string `json:"prompt"`
}

type SaveConversation struct {
	Header
}

// GenerateTitle asks the remote service to title a conversation. The target
// is carried in the payload and is distinct from the header's conversation.
type GenerateTitle struct {
	Header
	TargetConversationID string `json:"targetConversationId"`
}

type ImageToDataURL struct {
	Header
	FilePath string `json:"filePath"`
	FileName string `json:"fileName"`
}

func (*SendTextMessage) Kind() Kind  { return KindSendTextMessage }
func (*UploadMedia) Kind() Kind      { return KindUploadMedia }
func (*ExecuteToolCall) Kind() Kind  { return KindExecuteToolCall }
func (*GenerateImage) Kind() Kind    { return KindGenerateImage }
func (*SaveConversation) Kind() Kind { return KindSaveConversation }
func (*GenerateTitle) Kind() Kind    { return KindGenerateTitle }
func (*ImageToDataURL) Kind() Kind   { return KindImageToDataURL }

func (*SendTextMessage) sealed()  {}
func (*UploadMedia) sealed()      {}
func (*ExecuteToolCall) sealed()  {}
func (*GenerateImage) sealed()    {}
func (*SaveConversation) sealed() {}
func (*GenerateTitle) sealed()    {}
func (*ImageToDataURL) sealed()   {}

// ThreadKey returns the serialization key of a task: its conversation id, or
// NewThreadKey when the task targets a conversation not yet created.
func ThreadKey(t Task) string {
	h := t.Head()
	if h.ConversationID != nil {
		if id := strings.TrimSpace(*h.ConversationID); id != "" {
			return id
		}
	}
	return NewThreadKey
}

// ConversationID returns the header conversation id or "".
func ConversationID(t Task) string {
	if id := t.Head().ConversationID; id != nil {
		return *id
	}
	return ""
}

// Clone returns a deep copy of t.
func Clone(t Task) Task {
	raw, err := Marshal(t)
	if err != nil {
		// every variant is plain data; marshal cannot fail
		panic(err)
	}
	out, err := Unmarshal(raw)
	if err != nil {
		panic(err)
	}
	return out
}

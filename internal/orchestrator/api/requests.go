package api

import (
	"encoding/json"
	"time"

	"github.com/kandev/chatsync/internal/orchestrator/executor"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// SendMessageRequest for delivering a user message
type SendMessageRequest struct {
	ConversationID string   `json:"conversationId,omitempty"`
	Text           string   `json:"text"`
	AttachmentIDs  []string `json:"attachmentIds,omitempty"`
	ToolIDs        []string `json:"toolIds,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// UploadMediaRequest for uploading a local file
type UploadMediaRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	FilePath       string `json:"filePath" binding:"required"`
	FileName       string `json:"fileName,omitempty"`
	FileSize       int64  `json:"fileSize,omitempty"`
	MimeType       string `json:"mimeType,omitempty"`
	Checksum       string `json:"checksum,omitempty"`
}

// EnqueuedResponse is returned once a task is durably queued
type EnqueuedResponse struct {
	TaskID string `json:"taskId"`
}

// TaskListResponse lists tasks as tagged records
type TaskListResponse struct {
	Tasks   []json.RawMessage `json:"tasks"`
	Total   int               `json:"total"`
	Pending int               `json:"pending"`
}

// TaskResponse is a single tagged task record with its result, if any
type TaskResponse struct {
	Task   json.RawMessage  `json:"task"`
	Result *executor.Result `json:"result,omitempty"`
}

// ConversationListResponse lists stored conversation ids
type ConversationListResponse struct {
	ConversationIDs []string `json:"conversationIds"`
	Total           int      `json:"total"`
}

// StopGenerationResponse reports whether a stream was stopped
type StopGenerationResponse struct {
	Stopped bool `json:"stopped"`
}

// AttachmentListResponse lists the upload queue
type AttachmentListResponse struct {
	Attachments []v1.QueuedAttachment `json:"attachments"`
	Total       int                   `json:"total"`
}

// LifecycleResponse reports the outcome of a lifecycle transition
type LifecycleResponse struct {
	Reconciled []string  `json:"reconciled,omitempty"`
	At         time.Time `json:"at"`
}

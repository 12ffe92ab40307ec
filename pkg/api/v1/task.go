package v1

// TaskStatus represents the lifecycle state of an outbound task
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true for statuses a task never leaves on its own
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// StreamState is the persisted description of an in-flight response stream,
// handed to the platform collaborator when the app moves to the background.
type StreamState struct {
	StreamID       string `json:"streamId"`
	TaskID         string `json:"taskId"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SessionID      string `json:"sessionId,omitempty"`
}

package bus

import "strings"

// Event types
const (
	EventTaskEnqueued        = "task.enqueued"
	EventTaskStatusChanged   = "task.status_changed"
	EventAttachmentUpdated   = "attachment.updated"
	EventConversationUpdated = "conversation.updated"
	EventTitleUpdated        = "conversation.title_updated"
	EventSessionInvalidated  = "session.invalidated"
)

const subjectPrefix = "chatsync"

// TaskSubject returns the subject for events about one task.
func TaskSubject(taskID string) string {
	return join("task", taskID)
}

// AttachmentSubject returns the subject for events about one attachment.
func AttachmentSubject(attachmentID string) string {
	return join("attachment", attachmentID)
}

// ConversationSubject returns the subject for events about one conversation.
func ConversationSubject(conversationID string) string {
	return join("conversation", conversationID)
}

// SessionSubject is where authentication failures are announced.
func SessionSubject() string {
	return join("session", "invalidated")
}

// AllSubjects matches every chatsync event.
func AllSubjects() string {
	return subjectPrefix + ".>"
}

func join(kind, id string) string {
	// NATS subjects use '.' as a token separator
	id = strings.ReplaceAll(id, ".", "_")
	return subjectPrefix + "." + kind + "." + id
}

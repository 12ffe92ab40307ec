package v1

import "time"

// AttachmentStatus represents the upload state of a queued attachment
type AttachmentStatus string

const (
	AttachmentStatusQueued    AttachmentStatus = "queued"
	AttachmentStatusUploading AttachmentStatus = "uploading"
	AttachmentStatusCompleted AttachmentStatus = "completed"
	AttachmentStatusFailed    AttachmentStatus = "failed"
	AttachmentStatusCancelled AttachmentStatus = "cancelled"
)

// IsTerminal returns true once the attachment will not change without user action
func (s AttachmentStatus) IsTerminal() bool {
	switch s {
	case AttachmentStatusCompleted, AttachmentStatusFailed, AttachmentStatusCancelled:
		return true
	}
	return false
}

// QueuedAttachment is a pending or finished binary upload
type QueuedAttachment struct {
	ID            string           `json:"id"`
	FilePath      string           `json:"filePath"`
	FileName      string           `json:"fileName"`
	FileSize      int64            `json:"fileSize"`
	MimeType      string           `json:"mimeType"`
	Checksum      string           `json:"checksum"`
	Status        AttachmentStatus `json:"status"`
	FileID        *string          `json:"fileId,omitempty"`
	Attempts      int              `json:"attempts"`
	LastError     *string          `json:"lastError,omitempty"`
	NextAttemptAt *time.Time       `json:"nextAttemptAt,omitempty"`
	EnqueuedAt    time.Time        `json:"enqueuedAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

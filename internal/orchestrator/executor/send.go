package executor

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/chat/chunker"
	"github.com/kandev/chatsync/internal/chat/state"
	apperrors "github.com/kandev/chatsync/internal/common/errors"
	"github.com/kandev/chatsync/internal/common/tracing"
	"github.com/kandev/chatsync/internal/remote"
	"github.com/kandev/chatsync/internal/task/models"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// sendText posts the user message and streams the assistant response into
// the conversation.
func (w *Worker) sendText(ctx context.Context, t *models.SendTextMessage) error {
	model := t.Model
	if model == "" {
		model = w.opts.DefaultModel
	}
	idem := idempotencyKey(&t.Header)
	log := w.logger.WithTaskID(t.ID)

	convID := models.ConversationID(t)
	isNew := models.ThreadKey(t) == models.NewThreadKey
	if isNew {
		conv, err := w.convs.Create(ctx, "", "", model)
		if err != nil {
			return err
		}
		convID = conv.ID
	} else if _, err := w.convs.Machine(ctx, convID); errors.Is(err, state.ErrConversationNotFound) {
		if _, err := w.convs.Create(ctx, convID, "", model); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	machine, err := w.convs.Machine(ctx, convID)
	if err != nil {
		return err
	}

	userID := derivedID(t.ID, "user")
	assistantID := derivedID(t.ID, "assistant")
	if _, exists := machine.Message(userID); !exists {
		machine.AddMessage(v1.ChatMessage{
			ID:            userID,
			Role:          v1.RoleUser,
			Content:       t.Text,
			AttachmentIDs: t.AttachmentIDs,
		})
	}
	if last, ok := lastMessage(machine); ok && last.ID == assistantID {
		// left over from an interrupted run
		machine.RemoveLastMessage()
	}
	machine.AddMessage(v1.ChatMessage{
		ID:          assistantID,
		Role:        v1.RoleAssistant,
		Content:     v1.TypingPlaceholder,
		Model:       &model,
		IsStreaming: true,
	})

	if isNew {
		created, err := w.remote.CreateConversation(ctx, remote.CreateConversationRequest{
			Title: v1.DefaultConversationTitle,
			Model: model,
		}, idem+":create")
		if err != nil {
			return w.failStream(ctx, machine, convID, err)
		}
		if err := w.convs.Rename(ctx, convID, created.ID); err != nil {
			return err
		}
		convID = created.ID
		if w.tasks != nil {
			if _, err := w.tasks.SetConversationID(ctx, t.ID, convID); err != nil {
				log.Warn("Failed to record conversation on task", zap.Error(err))
			}
		}
	}
	log = log.WithConversationID(convID)
	trace.SpanFromContext(ctx).SetAttributes(tracing.ConversationIDKey.String(convID))
	if err := w.convs.Commit(ctx, convID); err != nil {
		return err
	}

	if w.background != nil {
		if err := w.background.BeginExtendedExecution(ctx, []string{t.ID}); err != nil {
			log.Warn("Failed to begin extended execution", zap.Error(err))
		}
		defer func() {
			if err := w.background.EndExtendedExecution(context.WithoutCancel(ctx), []string{t.ID}); err != nil {
				log.Warn("Failed to end extended execution", zap.Error(err))
			}
		}()
	}

	req := remote.CompletionRequest{
		ConversationID: convID,
		MessageID:      assistantID,
		UserMessageID:  userID,
		SessionID:      w.opts.SessionID,
		Model:          model,
		Messages:       w.history(machine, assistantID),
		ToolIDs:        t.ToolIDs,
		FileIDs:        w.fileIDs(t.AttachmentIDs),
		IdempotencyKey: idem,
	}

	stopped, streamErr := w.stream(ctx, t.ID, machine, req)
	switch {
	case streamErr == nil || stopped:
		machine.FinishStreaming()
	case ctx.Err() != nil:
		// shutting down; the task is re-run after restart
		machine.FinishStreaming()
		_ = w.convs.Commit(context.WithoutCancel(ctx), convID)
		return ctx.Err()
	case apperrors.IsResponseLikelyProduced(streamErr):
		log.Warn("Stream interrupted, recovering from server", zap.Error(streamErr))
		machine.FailStreaming(streamErr)
	default:
		return w.failStream(ctx, machine, convID, streamErr)
	}

	if err := w.convs.Commit(ctx, convID); err != nil {
		return err
	}
	if streamErr == nil || stopped {
		if err := w.remote.ChatCompleted(ctx, remote.ChatCompletedRequest{
			ConversationID: convID,
			MessageID:      assistantID,
			SessionID:      w.opts.SessionID,
			Model:          model,
		}); err != nil {
			log.Warn("Failed to notify chat completion", zap.Error(err))
		}
	}

	if w.reconciler != nil {
		if err := w.reconciler.Reconcile(ctx, convID); err != nil {
			return err
		}
	}
	w.setResult(t.ID, Result{ConversationID: convID})
	return nil
}

func (w *Worker) failStream(ctx context.Context, machine *state.Machine, convID string, cause error) error {
	machine.FailStreaming(cause)
	if err := w.convs.Commit(context.WithoutCancel(ctx), convID); err != nil {
		w.logger.Error("Failed to persist failed response", zap.String("conversation_id", convID), zap.Error(err))
	}
	return cause
}

// stream runs the completion, feeding deltas through the chunker into the
// machine. stopped reports a user-requested stop.
func (w *Worker) stream(ctx context.Context, taskID string, machine *state.Machine, req remote.CompletionRequest) (stopped bool, err error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	active := &activeStream{
		state: v1.StreamState{
			StreamID:       req.MessageID,
			TaskID:         taskID,
			ConversationID: req.ConversationID,
			MessageID:      req.MessageID,
			SessionID:      req.SessionID,
		},
		cancel: cancel,
	}
	w.mu.Lock()
	w.streams[req.ConversationID] = active
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.streams, req.ConversationID)
		w.mu.Unlock()
	}()

	deltas := make(chan string)
	chunks := chunker.Chunk(streamCtx, deltas, w.opts.Chunker)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for chunk := range chunks {
			if streamCtx.Err() != nil {
				continue
			}
			// a stopped stream is already finished; late chunks are dropped
			machine.AppendToStreamingMessage(req.MessageID, chunk)
		}
	}()

	err = w.remote.StreamCompletion(streamCtx, req, func(ev remote.StreamEvent) error {
		switch ev.Type {
		case remote.EventDelta:
			if ev.Delta == "" {
				return nil
			}
			select {
			case deltas <- ev.Delta:
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		case remote.EventStatus:
			if ev.Status != nil {
				machine.AppendStatus(*ev.Status)
			}
		case remote.EventSource:
			if ev.Source != nil {
				machine.AddSource(*ev.Source)
			}
		case remote.EventCodeExecution:
			if ev.CodeExecution != nil {
				machine.AddCodeExecution(*ev.CodeExecution)
			}
		case remote.EventUsage:
			if ev.Usage != nil {
				machine.SetUsage(*ev.Usage)
			}
		case remote.EventTask:
			w.mu.Lock()
			active.remote = ev.TaskID
			w.mu.Unlock()
		}
		return nil
	})
	close(deltas)
	<-rendered

	w.mu.Lock()
	stopped = active.stopped
	w.mu.Unlock()
	return stopped, err
}

// history returns the messages sent as context, without the pending
// assistant reply, unfilled placeholders and rendered errors.
func (w *Worker) history(machine *state.Machine, pendingID string) []remote.WireMessage {
	msgs := machine.Messages()
	out := make([]remote.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == pendingID || !sendable(m) {
			continue
		}
		out = append(out, remote.WireMessage{
			ID:      m.ID,
			Role:    m.Role,
			Content: m.Content,
			Files:   w.fileIDs(m.AttachmentIDs),
		})
	}
	return out
}

// fileIDs maps attachment queue ids to remote file ids. Ids unknown to the
// queue are taken to be remote file ids already.
func (w *Worker) fileIDs(attachmentIDs []string) []string {
	if len(attachmentIDs) == 0 {
		return nil
	}
	out := make([]string, 0, len(attachmentIDs))
	for _, id := range attachmentIDs {
		if w.uploads != nil {
			if item, ok := w.uploads.Get(id); ok {
				if item.FileID != nil {
					out = append(out, *item.FileID)
				}
				continue
			}
		}
		out = append(out, id)
	}
	return out
}

// sendable reports whether msg carries content worth sending to the server.
func sendable(msg v1.ChatMessage) bool {
	if msg.Error != nil || msg.IsPlaceholder() {
		return false
	}
	return msg.Role != v1.RoleAssistant || strings.TrimSpace(msg.Content) != ""
}

func lastMessage(m *state.Machine) (v1.ChatMessage, bool) {
	msgs := m.Messages()
	if len(msgs) == 0 {
		return v1.ChatMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

package state

import (
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/chatsync/internal/common/errors"
	"github.com/kandev/chatsync/internal/common/logger"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

func newTestMachine() *Machine {
	return NewMachine("conv-1", nil, logger.NewNop())
}

func placeholder() v1.ChatMessage {
	return v1.ChatMessage{Role: v1.RoleAssistant, Content: v1.TypingPlaceholder, IsStreaming: true}
}

func contents(msgs []v1.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func streamingCount(msgs []v1.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		if m.IsStreaming {
			n++
		}
	}
	return n
}

func TestMachine_StreamingExchange(t *testing.T) {
	m := newTestMachine()
	defer m.Close()
	assert.Equal(t, PhaseIdle, m.Phase())

	m.AddMessage(v1.ChatMessage{Role: v1.RoleUser, Content: "What is the answer?"})
	assert.Equal(t, PhaseUserMessageAdded, m.Phase())

	m.AddMessage(placeholder())
	assert.Equal(t, PhaseAssistantPlaceholder, m.Phase())

	for _, chunk := range []string{"The ", "answer ", "is ", "42."} {
		assert.True(t, m.AppendToLastMessage(chunk))
	}
	assert.Equal(t, PhaseStreaming, m.Phase())

	m.FinishStreaming()
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "The answer is 42.", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, PhaseFinished, m.Phase())
}

func TestMachine_FirstChunkReplacesPlaceholder(t *testing.T) {
	m := newTestMachine()
	defer m.Close()
	m.AddMessage(placeholder())

	m.AppendToLastMessage("Hel")
	assert.Equal(t, "Hel", m.Messages()[0].Content)
	m.AppendToLastMessage("lo")
	assert.Equal(t, "Hello", m.Messages()[0].Content)
}

func TestMachine_AppendIgnoresNonAssistant(t *testing.T) {
	m := newTestMachine()
	defer m.Close()

	assert.False(t, m.AppendToLastMessage("x"), "empty list")
	m.AddMessage(v1.ChatMessage{Role: v1.RoleUser, Content: "hi"})
	assert.False(t, m.AppendToLastMessage("x"))
	assert.Equal(t, []string{"hi"}, contents(m.Messages()))
}

func TestMachine_FinishStreamingIdempotent(t *testing.T) {
	m := newTestMachine()
	defer m.Close()
	m.AddMessage(v1.ChatMessage{Role: v1.RoleUser, Content: "hi"})
	m.AddMessage(placeholder())
	m.AppendToLastMessage("done")

	m.FinishStreaming()
	first := m.Messages()
	m.FinishStreaming()
	m.FinishStreaming()

	if diff := cmp.Diff(first, m.Messages()); diff != "" {
		t.Errorf("repeat finish changed messages (-first +now):\n%s", diff)
	}
	assert.Equal(t, 0, streamingCount(first))
}

func TestMachine_SingleStreamingMessage(t *testing.T) {
	m := newTestMachine()
	defer m.Close()

	m.AddMessage(placeholder())
	m.AppendToLastMessage("first")
	m.AddMessage(v1.ChatMessage{Role: v1.RoleUser, Content: "again", IsStreaming: true})
	m.AddMessage(placeholder())

	msgs := m.Messages()
	assert.Equal(t, 1, streamingCount(msgs))
	assert.True(t, msgs[len(msgs)-1].IsStreaming)
	assert.False(t, msgs[0].IsStreaming)

	id := msgs[0].ID
	m.UpdateMessage(id, func(msg *v1.ChatMessage) { msg.IsStreaming = true })
	assert.Equal(t, 1, streamingCount(m.Messages()), "non-last message cannot stream")
}

func TestMachine_FailStreaming(t *testing.T) {
	t.Run("removes placeholder and appends error", func(t *testing.T) {
		m := newTestMachine()
		defer m.Close()
		m.AddMessage(v1.ChatMessage{Role: v1.RoleUser, Content: "hi"})
		m.AddMessage(placeholder())

		m.FailStreaming(errors.Auth("token expired", 0))

		msgs := m.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, v1.RoleAssistant, msgs[1].Role)
		require.NotNil(t, msgs[1].Error)
		assert.Equal(t, errors.ErrCodeAuth, msgs[1].Error.Code)
		assert.Contains(t, msgs[1].Content, "sign in")
		assert.Equal(t, 0, streamingCount(msgs))
	})

	t.Run("keeps partial content", func(t *testing.T) {
		m := newTestMachine()
		defer m.Close()
		m.AddMessage(placeholder())
		m.AppendToLastMessage("partial")

		m.FailStreaming(errors.Server("boom", 500))

		msgs := m.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "partial", msgs[0].Content)
		assert.NotNil(t, msgs[1].Error)
	})

	t.Run("preserves placeholder when response likely produced", func(t *testing.T) {
		m := newTestMachine()
		defer m.Close()
		m.AddMessage(placeholder())

		m.FailStreaming(errors.StreamInterrupted(io.ErrUnexpectedEOF))

		msgs := m.Messages()
		require.Len(t, msgs, 1)
		assert.False(t, msgs[0].IsStreaming)
		assert.Nil(t, msgs[0].Error)
		assert.Equal(t, v1.TypingPlaceholder, msgs[0].Content)
		assert.True(t, msgs[0].IsPlaceholder())
		assert.Equal(t, PhaseFinished, m.Phase())
	})
}

func TestMachine_FinishStreamingKeepsPlaceholder(t *testing.T) {
	m := newTestMachine()
	defer m.Close()
	m.AddMessage(placeholder())

	m.FinishStreaming()

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsStreaming)
	assert.Equal(t, v1.TypingPlaceholder, msgs[0].Content)
	assert.Equal(t, PhaseFinished, m.Phase())
}

func TestMachine_AppendToStreamingMessage(t *testing.T) {
	m := newTestMachine()
	defer m.Close()
	msg := m.AddMessage(placeholder())

	assert.False(t, m.AppendToStreamingMessage("other", "x"))
	assert.True(t, m.AppendToStreamingMessage(msg.ID, "Hel"))
	assert.True(t, m.AppendToStreamingMessage(msg.ID, "lo"))
	assert.Equal(t, PhaseStreaming, m.Phase())

	m.FinishStreaming()
	assert.False(t, m.AppendToStreamingMessage(msg.ID, " late"), "finished message takes no chunks")
	assert.Equal(t, []string{"Hello"}, contents(m.Messages()))
}

func TestMachine_Metadata(t *testing.T) {
	m := newTestMachine()
	defer m.Close()
	m.AddMessage(v1.ChatMessage{Role: v1.RoleUser, Content: "q"})
	assert.False(t, m.SetUsage(v1.Usage{TotalTokens: 1}), "no assistant message yet")

	m.AddMessage(placeholder())
	assert.True(t, m.AppendStatus(v1.StatusEvent{Action: "web_search", Description: "Searching"}))
	assert.True(t, m.AddSource(v1.Source{URL: "https://go.dev"}))
	assert.True(t, m.AddSource(v1.Source{URL: "https://go.dev", Title: "dup"}))
	m.AddCodeExecution(v1.CodeExecution{ID: "c1", Code: "print(1)"})
	m.AddCodeExecution(v1.CodeExecution{ID: "c1", Code: "print(1)", Output: "1", Done: true})
	m.SetUsage(v1.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7})

	last := m.Messages()[1]
	require.Len(t, last.StatusHistory, 1)
	assert.False(t, last.StatusHistory[0].Timestamp.IsZero())
	assert.Len(t, last.Sources, 1)
	require.Len(t, last.CodeExecutions, 1)
	assert.Equal(t, "1", last.CodeExecutions[0].Output)
	assert.Equal(t, 7, last.Usage.TotalTokens)
}

func TestMachine_RenameAndRemove(t *testing.T) {
	m := newTestMachine()
	defer m.Close()
	msg := m.AddMessage(v1.ChatMessage{Role: v1.RoleUser, Content: "hi"})
	other := m.AddMessage(v1.ChatMessage{Role: v1.RoleAssistant, Content: "yo"})

	assert.False(t, m.RenameMessage(msg.ID, other.ID), "target id taken")
	assert.True(t, m.RenameMessage(msg.ID, "server-1"))
	_, ok := m.Message("server-1")
	assert.True(t, ok)

	removed, ok := m.RemoveLastMessage()
	require.True(t, ok)
	assert.Equal(t, other.ID, removed.ID)
	assert.True(t, m.ReplaceMessageContent("server-1", "hello"))
	assert.Equal(t, []string{"hello"}, contents(m.Messages()))
}

func TestMachine_Subscribe(t *testing.T) {
	m := newTestMachine()
	defer m.Close()
	sub := m.Subscribe()
	defer sub.Unsubscribe()

	m.AddMessage(placeholder())
	m.AppendToLastMessage("a")
	m.AppendToLastMessage("b")

	var phases []Phase
	var last Snapshot
	timeout := time.After(time.Second)
	for len(phases) < 4 {
		select {
		case snap := <-sub.C:
			phases = append(phases, snap.Phase)
			last = snap
		case <-timeout:
			t.Fatal("timed out waiting for snapshots")
		}
	}
	assert.Equal(t, []Phase{PhaseIdle, PhaseAssistantPlaceholder, PhaseStreaming, PhaseStreaming}, phases)
	assert.Equal(t, "ab", last.Messages[0].Content)
	assert.Equal(t, "conv-1", last.ConversationID)
}

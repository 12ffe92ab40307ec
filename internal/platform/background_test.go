package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/storage/kv"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

func TestStoreBackground_Leases(t *testing.T) {
	ctx := context.Background()
	b := NewStoreBackground(kv.NewMemoryStore(), logger.NewNop())

	require.NoError(t, b.BeginExtendedExecution(ctx, []string{"t2", "t1"}))
	assert.Equal(t, []string{"t1", "t2"}, b.Leases())

	require.NoError(t, b.EndExtendedExecution(ctx, []string{"t1"}))
	assert.Equal(t, []string{"t2"}, b.Leases())
}

func TestStoreBackground_PersistAndRecover(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	b := NewStoreBackground(store, logger.NewNop())

	require.NoError(t, b.PersistActiveStreams(ctx, []v1.StreamState{
		{StreamID: "s1", TaskID: "t1", ConversationID: "c1", MessageID: "m1"},
	}))
	require.NoError(t, b.PersistActiveStreams(ctx, []v1.StreamState{
		{StreamID: "s1", TaskID: "t1", ConversationID: "c1", MessageID: "m1b"},
		{StreamID: "s2", TaskID: "t2", ConversationID: "c2", MessageID: "m2"},
	}))

	t.Run("survives a restart", func(t *testing.T) {
		restarted := NewStoreBackground(store, logger.NewNop())
		streams, err := restarted.RecoverActiveStreams(ctx)
		require.NoError(t, err)
		require.Len(t, streams, 2)
		assert.Equal(t, "m1b", streams[0].MessageID)
		assert.Equal(t, "c2", streams[1].ConversationID)
	})

	t.Run("recover clears saved streams", func(t *testing.T) {
		streams, err := b.RecoverActiveStreams(ctx)
		require.NoError(t, err)
		assert.Empty(t, streams)
	})
}

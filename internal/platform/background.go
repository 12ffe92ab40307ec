// Package platform abstracts the host operating system's background
// execution facilities.
package platform

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/storage/kv"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// ActiveStreamsKey is the KV key holding streams saved on backgrounding.
const ActiveStreamsKey = "active_streams_v1"

// Background is implemented by the host to keep work alive while the app is
// not in the foreground.
type Background interface {
	// BeginExtendedExecution asks the host to keep running the given tasks.
	BeginExtendedExecution(ctx context.Context, taskIDs []string) error
	// EndExtendedExecution releases the lease taken for the given tasks.
	EndExtendedExecution(ctx context.Context, taskIDs []string) error
	// PersistActiveStreams saves the streams that were in flight.
	PersistActiveStreams(ctx context.Context, streams []v1.StreamState) error
	// RecoverActiveStreams returns and clears the saved streams.
	RecoverActiveStreams(ctx context.Context) ([]v1.StreamState, error)
}

// StoreBackground keeps active streams in the KV store and tracks leases in
// memory. It suits hosts without a real background execution API.
type StoreBackground struct {
	store  kv.Store
	logger *logger.Logger

	mu     sync.Mutex
	leases map[string]struct{}
}

// NewStoreBackground creates a Background backed by store.
func NewStoreBackground(store kv.Store, log *logger.Logger) *StoreBackground {
	return &StoreBackground{
		store:  store,
		logger: log.WithFields(zap.String("component", "platform")),
		leases: make(map[string]struct{}),
	}
}

func (b *StoreBackground) BeginExtendedExecution(ctx context.Context, taskIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range taskIDs {
		b.leases[id] = struct{}{}
	}
	b.logger.Debug("Extended execution started", zap.Strings("task_ids", taskIDs), zap.Int("active", len(b.leases)))
	return nil
}

func (b *StoreBackground) EndExtendedExecution(ctx context.Context, taskIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range taskIDs {
		delete(b.leases, id)
	}
	b.logger.Debug("Extended execution ended", zap.Strings("task_ids", taskIDs), zap.Int("active", len(b.leases)))
	return nil
}

// Leases returns the task ids currently holding an extended execution lease.
func (b *StoreBackground) Leases() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.leases))
	for id := range b.leases {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (b *StoreBackground) PersistActiveStreams(ctx context.Context, streams []v1.StreamState) error {
	if len(streams) == 0 {
		return nil
	}
	var existing []v1.StreamState
	if _, err := kv.GetJSON(ctx, b.store, ActiveStreamsKey, &existing); err != nil {
		return fmt.Errorf("load active streams: %w", err)
	}
	merged := existing
	for _, s := range streams {
		i := slices.IndexFunc(merged, func(e v1.StreamState) bool { return e.StreamID == s.StreamID })
		if i >= 0 {
			merged[i] = s
			continue
		}
		merged = append(merged, s)
	}
	if err := kv.PutJSON(ctx, b.store, ActiveStreamsKey, merged); err != nil {
		return fmt.Errorf("persist active streams: %w", err)
	}
	b.logger.Info("Persisted active streams", zap.Int("count", len(merged)))
	return nil
}

func (b *StoreBackground) RecoverActiveStreams(ctx context.Context) ([]v1.StreamState, error) {
	var streams []v1.StreamState
	found, err := kv.GetJSON(ctx, b.store, ActiveStreamsKey, &streams)
	if err != nil {
		return nil, fmt.Errorf("load active streams: %w", err)
	}
	if !found {
		return nil, nil
	}
	if err := b.store.Delete(ctx, ActiveStreamsKey); err != nil {
		return nil, fmt.Errorf("clear active streams: %w", err)
	}
	b.logger.Info("Recovered active streams", zap.Int("count", len(streams)))
	return streams, nil
}

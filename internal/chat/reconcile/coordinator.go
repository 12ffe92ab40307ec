// Package reconcile brings local conversations in line with the server after
// a response stream ends.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/chat/chunker"
	"github.com/kandev/chatsync/internal/chat/state"
	"github.com/kandev/chatsync/internal/common/config"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/common/tracing"
	"github.com/kandev/chatsync/internal/remote"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// Remote is the part of the chat service the coordinator reads from.
type Remote interface {
	GetConversation(ctx context.Context, id string) (*remote.Conversation, error)
	GenerateTitle(ctx context.Context, conversationID, idempotencyKey string) (string, error)
}

// Options configures replay pacing and the title poll.
type Options struct {
	Chunker            chunker.Options
	TitlePollAttempts  int
	TitlePollBaseDelay time.Duration
	Logger             *logger.Logger
}

// OptionsFromConfig maps the chunker and reconcile config sections.
func OptionsFromConfig(ch config.ChunkerConfig, rc config.ReconcileConfig) Options {
	return Options{
		Chunker:            chunker.OptionsFromConfig(ch),
		TitlePollAttempts:  rc.TitlePollAttempts,
		TitlePollBaseDelay: rc.TitlePollDelay(),
	}
}

// Coordinator merges server truth into local conversations.
type Coordinator struct {
	remote Remote
	convs  *state.Conversations
	opts   Options
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	polling map[string]struct{}
}

// New creates a coordinator. Close stops any running title polls.
func New(r Remote, convs *state.Conversations, opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		remote:  r,
		convs:   convs,
		opts:    opts,
		logger:  log.WithFields(zap.String("component", "reconcile")),
		ctx:     ctx,
		cancel:  cancel,
		polling: make(map[string]struct{}),
	}
}

// Reconcile fetches the server copy of a conversation and merges it into the
// local one. Messages whose server content extends the local content get the
// missing suffix replayed through the chunker; other differing messages are
// reset and replayed in full. Server failures are logged and the local
// content is kept. The conversation is persisted afterwards.
func (c *Coordinator) Reconcile(ctx context.Context, conversationID string) error {
	ctx, span := tracing.StartSpan(ctx, "chatsync-reconcile", "reconcile.conversation")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	machine, err := c.convs.Machine(ctx, conversationID)
	if err != nil {
		return err
	}
	log := c.logger.WithContext(logger.ContextWithConversationID(ctx, conversationID))

	machine.BeginReconcile()
	defer machine.Settle()

	server, fetchErr := c.remote.GetConversation(ctx, conversationID)
	if fetchErr != nil {
		log.Warn("Failed to fetch conversation, keeping local state", zap.Error(fetchErr))
		return nil
	}

	replayed := 0
	for _, local := range machine.Messages() {
		srv, ok := server.Message(local.ID)
		if !ok {
			continue
		}
		if c.mergeContent(ctx, machine, local, srv) {
			replayed++
		}
		machine.UpdateMessage(local.ID, func(msg *v1.ChatMessage) {
			mergeMetadata(msg, srv)
		})
	}
	log.Debug("Conversation reconciled", zap.Int("replayed", replayed))

	c.checkTitle(ctx, conversationID, server.Title, len(machine.Messages()))

	if err = c.convs.Commit(ctx, conversationID); err != nil {
		return err
	}
	return nil
}

// mergeContent replays server content into the local message when they
// differ. Empty server content never overwrites local content.
func (c *Coordinator) mergeContent(ctx context.Context, machine *state.Machine, local, srv v1.ChatMessage) bool {
	if srv.Content == "" || srv.Content == local.Content {
		return false
	}

	current := local.Content
	if local.IsPlaceholder() {
		current = ""
	}
	suffix := srv.Content
	if current != "" && strings.HasPrefix(srv.Content, current) {
		suffix = srv.Content[len(current):]
	} else {
		machine.ReplaceMessageContent(local.ID, "")
	}

	for chunk := range chunker.ChunkString(ctx, suffix, c.opts.Chunker) {
		machine.UpdateMessage(local.ID, func(msg *v1.ChatMessage) {
			msg.Content += chunk
		})
	}
	if ctx.Err() != nil {
		// replay was cut short
		machine.ReplaceMessageContent(local.ID, srv.Content)
	}
	return true
}

func mergeMetadata(msg *v1.ChatMessage, srv v1.ChatMessage) {
	for _, src := range srv.Sources {
		dup := false
		for _, s := range msg.Sources {
			if (src.ID != "" && s.ID == src.ID) || (src.URL != "" && s.URL == src.URL) {
				dup = true
				break
			}
		}
		if !dup {
			msg.Sources = append(msg.Sources, src)
		}
	}
	for _, ce := range srv.CodeExecutions {
		replaced := false
		for i := range msg.CodeExecutions {
			if msg.CodeExecutions[i].ID == ce.ID {
				msg.CodeExecutions[i] = ce
				replaced = true
				break
			}
		}
		if !replaced {
			msg.CodeExecutions = append(msg.CodeExecutions, ce)
		}
	}
	if srv.Usage != nil {
		u := *srv.Usage
		msg.Usage = &u
	}
	if msg.Model == nil && srv.Model != nil {
		model := *srv.Model
		msg.Model = &model
	}
}

func needsTitle(title string) bool {
	title = strings.TrimSpace(title)
	return title == "" || title == v1.DefaultConversationTitle
}

// firstExchangeMessages is the message count right after the first reply.
const firstExchangeMessages = 2

func (c *Coordinator) checkTitle(ctx context.Context, conversationID, serverTitle string, messageCount int) {
	if !needsTitle(serverTitle) {
		local, err := c.convs.Title(ctx, conversationID)
		if err == nil && local != serverTitle {
			if err := c.convs.SetTitle(ctx, conversationID, serverTitle); err != nil {
				c.logger.Warn("Failed to store server title", zap.Error(err))
			}
		}
		return
	}
	// titles are generated once, after the first exchange
	if c.opts.TitlePollAttempts <= 0 || messageCount != firstExchangeMessages {
		return
	}
	c.PollTitle(conversationID)
}

// PollTitle asks the server for a generated title in the background, waiting
// TitlePollBaseDelay*attempt before each attempt. Only one poll runs per
// conversation.
func (c *Coordinator) PollTitle(conversationID string) {
	c.mu.Lock()
	if _, running := c.polling[conversationID]; running || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.polling[conversationID] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.polling, conversationID)
			c.mu.Unlock()
		}()
		c.pollTitle(conversationID)
	}()
}

func (c *Coordinator) pollTitle(conversationID string) {
	log := c.logger.WithConversationID(conversationID)
	for attempt := 1; attempt <= c.opts.TitlePollAttempts; attempt++ {
		timer := time.NewTimer(c.opts.TitlePollBaseDelay * time.Duration(attempt))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		title, err := c.remote.GenerateTitle(c.ctx, conversationID, "")
		if err != nil {
			log.Debug("Title not available", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if needsTitle(title) {
			continue
		}
		if err := c.convs.SetTitle(c.ctx, conversationID, title); err != nil {
			log.Warn("Failed to store generated title", zap.Error(err))
			return
		}
		log.Info("Conversation title updated", zap.String("title", title))
		return
	}
	log.Debug("Gave up waiting for a title", zap.Int("attempts", c.opts.TitlePollAttempts))
}

// Wait blocks until running title polls finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels title polls and waits for them to exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

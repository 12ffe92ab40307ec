package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/common/config"
	"github.com/kandev/chatsync/internal/common/logger"
)

// Event metadata is mirrored into message headers so observers can route on
// it without decoding the body.
const (
	headerEventID   = "Chatsync-Event-Id"
	headerEventType = "Chatsync-Event-Type"
)

// NATSEventBus carries events between processes over NATS core subjects.
// Handlers run on the subscription's delivery goroutine, one message at a time.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNATSEventBus connects to cfg.URL. The client keeps reconnecting up to
// cfg.MaxReconnects times and buffers publishes while disconnected.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &NATSEventBus{
		logger: log.WithFields(zap.String("component", "nats-bus")),
		ctx:    ctx,
		cancel: cancel,
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Second),
		nats.ReconnectBufSize(8*1024*1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("NATS disconnected, buffering events", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			b.logger.Error("NATS async error", fields...)
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	b.conn = conn
	return b, nil
}

// Publish encodes event as JSON and sends it on subject.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if b.conn.IsClosed() {
		return ErrBusClosed
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(headerEventID, event.ID)
	msg.Header.Set(headerEventType, event.Type)
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s on %s: %w", event.Type, subject, err)
	}
	return nil
}

// Subscribe delivers events on subjects matching the pattern to handler.
// Messages that are not events are dropped.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	if b.conn.IsClosed() {
		return nil, ErrBusClosed
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("Dropping undecodable message",
				zap.String("subject", msg.Subject),
				zap.String("event_type", msg.Header.Get(headerEventType)),
				zap.Error(err))
			return
		}
		if err := handler(b.ctx, &event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", msg.Subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close flushes buffered publishes, lets subscriptions finish the messages
// they already received and closes the connection.
func (b *NATSEventBus) Close() {
	if b.conn.IsClosed() {
		return
	}
	closed := make(chan struct{})
	b.conn.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain failed", zap.Error(err))
		b.conn.Close()
	}
	select {
	case <-closed:
	case <-time.After(30 * time.Second):
		b.logger.Warn("Timed out waiting for NATS to close")
	}
	b.cancel()
}

// IsConnected reports whether the client currently holds a server connection.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}

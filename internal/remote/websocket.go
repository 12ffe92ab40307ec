package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kandev/chatsync/internal/common/errors"
)

const (
	// Time allowed to write a message to the peer
	wsWriteWait = 10 * time.Second
	// Time allowed between messages from the peer
	wsPongWait = 60 * time.Second
)

func (c *Client) websocketURL() string {
	u := c.baseURL + "/api/chat/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// streamWebSocket sends the completion request as the first frame and reads
// one StreamEvent per text frame until a done event or close.
func (c *Client) streamWebSocket(ctx context.Context, req CompletionRequest, onEvent func(StreamEvent) error) error {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.IdempotencyKey != "" {
		header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.websocketURL(), header)
	if err != nil {
		if resp != nil {
			if appErr := errors.FromHTTPStatus(resp.StatusCode, resp.Status); appErr != nil {
				return appErr
			}
		}
		return errors.Classify(err)
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(req); err != nil {
		return errors.Transport("send completion request", err)
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return errors.StreamInterrupted(err)
		}

		var ev StreamEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			return errors.StreamInterrupted(fmt.Errorf("decode stream event: %w", err))
		}
		switch ev.Type {
		case EventError:
			return errors.Server("remote stream error: "+ev.Error, http.StatusBadGateway)
		case "":
			ev.Type = EventDelta
		}
		if err := onEvent(ev); err != nil {
			return err
		}
		if ev.Type == EventDone {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return nil
		}
	}
}

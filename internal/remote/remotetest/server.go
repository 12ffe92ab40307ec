// Package remotetest provides an in-process fake of the remote chat service.
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kandev/chatsync/internal/remote"
	v1 "github.com/kandev/chatsync/pkg/api/v1"
)

// Request is a recorded call.
type Request struct {
	Method         string
	Path           string
	IdempotencyKey string
}

// Server is a fake chat service. Configure it through the setters before or
// between calls; all state is guarded.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	conversations  map[string]*remote.Conversation
	files          map[string][]byte
	fileInfo       map[string]remote.FileInfo
	script         func(req remote.CompletionRequest) []remote.StreamEvent
	serverContent  func(req remote.CompletionRequest, streamed string) string
	titles         []string
	completionCode int
	uploadCode     int
	conversationUp bool
	truncateStream bool
	requests       []Request
	completed      []remote.ChatCompletedRequest
	completions    []remote.CompletionRequest
	stopped        []string
	uploads        int
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// New starts a fake server. Call Close when done.
func New() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		conversations:  make(map[string]*remote.Conversation),
		files:          make(map[string][]byte),
		fileInfo:       make(map[string]remote.FileInfo),
		conversationUp: true,
	}

	router := gin.New()
	router.Use(s.record)
	router.POST("/api/v1/chats/new", s.createConversation)
	router.GET("/api/v1/chats/:id", s.getConversation)
	router.POST("/api/v1/chats/:id", s.updateConversation)
	router.POST("/api/chat/completions", s.streamCompletion)
	router.GET("/api/chat/ws", s.websocketCompletion)
	router.POST("/api/chat/completed", s.chatCompleted)
	router.POST("/api/tasks/stop/:id", s.stopTask)
	router.POST("/api/v1/tasks/title/completions", s.generateTitle)
	router.POST("/api/v1/images/generations", s.generateImage)
	router.POST("/api/v1/files/", s.uploadFile)
	router.GET("/api/v1/files/:id", s.getFile)
	router.GET("/api/v1/files/:id/content", s.getFileContent)

	s.Server = httptest.NewServer(router)
	return s
}

// SetScript sets the events streamed for each completion. By default the
// stream echoes "ok".
func (s *Server) SetScript(fn func(req remote.CompletionRequest) []remote.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = fn
}

// SetDeltas streams the given deltas for every completion.
func (s *Server) SetDeltas(deltas ...string) {
	s.SetScript(func(remote.CompletionRequest) []remote.StreamEvent {
		events := make([]remote.StreamEvent, 0, len(deltas))
		for _, d := range deltas {
			events = append(events, remote.StreamEvent{Type: remote.EventDelta, Delta: d})
		}
		return events
	})
}

// SetServerContent decides what the server stores as the assistant message
// after a completion. By default it stores the streamed text.
func (s *Server) SetServerContent(fn func(req remote.CompletionRequest, streamed string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverContent = fn
}

// SetTitles queues titles returned by successive title requests. An empty
// entry means the title is not ready yet.
func (s *Server) SetTitles(titles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = titles
}

// FailCompletions makes completion requests fail with status (0 = succeed).
func (s *Server) FailCompletions(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completionCode = status
}

// TruncateStreams makes completion streams break after the scripted events
// without a terminal marker, as a dropped connection would.
func (s *Server) TruncateStreams(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncateStream = v
}

// FailUploads makes uploads fail with status (0 = succeed).
func (s *Server) FailUploads(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadCode = status
}

// SetConversationsAvailable makes conversation fetches fail with 503 when false.
func (s *Server) SetConversationsAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationUp = v
}

// PutConversation stores conv as server truth.
func (s *Server) PutConversation(conv remote.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := conv
	s.conversations[conv.ID] = &cp
}

// Conversation returns the stored conversation.
func (s *Server) Conversation(id string) (remote.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return remote.Conversation{}, false
	}
	return *c, true
}

// Requests returns recorded calls.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Completions returns recorded completion requests.
func (s *Server) Completions() []remote.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.CompletionRequest(nil), s.completions...)
}

// Completed returns recorded chat-completed notifications.
func (s *Server) Completed() []remote.ChatCompletedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.ChatCompletedRequest(nil), s.completed...)
}

// Stopped returns ids passed to the stop endpoint.
func (s *Server) Stopped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

// Uploads returns how many upload attempts were received.
func (s *Server) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

func (s *Server) record(c *gin.Context) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:         c.Request.Method,
		Path:           c.Request.URL.Path,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	s.mu.Unlock()
	c.Next()
}

func (s *Server) createConversation(c *gin.Context) {
	var req remote.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	id := req.ID
	if id == "" {
		id = "srv-" + uuid.New().String()
	}
	now := time.Now().UTC()
	conv := remote.Conversation{
		ID:        id,
		Title:     req.Title,
		Model:     req.Model,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  req.Messages,
	}
	s.mu.Lock()
	s.conversations[id] = &conv
	s.mu.Unlock()
	c.JSON(http.StatusOK, conv)
}

func (s *Server) getConversation(c *gin.Context) {
	s.mu.Lock()
	up := s.conversationUp
	conv, ok := s.conversations[c.Param("id")]
	var out remote.Conversation
	if ok {
		out = *conv
	}
	s.mu.Unlock()

	if !up {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) updateConversation(c *gin.Context) {
	var conv remote.Conversation
	if err := c.ShouldBindJSON(&conv); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	conv.ID = c.Param("id")
	conv.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.conversations[conv.ID] = &conv
	s.mu.Unlock()
	c.JSON(http.StatusOK, conv)
}

// begin records a completion request and returns the events to stream.
func (s *Server) begin(req remote.CompletionRequest) ([]remote.StreamEvent, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, req)
	if s.completionCode != 0 {
		return nil, s.completionCode, false
	}
	events := []remote.StreamEvent{{Type: remote.EventDelta, Delta: "ok"}}
	if s.script != nil {
		events = s.script(req)
	}
	return events, 0, s.truncateStream
}

// finish stores the exchange as server truth.
func (s *Server) finish(req remote.CompletionRequest, events []remote.StreamEvent) {
	var streamed strings.Builder
	for _, ev := range events {
		if ev.Type == remote.EventDelta {
			streamed.WriteString(ev.Delta)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	content := streamed.String()
	if s.serverContent != nil {
		content = s.serverContent(req, content)
	}
	conv, ok := s.conversations[req.ConversationID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	for _, m := range req.Messages {
		if m.Role == v1.RoleUser && m.ID != "" {
			if _, exists := conv.Message(m.ID); !exists {
				conv.Messages = append(conv.Messages, v1.ChatMessage{ID: m.ID, Role: m.Role, Content: m.Content, Timestamp: now})
			}
		}
	}
	conv.Messages = append(conv.Messages, v1.ChatMessage{
		ID:        req.MessageID,
		Role:      v1.RoleAssistant,
		Content:   content,
		Timestamp: now,
	})
	conv.UpdatedAt = now
}

func (s *Server) streamCompletion(c *gin.Context) {
	var req remote.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	events, code, truncate := s.begin(req)
	if code != 0 {
		c.JSON(code, gin.H{"detail": http.StatusText(code)})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	w := c.Writer
	_, _ = io.WriteString(w, ": connected\n\n")
	for _, ev := range events {
		raw, _ := json.Marshal(ev)
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, raw)
		w.Flush()
	}
	s.finish(req, events)
	if truncate {
		// hijack and drop the connection mid-stream
		if conn, _, err := w.Hijack(); err == nil {
			_ = conn.Close()
		}
		return
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	w.Flush()
}

func (s *Server) websocketCompletion(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req remote.CompletionRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	events, code, _ := s.begin(req)
	if code != 0 {
		_ = conn.WriteJSON(remote.StreamEvent{Type: remote.EventError, Error: http.StatusText(code)})
		return
	}
	for _, ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	s.finish(req, events)
	_ = conn.WriteJSON(remote.StreamEvent{Type: remote.EventDone})
	_, _, _ = conn.ReadMessage()
}

func (s *Server) chatCompleted(c *gin.Context) {
	var req remote.ChatCompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	s.completed = append(s.completed, req)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": true})
}

func (s *Server) stopTask(c *gin.Context) {
	s.mu.Lock()
	s.stopped = append(s.stopped, c.Param("id"))
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": true})
}

func (s *Server) generateTitle(c *gin.Context) {
	var req struct {
		ChatID string `json:"chatId"`
	}
	_ = c.ShouldBindJSON(&req)

	s.mu.Lock()
	title := "Generated Title"
	if len(s.titles) > 0 {
		title = s.titles[0]
		s.titles = s.titles[1:]
	}
	if conv, ok := s.conversations[req.ChatID]; ok && title != "" {
		conv.Title = title
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"title": title, "model": "fake"})
}

func (s *Server) generateImage(c *gin.Context) {
	var req remote.ImageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "prompt required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": []gin.H{{"url": s.URL + "/images/" + uuid.New().String() + ".png"}}})
}

func (s *Server) uploadFile(c *gin.Context) {
	s.mu.Lock()
	s.uploads++
	code := s.uploadCode
	s.mu.Unlock()
	if code != 0 {
		c.JSON(code, gin.H{"detail": http.StatusText(code)})
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)

	info := remote.FileInfo{
		ID:        "file-" + uuid.New().String(),
		FileName:  fh.Filename,
		MimeType:  c.PostForm("contentType"),
		Size:      int64(len(data)),
		Checksum:  c.PostForm("hash"),
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.files[info.ID] = data
	s.fileInfo[info.ID] = info
	s.mu.Unlock()
	c.JSON(http.StatusOK, info)
}

func (s *Server) getFile(c *gin.Context) {
	s.mu.Lock()
	info, ok := s.fileInfo[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getFileContent(c *gin.Context) {
	s.mu.Lock()
	data, ok := s.files[c.Param("id")]
	info := s.fileInfo[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	c.Data(http.StatusOK, info.MimeType, data)
}

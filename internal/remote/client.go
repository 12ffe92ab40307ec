// Package remote is the client for the remote chat service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/common/config"
	"github.com/kandev/chatsync/internal/common/errors"
	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/common/tracing"
)

const tracerName = "chatsync-remote"

// Stream transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Client talks to the remote chat service over HTTP. Completions stream over
// SSE or, when configured, a websocket.
type Client struct {
	baseURL    string
	apiKey     string
	transport  string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	logger     *logger.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	APIKey    string
	Transport string
	// Timeout bounds non-streaming calls. Streams are bounded by their ctx.
	Timeout time.Duration
	// MaxRetries applies to idempotent GET requests only.
	MaxRetries int
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// OptionsFromConfig maps the remote config section to client options.
func OptionsFromConfig(cfg config.RemoteConfig) Options {
	return Options{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Transport:  cfg.StreamTransport,
		Timeout:    cfg.TimeoutDuration(),
		MaxRetries: 2,
	}
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	transport := opts.Transport
	if transport == "" {
		transport = TransportSSE
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		transport:  transport,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		httpClient: httpClient,
		logger:     log.WithFields(zap.String("component", "remote-client")),
	}
}

// CreateConversation creates a conversation and returns the server record.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest, idempotencyKey string) (*Conversation, error) {
	var out Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/chats/new", idempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConversation fetches the authoritative conversation.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var out Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/chats/"+url.PathEscape(id), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateConversation replaces the server copy of a conversation.
func (c *Client) UpdateConversation(ctx context.Context, conv Conversation, idempotencyKey string) (*Conversation, error) {
	var out Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/chats/"+url.PathEscape(conv.ID), idempotencyKey, conv, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatCompleted notifies the server that a response was fully received.
func (c *Client) ChatCompleted(ctx context.Context, req ChatCompletedRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/api/chat/completed", "", req, nil)
}

// StopTask asks the server to stop generating. Best effort.
func (c *Client) StopTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/tasks/stop/"+url.PathEscape(taskID), "", nil, nil)
}

// GenerateTitle asks the server to title a conversation.
func (c *Client) GenerateTitle(ctx context.Context, conversationID, idempotencyKey string) (string, error) {
	var out TitleResponse
	body := map[string]string{"chatId": conversationID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tasks/title/completions", idempotencyKey, body, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Title), nil
}

// GenerateImage generates images for a prompt.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	var out ImageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/images/generations", req.IdempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFileInfo returns the server record of an uploaded file.
func (c *Client) GetFileInfo(ctx context.Context, id string) (*FileInfo, error) {
	var out FileInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/files/"+url.PathEscape(id), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFileContent downloads a file and returns its bytes and content type.
func (c *Client) GetFileContent(ctx context.Context, id string) ([]byte, string, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "remote.GetFileContent", attribute.String("file_id", id))
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/files/"+url.PathEscape(id)+"/content", "", nil)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, "", err
	}
	resp, raw, err := c.send(req)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, "", err
	}
	return raw, resp.Header.Get("Content-Type"), nil
}

// UploadFile uploads a local file as multipart form data.
func (c *Client) UploadFile(ctx context.Context, upload UploadRequest) (*FileInfo, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "remote.UploadFile", attribute.String("file_name", upload.FileName))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	f, err := os.Open(upload.FilePath)
	if err != nil {
		err = errors.Validation(fmt.Sprintf("cannot read %s: %v", upload.FilePath, err))
		return nil, err
	}
	defer f.Close()

	name := upload.FileName
	if name == "" {
		name = filepath.Base(upload.FilePath)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err = io.Copy(part, f); err != nil {
		err = errors.Validation(fmt.Sprintf("cannot read %s: %v", upload.FilePath, err))
		return nil, err
	}
	_ = mw.WriteField("contentType", upload.MimeType)
	_ = mw.WriteField("hash", upload.Checksum)
	if err = mw.Close(); err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/files/", upload.IdempotencyKey, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	_, raw, err := c.send(req)
	if err != nil {
		return nil, err
	}
	var out FileInfo
	if err = json.Unmarshal(raw, &out); err != nil {
		err = errors.Server(fmt.Sprintf("decode upload response: %v", err), http.StatusBadGateway)
		return nil, err
	}
	return &out, nil
}

// StreamCompletion starts a completion and calls onEvent for every event in
// order until the stream ends. Failures before the server accepted the
// request map through the error taxonomy; failures after that are reported as
// interrupted streams. When ctx is cancelled ctx.Err() is returned.
func (c *Client) StreamCompletion(ctx context.Context, req CompletionRequest, onEvent func(StreamEvent) error) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "remote.StreamCompletion",
		attribute.String("conversation_id", req.ConversationID),
		attribute.String("transport", c.transport))
	req.Stream = true

	var err error
	if c.transport == TransportWebSocket {
		err = c.streamWebSocket(ctx, req, onEvent)
	} else {
		err = c.streamSSE(ctx, req, onEvent)
	}
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	tracing.EndSpan(span, err)
	return err
}

func (c *Client) streamSSE(ctx context.Context, creq CompletionRequest, onEvent func(StreamEvent) error) error {
	body, err := json.Marshal(creq)
	if err != nil {
		return errors.Validation(fmt.Sprintf("encode completion request: %v", err))
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat/completions", creq.IdempotencyKey, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return errors.FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	_, err = decodeStreamEvents(resp.Body, func(ev StreamEvent) error {
		if ev.Type == EventError {
			return errors.Server("remote stream error: "+ev.Error, http.StatusBadGateway)
		}
		return onEvent(ev)
	})
	if err == nil {
		return nil
	}
	if _, ok := err.(*errors.AppError); ok {
		return err
	}
	return errors.StreamInterrupted(err)
}

func (c *Client) doJSON(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "remote."+method,
		attribute.String("http.method", method),
		attribute.String("http.route", path))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			err = errors.Validation(fmt.Sprintf("encode request: %v", err))
			return err
		}
	}

	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}
	backoff := 200 * time.Millisecond

	for attempt := 0; ; attempt++ {
		var raw []byte
		raw, err = c.doOnce(ctx, method, path, idempotencyKey, payload)
		if err == nil {
			if out == nil || len(raw) == 0 {
				return nil
			}
			if uerr := json.Unmarshal(raw, out); uerr != nil {
				err = errors.Server(fmt.Sprintf("decode response: %v", uerr), http.StatusBadGateway)
			}
			return err
		}
		if attempt >= retries || !errors.IsRetryable(err) || ctx.Err() != nil {
			return err
		}

		c.logger.Warn("Remote request retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("sleep", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return err
		}
		backoff *= 2
	}
}

func (c *Client) doOnce(ctx context.Context, method, path, idempotencyKey string, payload []byte) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, idempotencyKey, body)
	if err != nil {
		return nil, err
	}
	_, raw, err := c.send(req)
	return raw, err
}

func (c *Client) newRequest(ctx context.Context, method, path, idempotencyKey string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Validation(fmt.Sprintf("build request: %v", err))
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return req, nil
}

// send executes req and reads the whole body, mapping failures to AppErrors.
func (c *Client) send(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, errors.Classify(err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, errors.Classify(readErr)
	}
	if appErr := errors.FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(raw))); appErr != nil {
		return resp, raw, appErr
	}
	return resp, raw, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Package api is the REST client for the chat server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"histeeria-chatsync/internal/logging"
	"histeeria-chatsync/internal/models"

	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// Error is a non-2xx response. Message comes from the server's
// {"error": "..."} body when present.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an *Error with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the chat server on behalf of one authenticated user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
		logger:  logging.OrNop(opts.Logger),
	}
}

// SendText posts a text message.
func (c *Client) SendText(ctx context.Context, req models.CreateMessageRequest) (models.Message, error) {
	if req.Kind == "" {
		req.Kind = models.KindText
	}
	return c.postMessage(ctx, req)
}

// SendAttachment posts a message that references an uploaded attachment.
func (c *Client) SendAttachment(ctx context.Context, req models.CreateMessageRequest) (models.Message, error) {
	if req.Attachment == nil {
		return models.Message{}, errors.New("api: attachment is required")
	}
	return c.postMessage(ctx, req)
}

func (c *Client) postMessage(ctx context.Context, req models.CreateMessageRequest) (models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/messages", req, &msg); err != nil {
		return models.Message{}, err
	}
	if msg.TempID == "" {
		msg.TempID = req.ClientTempID
	}
	return msg, nil
}

// MarkAsRead marks every message of a conversation as read for the caller.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

func (c *Client) EditMessage(ctx context.Context, id, content string) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPatch, messagePath(id, ""), models.EditMessageRequest{Content: content}, &msg)
	return msg, err
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, messagePath(id, ""), nil, nil)
}

// React toggles emoji on a message; the result says which way it went.
func (c *Client) React(ctx context.Context, id, emoji string) (models.ReactionResult, error) {
	var res models.ReactionResult
	err := c.do(ctx, http.MethodPost, messagePath(id, "reactions"), models.ReactRequest{Emoji: emoji}, &res)
	return res, err
}

func (c *Client) Pin(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, messagePath(id, "pin"), nil, nil)
}

func (c *Client) Unpin(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, messagePath(id, "pin"), nil, nil)
}

func (c *Client) Star(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, messagePath(id, "star"), nil, nil)
}

func (c *Client) Unstar(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, messagePath(id, "star"), nil, nil)
}

func (c *Client) Forward(ctx context.Context, id, targetConversationID string) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, messagePath(id, "forward"), models.ForwardRequest{TargetChatID: targetConversationID}, &msg)
	return msg, err
}

// FetchHistory returns one page of a conversation, oldest first as the
// server orders it.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("chatId", conversationID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var msgs []models.Message
	if err := c.do(ctx, http.MethodGet, "/messages?"+q.Encode(), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Ping checks that the server answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("api: building ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return &Error{StatusCode: resp.StatusCode}
	}
	return nil
}

// Upload sends a local file as multipart form data and returns the stored
// attachment. Cancelling ctx aborts the transfer.
func (c *Client) Upload(ctx context.Context, file models.LocalFile) (models.Attachment, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("api: opening upload: %w", err)
	}
	defer f.Close()

	name := file.Name
	if name == "" {
		name = filepath.Base(file.Path)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPrefix+"/uploads", pr)
	if err != nil {
		pr.Close()
		return models.Attachment{}, fmt.Errorf("api: building upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	var att models.Attachment
	if err := c.exchange(req, &att); err != nil {
		pr.Close()
		return models.Attachment{}, err
	}
	if att.Name == "" {
		att.Name = name
	}
	if att.Size == 0 {
		att.Size = file.Size
	}
	if att.MimeType == "" {
		att.MimeType = file.MimeType
	}
	return att, nil
}

// Do calls any endpoint under the API prefix, JSON-encoding body and decoding
// the response into out when they are non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	return c.do(ctx, method, path, body, out)
}

func messagePath(id, action string) string {
	p := "/messages/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encoding %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("api: building %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	return c.exchange(req, out)
}

func (c *Client) exchange(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: reading %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &body) == nil {
			apiErr.Message = body.Error
		}
		c.logger.Debug("API: request rejected",
			zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Int("status", resp.StatusCode))
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api: decoding %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// Package apiclient is the HTTP implementation of the engine's server
// collaborators. It talks to the chatsync REST API with a bearer token and
// maps HTTP failures onto the domain sentinel errors.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"chatsync/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Client implements domain.MessageAPI and domain.BlobStore over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ domain.MessageAPI = (*Client)(nil)
var _ domain.BlobStore = (*Client)(nil)

// New constructs a client for the given API base URL, e.g.
// "https://chat.example.com". The token is sent on every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// NewWithHTTPClient is New with a caller-supplied http.Client.
func NewWithHTTPClient(baseURL, token string, hc *http.Client) *Client {
	c := New(baseURL, token)
	c.http = hc
	return c
}

func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	var msgs []*domain.Message
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil, &msgs)
	return msgs, err
}

func (c *Client) SendMessage(ctx context.Context, out *domain.OutgoingMessage) (*domain.Message, error) {
	var msg domain.Message
	path := "/api/conversations/" + out.ConversationID + "/messages"
	if err := c.do(ctx, http.MethodPost, path, out, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+messageID, nil, nil)
}

func (c *Client) UpsertReaction(ctx context.Context, messageID, userID, emoji string) error {
	body := map[string]string{"emoji": emoji}
	return c.do(ctx, http.MethodPut, "/api/messages/"+messageID+"/reactions", body, nil)
}

// RemoveReaction drops the caller's reaction. Deletes are idempotent: a
// reaction already removed on another device reports success, not 404.
func (c *Client) RemoveReaction(ctx context.Context, messageID, userID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/messages/"+messageID+"/reactions", nil, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) FetchReactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	var rs []domain.Reaction
	err := c.do(ctx, http.MethodGet, "/api/messages/"+messageID+"/reactions", nil, &rs)
	return rs, err
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/read", nil, nil)
}

// Upload streams a blob as multipart form data and returns the durable path
// assigned by the server.
func (c *Client) Upload(ctx context.Context, path string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", path)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read upload payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	var out struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return out.Path, nil
}

// do runs one JSON round trip. A nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps an error response onto the domain sentinels so the engine
// can branch on them without knowing about HTTP.
func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
	msg := payload.Error
	if msg == "" {
		msg = resp.Status
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		sentinel = domain.ErrUnauthorized
	case http.StatusForbidden:
		sentinel = domain.ErrForbidden
	case http.StatusNotFound:
		sentinel = domain.ErrNotFound
	case http.StatusConflict:
		sentinel = domain.ErrConflict
	case http.StatusBadRequest:
		sentinel = domain.ErrInvalidInput
	default:
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// Package notify is the Telegram Bot API surface: sending and editing
// messages, pinning the status message, photo uploads and the long-poll used
// by the admin log command.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// RetryAfterError carries the platform's flood-control sleep.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.After)
}

// Update is one inbound event from getUpdates; only message text is of
// interest here.
type Update struct {
	ID      int64 `json:"update_id"`
	Message struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Client talks to the Telegram Bot API for one bot token.
type Client struct {
	token string
	base  string
	http  *http.Client
	log   *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithAPIBase overrides the API host, mainly for tests.
func WithAPIBase(base string) Option {
	return func(cl *Client) {
		cl.base = base
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.log = l
	}
}

// New creates a Telegram client.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token: token,
		base:  defaultAPIBase,
		http:  &http.Client{Timeout: 65 * time.Second},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage sends an HTML-formatted text message and returns the new
// message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	return c.callMessage(ctx, "sendMessage", url.Values{
		"chat_id":    {strconv.FormatInt(chatID, 10)},
		"text":       {text},
		"parse_mode": {"HTML"},
	})
}

// SendPhoto uploads photo bytes with an HTML caption and returns the new
// message id.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, caption string, photo []byte) (int64, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return 0, fmt.Errorf("writing form field: %w", err)
	}
	if err := w.WriteField("caption", caption); err != nil {
		return 0, fmt.Errorf("writing form field: %w", err)
	}
	if err := w.WriteField("parse_mode", "HTML"); err != nil {
		return 0, fmt.Errorf("writing form field: %w", err)
	}
	part, err := w.CreateFormFile("photo", "listing.jpg")
	if err != nil {
		return 0, fmt.Errorf("creating photo part: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return 0, fmt.Errorf("writing photo bytes: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendPhoto"), &body)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.do(req, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

// EditMessageText rewrites a previously sent message in place.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	_, err := c.callMessage(ctx, "editMessageText", url.Values{
		"chat_id":    {strconv.FormatInt(chatID, 10)},
		"message_id": {strconv.FormatInt(messageID, 10)},
		"text":       {text},
		"parse_mode": {"HTML"},
	})
	return err
}

// PinMessage pins a message without a notification sound.
func (c *Client) PinMessage(ctx context.Context, chatID, messageID int64) error {
	vals := url.Values{
		"chat_id":              {strconv.FormatInt(chatID, 10)},
		"message_id":           {strconv.FormatInt(messageID, 10)},
		"disable_notification": {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("pinChatMessage"), bytes.NewBufferString(vals.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var ok bool
	return c.do(req, &ok)
}

// GetUpdates long-polls for inbound updates past offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	vals := url.Values{
		"offset":          {strconv.FormatInt(offset, 10)},
		"timeout":         {strconv.Itoa(int(timeout.Seconds()))},
		"allowed_updates": {`["message"]`},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("getUpdates")+"?"+vals.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	var updates []Update
	if err := c.do(req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) callMessage(ctx context.Context, method string, vals url.Values) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint(method), bytes.NewBufferString(vals.Encode()))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.do(req, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

func (c *Client) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method)
}

// do executes the request and decodes the standard Bot API envelope. A
// flood-control response surfaces as *RetryAfterError regardless of HTTP
// status.
func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling telegram: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}

	if !envelope.OK {
		if envelope.Parameters.RetryAfter > 0 {
			return &RetryAfterError{After: time.Duration(envelope.Parameters.RetryAfter) * time.Second}
		}
		return fmt.Errorf("telegram error (status %d): %s", resp.StatusCode, envelope.Description)
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return nil
}

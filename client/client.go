// Package client talks to the remote chat store over its mutation/query RPC
// surface. Every mutation carries the caller's client id so a retried call
// after a lost reply has no second effect.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.HTTP.Timeout = d
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	Path   string `json:"path"`
	Args   any    `json:"args"`
	Format string `json:"format"`
}

type rpcResponse struct {
	Status       string          `json:"status"`
	Value        json.RawMessage `json:"value"`
	ErrorMessage string          `json:"errorMessage"`
	ErrorData    json.RawMessage `json:"errorData"`
}

// Mutation runs a named remote mutation and decodes its value into out.
// A nil out discards the value.
func (c *Client) Mutation(ctx context.Context, path string, args, out any) error {
	return c.call(ctx, "/api/mutation", path, args, out)
}

// Query runs a named remote query and decodes its value into out.
func (c *Client) Query(ctx context.Context, path string, args, out any) error {
	return c.call(ctx, "/api/query", path, args, out)
}

func (c *Client) call(ctx context.Context, endpoint, path string, args, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	resp, err := c.postJSON(ctx, endpoint, rpcRequest{Path: path, Args: args, Format: "json"})
	if err != nil {
		return &Error{Op: path, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &Error{Op: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	var rpc rpcResponse
	decodeErr := json.Unmarshal(body, &rpc)
	if resp.StatusCode != http.StatusOK {
		msg := rpc.ErrorMessage
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return &Error{Op: path, StatusCode: resp.StatusCode, Message: msg, Data: rpc.ErrorData}
	}
	if decodeErr != nil {
		return &Error{Op: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode reply: %w", decodeErr)}
	}
	switch rpc.Status {
	case "success":
	case "error":
		return &Error{Op: path, StatusCode: resp.StatusCode, Message: rpc.ErrorMessage, Data: rpc.ErrorData}
	default:
		return &Error{Op: path, StatusCode: resp.StatusCode, Message: fmt.Sprintf("unexpected status %q", rpc.Status)}
	}
	if out == nil || len(rpc.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpc.Value, out); err != nil {
		return &Error{Op: path, StatusCode: resp.StatusCode, Message: "decode value", Err: err}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	return c.HTTP.Do(req)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

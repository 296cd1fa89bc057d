package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/me/pipesched/pkg/model"
)

const clientTimeout = 30 * time.Second

// Client talks to a pipesched server. Every response is expected in the
// server's JSON envelope; the data member is decoded into the caller's value.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Token authorizes block callbacks when the server requires one.
	Token string
}

// NewClient returns a Client for the server at baseURL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: clientTimeout},
		Logger:     logger.With("component", "client"),
	}
}

type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

// StatusError is returned when the server answers without an envelope, for
// example from a proxy in front of it.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// Call sends in as the JSON body of a method request to path and decodes the
// envelope data into out. in and out may be nil. Envelope errors are returned
// as *model.APIError. The pagination of list responses is returned when present.
func (c *Client) Call(ctx context.Context, method, path string, in, out any) (*model.Pagination, error) {
	target := c.BaseURL + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("api call", "method", method, "path", path,
		"status", resp.StatusCode, "duration", time.Since(start), "bytes", len(raw))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Status == "" {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if env.Error != nil {
		c.Logger.Debug("api error", "request_id", env.RequestID, "code", env.Error.Code)
		return nil, env.Error
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return env.Pagination, nil
}

package reconstruct

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Stitcher job statuses as reported by the control endpoint.
const (
	StitchProcessing = "processing"
	StitchComplete   = "complete"
	StitchFailed     = "failed"
)

// ControlRequest is the payload sent to the audio-stitch control endpoint.
type ControlRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"` // "start" or "poll"
	ChatID    string `json:"chat_id,omitempty"`
}

// ControlResponse is the stitcher's reply.
type ControlResponse struct {
	Success bool   `json:"success"`
	ChatID  string `json:"chat_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Client calls the external audio-stitch control endpoint. Every call runs
// under a bounded timeout; a stuck stitcher never stalls the caller.
type Client struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates a stitch control client. An empty URL yields a client
// whose calls fail immediately, which downstream code treats as a normal
// upstream failure.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Start asks the stitcher to begin building complete audio for a session.
func (c *Client) Start(ctx context.Context, sessionID string) (*ControlResponse, error) {
	return c.do(ctx, ControlRequest{SessionID: sessionID, Action: "start"})
}

// Poll asks the stitcher for the current status of a session's job.
func (c *Client) Poll(ctx context.Context, sessionID, chatID string) (*ControlResponse, error) {
	return c.do(ctx, ControlRequest{SessionID: sessionID, Action: "poll", ChatID: chatID})
}

func (c *Client) do(ctx context.Context, req ControlRequest) (*ControlResponse, error) {
	if c.url == "" {
		return nil, fmt.Errorf("stitcher URL not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stitcher %s: %w", req.Action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stitcher %s: status %d: %s", req.Action, resp.StatusCode, truncate(raw, 200))
	}

	var out ControlResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !out.Success {
		return &out, fmt.Errorf("stitcher %s rejected: %s", req.Action, out.Error)
	}
	return &out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

package taskrelaysdk

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

// Client is a minimal Task Relay HTTP Bridge client, for executors or
// Answer Runners embedded in another process that would rather speak the
// REST surface directly than shell out to an MCP client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Ask mirrors the Bridge's AskResponse shape.
type Ask struct {
	AskID           string          `json:"ask_id"`
	JobID           string          `json:"job_id"`
	StepID          string          `json:"step_id"`
	AskType         string          `json:"ask_type"`
	Prompt          string          `json:"prompt"`
	ContextEnvelope json.RawMessage `json:"context_envelope,omitempty"`
	ContextHash     string          `json:"context_hash"`
	RoleID          *string         `json:"role_id,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	Status          string          `json:"status"`
}

// Answer mirrors the Bridge's AnswerResponse shape.
type Answer struct {
	AskID      string  `json:"ask_id"`
	JobID      string  `json:"job_id"`
	StepID     string  `json:"step_id"`
	Status     string  `json:"status"`
	AnswerText *string `json:"answer_text,omitempty"`
	AskBack    *string `json:"ask_back,omitempty"`
	Error      *string `json:"error,omitempty"`
	CreatedAt  int64   `json:"created_at"`
}

// JobStatus mirrors the Bridge's JobStatusResponse shape.
type JobStatus struct {
	ID         string  `json:"id"`
	State      string  `json:"state"`
	Summary    *string `json:"summary,omitempty"`
	ReasonCode *string `json:"reasonCode,omitempty"`
	LastUpdate int64   `json:"lastUpdate"`
	DurationMs *int64  `json:"durationMs,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAsk raises an Ask against a running job.
func (c *Client) CreateAsk(ctx context.Context, jobID, stepID, askType, prompt string, contextEnvelope json.RawMessage, contextHash string) (Ask, error) {
	body := map[string]any{
		"job_id":           jobID,
		"step_id":          stepID,
		"ask_type":         askType,
		"prompt":           prompt,
		"context_envelope": contextEnvelope,
		"context_hash":     contextHash,
	}
	var resp Ask
	err := c.do(ctx, http.MethodPost, "asks", body, &resp)
	return resp, err
}

// AwaitAnswer long-polls for an Ask's Answer. ok is false if the wait
// window elapsed with no Answer recorded (a 204).
func (c *Client) AwaitAnswer(ctx context.Context, askID string, wait time.Duration) (Answer, bool, error) {
	endpoint := fmt.Sprintf("asks/%s/answer", askID)
	if wait > 0 {
		endpoint = fmt.Sprintf("%s?wait=%d", endpoint, int(wait.Seconds()))
	}
	var resp Answer
	status, err := c.doStatus(ctx, http.MethodGet, endpoint, nil, &resp)
	if err != nil {
		return Answer{}, false, err
	}
	if status == http.StatusNoContent {
		return Answer{}, false, nil
	}
	return resp, true, nil
}

// RecordAnswer records an Answer for a pending Ask.
func (c *Client) RecordAnswer(ctx context.Context, askID, status string, answerText *string) (Answer, error) {
	body := map[string]any{
		"ask_id":      askID,
		"status":      status,
		"answer_text": answerText,
	}
	var resp Answer
	err := c.do(ctx, http.MethodPost, "answers", body, &resp)
	return resp, err
}

// AskHistoryItem pairs one Ask with its Answer, once recorded.
type AskHistoryItem struct {
	Ask    Ask     `json:"ask"`
	Answer *Answer `json:"answer,omitempty"`
}

// JobAsks is the Bridge's job ask/answer history view.
type JobAsks struct {
	JobID string           `json:"jobId"`
	Asks  []AskHistoryItem `json:"asks"`
}

// ListJobAsks lists every Ask raised by a job, each paired with its Answer
// once recorded, in creation order.
func (c *Client) ListJobAsks(ctx context.Context, jobID string) (JobAsks, error) {
	var resp JobAsks
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("jobs/%s/asks", jobID), nil, &resp)
	return resp, err
}

// GetJobStatus fetches a job's current status view.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var resp JobStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("jobs/%s", jobID), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	_, err := c.doStatus(ctx, method, endpoint, body, out)
	return err
}

func (c *Client) doStatus(ctx context.Context, method, endpoint string, body, out any) (int, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

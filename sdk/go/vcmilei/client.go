// Package vcmilei is a small Go client for the VCMilei REST API.
package vcmilei

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Agent endpoints run a full tool loop, so it is longer than a typical API call.
const DefaultHTTPTimeout = 2 * time.Minute

// Task kinds accepted by the server.
const (
	KindChat   = "chat"
	KindMarket = "market_report"
	KindNews   = "news_report"
	KindSocial = "social_report"
	KindLegal  = "legal"
)

// Task statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrTaskFailed is returned by WaitTask when the task ends in the failed state.
var ErrTaskFailed = errors.New("vcmilei: task failed")

// Client wraps the HTTP interactions with the VCMilei API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TaskSubmission is the payload required to create an asynchronous task.
type TaskSubmission struct {
	ID       string            `json:"id,omitempty"`
	Kind     string            `json:"kind"`
	Input    any               `json:"input"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TaskResult holds the serialized agent output of a succeeded task.
type TaskResult struct {
	Output      json.RawMessage `json:"output"`
	CompletedAt int64           `json:"completed_at"`
}

// Task is the server view of an asynchronous task.
type Task struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *TaskResult       `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// TaskStats summarises the tasks matching a list query.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// TaskList is the response of ListTasks.
type TaskList struct {
	Tasks []Task    `json:"tasks"`
	Stats TaskStats `json:"stats"`
}

// ListQuery filters ListTasks. Zero values are omitted.
type ListQuery struct {
	Limit     int
	Offset    int
	Statuses  []string
	Kind      string
	Query     string
	Ascending bool
}

// Memory is a single semantic search hit.
type Memory struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Score     float64   `json:"relevance_score"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("vcmilei api error (%d): %s", e.StatusCode, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// NewClient instantiates a client for the VCMilei API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// RunAgent calls a synchronous agent endpoint and decodes its output into out.
func (c *Client) RunAgent(ctx context.Context, kind string, input any, out any) error {
	endpoint, ok := agentEndpoints[kind]
	if !ok {
		return fmt.Errorf("vcmilei: unknown agent kind %q", kind)
	}
	return c.post(ctx, endpoint, input, out)
}

var agentEndpoints = map[string]string{
	KindChat:   "/api/chat",
	KindMarket: "/api/reports/market",
	KindNews:   "/api/reports/news",
	KindSocial: "/api/reports/social",
	KindLegal:  "/api/legal",
}

// SubmitTask creates an asynchronous task. Resubmitting the same ID returns the
// existing task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks lists tasks with their aggregate stats.
func (c *Client) ListTasks(ctx context.Context, q ListQuery) (TaskList, error) {
	values := url.Values{}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Kind != "" {
		values.Set("kind", q.Kind)
	}
	if q.Query != "" {
		values.Set("q", q.Query)
	}
	if q.Ascending {
		values.Set("order", "asc")
	}
	var list TaskList
	if err := c.get(ctx, "/api/v1/tasks", values, &list); err != nil {
		return TaskList{}, err
	}
	return list, nil
}

// WaitTask polls a task until it is done or ctx expires. A failed task is
// returned together with ErrTaskFailed.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			if task.Status == StatusFailed {
				return task, ErrTaskFailed
			}
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SearchMemories runs a semantic search over recorded agent memories.
func (c *Client) SearchMemories(ctx context.Context, query, category string, limit int) ([]Memory, error) {
	values := url.Values{"q": {query}}
	if category != "" {
		values.Set("category", category)
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var matches []Memory
	if err := c.get(ctx, "/api/memories/search", values, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: env.Error}
		if decodeErr != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

package ateliersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Atelier HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	ActivityID  *string  `json:"activity_id,omitempty"`
	Title       string   `json:"title"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	Assignees   []string `json:"assignees"`
	Version     int64    `json:"version"`
	CompletedAt *string  `json:"completed_at,omitempty"`
}

// Activity represents one node of the planning tree.
type Activity struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Name       string  `json:"name"`
	ParentID   *string `json:"parent_id,omitempty"`
	Depth      int     `json:"depth"`
	OrderIndex int     `json:"order_index"`
}

// Submission represents one review ledger entry.
type Submission struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Type        string  `json:"type"`
	Comment     *string `json:"comment,omitempty"`
	Rating      *int    `json:"rating,omitempty"`
	RatingLabel string  `json:"rating_label,omitempty"`
	ActorID     string  `json:"actor_id"`
	CreatedAt   string  `json:"created_at"`
}

// LifecycleResult pairs the updated task with the ledger entry (when one
// was written).
type LifecycleResult struct {
	Task       Task        `json:"task"`
	Submission *Submission `json:"submission,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedTasks wraps task listings with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title string, assignees []string) (Task, error) {
	body := map[string]any{
		"title":     title,
		"assignees": assignees,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TasksPage returns a paginated task listing.
func (c *Client) TasksPage(ctx context.Context, limit int, cursor string) (PaginatedTasks, error) {
	endpoint := c.projectPath("tasks")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateActivity appends an activity under the given parent (nil for root).
func (c *Client) CreateActivity(ctx context.Context, name string, parentID *string) (Activity, error) {
	body := map[string]any{"name": name}
	if parentID != nil {
		body["parent_id"] = *parentID
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, c.projectPath("activities"), body, &resp)
	return resp, err
}

// ReorderActivity drags one activity onto a sibling and returns the
// resulting sibling order.
func (c *Client) ReorderActivity(ctx context.Context, draggedID, targetID string) ([]Activity, error) {
	body := map[string]any{"target_id": targetID}
	var resp []Activity
	endpoint := c.projectPath(fmt.Sprintf("activities/%s/reorder", url.PathEscape(draggedID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartTask moves a todo task to in_progress.
func (c *Client) StartTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/start", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// SubmitTask submits work for review.
func (c *Client) SubmitTask(ctx context.Context, taskID, comment, clientToken string) (LifecycleResult, error) {
	body := map[string]any{}
	if comment != "" {
		body["comment"] = comment
	}
	if clientToken != "" {
		body["client_token"] = clientToken
	}
	var resp LifecycleResult
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/submit", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ValidateTask validates submitted work with a 1-4 rating.
func (c *Client) ValidateTask(ctx context.Context, taskID string, rating int, comment string) (LifecycleResult, error) {
	body := map[string]any{"rating": rating}
	if comment != "" {
		body["comment"] = comment
	}
	var resp LifecycleResult
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/validate", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RejectTask sends submitted work back to correction. The comment is
// mandatory.
func (c *Client) RejectTask(ctx context.Context, taskID, comment string) (LifecycleResult, error) {
	body := map[string]any{"comment": comment}
	var resp LifecycleResult
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/reject", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListSubmissions returns a task's review ledger, oldest first.
func (c *Client) ListSubmissions(ctx context.Context, taskID string) ([]Submission, error) {
	var resp []Submission
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/submissions", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

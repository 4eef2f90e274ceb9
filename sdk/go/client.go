package aegissdk

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

// Client is a minimal Aegis HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string // legacy X-Actor-Id auth, dev servers only
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

// Verification mirrors the API verification contract on a step.
type Verification struct {
	Required  bool   `json:"required"`
	Method    string `json:"method"`
	Completed bool   `json:"completed"`
	Evidence  string `json:"evidence,omitempty"`
}

// Step mirrors the API step model.
type Step struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Priority       string        `json:"priority"`
	MinClearance   int           `json:"min_clearance"`
	AutoExecutable bool          `json:"auto_executable"`
	DependsOn      []string      `json:"depends_on,omitempty"`
	Status         string        `json:"status"`
	AssignedTo     string        `json:"assigned_to,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	Verification   *Verification `json:"verification,omitempty"`
}

// Execution mirrors the API execution model.
type Execution struct {
	ID                   string     `json:"id"`
	ProtocolID           string     `json:"protocol_id"`
	AlertID              string     `json:"alert_id"`
	Status               string     `json:"status"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	Steps                []Step     `json:"steps"`
	Personnel            []string   `json:"personnel,omitempty"`
	EscalationLevel      int        `json:"escalation_level"`
	Notes                []string   `json:"notes,omitempty"`
	CompletionPercentage float64    `json:"completion_percentage"`
}

// Report mirrors the API compliance report (partial).
type Report struct {
	ExecutionID          string    `json:"execution_id"`
	ProtocolID           string    `json:"protocol_id"`
	ProtocolName         string    `json:"protocol_name"`
	AlertID              string    `json:"alert_id"`
	Status               string    `json:"status"`
	StartedAt            time.Time `json:"started_at"`
	CompletionPercentage float64   `json:"completion_percentage"`
	Personnel            []string  `json:"personnel,omitempty"`
	EscalationLevel      int       `json:"escalation_level"`
	Factors              struct {
		AllStepsCompleted     bool `json:"all_steps_completed"`
		VerificationSatisfied bool `json:"verification_satisfied"`
		TimelyExecution       bool `json:"timely_execution"`
		ProperDocumentation   bool `json:"proper_documentation"`
	} `json:"factors"`
}

// Event mirrors an audit journal row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
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

// TriggerAlert starts an execution for an alert.
func (c *Client) TriggerAlert(ctx context.Context, id, alertType, priority, location string) (Execution, error) {
	body := map[string]any{
		"id":       id,
		"type":     alertType,
		"priority": priority,
		"location": location,
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, "alerts", body, &resp)
	return resp, err
}

// ListExecutions returns all active executions.
func (c *Client) ListExecutions(ctx context.Context) ([]Execution, error) {
	var resp []Execution
	err := c.do(ctx, http.MethodGet, "executions", nil, &resp)
	return resp, err
}

// GetExecution returns one execution.
func (c *Client) GetExecution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, "executions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AvailableSteps returns the steps ready to begin.
func (c *Client) AvailableSteps(ctx context.Context, id string) ([]Step, error) {
	var resp []Step
	endpoint := fmt.Sprintf("executions/%s/steps/available", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateStep changes a step's status, optionally attaching notes and evidence.
func (c *Client) UpdateStep(ctx context.Context, executionID, stepID, status, notes, evidence string) (Execution, error) {
	body := map[string]any{
		"status":   status,
		"notes":    notes,
		"evidence": evidence,
	}
	var resp Execution
	endpoint := fmt.Sprintf("executions/%s/steps/%s", url.PathEscape(executionID), url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// AssignStep assigns a step to an operator.
func (c *Client) AssignStep(ctx context.Context, executionID, stepID, operatorID string) (Execution, error) {
	body := map[string]any{"operator_id": operatorID}
	var resp Execution
	endpoint := fmt.Sprintf("executions/%s/steps/%s/assign", url.PathEscape(executionID), url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Escalate raises the execution's escalation level.
func (c *Client) Escalate(ctx context.Context, executionID, reason string) (Execution, error) {
	body := map[string]any{"reason": reason}
	var resp Execution
	endpoint := fmt.Sprintf("executions/%s/escalate", url.PathEscape(executionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Abort terminates the execution.
func (c *Client) Abort(ctx context.Context, executionID, reason string) (Execution, error) {
	body := map[string]any{"reason": reason}
	var resp Execution
	endpoint := fmt.Sprintf("executions/%s/abort", url.PathEscape(executionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Report fetches the compliance report for an execution.
func (c *Client) Report(ctx context.Context, executionID string) (Report, error) {
	var resp Report
	endpoint := fmt.Sprintf("executions/%s/report", url.PathEscape(executionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent journal rows.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("events?limit=%d", limit)
	}
	var resp []Event
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

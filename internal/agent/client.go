package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
)

const _clientTimeout = 10 * time.Second

// APIError is a non-2xx answer of the scheduler API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the scheduler's agent endpoints
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: _clientTimeout},
	}
}

// Register announces this machine and returns its agent record
func (c *Client) Register(ctx context.Context, name, hostname, secret string) (*domain.Agent, error) {
	var agent domain.Agent
	body := map[string]string{"name": name, "hostname": hostname, "secret": secret}
	if _, err := c.do(ctx, http.MethodPost, "/api/agents/register", body, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(agentID)+"/heartbeat", nil, nil)
	return err
}

// Next claims the next job for agentID; nil means nothing is queued
func (c *Client) Next(ctx context.Context, agentID string) (*domain.AgentTask, error) {
	var task domain.AgentTask
	status, err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID)+"/jobs/next", nil, &task)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &task, nil
}

// Report pushes the terminal result of jobID
func (c *Client) Report(ctx context.Context, agentID, jobID string, report domain.AgentReport) error {
	path := "/api/agents/" + url.PathEscape(agentID) + "/jobs/" + url.PathEscape(jobID) + "/result"
	_, err := c.do(ctx, http.MethodPost, path, report, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(data))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

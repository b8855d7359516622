// Package orchestra provides a lightweight Go client for the
// OpenMCP-Orchestra REST API.
package orchestra

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
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is generous enough to cover synchronous workflow and
// chain execution against slow model providers.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the OpenMCP-Orchestra REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("orchestra api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("orchestra api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the orchestration API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Authenticate exchanges a username and password for a token pair and stores
// both tokens for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, username, password string) (TokenPair, error) {
	grant := TokenRequest{GrantType: "password", Username: username, Password: password}
	var pair TokenPair
	if err := c.post(ctx, "/api/v1/auth/token", grant, &pair, false); err != nil {
		return TokenPair{}, err
	}
	c.storePair(pair)
	return pair, nil
}

// Refresh exchanges the stored refresh token for a fresh token pair.
func (c *Client) Refresh(ctx context.Context) (TokenPair, error) {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()
	if refresh == "" {
		return TokenPair{}, errors.New("orchestra: refresh token is not set")
	}
	grant := TokenRequest{GrantType: "refresh_token", RefreshToken: refresh}
	var pair TokenPair
	if err := c.post(ctx, "/api/v1/auth/token", grant, &pair, false); err != nil {
		return TokenPair{}, err
	}
	c.storePair(pair)
	return pair, nil
}

func (c *Client) storePair(pair TokenPair) {
	c.mu.Lock()
	c.accessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		c.refreshToken = pair.RefreshToken
	}
	c.mu.Unlock()
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token. Useful against servers
// configured with static tokens instead of the password grant.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitWorkflow enqueues a workflow for asynchronous execution and returns
// the accepted record.
func (c *Client) SubmitWorkflow(ctx context.Context, sub WorkflowSubmission) (*Workflow, error) {
	var wf Workflow
	if err := c.post(ctx, "/api/v1/workflows", sub, &wf, true); err != nil {
		return nil, err
	}
	return &wf, nil
}

// SubmitWorkflowSync executes the workflow within the request and returns the
// finished record.
func (c *Client) SubmitWorkflowSync(ctx context.Context, sub WorkflowSubmission) (*Workflow, error) {
	sub.Sync = true
	return c.SubmitWorkflow(ctx, sub)
}

// GetWorkflow fetches a workflow record by identifier.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := c.get(ctx, "/api/v1/workflows/"+id, nil, &wf, true); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListOptions narrows and orders ListWorkflows results. Zero values are left
// out of the query.
type ListOptions struct {
	Status       []string
	Query        string
	Order        string
	Limit        int
	Offset       int
	UpdatedSince time.Time
	UpdatedUntil time.Time
	HasResult    *bool
}

func (o ListOptions) values() url.Values {
	values := url.Values{}
	if len(o.Status) > 0 {
		values.Set("status", strings.Join(o.Status, ","))
	}
	if o.Query != "" {
		values.Set("q", o.Query)
	}
	if o.Order != "" {
		values.Set("order", o.Order)
	}
	if o.Limit > 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		values.Set("offset", strconv.Itoa(o.Offset))
	}
	if !o.UpdatedSince.IsZero() {
		values.Set("updated_since", o.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if !o.UpdatedUntil.IsZero() {
		values.Set("updated_until", o.UpdatedUntil.UTC().Format(time.RFC3339))
	}
	if o.HasResult != nil {
		values.Set("has_result", strconv.FormatBool(*o.HasResult))
	}
	return values
}

// ListWorkflows returns the workflow records matching the given filter.
func (c *Client) ListWorkflows(ctx context.Context, opts ListOptions) ([]*Workflow, error) {
	var list []*Workflow
	if err := c.get(ctx, "/api/v1/workflows", opts.values(), &list, true); err != nil {
		return nil, err
	}
	return list, nil
}

// Stats returns aggregate workflow counts grouped by status.
func (c *Client) Stats(ctx context.Context) (WorkflowStats, error) {
	var stats WorkflowStats
	if err := c.get(ctx, "/api/v1/workflows/stats", nil, &stats, true); err != nil {
		return WorkflowStats{}, err
	}
	return stats, nil
}

// PauseWorkflow asks the server to pause a pending or running workflow and
// returns the refreshed record.
func (c *Client) PauseWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return c.control(ctx, id, "pause")
}

// ResumeWorkflow re-enqueues a paused workflow.
func (c *Client) ResumeWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return c.control(ctx, id, "resume")
}

// CancelWorkflow terminates a workflow that has not finished yet.
func (c *Client) CancelWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return c.control(ctx, id, "cancel")
}

func (c *Client) control(ctx context.Context, id, action string) (*Workflow, error) {
	var wf Workflow
	if err := c.post(ctx, "/api/v1/workflows/"+id+"/"+action, nil, &wf, true); err != nil {
		return nil, err
	}
	return &wf, nil
}

// WaitForWorkflow polls the workflow until it reaches a terminal status. On
// context cancellation the last observed record is returned alongside the
// context error.
func (c *Client) WaitForWorkflow(ctx context.Context, id string, interval time.Duration) (*Workflow, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		wf, err := c.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if wf.Terminal() {
			return wf, nil
		}
		select {
		case <-ctx.Done():
			return wf, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SolveChain executes a linear reasoning chain. When a step fails the server
// responds with the partial result, so a non-nil *ChainResult may accompany a
// non-nil error.
func (c *Client) SolveChain(ctx context.Context, chainReq ChainRequest) (*ChainResult, error) {
	body, err := json.Marshal(chainReq)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chains", nil, bytes.NewReader(body), true)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var result ChainResult
		if err := json.Unmarshal(data, &result); err == nil && result.ChainID != "" {
			apiErr := &APIError{StatusCode: resp.StatusCode, Code: result.ErrorCode, Message: result.ErrorMessage}
			return &result, apiErr
		}
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	var result ChainResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// ClearSession drops all context accumulated under a chain session scope.
func (c *Client) ClearSession(ctx context.Context, session string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/sessions/"+session, nil, nil, true)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Plugins lists the descriptors of the plugins loaded by the server.
func (c *Client) Plugins(ctx context.Context) ([]PluginDescriptor, error) {
	var descs []PluginDescriptor
	if err := c.get(ctx, "/api/v1/plugins", nil, &descs, true); err != nil {
		return nil, err
	}
	return descs, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// newRequest builds the outgoing request. withAuth attaches the stored bearer
// token when one is present; servers running with authentication disabled
// accept the request either way.
func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

package client

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

// Client provides typed access to the builder API for developer tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the builder base URL. token is sent as
// X-Builder-Token.
func New(base, token string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:5000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid builder base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the builder.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Builder-Token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// BuildResult mirrors the builder's build response.
type BuildResult struct {
	BuildID      string    `json:"build_id"`
	DeploymentID string    `json:"deployment_id"`
	AppletID     string    `json:"applet_id"`
	Version      string    `json:"version"`
	VersionHash  string    `json:"version_hash"`
	Digest       string    `json:"digest"`
	ModuleCount  int       `json:"module_count"`
	Cached       bool      `json:"cached"`
	Timestamp    time.Time `json:"timestamp"`
}

// Build asks the builder to bundle the applet's current files.
func (c *Client) Build(ctx context.Context, appletID string) (BuildResult, error) {
	path := fmt.Sprintf("/build/%s", url.PathEscape(appletID))
	var result BuildResult
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return BuildResult{}, err
	}
	return result, nil
}

// Module is one record of a stored bundle.
type Module struct {
	Specifier string            `json:"specifier"`
	Kind      string            `json:"kind"`
	Headers   map[string]string `json:"headers,omitempty"`
	Content   string            `json:"content"`
}

// Bundle is a decoded stored bundle.
type Bundle struct {
	AppletID    string   `json:"applet_id"`
	Version     string   `json:"version"`
	VersionHash string   `json:"version_hash"`
	Roots       []string `json:"roots"`
	Modules     []Module `json:"modules"`
}

// Bundle fetches the stored bundle for appletID at version.
func (c *Client) Bundle(ctx context.Context, appletID, version string) (Bundle, error) {
	path := fmt.Sprintf("/bundles/%s/%s", url.PathEscape(appletID), url.PathEscape(version))
	var bundle Bundle
	if err := c.do(ctx, http.MethodGet, path, nil, &bundle); err != nil {
		return Bundle{}, err
	}
	return bundle, nil
}

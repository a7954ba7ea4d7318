package callback

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
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the platform rejected the callback signature.
var ErrUnauthorized = errors.New("callback: unauthorized")

// ErrNotFound indicates the platform could not locate the applet or key.
var ErrNotFound = errors.New("callback: not found")

// ErrInvalidArgument indicates the platform rejected the payload.
var ErrInvalidArgument = errors.New("callback: invalid argument")

// Client performs signed storage and secret calls the way applet code does
// from inside the runtime.
type Client struct {
	baseURL string
	secret  []byte
	client  *http.Client
	now     func() time.Time
}

// NewClient creates a client against the platform rpc root.
func NewClient(baseURL string, secret []byte, client *http.Client) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("callback: base url required")
	}
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		copied := *client
		copied.Timeout = defaultTimeout
		client = &copied
	}
	return &Client{
		baseURL: trimmed,
		secret:  secret,
		client:  client,
		now:     time.Now,
	}, nil
}

// SignRequest stamps req with timestamp and signature headers for body.
// The signed URL is the request URI (path and query) as the server sees it.
func SignRequest(req *http.Request, body []byte, secret []byte, now time.Time) {
	timestamp := Timestamp(now)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(req.Method, req.URL.RequestURI(), body, timestamp, secret))
}

// GetStorage returns every stored value for the applet.
func (c *Client) GetStorage(ctx context.Context, appletID string) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, storagePath(appletID, ""), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStorageKey returns a single stored value.
func (c *Client) GetStorageKey(ctx context.Context, appletID, key string) (json.RawMessage, error) {
	var out struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, storagePath(appletID, key), nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// SetStorage stores value under key.
func (c *Client) SetStorage(ctx context.Context, appletID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode storage value: %w", err)
	}
	payload := map[string]any{"key": key, "value": json.RawMessage(raw)}
	return c.do(ctx, http.MethodPost, storagePath(appletID, ""), payload, nil)
}

// DeleteStorage removes key, or every key when key is empty.
func (c *Client) DeleteStorage(ctx context.Context, appletID, key string) error {
	return c.do(ctx, http.MethodDelete, storagePath(appletID, key), nil, nil)
}

// SetSecret writes an applet secret.
func (c *Client) SetSecret(ctx context.Context, appletID, key, value string) error {
	payload := map[string]string{"key": key, "value": value}
	return c.do(ctx, http.MethodPost, "/app/"+url.PathEscape(appletID)+"/secret", payload, nil)
}

func storagePath(appletID, key string) string {
	path := "/app/" + url.PathEscape(appletID) + "/storage"
	if key != "" {
		path += "?key=" + url.QueryEscape(key)
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return errors.New("callback: client not initialised")
	}
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	SignRequest(req, payload, c.secret, c.now())
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send callback request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode callback response: %w", err)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("callback request failed: %s", summary)
	}
}

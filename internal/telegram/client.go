package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// defaultAPIRoot is the hosted Bot API endpoint.
const defaultAPIRoot = "https://api.telegram.org"

// APIError is a non-ok Bot API response.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int // seconds, for 429s
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// Client is a minimal Bot API client: one POST per method call, JSON
// in and out.
type Client struct {
	token   string
	apiRoot string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Bot API client. httpClient may be nil.
func NewClient(token, apiRoot string, httpClient *http.Client, logger *slog.Logger) *Client {
	if apiRoot == "" {
		apiRoot = defaultAPIRoot
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 65 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{token: token, apiRoot: apiRoot, http: httpClient, logger: logger}
}

// Call invokes a Bot API method and decodes its result into out (out
// may be nil to discard).
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.apiRoot, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	if !env.OK {
		apiErr := &APIError{Code: env.ErrorCode, Description: env.Description}
		if env.Parameters != nil {
			apiErr.RetryAfter = env.Parameters.RetryAfter
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetMe fetches the authenticated bot account.
func (c *Client) GetMe(ctx context.Context) (*APIUser, error) {
	var me APIUser
	if err := c.Call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for updates past offset. Blocks up to timeout
// seconds server-side.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int, allowed []string) ([]Update, error) {
	params := map[string]any{
		"offset":  offset,
		"timeout": timeout,
	}
	if len(allowed) > 0 {
		params["allowed_updates"] = allowed
	}

	var updates []Update
	if err := c.Call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SetWebhook registers a webhook URL for update delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secretToken string, allowed []string) error {
	params := map[string]any{"url": url}
	if secretToken != "" {
		params["secret_token"] = secretToken
	}
	if len(allowed) > 0 {
		params["allowed_updates"] = allowed
	}
	return c.Call(ctx, "setWebhook", params, nil)
}

// DeleteWebhook unregisters any webhook so long-polling can resume.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.Call(ctx, "deleteWebhook", nil, nil)
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config holds the connection settings for the backend project.
type Config struct {
	// BaseURL is the project root, e.g. https://xyz.supabase.co.
	BaseURL string
	// APIKey is the project's anon key, sent on every request.
	APIKey string
	// Timeout bounds each HTTP call. Defaults to 15s.
	Timeout time.Duration
}

// Authorizer supplies a bearer token for authenticated calls and can force a
// renewal when the server rejects one. Implemented by the token coordinator.
type Authorizer interface {
	// Token returns the current access token ("" when signed out).
	Token(ctx context.Context) (string, error)
	// Reauthorize forces a refresh and reports whether a valid token now
	// exists. A false return with nil error means the grant is gone for good.
	Reauthorize(ctx context.Context) (bool, error)
}

// Client is the shared HTTP plumbing under the table, auth, and function
// clients.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// do runs one HTTP round trip and maps failures onto *Error. A nil token
// leaves the Authorization header off (auth endpoints authenticate with the
// api key alone).
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, token string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation propagates as itself, never as a network fault.
			return ctx.Err()
		}
		return newError(KindNetwork, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readErrorMessage(resp.Body)
		return newError(classifyStatus(resp.StatusCode), resp.StatusCode, msg, nil)
	}

	if dest == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// readErrorMessage pulls the human-readable part out of an error body without
// insisting on a schema.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Message   string `json:"message"`
		Msg       string `json:"msg"`
		ErrorCode string `json:"error_code"`
		ErrorDesc string `json:"error_description"`
		Err       string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		for _, s := range []string{body.Message, body.Msg, body.ErrorDesc, body.ErrorCode, body.Err} {
			if s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(raw))
}

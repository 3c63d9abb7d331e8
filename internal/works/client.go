package works

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

const DefaultAPIBase = "https://www.worksapis.com/v1.0"

type ClientConfig struct {
	APIBase string
	BotID   string
	Timeout time.Duration
}

// Client is a thin HTTP client for the bot REST API. Every call carries a
// bearer token from the TokenSource. There is no retry.
type Client struct {
	apiBase    string
	botID      string
	tokens     TokenSource
	httpClient *http.Client
}

func NewClient(cfg ClientConfig, tokens TokenSource) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiBase:    base,
		botID:      strings.TrimSpace(cfg.BotID),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Tokens exposes the client's token source (used by the dispatcher to fail
// fast before fanning out).
func (c *Client) Tokens() TokenSource { return c.tokens }

type userResponse struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// ResolveUserID maps an email address to the platform user id.
func (c *Client) ResolveUserID(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("%w: empty address", ErrLookup)
	}
	var ur userResponse
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(email), nil, &ur)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return "", err
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return "", fmt.Errorf("%w: %w: %s", ErrLookup, ErrUserNotFound, email)
		}
		return "", fmt.Errorf("%w: %s: %w", ErrLookup, email, err)
	}
	if ur.UserID == "" {
		return "", fmt.Errorf("%w: %w: %s", ErrLookup, ErrUserNotFound, email)
	}
	return ur.UserID, nil
}

type messageRequest struct {
	Content Content `json:"content"`
}

func (c *Client) SendToUser(ctx context.Context, userID string, content Content) error {
	return c.send(ctx, "/users/"+url.PathEscape(userID)+"/messages", content)
}

func (c *Client) SendToChannel(ctx context.Context, channelID string, content Content) error {
	return c.send(ctx, "/channels/"+url.PathEscape(channelID)+"/messages", content)
}

func (c *Client) send(ctx context.Context, suffix string, content Content) error {
	if c.botID == "" {
		return fmt.Errorf("%w: %w: bot_id", ErrSend, ErrMissingCredentials)
	}
	path := "/bots/" + url.PathEscape(c.botID) + suffix
	err := c.do(ctx, http.MethodPost, path, messageRequest{Content: content}, nil)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

// do builds the request, attaches auth and handles JSON in both directions.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request %s %s: %w", method, path, err)
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("reading response body: %w", readErr)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// Token revoked or rotated server-side; force a fresh exchange next time.
		c.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Method: method, Path: path, Body: clip(respBody, 300)}
	}

	if result == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("unmarshaling response from %s %s: %w", method, path, err)
	}
	return nil
}

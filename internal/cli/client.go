package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/energizer-project/blockbridge/internal/store"
)

// Client talks to a running relay's admin API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient returns a client for the API at base, which may omit the
// scheme.
func NewClient(base, token string) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL: strings.TrimRight(base, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) ([]SessionView, error) {
	var body struct {
		Sessions []SessionView `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions", &body); err != nil {
		return nil, err
	}
	return body.Sessions, nil
}

// CloseSession forces a session down.
func (c *Client) CloseSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil)
}

// MarkPlay switches a session to Play-state inspection.
func (c *Client) MarkPlay(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/play", nil)
}

// Logins returns up to limit recent logins.
func (c *Client) Logins(ctx context.Context, limit int) ([]store.LoginRecord, error) {
	var body struct {
		Logins []store.LoginRecord `json:"logins"`
	}
	path := "/api/logins"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, &body); err != nil {
		return nil, err
	}
	return body.Logins, nil
}

// Status returns the raw /api/status document.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	var body map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/api/status", &body)
	return body, err
}

// Package heroku is a minimal client for the Heroku Platform API v3: the app, config var
// and build calls needed to deploy one session.
package heroku

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultBaseURL = "https://api.heroku.com"
	defaultTimeout = 30 * time.Second
	acceptHeader   = "application/vnd.heroku+json; version=3"
)

// APIError is a non-2xx response from the Platform API.
type APIError struct {
	StatusCode int    `json:"-"`
	ID         string `json:"id"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("heroku: status=%d id=%s message=%s", e.StatusCode, e.ID, e.Message)
}

// IsNotFound reports whether err is a 404 from the Platform API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// App is the subset of the app resource the provisioner uses.
type App struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	WebURL string `json:"web_url"`
}

// Build is the subset of the build resource the provisioner uses.
type Build struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client calls the Heroku Platform API with a bearer API key.
type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for apiKey. An empty baseURL selects the public API.
// Outgoing requests are traced with OpenTelemetry.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// CreateApp creates an app called name.
func (c *Client) CreateApp(ctx context.Context, name string) (*App, error) {
	var app App
	if err := c.do(ctx, http.MethodPost, "/apps", map[string]string{"name": name}, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// SetConfigVars merges vars into the app's config vars.
func (c *Client) SetConfigVars(ctx context.Context, app string, vars map[string]string) error {
	return c.do(ctx, http.MethodPatch, "/apps/"+url.PathEscape(app)+"/config-vars", vars, nil)
}

// CreateBuild builds app from the tarball at sourceURL. version labels the build (the source commit).
func (c *Client) CreateBuild(ctx context.Context, app, sourceURL, version string) (*Build, error) {
	body := map[string]any{
		"source_blob": map[string]string{"url": sourceURL, "version": version},
	}
	var b Build
	if err := c.do(ctx, http.MethodPost, "/apps/"+url.PathEscape(app)+"/builds", body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DeleteApp deletes app. A missing app is not an error.
func (c *Client) DeleteApp(ctx context.Context, app string) error {
	err := c.do(ctx, http.MethodDelete, "/apps/"+url.PathEscape(app), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.APIKey == "" {
		return errors.New("heroku: API key not configured")
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("heroku: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(b, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("heroku: decode %s %s: %w", method, path, err)
	}
	return nil
}

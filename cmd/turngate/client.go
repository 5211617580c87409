package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/turngate/internal/config"
)

// apiClient talks to a running gateway on behalf of CLI subcommands.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg config.Config) *apiClient {
	return &apiClient{
		base:  baseURL(cfg.BindAddr),
		token: clientToken(cfg),
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the gateway's error body.
type apiError struct {
	Status     int      `json:"-"`
	Message    string   `json:"error"`
	Kind       string   `json:"kind"`
	OutOfScope []string `json:"outOfScope"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

// do sends body as JSON and decodes the response into out. Non-2xx
// responses whose body decodes into out are returned alongside an
// *apiError so callers can still report structured results.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Turngate-Actor", "cli")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return apiErr
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

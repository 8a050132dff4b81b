package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/supportkb/internal/config"
)

// apiClient talks to the local supportkb server.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAPIClient is replaced in tests.
var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL: localURL(cfg.Server.Port),
		token:   cfg.Server.APIToken,
		// A query can wait on the chat model for its whole timeout.
		http: &http.Client{Timeout: cfg.Chat.Timeout + 30*time.Second},
	}, nil
}

// call sends in as JSON (when non-nil) and decodes the response into out.
func (c *apiClient) call(ctx context.Context, method, path string, in, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach supportkb at %s; is the server running? (%w)", c.baseURL, err)
	}
	return decodeJSON(resp, out)
}

// apiErrorBody is the server's error envelope.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// decodeJSON closes resp. Statuses of 400 and above become errors carrying
// the server's message.
func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 400 {
		return json.NewDecoder(resp.Body).Decode(out)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	msg := string(bytes.TrimSpace(raw))
	var e apiErrorBody
	if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
		msg = e.Error.Message
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
}

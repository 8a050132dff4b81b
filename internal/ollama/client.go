// Package ollama is a minimal client for the Ollama HTTP API.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	pingTimeout  = 2 * time.Second
	listTimeout  = 10 * time.Second
	errBodyLimit = 512
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the sampling options sent with a chat request.
type Options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// StatusError is returned when Ollama answers with a non-200 status. Body
// holds the server's "error" field when present, else the raw body.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("ollama %s: HTTP %d", e.Op, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client talks to one Ollama server. Request deadlines come from the
// caller's context except for the short checks in IsRunning and ListModels.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{}}
}

func (c *Client) BaseURL() string { return c.baseURL }

// open sends the request and returns the body of a 200 response. Any
// other status is drained into a *StatusError.
func (c *Client) open(ctx context.Context, op, method, path string, payload any) (io.ReadCloser, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("ollama %s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		msg := strings.TrimSpace(string(raw))
		if e := gjson.GetBytes(raw, "error"); e.Type == gjson.String {
			msg = e.String()
		}
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: msg}
	}
	return resp.Body, nil
}

// call performs a request and decodes a single JSON response into T.
func call[T any](ctx context.Context, c *Client, op, method, path string, payload any) (T, error) {
	var out T
	body, err := c.open(ctx, op, method, path, payload)
	if err != nil {
		return out, err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return out, fmt.Errorf("ollama %s: decoding response: %w", op, err)
	}
	return out, nil
}

type modelTag struct {
	Name string `json:"name"`
}

type tagsResponse struct {
	Models []modelTag `json:"models"`
}

// IsRunning reports whether the server lists its models within two seconds.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	_, err := call[tagsResponse](ctx, c, "ping", http.MethodGet, "/api/tags", nil)
	return err == nil
}

// ListModels returns the names of all locally available models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	tags, err := call[tagsResponse](ctx, c, "list models", http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// HasModel reports whether name is present locally. A bare name matches
// any tag of it, so "nomic-embed-text" finds "nomic-embed-text:latest".
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		base, _, _ := strings.Cut(m, ":")
		if m == name || base == name {
			return true
		}
	}
	return false
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullModel downloads a model and blocks until the stream ends. A failure
// reported inside the stream is returned as an error. onProgress may be nil.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	op := "pull " + name
	body, err := c.open(ctx, op, http.MethodPost, "/api/pull", map[string]any{"name": name, "stream": true})
	if err != nil {
		return err
	}
	defer body.Close()

	lines := bufio.NewScanner(body)
	for lines.Scan() {
		line := bytes.TrimSpace(lines.Bytes())
		if len(line) == 0 {
			continue
		}
		var p PullProgress
		if err := json.Unmarshal(line, &p); err != nil {
			return fmt.Errorf("ollama %s: bad progress line: %w", op, err)
		}
		if p.Error != "" {
			return fmt.Errorf("ollama %s: %s", op, p.Error)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	if err := lines.Err(); err != nil {
		return fmt.Errorf("ollama %s: reading progress: %w", op, err)
	}
	return nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// Chat sends a non-streaming chat request and returns the reply text.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts *Options) (string, error) {
	resp, err := call[chatResponse](ctx, c, "chat", http.MethodPost, "/api/chat",
		chatRequest{Model: model, Messages: messages, Options: opts})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding of text under model.
func (c *Client) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	resp, err := call[embedResponse](ctx, c, "embed", http.MethodPost, "/api/embed",
		embedRequest{Model: model, Input: text})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama embed: no vector in response")
	}
	return resp.Embeddings[0], nil
}

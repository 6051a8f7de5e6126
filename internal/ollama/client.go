package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"tontoo/internal/models"

	"github.com/cloudwego/eino/schema"
)

const (
	DefaultTimeout   = 2 * time.Minute
	listModelsBudget = 5 * time.Second
	streamBuffer     = 16
)

// Client talks to one Ollama server.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	timeout      time.Duration
	defaultModel string
}

// NewClient builds a client. timeout bounds a whole generation.
func NewClient(baseURL string, timeout time.Duration, defaultModel string) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// no client timeout: streaming reads are bounded by the request context
		httpClient:   &http.Client{},
		timeout:      timeout,
		defaultModel: defaultModel,
	}
}

// Generate opens a streaming chat request. Setup failures are returned
// directly; later failures arrive through the stream exactly once.
func (c *Client) Generate(ctx context.Context, req models.GenerateRequest) (*schema.StreamReader[models.Delta], error) {
	modelName := req.Model
	if modelName == "" {
		modelName = c.defaultModel
	}
	if modelName == "" {
		return nil, fmt.Errorf("%w: no model selected", ErrBackendUnavailable)
	}

	body, err := json.Marshal(chatRequest{
		Model:    modelName,
		Messages: buildMessages(req),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, c.timeout)
	httpReq, err := http.NewRequestWithContext(genCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, classify(ctx, genCtx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	sr, sw := schema.Pipe[models.Delta](streamBuffer)
	go func() {
		defer cancel()
		defer resp.Body.Close()
		defer sw.Close()
		pump(ctx, genCtx, resp.Body, sw)
	}()
	return sr, nil
}

// ListModels returns the installed models, or FallbackModels when the
// server cannot be reached.
func (c *Client) ListModels(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, listModelsBudget)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return copyFallback()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("ollama list models failed: %v", err)
		return copyFallback()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("ollama list models: status %d", resp.StatusCode)
		return copyFallback()
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		log.Printf("ollama list models decode failed: %v", err)
		return copyFallback()
	}
	out := make(map[string]string, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			out[m.Name] = m.Name
		}
	}
	if len(out) == 0 {
		return copyFallback()
	}
	return out
}

func buildMessages(req models.GenerateRequest) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: string(models.RoleSystem), Content: req.SystemPrompt})
	}
	for _, t := range req.History {
		msgs = append(msgs, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}

// classify maps a transport error: caller cancellation stays
// context.Canceled, everything else (timeouts included) is a backend failure.
func classify(parent, genCtx context.Context, err error) error {
	if parent.Err() != nil {
		return context.Canceled
	}
	if genCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: timed out", ErrBackendUnavailable)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func copyFallback() map[string]string {
	out := make(map[string]string, len(FallbackModels))
	for k, v := range FallbackModels {
		out[k] = v
	}
	return out
}

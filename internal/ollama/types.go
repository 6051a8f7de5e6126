// Package ollama streams chat completions from an Ollama server.
package ollama

import "tontoo/internal/models"

// Sentinels shared with the hosted-provider adapter.
var (
	ErrBackendUnavailable = models.ErrBackendUnavailable
	ErrNoResponse         = models.ErrNoResponse
)

// FallbackModels is reported when the model list cannot be fetched.
var FallbackModels = map[string]string{"llama2": "Llama 2"}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chatChunk accepts both the /api/chat and /api/generate line shapes.
type chatChunk struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func (c chatChunk) text() string {
	if c.Message != nil && c.Message.Content != "" {
		return c.Message.Content
	}
	return c.Response
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

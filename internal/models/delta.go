package models

import "errors"

var (
	// ErrBackendUnavailable covers dial errors, non-2xx replies, read errors and timeouts.
	ErrBackendUnavailable = errors.New("model backend unavailable")
	// ErrNoResponse means the stream ended without a terminal marker.
	ErrNoResponse = errors.New("model returned no response")
)

// Delta is one streamed fragment of generated text.
type Delta struct {
	Text string
	Done bool
}

// GenerateRequest is the input of a single model generation.
type GenerateRequest struct {
	History      []Turn
	SystemPrompt string
	Model        string
}

// Package gateway provides the HTTP clients that bridge the voice session
// to its language services: speech-to-text transcription, streaming chat
// completion against the OpenClaw gateway, and text-to-speech synthesis.
//
// The chat client speaks the OpenAI chat-completions wire protocol through
// the openai-go SDK with the gateway's custom identification headers. The
// STT and TTS clients use plain HTTP because their request shapes
// (multipart WAV upload, the non-standard instructions field) are fixed by
// the gateway contract.
package gateway

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a chat stream aborted by the interruption path or by
// the overall deadline. Callers treat it as silent and do not retry.
var ErrCancelled = errors.New("gateway: stream cancelled")

// ErrEmptyResponse is returned when a chat stream completes without
// producing any content.
var ErrEmptyResponse = errors.New("gateway: empty response")

// StatusError reports a non-2xx response from the gateway or a provider.
type StatusError struct {
	// Status is the HTTP status code.
	Status int

	// Body is the response body text, possibly truncated.
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: unexpected status %d: %s", e.Status, e.Body)
}

// maxErrorBodyBytes bounds how much of an error response body is retained.
const maxErrorBodyBytes = 2048

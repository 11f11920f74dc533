package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/Hideous-Monster/voxclaw/internal/config"
)

// maxTTSInputChars is the provider's input length cap. Longer sentences are
// truncated with a trailing ellipsis.
const maxTTSInputChars = 4093

// TTSClient synthesises speech via the provider's /audio/speech endpoint.
type TTSClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	model        string
	voice        string
	instructions string
}

// TTSOption is a functional option for [NewTTSClient].
type TTSOption func(*TTSClient)

// WithTTSHTTPClient overrides the HTTP client, mainly for tests.
func WithTTSHTTPClient(hc *http.Client) TTSOption {
	return func(c *TTSClient) { c.httpClient = hc }
}

// NewTTSClient creates a synthesis client from the TTS configuration.
func NewTTSClient(cfg config.TTSConfig, opts ...TTSOption) *TTSClient {
	c := &TTSClient{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		voice:        cfg.Voice,
		instructions: cfg.Instructions,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// speechRequest is the synthesis request body. Instructions is omitted
// when empty.
type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format"`
	Instructions   string `json:"instructions,omitempty"`
}

// Synthesise returns the provider's default compressed container (MP3) for
// text. The pipeline plays it without re-decoding.
func (c *TTSClient) Synthesise(ctx context.Context, text string) ([]byte, error) {
	return c.speech(ctx, text, "mp3")
}

// SynthesiseBaked returns an OGG Opus stream for text, suitable for the
// baked-phrase store and direct Opus playback.
func (c *TTSClient) SynthesiseBaked(ctx context.Context, text string) ([]byte, error) {
	return c.speech(ctx, text, "opus")
}

func (c *TTSClient) speech(ctx context.Context, text, format string) ([]byte, error) {
	if len(text) > maxTTSInputChars {
		cut := maxTTSInputChars
		// Back up to a rune boundary so the cut never splits a multi-byte
		// character.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}

	body, err := json.Marshal(speechRequest{
		Model:          c.model,
		Voice:          c.voice,
		Input:          text,
		ResponseFormat: format,
		Instructions:   c.instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: tts request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gateway: read tts response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: truncateBody(data)}
	}
	return data, nil
}

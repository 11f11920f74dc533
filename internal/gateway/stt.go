package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/Hideous-Monster/voxclaw/internal/config"
)

// Capture PCM format: 48 kHz, 2 channels, 16-bit signed little-endian
// interleaved, matching the decoded Discord Opus stream.
const (
	pcmSampleRate = 48000
	pcmChannels   = 2
	bitsPerSample = 16

	// pcmBytesPerMs is the PCM byte count for one millisecond of audio.
	pcmBytesPerMs = pcmSampleRate * pcmChannels * (bitsPerSample / 8) / 1000
)

// STTClient transcribes PCM utterances via the provider's transcription
// endpoint.
type STTClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	language    string
	minSpeechMs int
}

// STTOption is a functional option for [NewSTTClient].
type STTOption func(*STTClient)

// WithSTTHTTPClient overrides the HTTP client, mainly for tests.
func WithSTTHTTPClient(hc *http.Client) STTOption {
	return func(c *STTClient) { c.httpClient = hc }
}

// NewSTTClient creates a transcription client. Buffers shorter than
// minSpeechMs of audio are rejected without a request.
func NewSTTClient(cfg config.STTConfig, minSpeechMs int, opts ...STTOption) *STTClient {
	c := &STTClient{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		language:    cfg.Language,
		minSpeechMs: minSpeechMs,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Transcribe wraps pcm in a WAV envelope and submits it to the
// transcription endpoint. Buffers below the minimum speech length return
// the empty string without a request.
func (c *STTClient) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) < c.minSpeechMs*pcmBytesPerMs {
		return "", nil
	}

	wav := encodeWAV(pcm)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("gateway: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("gateway: write wav data: %w", err)
	}
	if err := mw.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("gateway: write model field: %w", err)
	}
	if c.language != "" {
		if err := mw.WriteField("language", c.language); err != nil {
			return "", fmt.Errorf("gateway: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("gateway: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("gateway: create stt request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: stt request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gateway: read stt response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Status: resp.StatusCode, Body: truncateBody(data)}
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("gateway: parse stt response: %w", err)
	}
	return result.Text, nil
}

// encodeWAV wraps raw PCM in the canonical 44-byte RIFF/WAV header for the
// fixed capture format.
func encodeWAV(pcm []byte) []byte {
	byteRate := pcmSampleRate * pcmChannels * bitsPerSample / 8
	blockAlign := pcmChannels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], pcmChannels)
	binary.LittleEndian.PutUint32(buf[24:28], pcmSampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// truncateBody bounds an error response body for inclusion in errors.
func truncateBody(data []byte) string {
	if len(data) > maxErrorBodyBytes {
		data = data[:maxErrorBodyBytes]
	}
	return string(data)
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/Hideous-Monster/voxclaw/internal/config"
)

// chatDeadline bounds one full streamed completion.
const chatDeadline = 60 * time.Second

// ChatClient performs streaming chat completions against the OpenClaw
// gateway. Every request carries the gateway's agent and session
// identification headers.
type ChatClient struct {
	client oai.Client
	model  string
}

// NewChatClient creates a streaming chat client for the configured gateway.
func NewChatClient(cfg config.GatewayConfig) *ChatClient {
	// Streamed completions live under /v1 on the gateway.
	baseURL := strings.TrimSuffix(cfg.URL, "/") + "/v1/"
	client := oai.NewClient(
		option.WithAPIKey(cfg.Token),
		option.WithBaseURL(baseURL),
		option.WithHeader("x-openclaw-agent-id", cfg.AgentID),
		option.WithHeader("x-openclaw-session-key", cfg.SessionKey),
	)
	return &ChatClient{client: client, model: cfg.Model}
}

// Stream sends transcript as a single user message and consumes the
// streamed reply. onFirstToken fires when the first content delta
// arrives; each completed sentence is passed to onSentence as soon as its
// boundary arrives, with the residual flushed at stream end. Returns the
// accumulated full text. Either callback may be nil.
//
// Cancellation (the caller's ctx or the 60 s deadline) surfaces as
// [ErrCancelled]. A non-2xx response surfaces as a [*StatusError]. A
// stream that ends with no content returns [ErrEmptyResponse].
func (c *ChatClient) Stream(ctx context.Context, transcript string, onFirstToken func(), onSentence func(sentence string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, chatDeadline)
	defer cancel()

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{oai.UserMessage(transcript)},
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var full string
	var splitter SentenceSplitter
	firstToken := true

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if firstToken {
			firstToken = false
			slog.Debug("first token received", "model", c.model)
			if onFirstToken != nil {
				onFirstToken()
			}
		}
		full += delta
		for _, sentence := range splitter.Feed(delta) {
			if onSentence != nil {
				onSentence(sentence)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return full, classifyStreamErr(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return full, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	if rest := splitter.Flush(); rest != "" && onSentence != nil {
		onSentence(rest)
	}
	if full == "" {
		return "", ErrEmptyResponse
	}
	return full, nil
}

// classifyStreamErr maps transport errors to the package error kinds.
func classifyStreamErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		body := apiErr.RawJSON()
		if len(body) > maxErrorBodyBytes {
			body = body[:maxErrorBodyBytes]
		}
		return &StatusError{Status: apiErr.StatusCode, Body: body}
	}
	return fmt.Errorf("gateway: chat stream: %w", err)
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/Hideous-Monster/voxclaw/internal/config"
)

// sseHandler writes the given content deltas as a chat-completions SSE
// stream.
func sseHandler(t *testing.T, deltas []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("x-openclaw-agent-id"); got != "voice" {
			t.Errorf("x-openclaw-agent-id = %q, want voice", got)
		}
		if got := r.Header.Get("x-openclaw-session-key"); got != "voice:default" {
			t.Errorf("x-openclaw-session-key = %q, want voice:default", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gw-token" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}
}

func newChatClient(t *testing.T, handler http.Handler) *ChatClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewChatClient(config.GatewayConfig{
		URL:        ts.URL,
		Token:      "gw-token",
		SessionKey: "voice:default",
		AgentID:    "voice",
		Model:      "openclaw-chat",
	})
}

func TestStream_SentencesAndFullText(t *testing.T) {
	client := newChatClient(t, sseHandler(t, []string{"Hi the", "re. How", " are you?"}))

	var sentences []string
	full, err := client.Stream(context.Background(), "hello", nil, func(s string) {
		sentences = append(sentences, s)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if full != "Hi there. How are you?" {
		t.Errorf("full = %q", full)
	}
	want := []string{"Hi there.", "How are you?"}
	if !reflect.DeepEqual(sentences, want) {
		t.Errorf("sentences = %q, want %q", sentences, want)
	}
}

func TestStream_FirstTokenBeforeSentences(t *testing.T) {
	client := newChatClient(t, sseHandler(t, []string{"Hi the", "re. How", " are you?"}))

	var events []string
	_, err := client.Stream(context.Background(), "hello",
		func() { events = append(events, "first-token") },
		func(string) { events = append(events, "sentence") },
	)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	want := []string{"first-token", "sentence", "sentence"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %q, want %q", events, want)
	}
}

func TestStream_EmptyResponse(t *testing.T) {
	client := newChatClient(t, sseHandler(t, nil))

	_, err := client.Stream(context.Background(), "hello", nil, func(string) {})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("error = %v, want ErrEmptyResponse", err)
	}
}

func TestStream_NonOKStatus(t *testing.T) {
	client := newChatClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad gateway token"}}`, http.StatusUnauthorized)
	}))

	_, err := client.Stream(context.Background(), "hello", nil, func(string) {})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", se.Status)
	}
}

func TestStream_CancelledContext(t *testing.T) {
	blocked := make(chan struct{})
	client := newChatClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-blocked
	}))
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = client.Stream(ctx, "hello", nil, func(string) {})
	}()
	cancel()
	<-done

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
}

func TestStream_FlushesResidualSentence(t *testing.T) {
	client := newChatClient(t, sseHandler(t, []string{"Hi there. Short tail"}))

	var sentences []string
	full, err := client.Stream(context.Background(), "hello", nil, func(s string) {
		sentences = append(sentences, s)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if full != "Hi there. Short tail" {
		t.Errorf("full = %q", full)
	}
	want := []string{"Hi there.", "Short tail"}
	if !reflect.DeepEqual(sentences, want) {
		t.Errorf("sentences = %q, want %q", sentences, want)
	}
}

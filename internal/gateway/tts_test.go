package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Hideous-Monster/voxclaw/internal/config"
)

func newTTSServer(t *testing.T, instructions string, handler http.HandlerFunc) *TTSClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewTTSClient(config.TTSConfig{
		Model:        "gpt-4o-mini-tts",
		Voice:        "nova",
		Instructions: instructions,
		APIKey:       "tts-key",
		BaseURL:      ts.URL,
	}, WithTTSHTTPClient(ts.Client()))
}

func decodeSpeechRequest(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestSynthesise(t *testing.T) {
	var gotBody map[string]any
	client := newTTSServer(t, "speak warmly", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			t.Errorf("path = %q, want /audio/speech", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tts-key" {
			t.Errorf("authorization = %q", got)
		}
		gotBody = decodeSpeechRequest(t, r)
		w.Write([]byte("mp3-bytes"))
	})

	data, err := client.Synthesise(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("Synthesise: %v", err)
	}
	if string(data) != "mp3-bytes" {
		t.Errorf("data = %q", data)
	}
	if gotBody["response_format"] != "mp3" {
		t.Errorf("response_format = %v, want mp3", gotBody["response_format"])
	}
	if gotBody["instructions"] != "speak warmly" {
		t.Errorf("instructions = %v", gotBody["instructions"])
	}
	if gotBody["input"] != "Hello there." {
		t.Errorf("input = %v", gotBody["input"])
	}
}

func TestSynthesiseBaked_RequestsOpus(t *testing.T) {
	var gotBody map[string]any
	client := newTTSServer(t, "", func(w http.ResponseWriter, r *http.Request) {
		gotBody = decodeSpeechRequest(t, r)
		w.Write([]byte("ogg-bytes"))
	})

	data, err := client.SynthesiseBaked(context.Background(), "Welcome back.")
	if err != nil {
		t.Fatalf("SynthesiseBaked: %v", err)
	}
	if string(data) != "ogg-bytes" {
		t.Errorf("data = %q", data)
	}
	if gotBody["response_format"] != "opus" {
		t.Errorf("response_format = %v, want opus", gotBody["response_format"])
	}
	if _, present := gotBody["instructions"]; present {
		t.Error("empty instructions should be omitted from the body")
	}
}

func TestSynthesise_TruncatesLongInput(t *testing.T) {
	var gotInput string
	client := newTTSServer(t, "", func(w http.ResponseWriter, r *http.Request) {
		body := decodeSpeechRequest(t, r)
		gotInput, _ = body["input"].(string)
		w.Write([]byte("ok"))
	})

	long := strings.Repeat("a", maxTTSInputChars+100)
	if _, err := client.Synthesise(context.Background(), long); err != nil {
		t.Fatalf("Synthesise: %v", err)
	}
	if len(gotInput) != maxTTSInputChars+3 {
		t.Errorf("input length = %d, want %d", len(gotInput), maxTTSInputChars+3)
	}
	if !strings.HasSuffix(gotInput, "...") {
		t.Error("truncated input should end with ellipsis")
	}
}

func TestSynthesise_TruncatesOnRuneBoundary(t *testing.T) {
	var gotInput string
	client := newTTSServer(t, "", func(w http.ResponseWriter, r *http.Request) {
		body := decodeSpeechRequest(t, r)
		gotInput, _ = body["input"].(string)
		w.Write([]byte("ok"))
	})

	// Place a multi-byte rune straddling the length cap so a byte-index
	// cut would split it.
	long := strings.Repeat("a", maxTTSInputChars-1) + strings.Repeat("日", 40)
	if _, err := client.Synthesise(context.Background(), long); err != nil {
		t.Fatalf("Synthesise: %v", err)
	}
	if !utf8.ValidString(gotInput) {
		t.Error("truncated input is not valid UTF-8")
	}
	if !strings.HasSuffix(gotInput, "...") {
		t.Error("truncated input should end with ellipsis")
	}
	if len(gotInput) > maxTTSInputChars+3 {
		t.Errorf("input length = %d, want at most %d", len(gotInput), maxTTSInputChars+3)
	}
}

func TestSynthesise_ServerError(t *testing.T) {
	client := newTTSServer(t, "", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})

	_, err := client.Synthesise(context.Background(), "Hi.")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", se.Status)
	}
	if !strings.Contains(se.Body, "quota") {
		t.Errorf("body = %q, want to contain quota", se.Body)
	}
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Hideous-Monster/voxclaw/internal/gateway"
	"github.com/Hideous-Monster/voxclaw/internal/observe"
	"github.com/Hideous-Monster/voxclaw/internal/ttscache"
	"github.com/Hideous-Monster/voxclaw/pkg/voice"
	"github.com/Hideous-Monster/voxclaw/pkg/voice/mock"
)

// ─── stubs ────────────────────────────────────────────────────────────────────

type stubSTT struct {
	mu     sync.Mutex
	fn     func(pcm []byte) (string, error)
	result string
	err    error
	calls  int
}

func (s *stubSTT) Transcribe(_ context.Context, pcm []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fn != nil {
		return s.fn(pcm)
	}
	return s.result, s.err
}

func (s *stubSTT) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubChat struct {
	mu        sync.Mutex
	sentences []string
	full      string
	err       error
	fn        func(ctx context.Context, transcript string, onFirstToken func(), onSentence func(string)) (string, error)
	calls     int
}

func (s *stubChat) Stream(ctx context.Context, transcript string, onFirstToken func(), onSentence func(string)) (string, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, transcript, onFirstToken, onSentence)
	}
	if len(s.sentences) > 0 || s.full != "" {
		onFirstToken()
	}
	for _, sent := range s.sentences {
		onSentence(sent)
	}
	return s.full, s.err
}

func (s *stubChat) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubTTS struct {
	mu    sync.Mutex
	fn    func(text string) ([]byte, error)
	calls int
}

func (s *stubTTS) Synthesise(_ context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fn != nil {
		return s.fn(text)
	}
	return []byte("audio:" + text), nil
}

func (s *stubTTS) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ─── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	pipe    *Pipeline
	stt     *stubSTT
	chat    *stubChat
	tts     *stubTTS
	player  *mock.Player
	metrics *observe.Metrics
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	h := &harness{
		stt:     &stubSTT{},
		chat:    &stubChat{},
		tts:     &stubTTS{},
		player:  &mock.Player{},
		metrics: observe.NewMetrics(nil),
	}
	cfg := Config{
		STT:         h.stt,
		Chat:        h.chat,
		TTS:         h.tts,
		Player:      h.player,
		Metrics:     h.metrics,
		NoiseFilter: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.pipe = New(cfg)
	h.pipe.pollInterval = time.Millisecond
	h.pipe.retryDelay = 5 * time.Millisecond
	return h
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// drivePlayback fires the player's idle callback until n resources have been
// played and playback has drained.
func (h *harness) drivePlayback(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		got := i
		waitFor(t, func() bool { return len(h.player.PlayedResources()) >= got }, "chunk playback")
		h.player.FireIdle()
	}
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestPipeline_HappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.result = "what is the weather like"
	h.chat.sentences = []string{"It is sunny.", "Enjoy the day!"}
	h.chat.full = "It is sunny. Enjoy the day!"

	h.pipe.Enqueue(Utterance{PCM: make([]byte, 96000), ID: "utt-001"})
	h.drivePlayback(t, 2)
	waitFor(t, h.pipe.Idle, "pipeline idle")

	played := h.player.PlayedResources()
	if len(played) != 2 {
		t.Fatalf("played %d chunks, want 2", len(played))
	}
	if string(played[0].Data) != "audio:It is sunny." {
		t.Errorf("chunk 0 = %q", played[0].Data)
	}
	if string(played[1].Data) != "audio:Enjoy the day!" {
		t.Errorf("chunk 1 = %q", played[1].Data)
	}
	if played[0].Container != voice.ContainerArbitrary {
		t.Errorf("container = %v, want arbitrary", played[0].Container)
	}

	if got := h.metrics.Counter(observe.CounterSTTRequests); got != 1 {
		t.Errorf("stt requests = %d, want 1", got)
	}
	if got := h.metrics.Counter(observe.CounterTTSRequests); got != 2 {
		t.Errorf("tts requests = %d, want 2", got)
	}
	if got := h.metrics.Counter(observe.CounterLLMErrors); got != 0 {
		t.Errorf("llm errors = %d, want 0", got)
	}
	if got := h.pipe.LastTranscript(); got != "what is the weather like" {
		t.Errorf("last transcript = %q", got)
	}
}

func TestPipeline_EmptyTranscriptSkipsChat(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.result = ""

	h.pipe.Enqueue(Utterance{PCM: []byte{1}, ID: "utt-001"})
	waitFor(t, h.pipe.Idle, "pipeline idle")

	if got := h.chat.callCount(); got != 0 {
		t.Errorf("chat calls = %d, want 0", got)
	}
}

func TestPipeline_NoiseFiltered(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.result = "Um."

	h.pipe.Enqueue(Utterance{PCM: []byte{1}, ID: "utt-001"})
	waitFor(t, h.pipe.Idle, "pipeline idle")

	if got := h.chat.callCount(); got != 0 {
		t.Errorf("chat calls = %d, want 0", got)
	}
	if got := h.pipe.LastTranscript(); got != "" {
		t.Errorf("last transcript = %q, want empty", got)
	}
}

func TestPipeline_NoiseFilterDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.NoiseFilter = false })
	h.stt.result = "Um."
	h.chat.sentences = []string{"Yes?"}
	h.chat.full = "Yes?"

	h.pipe.Enqueue(Utterance{PCM: []byte{1}, ID: "utt-001"})
	h.drivePlayback(t, 1)
	waitFor(t, h.pipe.Idle, "pipeline idle")

	if got := h.chat.callCount(); got != 1 {
		t.Errorf("chat calls = %d, want 1", got)
	}
}

func TestPipeline_CacheHitSkipsSynthesis(t *testing.T) {
	metrics := observe.NewMetrics(nil)
	cache := ttscache.New(metrics)
	cacheCfg := ttscache.TTSConfig{Provider: "openai", Model: "gpt-4o-mini-tts", Voice: "nova"}
	cache.Set(ttscache.Key(cacheCfg, "It is sunny."), []byte("cached-audio"), 50)

	h := newHarness(t, func(cfg *Config) {
		cfg.Metrics = metrics
		cfg.Cache = cache
		cfg.CacheConfig = cacheCfg
		cfg.CacheMaxMb = 50
	})
	h.metrics = metrics
	h.stt.result = "weather"
	h.chat.sentences = []string{"It is sunny."}
	h.chat.full = "It is sunny."

	h.pipe.Enqueue(Utterance{PCM: []byte{1}, ID: "utt-001"})
	h.drivePlayback(t, 1)
	waitFor(t, h.pipe.Idle, "pipeline idle")

	if got := h.tts.callCount(); got != 0 {
		t.Errorf("tts calls = %d, want 0 (cache hit)", got)
	}
	if got := metrics.Counter(observe.CounterTTSRequests); got != 0 {
		t.Errorf("tts requests = %d, want 0", got)
	}
	if got := metrics.Counter(observe.CounterCacheHits); got != 1 {
		t.Errorf("cache hits = %d, want 1", got)
	}
	played := h.player.PlayedResources()
	if len(played) != 1 || string(played[0].Data) != "cached-audio" {
		t.Fatalf("played = %v", played)
	}
}

func TestPipeline_CacheMissStoresSynthesis(t *testing.T) {
	metrics := observe.NewMetrics(nil)
	cache := ttscache.New(metrics)
	cacheCfg := ttscache.TTSConfig{Provider: "openai", Model: "gpt-4o-mini-tts", Voice: "nova"}

	h := newHarness(t, func(cfg *Config) {
		cfg.Metrics = metrics
		cfg.Cache = cache
		cfg.CacheConfig = cacheCfg
		cfg.CacheMaxMb = 50
	})
	h.metrics = metrics
	h.stt.result = "weather"
	h.chat.sentences = []string{"It is sunny."}
	h.chat.full = "It is sunny."

	h.pipe.Enqueue(Utterance{PCM: []byte{1}, ID: "utt-001"})
	h.drivePlayback(t, 1)
	waitFor(t, h.pipe.Idle, "pipeline idle")

	if got := h.tts.callCount(); got != 1 {
		t.Errorf("tts calls = %d, want 1", got)
	}
	if buf, ok := cache.Get(ttscache.Key(cacheCfg, "It is sunny.")); !ok || string(buf) != "audio:It is sunny." {
		t.Errorf("cache entry = %q, %v", buf, ok)
	}
}

func TestPipeline_InterruptClearsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.result = "tell me a long story"

	streaming := make(chan struct{})
	h.chat.fn = func(ctx context.Context, _ string, onFirstToken func(), onSentence func(string)) (string, error) {
		onFirstToken()
		onSentence("Once upon a time.")
		close(streaming)
		<-ctx.Done()
		return "Once upon a time.", gateway.ErrCancelled
	}

	h.pipe.Enqueue(Utterance{PCM: []byte{1}, ID: "utt-001"})
	h.pipe.Enqueue(Utterance{PCM: []byte{2}, ID: "utt-002"})
	<-streaming
	waitFor(t, func() bool { return len(h.player.PlayedResources()) == 1 }, "first chunk")

	h.pipe.Interrupt()
	waitFor(t, h.pipe.Idle, "pipeline idle after interrupt")

	if got := h.player.StopCalls(); got != 1 {
		t.Errorf("player stops = %d, want 1", got)
	}
	// The queued second utterance must be gone, not merely deferred.
	time.Sleep(20 * time.Millisecond)
	if got := h.stt.callCount(); got != 1 {
		t.Errorf("stt calls = %d, want 1 (queue was cleared)", got)
	}

	// The pipeline accepts new work after an interrupt.
	h.chat.fn = nil
	h.chat.sentences = []string{"Hello again."}
	h.chat.full = "Hello again."
	h.pipe.Enqueue(Utterance{PCM: []byte{3}, ID: "utt-003"})
	h.drivePlayback(t, 2)
	waitFor(t, h.pipe.Idle, "pipeline idle after re-enqueue")

	played := h.player.PlayedResources()
	if string(played[len(played)-1].Data) != "audio:Hello again." {
		t.Errorf("post-interrupt chunk = %q", played[len(played)-1].Data)
	}
}

func TestPipeline_SynthesisFailureSkipsSentence(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.result = "two sentences please"
	h.chat.sentences = []string{"Broken one.", "Working two."}
	h.chat.full = "Broken one. Working two."
	h.tts.fn = func(text string) ([]byte, error) {
		if text == "Broken one." {
			return nil, errors.New("tts: synth blew up")
		}
		return []byte("audio:" + text), nil
	}

	h.pipe.Enqueue(Utterance{PCM: []byte{1}, ID: "utt-001"})
	h.drivePlayback(t, 1)
	waitFor(t, h.pipe.Idle, "pipeline idle")

	played := h.player.PlayedResources()
	if len(played) != 1 || string(played[0].Data) != "audio:Working two." {
		t.Fatalf("played = %v, want only the working sentence", played)
	}
}

func TestPipeline_ProcessingFailureRetriesQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.fn = func(pcm []byte) (string, error) {
		if pcm[0] == 1 {
			return "", errors.New("stt: upstream 500")
		}
		return "second utterance", nil
	}
	h.chat.sentences = []string{"Recovered."}
	h.chat.full = "Recovered."

	h.pipe.Enqueue(Utterance{PCM: []byte{1}, ID: "utt-001"})
	h.pipe.Enqueue(Utterance{PCM: []byte{2}, ID: "utt-002"})
	h.drivePlayback(t, 1)
	waitFor(t, h.pipe.Idle, "pipeline idle")

	played := h.player.PlayedResources()
	if len(played) != 1 || string(played[0].Data) != "audio:Recovered." {
		t.Fatalf("played = %v, want the retried utterance's chunk", played)
	}
	if got := h.stt.callCount(); got != 2 {
		t.Errorf("stt calls = %d, want 2", got)
	}
}

func TestPipeline_ScrubsMarkdownBeforeSynthesis(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.result = "format something"
	h.chat.sentences = []string{"This is **bold** text."}
	h.chat.full = "This is **bold** text."

	h.pipe.Enqueue(Utterance{PCM: []byte{1}, ID: "utt-001"})
	h.drivePlayback(t, 1)
	waitFor(t, h.pipe.Idle, "pipeline idle")

	played := h.player.PlayedResources()
	if len(played) != 1 || string(played[0].Data) != "audio:This is bold text." {
		t.Fatalf("played = %v, want scrubbed text", played)
	}
}

func TestPipeline_PlayDirect(t *testing.T) {
	spoke := 0
	h := newHarness(t, func(cfg *Config) {
		cfg.OnBotSpeech = func() { spoke++ }
	})

	h.pipe.PlayDirect(voice.Resource{Data: []byte("baked"), Container: voice.ContainerOggOpus})

	played := h.player.PlayedResources()
	if len(played) != 1 || played[0].Container != voice.ContainerOggOpus {
		t.Fatalf("played = %v", played)
	}
	if spoke != 1 {
		t.Errorf("bot-speech callbacks = %d, want 1", spoke)
	}
}

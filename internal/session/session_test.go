package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-sessioncore/internal/memory"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

type mockSTT struct {
	result string
	err    error
}

func (m *mockSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	return m.result, m.err
}
func (m *mockSTT) Name() string { return "mock-stt" }

type mockLLM struct {
	result string
	err    error

	mu           sync.Mutex
	lastMessages []orchestrator.Message
}

func (m *mockLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	m.mu.Lock()
	m.lastMessages = append([]orchestrator.Message(nil), messages...)
	m.mu.Unlock()
	return m.result, m.err
}
func (m *mockLLM) Name() string { return "mock-llm" }

func (m *mockLLM) messagesSeen() []orchestrator.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMessages
}

type mockTTS struct {
	chunk     []byte
	err       error
	aborted   bool
	abortSeen chan struct{}
}

func (m *mockTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	return m.chunk, m.err
}

func (m *mockTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	if m.err != nil {
		return m.err
	}
	return onChunk(m.chunk)
}

func (m *mockTTS) Abort() error {
	m.aborted = true
	if m.abortSeen != nil {
		close(m.abortSeen)
	}
	return nil
}

func (m *mockTTS) Name() string { return "mock-tts" }

func newTestController(stt orchestrator.STTProvider, llm orchestrator.LLMProvider, tts orchestrator.TTSProvider) *Controller {
	orch := orchestrator.New(stt, llm, tts, orchestrator.DefaultConfig())
	convSession := orchestrator.NewConversationSession("user-1")
	return New(context.Background(), orch, convSession, orchestrator.DefaultConfig(), nil, nil, nil, nil, nil)
}

func TestController_BatchPipelineProducesAudio(t *testing.T) {
	tts := &mockTTS{chunk: []byte("audio")}
	ctrl := newTestController(&mockSTT{result: "hello there"}, &mockLLM{result: "hi!"}, tts)
	defer ctrl.Close()

	ctrl.OpenAudioStream()
	if err := ctrl.PushAudioChunk(make([]byte, 100)); err != nil {
		t.Fatalf("PushAudioChunk: %v", err)
	}
	ctrl.CloseAudioStream()

	var sawAudio, sawTranscript, sawResponse bool
	deadline := time.After(time.Second)
	for !(sawAudio && sawTranscript && sawResponse) {
		select {
		case ev := <-ctrl.Events():
			switch ev.Type {
			case orchestrator.AudioChunk:
				sawAudio = true
			case orchestrator.TranscriptFinal:
				sawTranscript = true
			case orchestrator.BotResponse:
				sawResponse = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for turn events (audio=%v transcript=%v response=%v)", sawAudio, sawTranscript, sawResponse)
		}
	}
}

// Prompt Assembly folds a populated Scaffold snapshot into the LLM prompt as
// a leading system message, and a completed Turn writes a realtime
// engagement field back to the cache.
func TestController_ScaffoldRoundTrip(t *testing.T) {
	cache := memory.NewScaffoldCache(120*time.Second, 0.4)
	cache.Merge("user-1", map[string]memory.Field{
		"mood": {Kind: memory.FieldCategorical, Value: "curious", Source: memory.SourceBackground, UpdatedAt: time.Now()},
	})

	llm := &mockLLM{result: "sure, here goes"}
	orch := orchestrator.New(&mockSTT{result: "tell me something interesting"}, llm, &mockTTS{chunk: []byte("audio")}, orchestrator.DefaultConfig())

	convSession := orchestrator.NewConversationSession("user-1")
	ctrl := New(context.Background(), orch, convSession, orchestrator.DefaultConfig(), nil, nil, cache, nil, nil)
	defer ctrl.Close()

	ctrl.OpenAudioStream()
	ctrl.PushAudioChunk(make([]byte, 10))
	ctrl.CloseAudioStream()

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ctrl.Events():
			if ev.Type == orchestrator.BotResponse {
				goto turnDone
			}
		case <-deadline:
			t.Fatal("timed out waiting for the turn to finish")
		}
	}
turnDone:

	seen := llm.messagesSeen()
	if len(seen) == 0 || seen[0].Role != "system" {
		t.Fatalf("expected the scaffold snapshot folded in as a leading system message, got %v", seen)
	}
	if !strings.Contains(seen[0].Content, "mood: curious") {
		t.Fatalf("expected scaffold field in system message, got %q", seen[0].Content)
	}

	snap := cache.Get("user-1")
	field, ok := snap.Fields["engagement"]
	if !ok {
		t.Fatal("expected a realtime engagement field to be written back after the turn")
	}
	if field.Source != memory.SourceRealtime {
		t.Fatalf("expected engagement field to be tagged realtime, got %v", field.Source)
	}
}

func TestController_EmptyTranscriptSkipsTurn(t *testing.T) {
	ctrl := newTestController(&mockSTT{result: ""}, &mockLLM{result: "should not be called"}, &mockTTS{})
	defer ctrl.Close()

	ctrl.OpenAudioStream()
	ctrl.PushAudioChunk(make([]byte, 10))
	ctrl.CloseAudioStream()

	// OpenAudioStream/CloseAudioStream always emit UserSpeaking/UserStopped;
	// an empty transcript must stop there and never reach TranscriptFinal.
	drainExpected := map[orchestrator.EventType]bool{
		orchestrator.UserSpeaking: false,
		orchestrator.UserStopped:  false,
	}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ctrl.Events():
			if _, expected := drainExpected[ev.Type]; !expected {
				t.Fatalf("unexpected event %v", ev.Type)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatal("timed out waiting for UserSpeaking/UserStopped")
		}
	}

	select {
	case ev := <-ctrl.Events():
		t.Fatalf("expected no further events for empty transcript, got %v", ev.Type)
	case <-time.After(150 * time.Millisecond):
	}

	if got := ctrl.State(); got != orchestrator.StateIdle {
		t.Fatalf("expected Idle state, got %v", got)
	}
}

func TestController_InterruptIsIdempotent(t *testing.T) {
	abortSeen := make(chan struct{})
	tts := &mockTTS{chunk: []byte("audio"), abortSeen: abortSeen}
	ctrl := newTestController(&mockSTT{result: "hi"}, &mockLLM{result: "reply"}, tts)
	defer ctrl.Close()

	ctrl.mu.Lock()
	ctrl.state = orchestrator.StateSpeaking
	ctrl.turnCancel = func() {}
	ctrl.mu.Unlock()

	ctrl.Interrupt("test")
	ctrl.Interrupt("test_again") // must not panic or double-emit

	select {
	case ev := <-ctrl.Events():
		if ev.Type != orchestrator.Interrupted {
			t.Fatalf("expected Interrupted event, got %v", ev.Type)
		}
	default:
		t.Fatal("expected an Interrupted event")
	}

	select {
	case ev := <-ctrl.Events():
		t.Fatalf("expected exactly one Interrupted event, got a second: %v", ev.Type)
	default:
	}

	if got := ctrl.State(); got != orchestrator.StateIdle {
		t.Fatalf("expected Idle after interrupt, got %v", got)
	}
}

package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-sessioncore/internal/memory"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

func TestTranslateEvent(t *testing.T) {
	cases := []struct {
		name     string
		ev       orchestrator.OrchestratorEvent
		wantType string
		wantNil  bool
	}{
		{"user speaking", orchestrator.OrchestratorEvent{Type: orchestrator.UserSpeaking}, FrameStatus, false},
		{"user stopped", orchestrator.OrchestratorEvent{Type: orchestrator.UserStopped}, FrameStatus, false},
		{"transcript partial", orchestrator.OrchestratorEvent{Type: orchestrator.TranscriptPartial, Data: "hi"}, FrameTranscriptToken, false},
		{"bot thinking token", orchestrator.OrchestratorEvent{Type: orchestrator.BotThinking, Data: "he"}, FrameTokenStream, false},
		{"bot thinking no token", orchestrator.OrchestratorEvent{Type: orchestrator.BotThinking}, FrameStatus, false},
		{"audio chunk", orchestrator.OrchestratorEvent{Type: orchestrator.AudioChunk, Data: []byte{1, 2, 3}}, FrameAudioChunk, false},
		{"bot response", orchestrator.OrchestratorEvent{Type: orchestrator.BotResponse, Data: orchestrator.TurnResult{Transcript: "hello", Reply: "hi there"}}, FrameResult, false},
		{"interrupted", orchestrator.OrchestratorEvent{Type: orchestrator.Interrupted, Data: "barge_in"}, FrameSpeechInterrupted, false},
		{"error", orchestrator.OrchestratorEvent{Type: orchestrator.ErrorEvent, Data: "boom"}, FrameError, false},
		{"unmapped", orchestrator.OrchestratorEvent{Type: "NOT_A_REAL_TYPE"}, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := translateEvent(tc.ev)
			if tc.wantNil {
				if frame != nil {
					t.Fatalf("expected nil frame, got %#v", frame)
				}
				return
			}
			body, err := json.Marshal(frame)
			if err != nil {
				t.Fatalf("marshal frame: %v", err)
			}
			var env inboundEnvelope
			if err := json.Unmarshal(body, &env); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			if env.Type != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, env.Type)
			}
		})
	}
}

func TestTranslateEvent_BotResponseCarriesTranscript(t *testing.T) {
	ev := orchestrator.OrchestratorEvent{
		Type: orchestrator.BotResponse,
		Data: orchestrator.TurnResult{Transcript: "what's the weather", Reply: "sunny today"},
	}
	frame, ok := translateEvent(ev).(resultFrame)
	if !ok {
		t.Fatalf("expected resultFrame, got %#v", translateEvent(ev))
	}
	if frame.Transcript != "what's the weather" {
		t.Errorf("expected transcript to be populated, got %q", frame.Transcript)
	}
	if frame.AIResponse != "sunny today" {
		t.Errorf("expected ai_response 'sunny today', got %q", frame.AIResponse)
	}
}

func TestServer_ScaffoldStatus(t *testing.T) {
	s := &Server{} // no cache at all: memory subsystem disabled
	if got := s.scaffoldStatus("u1"); got != StatusScaffoldReady {
		t.Fatalf("expected ready with no cache configured, got %q", got)
	}

	s = &Server{cache: memory.NewScaffoldCache(120*time.Second, 0.4)}
	if got := s.scaffoldStatus("u1"); got != StatusScaffoldWarming {
		t.Fatalf("expected warming for a cold cache entry, got %q", got)
	}

	s.cache.Merge("u1", map[string]memory.Field{
		"mood": {Kind: memory.FieldCategorical, Value: "content", Source: memory.SourceRealtime, UpdatedAt: time.Now()},
	})
	if got := s.scaffoldStatus("u1"); got != StatusScaffoldReady {
		t.Fatalf("expected ready once the cache has an entry for this user, got %q", got)
	}
}

func TestDecodeInbound(t *testing.T) {
	frameType, body, err := decodeInbound([]byte(`{"type":"audio_chunk","audio_data":"AQID"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frameType != FrameAudioChunk {
		t.Fatalf("expected %q, got %q", FrameAudioChunk, frameType)
	}

	var payload AudioChunkIn
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if len(payload.AudioData) != 3 {
		t.Fatalf("expected 3 decoded bytes, got %d", len(payload.AudioData))
	}
}

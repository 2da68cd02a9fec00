package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lokutor-ai/lokutor-sessioncore/internal/config"
	"github.com/lokutor-ai/lokutor-sessioncore/internal/memory"
	"github.com/lokutor-ai/lokutor-sessioncore/internal/registry"
	"github.com/lokutor-ai/lokutor-sessioncore/internal/session"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-sessioncore/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-sessioncore/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-sessioncore/pkg/providers/tts"
)

// Server accepts client WebSocket connections, builds a fresh vendor stack
// and session.Controller per connection (vendor clients like LokutorTTS hold
// one connection each, so they can't be shared across sessions), and bridges
// frames to and from the Controller.
type Server struct {
	cfg       *config.Config
	reg       *registry.Registry
	analyzer  *memory.Analyzer      // nil when the memory subsystem is disabled
	cache     *memory.ScaffoldCache // nil when the memory subsystem is disabled
	memWriter *memory.Writer        // nil when the memory subsystem is disabled
	log       orchestrator.Logger
}

func NewServer(cfg *config.Config, reg *registry.Registry, analyzer *memory.Analyzer, cache *memory.ScaffoldCache, memWriter *memory.Writer, logger orchestrator.Logger) *Server {
	return &Server{cfg: cfg, reg: reg, analyzer: analyzer, cache: cache, memWriter: memWriter, log: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = uuid.NewString()
	}

	ctx := r.Context()
	stt, err := buildSTT(s.cfg)
	if err != nil {
		s.writeError(ctx, conn, err.Error())
		return
	}
	llm, err := buildLLM(s.cfg)
	if err != nil {
		s.writeError(ctx, conn, err.Error())
		return
	}
	tts := ttsProvider.NewLokutorTTS(s.cfg.LokutorAPIKey)
	vad := orchestrator.NewRMSVAD(0.02, 500*time.Millisecond)

	orch := orchestrator.NewWithLogger(stt, llm, tts, vad, s.cfg.Orchestrator, s.log)
	convSession := orch.NewSessionWithDefaults(userID)

	sessCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := session.New(sessCtx, orch, convSession, s.cfg.Orchestrator, vad, s.log, s.cache, s.memWriter, s.analyzer)
	ctrl.OnTurnEnd = func() { s.reg.MarkTurnEnded(userID) }
	s.reg.Put(userID, ctrl)
	defer s.reg.Remove(userID, ctrl)
	defer ctrl.Close()

	// The analyzer's per-user loop runs for as long as the process does, not
	// just this connection: Start is idempotent, so reconnecting never spawns
	// a second loop for the same user.
	if s.analyzer != nil {
		s.analyzer.Start(context.Background(), userID)
	}

	go s.pumpOutbound(ctx, conn, ctrl)

	s.writeFrame(ctx, conn, newStatusFrame(s.scaffoldStatus(userID)))
	s.readInbound(ctx, conn, ctrl)
}

// scaffoldStatus reports whether userID's Scaffold Cache entry is already
// populated. A cold cache also kicks off an immediate warm pass rather than
// leaving the connection to wait out the Analyzer's normal interval.
func (s *Server) scaffoldStatus(userID string) string {
	if s.cache == nil {
		return StatusScaffoldReady
	}
	if snap := s.cache.Get(userID); len(snap.Fields) > 0 {
		return StatusScaffoldReady
	}
	if s.analyzer != nil {
		s.analyzer.TriggerWarm(userID)
	}
	return StatusScaffoldWarming
}

// pumpOutbound drains ctrl.Events() and writes the corresponding outbound
// frame until the channel is closed (Controller.Close).
func (s *Server) pumpOutbound(ctx context.Context, conn *websocket.Conn, ctrl *session.Controller) {
	for ev := range ctrl.Events() {
		frame := translateEvent(ev)
		if frame == nil {
			continue
		}
		if err := s.writeFrame(ctx, conn, frame); err != nil {
			return
		}
	}
}

func translateEvent(ev orchestrator.OrchestratorEvent) interface{} {
	switch ev.Type {
	case orchestrator.UserSpeaking:
		return newStatusFrame(StatusRecording)
	case orchestrator.UserStopped:
		return newStatusFrame(StatusRecordingComplete)
	case orchestrator.TranscriptPartial:
		content, _ := ev.Data.(string)
		return transcriptTokenFrame{Type: FrameTranscriptToken, Content: content}
	case orchestrator.TranscriptFinal:
		return newStatusFrame(StatusTranscriptionComplete)
	case orchestrator.BotThinking:
		if token, ok := ev.Data.(string); ok && token != "" {
			return tokenStreamFrame{Type: FrameTokenStream, Content: token}
		}
		return newStatusFrame(StatusLLMTTSStreaming)
	case orchestrator.AudioChunk:
		chunk, _ := ev.Data.([]byte)
		return audioChunkOutFrame{Type: FrameAudioChunk, AudioData: chunk}
	case orchestrator.BotResponse:
		result, _ := ev.Data.(orchestrator.TurnResult)
		return resultFrame{Type: FrameResult, Transcript: result.Transcript, AIResponse: result.Reply}
	case orchestrator.Interrupted:
		return speechInterruptedFrame{Type: FrameSpeechInterrupted}
	case orchestrator.ErrorEvent:
		msg, _ := ev.Data.(string)
		return errorFrame{Type: FrameError, Message: msg}
	default:
		return nil
	}
}

func (s *Server) readInbound(ctx context.Context, conn *websocket.Conn, ctrl *session.Controller) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}

		frameType, body, err := decodeInbound(raw)
		if err != nil {
			s.writeFrame(ctx, conn, errorFrame{Type: FrameError, Message: "malformed frame"})
			continue
		}

		switch frameType {
		case FrameAudioStreamStart:
			var start AudioStreamStart
			if err := json.Unmarshal(body, &start); err != nil {
				s.writeFrame(ctx, conn, errorFrame{Type: FrameError, Message: "malformed audio_stream_start"})
				continue
			}
			if start.Format != "" && start.Format != "pcm16" {
				s.writeFrame(ctx, conn, errorFrame{Type: FrameError, Message: "unsupported audio format: " + start.Format})
				continue
			}
			s.log.Debug("audio stream started", "sample_rate", start.SampleRate, "channels", start.Channels, "format", start.Format)
			ctrl.OpenAudioStream()
		case FrameAudioChunk:
			var payload AudioChunkIn
			if err := json.Unmarshal(body, &payload); err != nil {
				s.writeFrame(ctx, conn, errorFrame{Type: FrameError, Message: "malformed audio_chunk"})
				continue
			}
			if err := ctrl.PushAudioChunk(payload.AudioData); err != nil {
				s.writeFrame(ctx, conn, errorFrame{Type: FrameError, Message: err.Error()})
			}
		case FrameAudioStreamEnd:
			ctrl.CloseAudioStream()
			s.writeFrame(ctx, conn, newStatusFrame(StatusStreamingComplete))
		case FrameInterruptSpeech:
			ctrl.Interrupt("client_interrupt")
		case FramePing:
			// no-op keepalive
		default:
			s.writeFrame(ctx, conn, errorFrame{Type: FrameError, Message: "unknown frame type: " + frameType})
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame interface{}) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, body)
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, msg string) {
	s.writeFrame(ctx, conn, errorFrame{Type: FrameError, Message: msg})
}

func buildSTT(cfg *config.Config) (orchestrator.STTProvider, error) {
	switch cfg.STTProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for openai STT")
		}
		return sttProvider.NewOpenAISTT(cfg.OpenAIAPIKey, "whisper-1"), nil
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY must be set for deepgram STT")
		}
		return sttProvider.NewDeepgramStreamSTT(cfg.DeepgramAPIKey), nil
	case "assemblyai":
		if cfg.AssemblyAIAPIKey == "" {
			return nil, fmt.Errorf("ASSEMBLYAI_API_KEY must be set for assemblyai STT")
		}
		return sttProvider.NewAssemblyAISTT(cfg.AssemblyAIAPIKey), nil
	case "groq":
		fallthrough
	default:
		if cfg.GroqAPIKey == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for groq STT")
		}
		return sttProvider.NewGroqSTT(cfg.GroqAPIKey, "whisper-large-v3-turbo"), nil
	}
}

func buildLLM(cfg *config.Config) (orchestrator.LLMProvider, error) {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for openai LLM")
		}
		return llmProvider.NewOpenAILLM(cfg.OpenAIAPIKey, "gpt-4o"), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set for anthropic LLM")
		}
		return llmProvider.NewAnthropicLLM(cfg.AnthropicAPIKey, "claude-3-5-sonnet-20241022"), nil
	case "google":
		if cfg.GoogleAPIKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY must be set for google LLM")
		}
		return llmProvider.NewGoogleLLM(cfg.GoogleAPIKey, "gemini-1.5-flash"), nil
	case "groq":
		fallthrough
	default:
		if cfg.GroqAPIKey == "" {
			return nil, fmt.Errorf("GROQ_API_KEY must be set for groq LLM")
		}
		return llmProvider.NewGroqLLM(cfg.GroqAPIKey, "llama-3.3-70b-versatile"), nil
	}
}

// Package session implements the Session Controller: the per-connection
// state machine that couples the STT/LLM/TTS streaming pipeline together,
// generalizing a single-process managed stream into a networked,
// multi-session core.
package session

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-sessioncore/internal/memory"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

// Controller owns one client's conversation: its state machine, its rolling
// audio buffer, the streaming STT session, and the LLM/TTS pipeline for the
// current Turn. One Controller is created per client connection and torn
// down when the connection closes.
type Controller struct {
	orch    *orchestrator.Orchestrator
	session *orchestrator.ConversationSession
	cfg     orchestrator.Config
	logger  orchestrator.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan orchestrator.OrchestratorEvent
	vad    orchestrator.VADProvider

	pipeline *Pipeline
	playback playbackCounter

	// scaffold and warmer are both nil when the memory subsystem is disabled
	// (no MEMORYSTORE_URL configured) — every call site below tolerates that.
	scaffold  *memory.ScaffoldCache
	memWriter *memory.Writer
	warmer    *memory.Analyzer

	mu    sync.Mutex
	state orchestrator.SessionState

	audioBuf      *bytes.Buffer
	sttChan       chan<- []byte
	sttGeneration int

	pipelineCancel context.CancelFunc
	turnCancel     context.CancelFunc

	userSpeechEndTime time.Time
	sttStartTime      time.Time
	sttEndTime        time.Time
	llmStartTime      time.Time
	llmEndTime        time.Time
	ttsStartTime      time.Time
	ttsFirstChunkTime time.Time
	botSpeakStartTime time.Time
	lastAudioSentAt   time.Time

	closeOnce sync.Once

	// OnTurnEnd, if set, is called every time a Turn completes (successfully,
	// with an error, or via interrupt). The Session Registry uses this to
	// track each user's "had a turn finish <5s ago" Background Analyzer guard.
	OnTurnEnd func()
}

// New creates a Controller for one client connection. vad may be nil if no
// automatic barge-in detector is configured for this deployment; scaffold,
// memWriter, and warmer may all be nil, which is what happens when the
// memory subsystem itself is disabled (no memory store configured) — a
// Controller built that way simply never does Prompt Assembly or realtime
// scaffold writeback.
func New(ctx context.Context, orch *orchestrator.Orchestrator, convSession *orchestrator.ConversationSession, cfg orchestrator.Config, vad orchestrator.VADProvider, logger orchestrator.Logger, scaffold *memory.ScaffoldCache, memWriter *memory.Writer, warmer *memory.Analyzer) *Controller {
	cCtx, cancel := context.WithCancel(ctx)
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}

	var streamVAD orchestrator.VADProvider
	if vad != nil {
		streamVAD = vad.Clone()
	}

	return &Controller{
		orch:      orch,
		session:   convSession,
		cfg:       cfg,
		logger:    logger,
		ctx:       cCtx,
		cancel:    cancel,
		events:    make(chan orchestrator.OrchestratorEvent, cfg.AudioChannelCapacity*4),
		vad:       streamVAD,
		pipeline:  NewPipeline(cfg),
		state:     orchestrator.StateIdle,
		scaffold:  scaffold,
		memWriter: memWriter,
		warmer:    warmer,
	}
}

func (c *Controller) State() orchestrator.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(next orchestrator.SessionState) {
	c.mu.Lock()
	cur := c.state
	if !cur.CanTransition(next) && cur != next {
		c.logger.Warn("illegal session state transition", "from", cur, "to", next, "sessionID", c.session.ID)
	}
	c.state = next
	c.mu.Unlock()
}

// Events returns the outbound, totally-ordered event sequence for this
// session. The transport layer drains this and maps each OrchestratorEvent
// onto a wire frame.
func (c *Controller) Events() <-chan orchestrator.OrchestratorEvent {
	return c.events
}

func countWords(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return len(strings.Fields(s))
}

// OpenAudioStream begins a Recording Turn: starts streaming STT if the
// configured provider supports it, otherwise falls back to per-chunk
// buffering for a later batch Transcribe call in CloseAudioStream.
func (c *Controller) OpenAudioStream() {
	c.mu.Lock()
	c.audioBuf = new(bytes.Buffer)
	c.userSpeechEndTime = time.Time{}
	c.sttStartTime, c.sttEndTime = time.Time{}, time.Time{}
	c.llmStartTime, c.llmEndTime = time.Time{}, time.Time{}
	c.ttsStartTime, c.ttsFirstChunkTime = time.Time{}, time.Time{}
	c.mu.Unlock()

	c.setState(orchestrator.StateRecording)
	c.emit(orchestrator.UserSpeaking, nil)

	if streaming, ok := providerAsStreaming(c.orch); ok {
		c.startStreamingSTT(streaming)
	}
}

// PushAudioChunk feeds one inbound audio frame into the active Turn. While
// Generating/Speaking, sustained energy (per the session's VADProvider) is treated
// as an automatic barge-in, matching an explicit interrupt_speech frame.
func (c *Controller) PushAudioChunk(chunk []byte) error {
	c.mu.Lock()
	state := c.state
	sttChan := c.sttChan
	c.mu.Unlock()

	if c.vad != nil {
		event, err := c.vad.Process(chunk)
		if err != nil {
			return orchestrator.Classify(orchestrator.ClassClientProtocol, err)
		}
		if event != nil && event.Type == orchestrator.VADSpeechStart && (state == orchestrator.StateGenerating || state == orchestrator.StateSpeaking) {
			c.Interrupt("barge_in_energy")
			state = orchestrator.StateRecording
			c.mu.Lock()
			sttChan = c.sttChan
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	if c.audioBuf != nil {
		c.audioBuf.Write(chunk)
		if c.audioBuf.Len() > 176400 {
			data := c.audioBuf.Bytes()
			leadIn := append([]byte(nil), data[len(data)-132300:]...)
			c.audioBuf.Reset()
			c.audioBuf.Write(leadIn)
		}
	}
	c.mu.Unlock()

	if sttChan != nil {
		select {
		case sttChan <- chunk:
		default:
			c.logger.Warn("stt channel full, dropping audio chunk", "sessionID", c.session.ID)
		}
	}
	return nil
}

// CloseAudioStream ends the current recording Turn: stops streaming STT (the
// final transcript callback drives the rest of the Turn) or, without a
// streaming provider, runs one batch Transcribe over the buffered audio.
func (c *Controller) CloseAudioStream() {
	c.mu.Lock()
	c.userSpeechEndTime = time.Now()
	sttChan := c.sttChan
	c.mu.Unlock()
	c.emit(orchestrator.UserStopped, nil)

	if sttChan != nil {
		c.mu.Lock()
		c.sttChan = nil
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	var audioData []byte
	if c.audioBuf != nil {
		audioData = append([]byte(nil), c.audioBuf.Bytes()...)
		c.audioBuf.Reset()
	}
	c.mu.Unlock()

	if len(audioData) == 0 {
		c.setState(orchestrator.StateIdle)
		return
	}
	go c.runBatchPipeline(audioData)
}

func providerAsStreaming(orch *orchestrator.Orchestrator) (orchestrator.StreamingSTTProvider, bool) {
	stt, ok := orch.STTProvider().(orchestrator.StreamingSTTProvider)
	return stt, ok
}

func (c *Controller) startStreamingSTT(provider orchestrator.StreamingSTTProvider) {
	ctx, cancel := context.WithCancel(c.ctx)

	c.mu.Lock()
	c.sttGeneration++
	currentGeneration := c.sttGeneration
	c.pipelineCancel = cancel
	c.sttStartTime = time.Now()
	c.mu.Unlock()

	sttChan, err := provider.StreamTranscribe(ctx, c.session.GetCurrentLanguage(), func(transcript string, isFinal bool) error {
		c.mu.Lock()
		stale := c.sttGeneration != currentGeneration
		state := c.state
		c.mu.Unlock()
		if stale {
			return nil
		}

		if state == orchestrator.StateGenerating || state == orchestrator.StateSpeaking {
			minWords := c.cfg.MinWordsToInterrupt
			if minWords < 1 {
				minWords = 1
			}
			if countWords(transcript) >= minWords {
				c.Interrupt("barge_in_transcript")
			} else if !isFinal {
				c.emit(orchestrator.TranscriptPartial, transcript)
				return nil
			}
		}

		if isFinal {
			c.mu.Lock()
			c.sttEndTime = time.Now()
			c.mu.Unlock()
			c.emit(orchestrator.TranscriptFinal, transcript)
			c.session.AddMessage("user", transcript)
			c.setState(orchestrator.StateFinalizing)
			go c.runLLMAndTTS(transcript)
		} else {
			c.emit(orchestrator.TranscriptPartial, transcript)
		}
		return nil
	})
	if err != nil {
		c.emit(orchestrator.ErrorEvent, fmt.Sprintf("failed to start streaming STT: %v", err))
		cancel()
		return
	}

	c.mu.Lock()
	c.sttChan = sttChan
	c.mu.Unlock()
}

func (c *Controller) runBatchPipeline(audioData []byte) {
	c.setState(orchestrator.StateFinalizing)
	c.mu.Lock()
	ctx, cancel := context.WithCancel(c.ctx)
	c.pipelineCancel = cancel
	c.sttStartTime = time.Now()
	c.mu.Unlock()
	defer cancel()

	transcript, err := c.orch.Transcribe(ctx, audioData, c.session.GetCurrentLanguage())
	c.mu.Lock()
	c.sttEndTime = time.Now()
	c.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			c.emit(orchestrator.ErrorEvent, fmt.Sprintf("transcription error: %v", err))
		}
		c.setState(orchestrator.StateIdle)
		return
	}
	if strings.TrimSpace(transcript) == "" {
		c.setState(orchestrator.StateIdle)
		return
	}

	c.emit(orchestrator.TranscriptFinal, transcript)
	c.session.AddMessage("user", transcript)
	c.runLLMAndTTS(transcript)
}

// runLLMAndTTS drives one Turn through Generating and Speaking. It owns the
// current Playback Session id for the duration; a barge-in that arrives
// mid-stream bumps c.playback so any chunk still in flight from this call is
// recognizably stale once Interrupt has already returned.
func (c *Controller) runLLMAndTTS(transcript string) {
	c.mu.Lock()
	ctx, cancel := context.WithCancel(c.ctx)
	c.turnCancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.setState(orchestrator.StateGenerating)
	c.emit(orchestrator.BotThinking, nil)

	c.mu.Lock()
	c.llmStartTime = time.Now()
	c.mu.Unlock()

	playbackID := c.playback.Next()
	messages := c.session.GetContextCopy()
	if snap := c.scaffoldSnapshot(); snap != nil {
		messages = append([]orchestrator.Message{scaffoldSystemMessage(snap)}, messages...)
	}
	voice, lang := c.session.GetCurrentVoice(), c.session.GetCurrentLanguage()

	reply, err := c.pipeline.Run(ctx, c.orch.LLMProvider(), c.orch.TTSProvider(), messages, voice, lang, playbackID,
		func(token string) error {
			c.emit(orchestrator.BotThinking, token)
			return nil
		},
		func(chunk AudioChunk) error {
			if chunk.Playback != c.playback.Current() {
				return nil // orphaned chunk from a superseded Playback Session
			}
			c.mu.Lock()
			c.lastAudioSentAt = time.Now()
			if c.ttsFirstChunkTime.IsZero() {
				c.ttsFirstChunkTime = time.Now()
			}
			if c.ttsStartTime.IsZero() {
				c.ttsStartTime = time.Now()
			}
			if c.botSpeakStartTime.IsZero() {
				c.botSpeakStartTime = time.Now()
				c.state = orchestrator.StateSpeaking
			}
			c.mu.Unlock()
			c.emit(orchestrator.AudioChunk, chunk.Data)
			return nil
		},
	)

	c.mu.Lock()
	c.llmEndTime = time.Now()
	c.mu.Unlock()

	defer func() {
		if c.OnTurnEnd != nil {
			c.OnTurnEnd()
		}
	}()

	if err != nil {
		if orchestrator.ClassOf(err) == orchestrator.ClassInterrupted {
			return // cleanup already emitted Interrupted and reset state
		}
		c.emit(orchestrator.ErrorEvent, err.Error())
		c.setState(orchestrator.StateIdle)
		return
	}

	if reply != "" {
		c.session.AddMessage("assistant", reply)
		c.emit(orchestrator.BotResponse, orchestrator.TurnResult{Transcript: transcript, Reply: reply})
		c.writeRealtimeScaffold(transcript, reply)
	}

	c.logLatency()
	c.setState(orchestrator.StateIdle)
}

// scaffoldSnapshot implements Prompt Assembly's non-blocking contract: use
// whatever is cached (even stale) within ScaffoldSyncWaitMS, fall back to no
// scaffold at all if that's exceeded, and if the cache has nothing for this
// user yet, kick off an immediate warm pass instead of waiting for the
// Analyzer's next scheduled interval.
func (c *Controller) scaffoldSnapshot() *memory.Scaffold {
	if c.scaffold == nil {
		return nil
	}

	result := make(chan *memory.Scaffold, 1)
	go func() { result <- c.scaffold.Get(c.session.ID) }()

	select {
	case snap := <-result:
		if len(snap.Fields) == 0 {
			if c.warmer != nil {
				c.warmer.TriggerWarm(c.session.ID)
			}
			return nil
		}
		return snap
	case <-time.After(time.Duration(c.cfg.ScaffoldSyncWaitMS) * time.Millisecond):
		c.logger.Warn("scaffold cache read exceeded sync wait, falling back to empty profile", "sessionID", c.session.ID)
		return nil
	}
}

// scaffoldSystemMessage renders a Scaffold snapshot into the one system
// message Prompt Assembly folds ahead of the conversation history. Field
// names are sorted so the same snapshot always renders identically.
func scaffoldSystemMessage(s *memory.Scaffold) orchestrator.Message {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Known context about this user:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %v\n", name, s.Fields[name].Value)
	}
	return orchestrator.Message{Role: "system", Content: sb.String()}
}

// writeRealtimeScaffold submits the Turn's realtime scaffold observation
// (engagement, derived from how much the user said) and persists the
// exchange as a fact Memory Operation. Per the Freshness Guard, a realtime
// write always wins over whatever the Background Analyzer last merged.
func (c *Controller) writeRealtimeScaffold(transcript, reply string) {
	now := time.Now()
	if c.scaffold != nil {
		engagement := float64(countWords(transcript)) / 40.0
		if engagement > 1 {
			engagement = 1
		}
		c.scaffold.Merge(c.session.ID, map[string]memory.Field{
			"engagement": {Kind: memory.FieldNumeric, Value: engagement, Source: memory.SourceRealtime, UpdatedAt: now},
		})
	}
	if c.memWriter != nil {
		c.memWriter.Submit(memory.Operation{
			ID:        fmt.Sprintf("%s-fact-%d", c.session.ID, now.UnixNano()),
			UserID:    c.session.ID,
			Kind:      memory.KindFact,
			Payload:   map[string]interface{}{"transcript": transcript, "reply": reply},
			Source:    "realtime",
			CreatedAt: now,
		})
	}
}

// Interrupt performs an idempotent barge-in cleanup: cancels the in-flight
// Turn's contexts outside the lock (avoiding a goroutine that needs the same
// lock to observe cancellation deadlocking against the caller), bumps the
// Playback Session so any audio
// still draining from the old Turn is recognizable as orphaned, and emits
// exactly one Interrupted event.
func (c *Controller) Interrupt(reason string) {
	c.mu.Lock()
	if c.state != orchestrator.StateGenerating && c.state != orchestrator.StateSpeaking {
		c.mu.Unlock()
		return
	}
	pipelineCancel := c.pipelineCancel
	turnCancel := c.turnCancel
	c.pipelineCancel = nil
	c.turnCancel = nil
	c.sttChan = nil
	c.sttGeneration++
	c.playback.Next()
	c.state = orchestrator.StateIdle
	c.mu.Unlock()

	if pipelineCancel != nil {
		pipelineCancel()
	}
	if turnCancel != nil {
		turnCancel()
	}
	if tts := c.orch.TTSProvider(); tts != nil {
		if err := tts.Abort(); err != nil {
			c.logger.Warn("tts abort failed", "sessionID", c.session.ID, "reason", reason, "error", err)
		}
	}

	c.drainAudioEvents()
	c.emit(orchestrator.Interrupted, reason)
}

func (c *Controller) drainAudioEvents() {
	deadline := time.Now().Add(100 * time.Millisecond)
	var kept []orchestrator.OrchestratorEvent
	for time.Now().Before(deadline) {
		select {
		case ev := <-c.events:
			if ev.Type != orchestrator.AudioChunk {
				kept = append(kept, ev)
			}
		default:
			goto done
		}
	}
done:
	for _, ev := range kept {
		select {
		case c.events <- ev:
		default:
		}
	}
}

func (c *Controller) logLatency() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userSpeechEndTime.IsZero() || c.lastAudioSentAt.IsZero() {
		return
	}
	e2e := c.lastAudioSentAt.Sub(c.userSpeechEndTime).Milliseconds()
	c.logger.Info("turn latency", "sessionID", c.session.ID, "end_to_end_ms", e2e)
}

// Close idempotently tears down the controller: interrupts any in-flight
// Turn, cancels the session context, and closes the event channel.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.Interrupt("session_closed")
		c.cancel()
		time.Sleep(10 * time.Millisecond)
		close(c.events)
	})
}

func (c *Controller) emit(eventType orchestrator.EventType, data interface{}) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	event := orchestrator.OrchestratorEvent{Type: eventType, SessionID: c.session.ID, Data: data}
	select {
	case c.events <- event:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("event channel full, dropping event", "sessionID", c.session.ID, "type", eventType)
	}
}

// Package transport implements the client-facing WebSocket protocol: a
// tagged-object frame catalogue over github.com/coder/websocket, bridging
// inbound control/audio frames to an internal/session.Controller and its
// outbound orchestrator.OrchestratorEvent stream back out as frames.
package transport

import "encoding/json"

// Inbound frame type tags, per the client transport's frame catalogue.
const (
	FrameAudioStreamStart = "audio_stream_start"
	FrameAudioChunk       = "audio_chunk"
	FrameAudioStreamEnd   = "audio_stream_end"
	FrameInterruptSpeech  = "interrupt_speech"
	FramePing             = "ping"
)

// Outbound frame type tags.
const (
	FrameStatus            = "status"
	FrameTranscriptToken   = "transcript_token"
	FrameTokenStream       = "token_stream"
	FrameResult            = "result"
	FrameError             = "error"
	FrameSpeechInterrupted = "speech_interrupted"
)

// Outbound status values.
const (
	StatusScaffoldWarming       = "scaffold_warming"
	StatusScaffoldReady         = "scaffold_ready"
	StatusRecording             = "recording"
	StatusRecordingComplete     = "recording_complete"
	StatusTranscriptionComplete = "transcription_complete"
	StatusLLMTTSStreaming       = "llm_tts_streaming"
	StatusStreamingComplete     = "streaming_complete"
)

// inboundEnvelope is parsed first to discriminate on Type before decoding the
// type-specific payload.
type inboundEnvelope struct {
	Type string `json:"type"`
}

// AudioStreamStart is the payload of an audio_stream_start frame.
type AudioStreamStart struct {
	SampleRate uint32 `json:"sample_rate"`
	Channels   uint8  `json:"channels"`
	Format     string `json:"format"`
}

// AudioChunkIn is the payload of an inbound audio_chunk frame.
type AudioChunkIn struct {
	AudioData []byte `json:"audio_data"`
}

// decodeInbound unmarshals a raw frame into its type tag plus a
// json.RawMessage, deferring payload decoding to the caller per frame type.
func decodeInbound(raw []byte) (string, json.RawMessage, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, err
	}
	return env.Type, json.RawMessage(raw), nil
}

type statusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func newStatusFrame(status string) statusFrame {
	return statusFrame{Type: FrameStatus, Status: status}
}

type transcriptTokenFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type tokenStreamFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type audioChunkOutFrame struct {
	Type      string `json:"type"`
	AudioData []byte `json:"audio_data"`
}

type resultFrame struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	AIResponse string `json:"ai_response"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type speechInterruptedFrame struct {
	Type string `json:"type"`
}

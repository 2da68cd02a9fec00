package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

// DeepgramStreamSTT wraps Deepgram's realtime listen WebSocket endpoint.
// Unlike pkg/providers/tts.LokutorTTS it does not reuse a connection: each
// StreamTranscribe call dials its own, and the mu/conn fields are not used.
type DeepgramStreamSTT struct {
	apiKey string
	host   string
	scheme string

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewDeepgramStreamSTT(apiKey string) *DeepgramStreamSTT {
	return &DeepgramStreamSTT{
		apiKey: apiKey,
		host:   "api.deepgram.com",
		scheme: "wss",
	}
}

func (s *DeepgramStreamSTT) Name() string {
	return "deepgram-stream-stt"
}

// Transcribe falls back to the batch REST endpoint so DeepgramStreamSTT also
// satisfies orchestrator.STTProvider for callers that don't need streaming.
func (s *DeepgramStreamSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	return NewDeepgramSTT(s.apiKey).Transcribe(ctx, audioPCM, lang)
}

func (s *DeepgramStreamSTT) connect(ctx context.Context, lang orchestrator.Language) (*websocket.Conn, error) {
	u := url.URL{Scheme: s.scheme, Host: s.host, Path: "/v1/listen"}
	q := u.Query()
	q.Set("model", "nova-2")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	if lang != "" {
		q.Set("language", string(lang))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Token " + s.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to deepgram stream: %w", err)
	}
	return conn, nil
}

type deepgramStreamResult struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// StreamTranscribe dials a fresh Deepgram connection, starts a read loop that
// invokes onTranscript for every partial and final result, and returns a
// channel the caller feeds raw PCM frames into. Closing the returned channel
// signals end-of-audio; the connection is torn down once the read loop exits.
func (s *DeepgramStreamSTT) StreamTranscribe(ctx context.Context, lang orchestrator.Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error) {
	conn, err := s.connect(ctx, lang)
	if err != nil {
		return nil, err
	}

	audioChunks := make(chan []byte, 32)

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "stream closed")

		errCh := make(chan error, 1)
		go func() {
			for {
				_, payload, err := conn.Read(ctx)
				if err != nil {
					errCh <- err
					return
				}
				var res deepgramStreamResult
				if err := json.Unmarshal(payload, &res); err != nil {
					continue
				}
				if len(res.Channel.Alternatives) == 0 {
					continue
				}
				transcript := res.Channel.Alternatives[0].Transcript
				if transcript == "" {
					continue
				}
				if err := onTranscript(transcript, res.IsFinal); err != nil {
					errCh <- err
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-errCh:
				return
			case chunk, ok := <-audioChunks:
				if !ok {
					conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					select {
					case <-errCh:
					case <-ctx.Done():
					}
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
					return
				}
			}
		}
	}()

	return audioChunks, nil
}

package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

func TestDeepgramStreamSTT_StreamTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		_, _, err = conn.Read(r.Context())
		if err != nil {
			return
		}

		conn.Write(r.Context(), websocket.MessageText, []byte(`{"is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`))
		conn.Write(r.Context(), websocket.MessageText, []byte(`{"is_final":true,"channel":{"alternatives":[{"transcript":"hello"}]}}`))

		// Wait for the client's CloseStream text frame before tearing down.
		conn.Read(r.Context())
	}))
	defer server.Close()

	s := &DeepgramStreamSTT{
		apiKey: "test-key",
		host:   strings.TrimPrefix(server.URL, "http://"),
		scheme: "ws",
	}

	var mu sync.Mutex
	var transcripts []string
	var finals []bool

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audioChunks, err := s.StreamTranscribe(ctx, orchestrator.LanguageEn, func(transcript string, isFinal bool) error {
		mu.Lock()
		transcripts = append(transcripts, transcript)
		finals = append(finals, isFinal)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	audioChunks <- []byte{1, 2, 3}
	close(audioChunks)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(transcripts)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for transcripts, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if transcripts[0] != "hel" || finals[0] {
		t.Errorf("expected partial 'hel', got %q final=%v", transcripts[0], finals[0])
	}
	if transcripts[1] != "hello" || !finals[1] {
		t.Errorf("expected final 'hello', got %q final=%v", transcripts[1], finals[1])
	}

	if s.Name() != "deepgram-stream-stt" {
		t.Errorf("expected deepgram-stream-stt, got %s", s.Name())
	}
}

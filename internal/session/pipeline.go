package session

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

// Pipeline is the LLM-to-TTS streaming bridge: LLM tokens flow into a Text
// Boundary Buffer, which flushes sentence/clause-sized segments onto a
// bounded channel for synthesis. Each synthesized audio chunk is handed
// directly to the onAudio callback; there is no audio channel inside
// Pipeline, and audioCap is stored but not used here.
type Pipeline struct {
	tokenCap    int
	audioCap    int
	boundaryLen int
	idleFlush   time.Duration
}

func NewPipeline(cfg orchestrator.Config) *Pipeline {
	return &Pipeline{
		tokenCap:    cfg.TokenChannelCapacity,
		audioCap:    cfg.AudioChannelCapacity,
		boundaryLen: cfg.BoundaryFlushBytes,
		idleFlush:   time.Duration(cfg.BoundaryIdleFlushMS) * time.Millisecond,
	}
}

// AudioChunk is one TTS output chunk tagged with the Playback Session it
// belongs to, so a consumer that has since moved to a new Playback Session
// (a barge-in happened mid-stream) can discard it instead of sending orphaned
// audio to the client.
type AudioChunk struct {
	Playback orchestrator.PlaybackSessionID
	Data     []byte
}

// Run drives one Turn's LLM generation and TTS synthesis concurrently,
// sending completed text segments to TTS as they cross a sentence/clause
// boundary rather than waiting for the full reply. onToken/onAudio are
// called for UI/transport forwarding (token_stream / audio_chunk frames);
// onAudio receives chunks already tagged with playback. Returns the full
// assembled reply text and any error; ctx cancellation (barge-in) unwinds
// both goroutines cleanly via the bounded channels closing.
func (p *Pipeline) Run(
	ctx context.Context,
	llm orchestrator.LLMProvider,
	tts orchestrator.TTSProvider,
	messages []orchestrator.Message,
	voice orchestrator.Voice,
	lang orchestrator.Language,
	playback orchestrator.PlaybackSessionID,
	onToken func(token string) error,
	onAudio func(AudioChunk) error,
) (string, error) {
	segments := make(chan string, p.tokenCap)
	g, gctx := errgroup.WithContext(ctx)

	var fullReply string

	g.Go(func() error {
		defer close(segments)

		buf := orchestrator.NewTextBoundaryBuffer(p.boundaryLen, p.idleFlush)
		emit := func(text string) error {
			if text == "" {
				return nil
			}
			select {
			case segments <- text:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		streaming, ok := llm.(orchestrator.StreamingLLMProvider)
		if !ok {
			reply, err := llm.Complete(gctx, messages)
			if err != nil {
				return fmt.Errorf("llm completion: %w", err)
			}
			fullReply = reply
			buf.Push(reply)
			if flushed, ok := buf.Final(); ok {
				return emit(flushed)
			}
			return nil
		}

		// Tokens are fed through a channel rather than handled inline from the
		// vendor callback so this goroutine can also race an idle-flush ticker
		// against token arrival: if the vendor stalls mid-reply before a
		// flushable boundary, IdleFlush still gets a chance to start audio.
		tokens := make(chan string, p.tokenCap)
		streamDone := make(chan error, 1)
		go func() {
			err := streaming.StreamComplete(gctx, messages, func(token string) error {
				select {
				case tokens <- token:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
			close(tokens)
			streamDone <- err
		}()

		var ticker *time.Ticker
		var tickerC <-chan time.Time
		if p.idleFlush > 0 {
			ticker = time.NewTicker(p.idleFlush)
			defer ticker.Stop()
			tickerC = ticker.C
		}

		var assembled []byte
	drain:
		for {
			select {
			case token, open := <-tokens:
				if !open {
					break drain
				}
				assembled = append(assembled, token...)
				if onToken != nil {
					if err := onToken(token); err != nil {
						return err
					}
				}
				if flushed, ok := buf.Push(token); ok {
					if err := emit(flushed); err != nil {
						return err
					}
				}
				if ticker != nil {
					ticker.Reset(p.idleFlush)
				}
			case <-tickerC:
				if flushed, ok := buf.IdleFlush(); ok {
					if err := emit(flushed); err != nil {
						return err
					}
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}

		fullReply = string(assembled)
		if err := <-streamDone; err != nil {
			return fmt.Errorf("llm stream: %w", err)
		}
		if flushed, ok := buf.Final(); ok {
			return emit(flushed)
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case text, open := <-segments:
				if !open {
					return nil
				}
				err := tts.StreamSynthesize(gctx, text, voice, lang, func(data []byte) error {
					chunk := AudioChunk{Playback: playback, Data: append([]byte(nil), data...)}
					if onAudio != nil {
						return onAudio(chunk)
					}
					return nil
				})
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					return fmt.Errorf("tts synthesis: %w", err)
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return fullReply, orchestrator.Classify(orchestrator.ClassInterrupted, ctx.Err())
		}
		return fullReply, orchestrator.Classify(orchestrator.ClassVendorTransient, err)
	}
	return fullReply, nil
}

package orchestrator

import (
	"strings"
	"time"
)

// sentenceTerminators flush the buffer immediately: a full sentence is always
// worth handing to TTS as soon as it's complete.
const sentenceTerminators = ".!?"

// clauseTerminators only flush once the buffer has grown past the soft byte
// threshold — a comma after two words isn't worth a synthesis round trip, but
// one after a full clause is.
const clauseTerminators = ",;:"

// TextBoundaryBuffer accumulates LLM tokens and decides when a prefix of the
// accumulated text is ready to hand to TTS. It flushes on a sentence
// terminator unconditionally, on a clause terminator once softThreshold bytes
// have accumulated, or after idleTimeout has elapsed since the last token with
// no terminator in sight, so a reply with no punctuation still starts
// speaking instead of waiting for the whole thing.
type TextBoundaryBuffer struct {
	softThreshold int
	idleTimeout   time.Duration

	buf        strings.Builder
	lastTokenAt time.Time
}

func NewTextBoundaryBuffer(softThreshold int, idleTimeout time.Duration) *TextBoundaryBuffer {
	return &TextBoundaryBuffer{
		softThreshold: softThreshold,
		idleTimeout:   idleTimeout,
	}
}

// Push appends a token and returns the text to flush to TTS, if any, along
// with whether a flush happened. Callers append tokens one at a time as they
// arrive from the LLM stream.
func (b *TextBoundaryBuffer) Push(token string) (flushed string, ok bool) {
	b.buf.WriteString(token)
	b.lastTokenAt = time.Now()
	return b.checkFlush()
}

// IdleFlush is called by a ticking goroutine when no token has arrived for
// idleTimeout; it force-flushes whatever has accumulated so a long gap
// between tokens (slow vendor, thinking pause) doesn't stall the first audio
// chunk indefinitely.
func (b *TextBoundaryBuffer) IdleFlush() (flushed string, ok bool) {
	if b.buf.Len() == 0 {
		return "", false
	}
	if time.Since(b.lastTokenAt) < b.idleTimeout {
		return "", false
	}
	return b.drain(), true
}

// Final drains whatever remains once the LLM stream has ended, regardless of
// terminators or thresholds — the last clause of a reply is still owed to TTS.
func (b *TextBoundaryBuffer) Final() (flushed string, ok bool) {
	if b.buf.Len() == 0 {
		return "", false
	}
	return b.drain(), true
}

func (b *TextBoundaryBuffer) checkFlush() (string, bool) {
	text := b.buf.String()
	if text == "" {
		return "", false
	}

	trimmed := strings.TrimRight(text, " \t")
	if trimmed == "" {
		return "", false
	}
	last := trimmed[len(trimmed)-1]

	if strings.IndexByte(sentenceTerminators, last) >= 0 {
		return b.drain(), true
	}
	if strings.IndexByte(clauseTerminators, last) >= 0 && len(text) >= b.softThreshold {
		return b.drain(), true
	}
	return "", false
}

func (b *TextBoundaryBuffer) drain() string {
	out := b.buf.String()
	b.buf.Reset()
	return out
}

// Len reports the number of bytes currently buffered, unflushed.
func (b *TextBoundaryBuffer) Len() int {
	return b.buf.Len()
}

package orchestrator

import (
	"testing"
	"time"
)

func TestTextBoundaryBuffer_FlushesOnSentenceTerminator(t *testing.T) {
	b := NewTextBoundaryBuffer(60, 180*time.Millisecond)

	if _, ok := b.Push("Hello"); ok {
		t.Fatal("should not flush before a terminator")
	}
	flushed, ok := b.Push(" there.")
	if !ok {
		t.Fatal("expected flush on sentence terminator")
	}
	if flushed != "Hello there." {
		t.Fatalf("unexpected flush content: %q", flushed)
	}
	if b.Len() != 0 {
		t.Fatal("buffer should be empty after flush")
	}
}

func TestTextBoundaryBuffer_ClauseTerminatorNeedsThreshold(t *testing.T) {
	b := NewTextBoundaryBuffer(20, 180*time.Millisecond)

	if _, ok := b.Push("Hi,"); ok {
		t.Fatal("short clause should not flush before threshold")
	}
	flushed, ok := b.Push(" after a long enough clause,")
	if !ok {
		t.Fatal("expected flush once threshold reached")
	}
	if flushed != "Hi, after a long enough clause," {
		t.Fatalf("unexpected flush content: %q", flushed)
	}
}

func TestTextBoundaryBuffer_IdleFlush(t *testing.T) {
	b := NewTextBoundaryBuffer(60, 10*time.Millisecond)
	b.Push("no terminator here")

	if _, ok := b.IdleFlush(); ok {
		t.Fatal("should not idle-flush before the timeout elapses")
	}

	time.Sleep(15 * time.Millisecond)
	flushed, ok := b.IdleFlush()
	if !ok {
		t.Fatal("expected idle flush after timeout")
	}
	if flushed != "no terminator here" {
		t.Fatalf("unexpected flush content: %q", flushed)
	}
}

func TestTextBoundaryBuffer_Final(t *testing.T) {
	b := NewTextBoundaryBuffer(60, 180*time.Millisecond)
	b.Push("trailing clause with no punctuation")

	flushed, ok := b.Final()
	if !ok {
		t.Fatal("expected Final to drain remaining text")
	}
	if flushed != "trailing clause with no punctuation" {
		t.Fatalf("unexpected flush content: %q", flushed)
	}

	if _, ok := b.Final(); ok {
		t.Fatal("Final on an empty buffer should report no flush")
	}
}

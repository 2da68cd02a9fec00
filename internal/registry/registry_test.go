package registry

import (
	"context"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-sessioncore/internal/session"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
)

func newTestController(t *testing.T) (*session.Controller, context.CancelFunc) {
	t.Helper()
	orch := orchestrator.New(nil, nil, nil, orchestrator.DefaultConfig())
	convSession := orch.NewSessionWithDefaults("user-1")
	ctx, cancel := context.WithCancel(context.Background())
	ctrl := session.New(ctx, orch, convSession, orchestrator.DefaultConfig(), nil, &orchestrator.NoOpLogger{}, nil, nil, nil)
	return ctrl, cancel
}

func TestRegistryPutRemove(t *testing.T) {
	r := New()
	ctrl, cancel := newTestController(t)
	defer cancel()

	r.Put("user-1", ctrl)
	if r.Len() != 1 {
		t.Fatalf("expected Len 1, got %d", r.Len())
	}

	r.Remove("user-1", ctrl)
	if r.Len() != 0 {
		t.Fatalf("expected Len 0, got %d", r.Len())
	}
}

// A connected-but-idle user (the common case between Turns) must not read
// as active, or they'd permanently block their own Background Analyzer pass.
func TestRegistryIsActive_IdleConnectionDoesNotCount(t *testing.T) {
	r := New()
	ctrl, cancel := newTestController(t)
	defer cancel()

	r.Put("user-1", ctrl)
	if r.IsActive("user-1") {
		t.Fatal("expected a connected but idle session to not count as active")
	}
}

func TestRegistryIsActive_TracksSessionState(t *testing.T) {
	r := New()
	ctrl, cancel := newTestController(t)
	defer cancel()
	r.Put("user-1", ctrl)

	ctrl.OpenAudioStream() // Idle -> Recording
	if !r.IsActive("user-1") {
		t.Fatal("expected user-1 to be active while Recording")
	}

	ctrl.CloseAudioStream() // no audio buffered -> back to Idle
	if r.IsActive("user-1") {
		t.Fatal("expected user-1 to be inactive again once back to Idle")
	}
}

func TestRegistryIsActive_FalseOnceDisconnected(t *testing.T) {
	r := New()
	ctrl, cancel := newTestController(t)
	defer cancel()

	r.Put("user-1", ctrl)
	ctrl.OpenAudioStream()
	r.Remove("user-1", ctrl)

	if r.IsActive("user-1") {
		t.Fatal("expected user-1 to be inactive once disconnected, regardless of last state")
	}
}

func TestRegistryRemoveStaleIsNoOp(t *testing.T) {
	r := New()
	ctrl1, cancel1 := newTestController(t)
	defer cancel1()
	ctrl2, cancel2 := newTestController(t)
	defer cancel2()

	r.Put("user-1", ctrl1)
	r.Put("user-1", ctrl2) // supersedes ctrl1, which Put closes itself
	ctrl2.OpenAudioStream()

	r.Remove("user-1", ctrl1) // stale: ctrl1 is no longer the live controller
	if !r.IsActive("user-1") {
		t.Fatal("stale Remove should not have cleared the live controller")
	}
}

func TestRegistryRecentlyFinishedTurnSurvivesRemove(t *testing.T) {
	r := New()
	ctrl, cancel := newTestController(t)
	defer cancel()

	r.Put("user-1", ctrl)
	r.MarkTurnEnded("user-1")
	r.Remove("user-1", ctrl)

	if r.IsActive("user-1") {
		t.Fatal("expected user-1 to be inactive after Remove")
	}
	if !r.RecentlyFinishedTurn("user-1", 5*time.Second) {
		t.Fatal("expected RecentlyFinishedTurn to be true right after the turn ended, even with no live session")
	}
}

func TestRegistryRecentlyFinishedTurnExpires(t *testing.T) {
	r := New()
	r.MarkTurnEnded("user-1")
	if r.RecentlyFinishedTurn("user-1", 0) {
		t.Fatal("expected a zero window to never count as recent")
	}
}

func TestRegistryUnknownUser(t *testing.T) {
	r := New()
	if r.IsActive("nobody") {
		t.Fatal("expected unknown user to be inactive")
	}
	if r.RecentlyFinishedTurn("nobody", time.Minute) {
		t.Fatal("expected unknown user to have no recently finished turn")
	}
}

package memory

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-sessioncore/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-sessioncore/pkg/providers/memorystore"
)

// ActiveChecker reports whether userID currently has a live session and
// whether their last Turn finished recently — internal/registry.Registry
// satisfies this without memory depending on registry directly.
type ActiveChecker interface {
	IsActive(userID string) bool
	RecentlyFinishedTurn(userID string, window time.Duration) bool
}

// fixedQueries are the three semantic searches the analyzer runs against a
// user's memory on every pass.
var fixedQueries = []string{
	"recent preferences and interests",
	"emotional state and relationship dynamics",
	"unresolved topics or follow-ups",
}

// Analyzer runs one adaptive-interval goroutine per user that periodically
// re-synthesizes their Scaffold from the memory store, skipping passes while
// the user is in an active session or just finished a Turn.
type Analyzer struct {
	store    *memorystore.Client
	cache    *ScaffoldCache
	writer   *Writer
	active   ActiveChecker
	cfg      orchestrator.Config
	logger   orchestrator.Logger
	llm      orchestrator.LLMProvider // used to synthesize a profile from search hits

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewAnalyzer(store *memorystore.Client, cache *ScaffoldCache, writer *Writer, active ActiveChecker, llm orchestrator.LLMProvider, cfg orchestrator.Config, logger orchestrator.Logger) *Analyzer {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Analyzer{
		store:   store,
		cache:   cache,
		writer:  writer,
		active:  active,
		llm:     llm,
		cfg:     cfg,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start begins (or restarts) the per-user adaptive loop for userID.
func (a *Analyzer) Start(ctx context.Context, userID string) {
	a.mu.Lock()
	if _, running := a.cancels[userID]; running {
		a.mu.Unlock()
		return
	}
	userCtx, cancel := context.WithCancel(ctx)
	a.cancels[userID] = cancel
	a.mu.Unlock()

	go a.loop(userCtx, userID)
}

// Stop ends userID's loop, e.g. if the user's account is removed.
func (a *Analyzer) Stop(userID string) {
	a.mu.Lock()
	cancel, ok := a.cancels[userID]
	delete(a.cancels, userID)
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *Analyzer) loop(ctx context.Context, userID string) {
	interval := a.nextInterval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if a.shouldSkip(userID) {
				timer.Reset(a.nextInterval())
				continue
			}
			if err := a.runPass(ctx, userID); err != nil {
				a.logger.Warn("background analyzer pass failed", "userID", userID, "error", err)
			}
			timer.Reset(a.nextInterval())
		}
	}
}

// TriggerWarm runs one analyzer pass for userID immediately, outside its
// normal adaptive schedule. Prompt Assembly calls this on a cold Scaffold
// Cache entry instead of leaving the user with an empty profile until the
// next 60-300s interval comes around.
func (a *Analyzer) TriggerWarm(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.runPass(ctx, userID); err != nil {
			a.logger.Warn("scaffold warm pass failed", "userID", userID, "error", err)
		}
	}()
}

func (a *Analyzer) shouldSkip(userID string) bool {
	guard := time.Duration(a.cfg.AnalyzerRecentTurnGuardS) * time.Second
	return a.active.IsActive(userID) || a.active.RecentlyFinishedTurn(userID, guard)
}

// nextInterval jitters within [min, max] so many users' analyzer loops don't
// synchronize and hammer the memory store at the same moment.
func (a *Analyzer) nextInterval() time.Duration {
	min := int64(a.cfg.AnalyzerMinIntervalS)
	max := int64(a.cfg.AnalyzerMaxIntervalS)
	if max <= min {
		return time.Duration(min) * time.Second
	}
	span := max - min
	return time.Duration(min+rand.Int63n(span)) * time.Second
}

func (a *Analyzer) runPass(ctx context.Context, userID string) error {
	var hits []memorystore.SearchResult
	for _, q := range fixedQueries {
		res, err := a.store.Search(ctx, userID, q, 5)
		if err != nil {
			return fmt.Errorf("search %q: %w", q, err)
		}
		hits = append(hits, res...)
	}

	profile, err := a.synthesizeProfile(ctx, hits)
	if err != nil {
		return fmt.Errorf("synthesize profile: %w", err)
	}

	now := time.Now()
	updates := map[string]Field{
		"profile_summary": {Kind: FieldCategorical, Value: profile, Source: SourceBackground, UpdatedAt: now},
	}
	a.cache.Merge(userID, updates)

	a.writer.Submit(Operation{
		ID:        fmt.Sprintf("%s-scaffold-%d", userID, now.UnixNano()),
		UserID:    userID,
		Kind:      KindScaffoldUpdate,
		Payload:   map[string]interface{}{"profile_summary": profile},
		Source:    "background",
		CreatedAt: now,
	})
	a.writer.Submit(Operation{
		ID:        fmt.Sprintf("%s-relationship-%d", userID, now.UnixNano()),
		UserID:    userID,
		Kind:      KindRelationshipEvolution,
		Payload:   map[string]interface{}{"observations": hits},
		Source:    "background",
		CreatedAt: now,
	})
	return nil
}

func (a *Analyzer) synthesizeProfile(ctx context.Context, hits []memorystore.SearchResult) (string, error) {
	if a.llm == nil || len(hits) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("Summarize the following memory fragments about a user into a short profile note:\n")
	for _, h := range hits {
		sb.WriteString("- ")
		sb.WriteString(h.Text)
		sb.WriteString("\n")
	}
	return a.llm.Complete(ctx, []orchestrator.Message{{Role: "user", Content: sb.String()}})
}

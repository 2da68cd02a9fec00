package memory

import (
	"testing"
	"time"
)

func TestScaffoldCache_RealtimeAlwaysWinsOverBackground(t *testing.T) {
	c := NewScaffoldCache(120*time.Second, 0.4)

	c.Merge("u1", map[string]Field{
		"mood": {Kind: FieldCategorical, Value: "content", Source: SourceRealtime, UpdatedAt: time.Now()},
	})
	s := c.Merge("u1", map[string]Field{
		"mood": {Kind: FieldCategorical, Value: "neutral", Source: SourceBackground, UpdatedAt: time.Now()},
	})

	if got := s.Fields["mood"].Value; got != "content" {
		t.Fatalf("expected realtime value to survive, got %v", got)
	}
}

func TestScaffoldCache_CriticalTransitionOverridesFreshRealtime(t *testing.T) {
	c := NewScaffoldCache(120*time.Second, 0.4)

	c.Merge("u1", map[string]Field{
		"mood": {Kind: FieldCategorical, Value: "content", Source: SourceRealtime, UpdatedAt: time.Now()},
	})
	s := c.Merge("u1", map[string]Field{
		"mood": {Kind: FieldCategorical, Value: "crisis", Source: SourceBackground, UpdatedAt: time.Now()},
	})

	if got := s.Fields["mood"].Value; got != "crisis" {
		t.Fatalf("expected critical transition to override fresh realtime, got %v", got)
	}
}

func TestScaffoldCache_BackgroundAppliesOnceRealtimeStale(t *testing.T) {
	c := NewScaffoldCache(50*time.Millisecond, 0.4)

	c.Merge("u1", map[string]Field{
		"mood": {Kind: FieldCategorical, Value: "content", Source: SourceRealtime, UpdatedAt: time.Now()},
	})
	time.Sleep(60 * time.Millisecond)
	s := c.Merge("u1", map[string]Field{
		"mood": {Kind: FieldCategorical, Value: "neutral", Source: SourceBackground, UpdatedAt: time.Now()},
	})

	if got := s.Fields["mood"].Value; got != "neutral" {
		t.Fatalf("expected background value once realtime is stale, got %v", got)
	}
	if got := s.Fields["mood"].Source; got != SourceBackground {
		t.Fatalf("expected plain background origin once realtime is stale, got %v", got)
	}
}

// Numeric fields only blend while a fresh realtime observation is still
// standing guard: the incoming background weight (0.4) pulls the realtime
// value toward it.
func TestScaffoldCache_NumericWeightedAverage(t *testing.T) {
	c := NewScaffoldCache(1*time.Second, 0.4)

	c.Merge("u1", map[string]Field{
		"engagement": {Kind: FieldNumeric, Value: 10.0, Source: SourceRealtime, UpdatedAt: time.Now()},
	})
	s := c.Merge("u1", map[string]Field{
		"engagement": {Kind: FieldNumeric, Value: 20.0, Source: SourceBackground, UpdatedAt: time.Now()},
	})

	got := s.Fields["engagement"].Value.(float64)
	want := 10.0*0.6 + 20.0*0.4
	if got != want {
		t.Fatalf("expected weighted average %v, got %v", want, got)
	}
	if got := s.Fields["engagement"].Source; got != SourceMerged {
		t.Fatalf("expected weighted-average field to be tagged merged, got %v", got)
	}
}

func TestScaffoldCache_ListUnion(t *testing.T) {
	c := NewScaffoldCache(1*time.Second, 0.4)

	c.Merge("u1", map[string]Field{
		"topics": {Kind: FieldList, Value: []string{"hiking", "cooking"}, Source: SourceRealtime, UpdatedAt: time.Now()},
	})
	s := c.Merge("u1", map[string]Field{
		"topics": {Kind: FieldList, Value: []string{"cooking", "music"}, Source: SourceBackground, UpdatedAt: time.Now()},
	})

	got := s.Fields["topics"].Value.([]string)
	if len(got) != 3 {
		t.Fatalf("expected union of 3 unique topics, got %v", got)
	}
	if got := s.Fields["topics"].Source; got != SourceMerged {
		t.Fatalf("expected list-union field to be tagged merged, got %v", got)
	}
}

// A realtime intimacy score written at T, a background update arriving at
// T+30s (still within the freshness window) blends and is tagged merged, and
// a second background update arriving at T+180s (well past the window, and
// against an already-merged field rather than a realtime one) writes
// straight through and is tagged plain background.
func TestScaffoldCache_FreshnessGuardScenario(t *testing.T) {
	c := NewScaffoldCache(120*time.Millisecond, 0.4)

	c.Merge("u1", map[string]Field{
		"intimacy": {Kind: FieldNumeric, Value: 0.8, Source: SourceRealtime, UpdatedAt: time.Now()},
	})

	time.Sleep(30 * time.Millisecond) // T+30ms stand-in for T+30s
	atThirty := c.Merge("u1", map[string]Field{
		"intimacy": {Kind: FieldNumeric, Value: 0.2, Source: SourceBackground, UpdatedAt: time.Now()},
	})
	field := atThirty.Fields["intimacy"]
	if field.Source != SourceMerged {
		t.Fatalf("expected merged origin while realtime is still fresh, got %v", field.Source)
	}
	want := 0.8*0.6 + 0.2*0.4
	if got := field.Value.(float64); got != want {
		t.Fatalf("expected blended intimacy %v, got %v", want, got)
	}

	time.Sleep(150 * time.Millisecond) // T+180ms stand-in for T+180s, now stale
	atOneEighty := c.Merge("u1", map[string]Field{
		"intimacy": {Kind: FieldNumeric, Value: 0.2, Source: SourceBackground, UpdatedAt: time.Now()},
	})
	field = atOneEighty.Fields["intimacy"]
	if field.Source != SourceBackground {
		t.Fatalf("expected plain background origin once the guard no longer applies, got %v", field.Source)
	}
	if got := field.Value.(float64); got != 0.2 {
		t.Fatalf("expected unblended intimacy 0.2, got %v", got)
	}
}

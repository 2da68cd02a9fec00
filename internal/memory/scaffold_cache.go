package memory

import (
	"sync"
	"time"
)

// criticalTransitions are the categorical values a background update is
// allowed to override a realtime one with, even though realtime normally
// wins — a crisis/distress/disengagement signal detected by the analyzer
// shouldn't be silently shadowed by a stale realtime guess.
var criticalTransitions = map[string]bool{
	"crisis":        true,
	"distress":      true,
	"disengagement": true,
}

// ScaffoldCache holds one Scaffold per user in memory, updated by both live
// Turns (realtime) and the Background Analyzer (background). The Freshness
// Guard decides, field by field, whether an incoming update is allowed to
// overwrite what's cached.
type ScaffoldCache struct {
	mu        sync.Mutex
	scaffolds map[string]*Scaffold
	window    time.Duration
	bgWeight  float64
}

func NewScaffoldCache(freshnessWindow time.Duration, backgroundWeight float64) *ScaffoldCache {
	return &ScaffoldCache{
		scaffolds: make(map[string]*Scaffold),
		window:    freshnessWindow,
		bgWeight:  backgroundWeight,
	}
}

// Get returns a copy of userID's current scaffold, or an empty one if none
// exists yet.
func (c *ScaffoldCache) Get(userID string) *Scaffold {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.scaffolds[userID]; ok {
		return s.clone()
	}
	return &Scaffold{UserID: userID, Fields: make(map[string]Field)}
}

// Merge applies incoming field updates to userID's cached scaffold under the
// Freshness Guard: realtime always wins over any existing entry; a
// background update writes straight through unless the cached field is a
// realtime entry newer than the freshness window, in which case the
// field-kind merge strategy (numeric weighted average, list union,
// categorical prefer-realtime-unless-critical-transition) decides the
// resulting value.
func (c *ScaffoldCache) Merge(userID string, updates map[string]Field) *Scaffold {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.scaffolds[userID]
	if !ok {
		s = &Scaffold{UserID: userID, Fields: make(map[string]Field)}
		c.scaffolds[userID] = s
	}

	for name, incoming := range updates {
		existing, had := s.Fields[name]
		if !had {
			s.Fields[name] = incoming
			continue
		}
		s.Fields[name] = c.mergeField(existing, incoming)
	}
	s.UpdatedAt = time.Now()
	return s.clone()
}

func (c *ScaffoldCache) mergeField(existing, incoming Field) Field {
	if incoming.Source == SourceRealtime {
		return incoming // realtime always wins over anything older
	}

	// incoming is background, subject to the Freshness Guard: it only blends
	// with what's cached while that cached value is itself a still-fresh
	// realtime observation. Once a field has already been merged or set by a
	// prior background write, its origin is no longer "realtime", so the
	// guard no longer applies and a later background update writes straight
	// through — this is what lets a field blend once, while protected, and
	// simply overwrite thereafter.
	guarded := existing.Source == SourceRealtime && time.Since(existing.UpdatedAt) < c.window
	if !guarded {
		return incoming
	}

	switch existing.Kind {
	case FieldCategorical:
		// critical transitions are the one carve-out that still gets through
		// a fresh realtime guard.
		if v, ok := incoming.Value.(string); ok && criticalTransitions[v] {
			return incoming
		}
		return existing
	case FieldNumeric:
		ev, eok := toFloat(existing.Value)
		iv, iok := toFloat(incoming.Value)
		if !eok || !iok {
			return incoming
		}
		merged := ev*(1-c.bgWeight) + iv*c.bgWeight
		return Field{Kind: FieldNumeric, Value: merged, Source: SourceMerged, UpdatedAt: time.Now()}
	case FieldList:
		union := unionStrings(toStringSlice(existing.Value), toStringSlice(incoming.Value))
		return Field{Kind: FieldList, Value: union, Source: SourceMerged, UpdatedAt: time.Now()}
	default:
		return incoming
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func toStringSlice(v interface{}) []string {
	if s, ok := v.([]string); ok {
		return s
	}
	return nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, v := range append(append([]string{}, a...), b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Package memory implements the asynchronous memory subsystem: the Memory
// Writer queue, the per-user Scaffold Cache with its Freshness Guard merge,
// and the Background Analyzer that periodically refreshes each user's
// scaffold from the memory store.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// OperationKind distinguishes the three kinds of write the subsystem emits.
type OperationKind string

const (
	KindScaffoldUpdate       OperationKind = "scaffold_update"
	KindRelationshipEvolution OperationKind = "relationship_evolution"
	KindFact                 OperationKind = "fact"
)

// Operation is one unit of work submitted to the Memory Writer: a durable
// fact or scaffold/relationship update about a user, produced either by a
// live Turn or by the Background Analyzer.
type Operation struct {
	ID        string
	UserID    string
	Kind      OperationKind
	Payload   map[string]interface{}
	Source    string // "realtime" or "background"
	CreatedAt time.Time

	attempt int
}

// normalizedPayload renders Payload deterministically for hashing: sorted
// keys, stable formatting, so two logically-identical payloads from
// different call sites hash the same.
func (op Operation) normalizedPayload() string {
	keys := make([]string, 0, len(op.Payload))
	for k := range op.Payload {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var b []byte
	for _, k := range keys {
		b = append(b, []byte(fmt.Sprintf("%s=%v;", k, op.Payload[k]))...)
	}
	return string(b)
}

// DedupeHash is the hash over (user_id, kind, normalized_payload, hour-bucket)
// the Memory Writer uses to collapse duplicate submissions of the same fact
// arriving within the dedupe window (e.g. the realtime path and a Background
// Analyzer pass both noticing the same preference in the same hour).
func (op Operation) DedupeHash() string {
	bucket := op.CreatedAt.UTC().Truncate(time.Hour).Unix()
	raw := fmt.Sprintf("%s|%s|%s|%d", op.UserID, op.Kind, op.normalizedPayload(), bucket)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Scaffold is the per-user snapshot of durable context assembled into the
// prompt: a mix of numeric, list, and categorical fields, each tagged with
// where and when it was last set so the Freshness Guard can arbitrate merges.
type Scaffold struct {
	UserID    string
	Fields    map[string]Field
	UpdatedAt time.Time
}

// FieldSource distinguishes a realtime observation (made during a live Turn)
// from a background one (made by the periodic analyzer), which is exactly
// the distinction the Freshness Guard arbitrates on. A field the Freshness
// Guard merged (weighted-averaged or list-unioned across both sources) is
// tagged SourceMerged rather than either original source, since it no
// longer reflects one observation alone.
type FieldSource string

const (
	SourceRealtime   FieldSource = "realtime"
	SourceBackground FieldSource = "background"
	SourceMerged     FieldSource = "merged"
)

// FieldKind selects the merge strategy a Field's Value participates in.
type FieldKind string

const (
	FieldNumeric     FieldKind = "numeric"
	FieldList        FieldKind = "list"
	FieldCategorical FieldKind = "categorical"
)

type Field struct {
	Kind      FieldKind
	Value     interface{}
	Source    FieldSource
	UpdatedAt time.Time
}

func (s *Scaffold) clone() *Scaffold {
	out := &Scaffold{UserID: s.UserID, UpdatedAt: s.UpdatedAt, Fields: make(map[string]Field, len(s.Fields))}
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	return out
}

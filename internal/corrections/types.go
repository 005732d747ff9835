// Package corrections implements the resolution engine: deduplicating
// context-tagged observations (Occurrences) into canonical entities
// (CorrectObjects) and tracking the review state of that mapping
// (Resolutions).
package corrections

import (
	"encoding/json"
	"time"

	"github.com/google/go-cmp/cmp"
)

// ContextElement is a single key/value attribute attached to an Occurrence
// or required by a CanonicalEntity. It is a value object: never persisted
// on its own, always as part of a Context list column.
type ContextElement struct {
	Key            string  `json:"key"`
	Value          string  `json:"value"`
	Important      bool    `json:"important"`
	Weight         float64 `json:"weight"`
	AbsenceAllowed bool    `json:"absence_allowed"`
}

// contextElementWire mirrors ContextElement but with pointer fields so
// UnmarshalJSON can tell "absent" from "explicitly zero" and apply the
// wire-shape defaults from spec: important=false, weight=1.0,
// absence_allowed=false.
type contextElementWire struct {
	Key            string   `json:"key"`
	Value          string   `json:"value"`
	Important      *bool    `json:"important"`
	Weight         *float64 `json:"weight"`
	AbsenceAllowed *bool    `json:"absence_allowed"`
}

// UnmarshalJSON applies the wire-shape defaults: missing optional keys take
// important=false, weight=1.0, absence_allowed=false. Unknown keys are
// ignored by the standard decoder already.
func (c *ContextElement) UnmarshalJSON(data []byte) error {
	var w contextElementWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Key = w.Key
	c.Value = w.Value
	c.Important = w.Important != nil && *w.Important
	c.Weight = 1.0
	if w.Weight != nil {
		c.Weight = *w.Weight
	}
	c.AbsenceAllowed = w.AbsenceAllowed != nil && *w.AbsenceAllowed
	return nil
}

// MarshalJSON always emits all five fields, so a stored column round-trips
// through ContextElement without relying on JSON-level defaulting a second
// time.
func (c ContextElement) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key            string  `json:"key"`
		Value          string  `json:"value"`
		Important      bool    `json:"important"`
		Weight         float64 `json:"weight"`
		AbsenceAllowed bool    `json:"absence_allowed"`
	}{c.Key, c.Value, c.Important, c.Weight, c.AbsenceAllowed})
}

// ContextList is the normalized form persisted in JSONB columns and used in
// structural-equality uniqueness lookups.
type ContextList []ContextElement

// Normalize returns a copy with every element's zero-value weight defaulted
// to 1.0, matching UnmarshalJSON's wire-shape default so a Go-constructed
// ContextElement{Weight: 0} compares equal to a decoded one under Equal.
// Order is preserved; callers must not sort it, since §4.1 requires the
// first-occurrence-per-key lookup order to survive.
func (l ContextList) Normalize() ContextList {
	out := make(ContextList, len(l))
	copy(out, l)
	for i := range out {
		if out[i].Weight == 0 {
			out[i].Weight = 1.0
		}
	}
	return out
}

// Validate reports an InputValidation error if any element is missing its
// key, per the error handling design.
func (l ContextList) Validate() error {
	for _, e := range l {
		if e.Key == "" {
			return errMissingKey
		}
	}
	return nil
}

// Equal reports structural equality between two normalized context lists,
// used by the uniqueness lookups in §4.4 and §3 ("missing field" and
// "field set to default" must compare equal, which Normalize guarantees).
func (l ContextList) Equal(other ContextList) bool {
	return cmp.Equal(l.Normalize(), other.Normalize())
}

// ResolutionStatus is the review state of a Resolution edge.
type ResolutionStatus int

const (
	StatusPending  ResolutionStatus = 0
	StatusApproved ResolutionStatus = 1
	StatusInvalid  ResolutionStatus = 9
)

func (s ResolutionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Scope is a logical partition owning Occurrences, CanonicalEntities and
// Resolutions. Its UpdatedAt is the cache-invalidation epoch consulted by
// the invalidation cache (C7): it is bumped whenever any CanonicalEntity in
// the scope is written or deleted.
type Scope struct {
	ID          int64
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Occurrence is a raw observation: a value plus structured context.
type Occurrence struct {
	ID         string
	ScopeID    int64
	Value      string
	Context    ContextList
	Score      float64
	Approved   bool
	Manual     bool
	ResolvedTo *string // weak reference to a CanonicalEntity id; nil means unresolved
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CanonicalEntity ("CorrectObject") is the deduplicated, reviewed target
// that Occurrences resolve to.
type CanonicalEntity struct {
	ID                      string
	ScopeID                 int64
	Value                   string
	ExternalID              *string
	RequiredContextElements ContextList
	Context                 ContextList
	Name                    string
	Description             string
	Score                   float64
	Approved                bool
	Manual                  bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Resolution is an edge from an Occurrence to a CanonicalEntity carrying a
// review status and a numeric score.
type Resolution struct {
	ID            int64
	ScopeID       int64
	OccurrenceID  string
	CanonicalID   string
	Status        ResolutionStatus
	Score         float64
	Manual        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Hypothesis is a caller-supplied candidate canonical entity materialized
// via C4 before scoring, per §4.6 step 3.
type Hypothesis struct {
	Value                   string      `json:"value"`
	Context                 ContextList `json:"context"`
	RequiredContextElements ContextList `json:"required_context_elements"`
	ExternalID              *string     `json:"external_id,omitempty"`
	Name                    string      `json:"name,omitempty"`
	Description             string      `json:"description,omitempty"`
}

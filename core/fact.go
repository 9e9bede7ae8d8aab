package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FactCategory classifies an extracted fact.
type FactCategory string

const (
	CategoryPreference   FactCategory = "preference"
	CategoryBiographical FactCategory = "biographical"
	CategoryEvent        FactCategory = "event"
	CategoryRelationship FactCategory = "relationship"
)

// Categories lists every valid fact category, in schema order.
func Categories() []FactCategory {
	return []FactCategory{
		CategoryPreference,
		CategoryBiographical,
		CategoryEvent,
		CategoryRelationship,
	}
}

// Valid reports whether the category is part of the fixed enum.
func (c FactCategory) Valid() bool {
	switch c {
	case CategoryPreference, CategoryBiographical, CategoryEvent, CategoryRelationship:
		return true
	}
	return false
}

// Fact is a single atomic statement extracted from the conversation.
// Facts are immutable once accepted; an update is a new fact, never an
// in-place edit.
type Fact struct {
	// Content must be non-empty and self-contained: resolvable without
	// the original conversation (no dangling pronouns).
	Content string `json:"content"`

	Category FactCategory `json:"category"`

	// Confidence is the extractor's certainty the statement was explicit
	// in the user's words, in [0,1].
	Confidence float64 `json:"confidence"`

	// Worthiness scores long-term importance, in [0,1]. Facts below the
	// configured threshold never reach the knowledge store.
	Worthiness float64 `json:"worthiness"`

	// SourceTimestamp is when the underlying turn was spoken.
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// SchemaError reports a fact that failed schema validation. The pipeline
// contract is drop-and-log: a SchemaError must never abort summarization.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("fact schema: field %q: %s", e.Field, e.Reason)
}

// Validate enforces the fact schema invariants.
func (f Fact) Validate() error {
	if strings.TrimSpace(f.Content) == "" {
		return &SchemaError{Field: "content", Reason: "must be non-empty"}
	}
	if !f.Category.Valid() {
		return &SchemaError{Field: "category", Reason: fmt.Sprintf("unknown category %q", f.Category)}
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return &SchemaError{Field: "confidence", Reason: fmt.Sprintf("%v outside [0,1]", f.Confidence)}
	}
	if f.Worthiness < 0 || f.Worthiness > 1 {
		return &SchemaError{Field: "worthiness", Reason: fmt.Sprintf("%v outside [0,1]", f.Worthiness)}
	}
	return nil
}

// rawFact mirrors the model's structured output before validation.
// Pointers distinguish "absent" from zero values.
type rawFact struct {
	Content    *string  `json:"content"`
	Category   *string  `json:"category"`
	Confidence *float64 `json:"confidence"`
	Worthiness *float64 `json:"worthiness"`
}

// ValidateFact parses one raw structured-output fact and validates it
// against the schema. Malformed JSON and missing fields are *SchemaError,
// same as range violations.
func ValidateFact(raw json.RawMessage, sourceTS time.Time) (*Fact, error) {
	var rf rawFact
	if err := json.Unmarshal(raw, &rf); err != nil {
		return nil, &SchemaError{Field: "(root)", Reason: "malformed JSON: " + err.Error()}
	}
	if rf.Content == nil {
		return nil, &SchemaError{Field: "content", Reason: "missing"}
	}
	if rf.Category == nil {
		return nil, &SchemaError{Field: "category", Reason: "missing"}
	}
	if rf.Confidence == nil {
		return nil, &SchemaError{Field: "confidence", Reason: "missing"}
	}
	if rf.Worthiness == nil {
		return nil, &SchemaError{Field: "worthiness", Reason: "missing"}
	}

	f := Fact{
		Content:         strings.TrimSpace(*rf.Content),
		Category:        FactCategory(*rf.Category),
		Confidence:      *rf.Confidence,
		Worthiness:      *rf.Worthiness,
		SourceTimestamp: sourceTS,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

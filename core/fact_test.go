package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestValidateFact(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		raw     string
		wantErr string // empty = expect success; otherwise the SchemaError field
	}{
		{
			name: "valid fact",
			raw:  `{"content":"User is allergic to peanuts","category":"biographical","confidence":1.0,"worthiness":0.9}`,
		},
		{
			name:    "missing content",
			raw:     `{"category":"biographical","confidence":1.0,"worthiness":0.9}`,
			wantErr: "content",
		},
		{
			name:    "empty content",
			raw:     `{"content":"   ","category":"biographical","confidence":1.0,"worthiness":0.9}`,
			wantErr: "content",
		},
		{
			name:    "unknown category",
			raw:     `{"content":"x","category":"gossip","confidence":1.0,"worthiness":0.9}`,
			wantErr: "category",
		},
		{
			name:    "missing worthiness",
			raw:     `{"content":"x","category":"event","confidence":1.0}`,
			wantErr: "worthiness",
		},
		{
			name:    "confidence out of range",
			raw:     `{"content":"x","category":"event","confidence":1.5,"worthiness":0.9}`,
			wantErr: "confidence",
		},
		{
			name:    "negative worthiness",
			raw:     `{"content":"x","category":"event","confidence":1.0,"worthiness":-0.1}`,
			wantErr: "worthiness",
		},
		{
			name:    "malformed JSON",
			raw:     `{"content":`,
			wantErr: "(root)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fact, err := ValidateFact(json.RawMessage(tt.raw), now)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateFact() error = %v, want nil", err)
				}
				if fact.SourceTimestamp != now {
					t.Errorf("SourceTimestamp = %v, want %v", fact.SourceTimestamp, now)
				}
				return
			}
			var se *SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("ValidateFact() error = %v, want *SchemaError", err)
			}
			if se.Field != tt.wantErr {
				t.Errorf("SchemaError.Field = %q, want %q", se.Field, tt.wantErr)
			}
			if fact != nil {
				t.Errorf("fact = %+v, want nil on error", fact)
			}
		})
	}
}

func TestValidateFact_TrimsContent(t *testing.T) {
	fact, err := ValidateFact(json.RawMessage(`{"content":"  User lives in Lahore  ","category":"biographical","confidence":0.9,"worthiness":0.8}`), time.Now())
	if err != nil {
		t.Fatalf("ValidateFact() error = %v", err)
	}
	if fact.Content != "User lives in Lahore" {
		t.Errorf("Content = %q, want trimmed", fact.Content)
	}
}

func TestFactCategoryValid(t *testing.T) {
	for _, c := range Categories() {
		if !c.Valid() {
			t.Errorf("category %q should be valid", c)
		}
	}
	if FactCategory("opinion").Valid() {
		t.Error("unknown category should be invalid")
	}
}

func TestTurnFormat(t *testing.T) {
	u := NewUserTurn("hello")
	if got := u.Format(); got != "User: hello" {
		t.Errorf("Format() = %q", got)
	}
	a := NewAssistantTurn("hi there")
	if got := a.Format(); got != "Assistant: hi there" {
		t.Errorf("Format() = %q", got)
	}
}

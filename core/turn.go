package core

import (
	"fmt"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Valid reports whether the speaker is one of the known values.
func (s Speaker) Valid() bool {
	return s == SpeakerUser || s == SpeakerAssistant
}

// Turn is a single utterance in the conversation stream.
// Turns are immutable once handed to the memory manager.
type Turn struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// NewUserTurn creates a user turn stamped with the current time.
func NewUserTurn(text string) Turn {
	return Turn{Speaker: SpeakerUser, Text: text, Timestamp: time.Now()}
}

// NewAssistantTurn creates an assistant turn stamped with the current time.
func NewAssistantTurn(text string) Turn {
	return Turn{Speaker: SpeakerAssistant, Text: text, Timestamp: time.Now()}
}

// Format renders the turn as a single prompt line.
func (t Turn) Format() string {
	label := "User"
	if t.Speaker == SpeakerAssistant {
		label = "Assistant"
	}
	return fmt.Sprintf("%s: %s", label, t.Text)
}

// Summary is the running compression of turns already folded out of the
// buffer. It is replaced wholesale on each summarization pass; the new text
// must incorporate the prior summary so the chain stays self-contained.
type Summary struct {
	Text string

	// FromTurn and ToTurn are the inclusive global turn indices this
	// summary covers.
	FromTurn int
	ToTurn   int
}

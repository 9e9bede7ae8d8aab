package memory

import (
	"strings"

	"github.com/HamzaDevv/IOT-Sadaf-BOT/core"
)

// Section headers for the assembled context block. The block is plain text;
// the fixed ordering below is the only structure callers may rely on.
const (
	summaryHeader = "--- Conversation Summary ---"
	recentHeader  = "--- Recent Conversation ---"
	factsHeader   = "--- Relevant Long-Term Facts ---"
)

// assembleContext merges the three context sources into one text block under
// a character budget, in fixed order: summary, recent turns, retrieved facts.
//
// When the budget is exceeded, the oldest raw turns are dropped first, then
// the lowest-relevance facts (facts arrive nearest-first, so the tail goes
// first). The summary is never truncated.
func assembleContext(summary string, turns []core.Turn, facts []StoredFact, budget int) string {
	render := func(turns []core.Turn, facts []StoredFact) string {
		var b strings.Builder
		if summary != "" {
			b.WriteString(summaryHeader)
			b.WriteString("\n")
			b.WriteString(summary)
		}
		if len(turns) > 0 {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(recentHeader)
			for _, t := range turns {
				b.WriteString("\n")
				b.WriteString(t.Format())
			}
		}
		if len(facts) > 0 {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(factsHeader)
			for _, f := range facts {
				b.WriteString("\n- ")
				b.WriteString(f.Fact.Content)
			}
		}
		return b.String()
	}

	block := render(turns, facts)
	if budget <= 0 {
		return block
	}

	// Drop oldest turns first.
	for len(block) > budget && len(turns) > 0 {
		turns = turns[1:]
		block = render(turns, facts)
	}
	// Then lowest-relevance facts.
	for len(block) > budget && len(facts) > 0 {
		facts = facts[:len(facts)-1]
		block = render(turns, facts)
	}
	return block
}

// Package summarizer compresses conversation windows into a running summary
// plus discrete candidate facts, using Claude with forced structured output.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/HamzaDevv/IOT-Sadaf-BOT/core"
	"github.com/HamzaDevv/IOT-Sadaf-BOT/memory"
)

// extractionTool is the tool name Claude is forced to call; its input is the
// structured summary-plus-facts payload.
const extractionTool = "record_memory"

// Config holds summarizer configuration.
type Config struct {
	// Model is the Claude model to use. Default: claude-sonnet-4-20250514.
	Model string

	// MaxTokens is the maximum response tokens. Default: 1024.
	MaxTokens int64
}

// messageClient is the slice of the Anthropic SDK the summarizer needs.
type messageClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

var _ messageClient = (*anthropic.MessageService)(nil)

// Claude implements memory.Summarizer on the Anthropic Messages API.
type Claude struct {
	msgs   messageClient
	config Config
}

// New creates a Claude summarizer.
func New(client *anthropic.Client, cfg Config) *Claude {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	return &Claude{msgs: &client.Messages, config: cfg}
}

// Summarize asks the model for a replacement summary and candidate facts.
// Each fact is validated independently; invalid ones are dropped and logged,
// valid ones survive (partial success). A failed model call, or a response
// with no usable structured output, is memory.ErrSummarizationFailed — the
// manager owns retry and fallback.
func (c *Claude) Summarize(ctx context.Context, turns []core.Turn, prior *core.Summary) (*core.Summary, []core.Fact, error) {
	if len(turns) == 0 {
		return nil, nil, fmt.Errorf("%w: no turns to summarize", memory.ErrSummarizationFailed)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model),
		MaxTokens: c.config.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(turns, prior))),
		},
		Tools: []anthropic.ToolUnionParam{extractionToolParam()},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: extractionTool},
		},
	}

	resp, err := c.msgs.New(ctx, params)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: claude call: %v", memory.ErrSummarizationFailed, err)
	}

	for _, block := range resp.Content {
		if block.Type != "tool_use" || block.Name != extractionTool {
			continue
		}
		return parseExtraction(block.Input, turns[len(turns)-1].Timestamp)
	}
	return nil, nil, fmt.Errorf("%w: response contained no structured output", memory.ErrSummarizationFailed)
}

// parseExtraction decodes the tool input and validates each fact against the
// schema. The summary text must be non-empty; facts fail individually.
func parseExtraction(raw json.RawMessage, sourceTS time.Time) (*core.Summary, []core.Fact, error) {
	var out struct {
		Summary string            `json:"summary"`
		Facts   []json.RawMessage `json:"facts"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed structured output: %v", memory.ErrSummarizationFailed, err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, nil, fmt.Errorf("%w: empty summary in structured output", memory.ErrSummarizationFailed)
	}

	facts := make([]core.Fact, 0, len(out.Facts))
	for i, rawFact := range out.Facts {
		fact, err := core.ValidateFact(rawFact, sourceTS)
		if err != nil {
			log.Printf("[SUMMARIZER] Dropping fact #%d: %v", i+1, err)
			continue
		}
		facts = append(facts, *fact)
	}
	// Turn range is filled in by the manager, which knows the global indices.
	return &core.Summary{Text: out.Summary}, facts, nil
}

func extractionToolParam() anthropic.ToolUnionParam {
	factSchema := ObjectSchema(map[string]interface{}{
		"content": StringProperty(
			"One atomic, self-contained statement about the user. " +
				"No pronouns that need the conversation to resolve."),
		"category": StringEnumProperty("What kind of fact this is",
			string(core.CategoryPreference),
			string(core.CategoryBiographical),
			string(core.CategoryEvent),
			string(core.CategoryRelationship)),
		"confidence": NumberProperty(
			"How explicitly the user stated this, 0.0-1.0. " +
				"1.0 means stated verbatim, below 0.5 means you inferred it (avoid)."),
		"worthiness": NumberProperty(
			"How important this is to remember long-term, 0.0-1.0. " +
				"Allergies, where the user lives, close relationships score high; " +
				"small talk scores low."),
	}, "content", "category", "confidence", "worthiness")

	schema := ObjectSchema(map[string]interface{}{
		"summary": StringProperty(
			"Concise fact-based summary of the conversation so far, folding in " +
				"the prior summary. A reader with only this text must be able to " +
				"reconstruct the conversational context."),
		"facts": ArrayProperty("Discrete facts explicitly stated by the user. "+
			"Each must be semantically distinct from the others.", factSchema),
	}, "summary", "facts")

	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        extractionTool,
			Description: anthropic.String("Record the conversation summary and extracted user facts."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   []string{"summary", "facts"},
			},
		},
	}
}

func buildPrompt(turns []core.Turn, prior *core.Summary) string {
	var b strings.Builder
	b.WriteString(`You are an expert conversation analyst. Summarize the conversation segment below and extract ONLY explicitly stated facts from the user's turns.

Rules:
1. Extract facts from user turns only — ignore assistant turns completely.
2. Facts must be explicit in the user's words, no guessing or inference.
3. Each fact must be semantically distinct — no reworded duplicates.
4. Each fact must stand on its own, resolvable without the conversation.
5. The summary must incorporate the prior summary so nothing is lost.
6. Keep everything short, clear, and neutral.

`)
	if prior != nil && prior.Text != "" {
		b.WriteString("PRIOR SUMMARY:\n")
		b.WriteString(prior.Text)
		b.WriteString("\n\n")
	} else {
		b.WriteString("PRIOR SUMMARY: (none, this is the first segment)\n\n")
	}
	b.WriteString("CONVERSATION:\n")
	for _, t := range turns {
		b.WriteString(t.Format())
		b.WriteString("\n")
	}
	b.WriteString("\nCall the record_memory tool with your summary and facts.")
	return b.String()
}

// Package engine runs the conversation loop: context assembly, the Claude
// response call, and turn recording. It is thin glue around the memory
// pipeline; all remembering happens inside memory.ConversationManager.
package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/HamzaDevv/IOT-Sadaf-BOT/core"
	"github.com/HamzaDevv/IOT-Sadaf-BOT/memory"
)

// Engine pairs a Claude client with a conversation memory manager.
type Engine struct {
	client       *anthropic.Client
	memory       *memory.ConversationManager
	systemPrompt string
	model        string
	maxTokens    int64
	sessionID    string
}

// Option configures the engine.
type Option func(*Engine)

// WithSystemPrompt overrides the default personality prompt.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		e.systemPrompt = prompt
	}
}

// WithModel sets the Claude model.
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithMaxTokens sets the maximum response tokens.
func WithMaxTokens(n int64) Option {
	return func(e *Engine) {
		e.maxTokens = n
	}
}

// New creates an engine over the given client and memory manager.
func New(client *anthropic.Client, mem *memory.ConversationManager, opts ...Option) *Engine {
	e := &Engine{
		client:       client,
		memory:       mem,
		systemPrompt: DefaultSystemPrompt,
		model:        "claude-sonnet-4-20250514",
		maxTokens:    1024,
		sessionID:    uuid.New().String(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SessionID identifies this conversation session.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Respond handles one user message: build the memory context, call Claude
// with it, record both turns. Memory failures never surface here — the
// context degrades instead (see memory.ConversationManager.BuildContext).
func (e *Engine) Respond(ctx context.Context, userMessage string) (string, error) {
	return e.respond(ctx, userMessage, nil)
}

// RespondStreaming behaves like Respond but delivers text chunks to the
// callback as they arrive; done is signalled with an empty final chunk.
func (e *Engine) RespondStreaming(ctx context.Context, userMessage string, callback func(chunk string, done bool)) (string, error) {
	return e.respond(ctx, userMessage, callback)
}

func (e *Engine) respond(ctx context.Context, userMessage string, callback func(string, bool)) (string, error) {
	userTurn := core.NewUserTurn(userMessage)

	contextBlock := e.memory.BuildContext(ctx, userMessage)
	system := e.systemPrompt
	if contextBlock != "" {
		system += "\n\n" + contextBlock
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: e.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
		},
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
	}

	var resp *anthropic.Message
	var err error
	if callback != nil {
		resp, err = e.createMessageStreaming(ctx, params, callback)
	} else {
		resp, err = e.client.Messages.New(ctx, params)
	}
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	// Record after the response so this turn's retrieval used the prior
	// state; the buffer threshold may now kick off a background pass.
	e.memory.RecordTurn(userTurn)
	e.memory.RecordTurn(core.NewAssistantTurn(text))

	return text, nil
}

// Close drains the memory pipeline: remaining buffered turns are summarized
// and worthy facts persisted before shutdown.
func (e *Engine) Close(ctx context.Context) {
	log.Printf("[ENGINE] Session %s closing, flushing memory", e.sessionID)
	e.memory.Flush(ctx)
}

// createMessageStreaming handles streaming API calls.
func (e *Engine) createMessageStreaming(ctx context.Context, params anthropic.MessageNewParams, callback func(string, bool)) (*anthropic.Message, error) {
	stream := e.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			// Accumulation errors are non-fatal; keep streaming.
			continue
		}
		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				callback(delta.Text, false)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	callback("", true)
	return &message, nil
}

// DefaultSystemPrompt is the assistant personality used when none is set.
const DefaultSystemPrompt = `Your name is Sadaf. You're a helpful, knowledgeable assistant who provides clear, concise information and support. You maintain a professional yet friendly tone.

MEMORY:
You remember past conversations. Below your instructions you may receive a context block with a conversation summary, the most recent turns, and relevant long-term facts about the user. Use it to stay consistent with what the user has told you before, and never contradict a stored fact without acknowledging the change.

STYLE:
- Answer directly and concisely, like a human
- Keep responses under 100 words unless the user asks for detail
- Do not mention the memory system itself`

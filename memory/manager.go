package memory

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/HamzaDevv/IOT-Sadaf-BOT/core"
)

// Config holds ConversationManager tuning. The thresholds are deliberately
// configuration, not constants: they depend on the embedder and the model
// behind the summarizer.
type Config struct {
	// BufferThreshold is the buffer size that triggers a summarization
	// pass. Default: 8 turns.
	BufferThreshold int

	// SummarizeEvery additionally triggers a pass when this much time has
	// passed since the last one and the buffer is non-empty.
	// Zero disables the time trigger.
	SummarizeEvery time.Duration

	// RecentTurns is the number of most recent unsummarized turns included
	// in the context block. Default: 7.
	RecentTurns int

	// TopKFacts is the number of retrieved facts included in the context
	// block. Default: 5.
	TopKFacts int

	// ContextBudget caps the assembled context block, in characters.
	// Default: 4000. Zero disables the cap.
	ContextBudget int

	// WorthinessThreshold is the sole gate on selective memory: candidate
	// facts below it are never persisted. Default: 0.5.
	WorthinessThreshold float64

	// RetrievalTimeout bounds the fact retrieval during context assembly;
	// on expiry the block is assembled without retrieved facts.
	// Default: 2s.
	RetrievalTimeout time.Duration

	// SummarizeAttempts is the number of model calls tried per pass before
	// degrading to a raw-concatenation summary. Default: 3.
	SummarizeAttempts int

	// SummarizeBackoff is the initial delay between attempts; it doubles
	// per retry. Default: 500ms.
	SummarizeBackoff time.Duration

	// OnError, when set, receives storage failures so the hosting loop
	// knows persistence is degraded. The loop itself is never interrupted.
	OnError func(error)
}

// DefaultConfig returns sensible defaults for local use.
var DefaultConfig = &Config{
	BufferThreshold:     8,
	RecentTurns:         7,
	TopKFacts:           5,
	ContextBudget:       4000,
	WorthinessThreshold: 0.5,
	RetrievalTimeout:    2 * time.Second,
	SummarizeAttempts:   3,
	SummarizeBackoff:    500 * time.Millisecond,
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.BufferThreshold <= 0 {
		out.BufferThreshold = DefaultConfig.BufferThreshold
	}
	if out.RecentTurns <= 0 {
		out.RecentTurns = DefaultConfig.RecentTurns
	}
	if out.TopKFacts <= 0 {
		out.TopKFacts = DefaultConfig.TopKFacts
	}
	if out.RetrievalTimeout <= 0 {
		out.RetrievalTimeout = DefaultConfig.RetrievalTimeout
	}
	if out.SummarizeAttempts <= 0 {
		out.SummarizeAttempts = DefaultConfig.SummarizeAttempts
	}
	if out.SummarizeBackoff <= 0 {
		out.SummarizeBackoff = DefaultConfig.SummarizeBackoff
	}
	return &out
}

// ConversationManager owns the rolling buffer of recent turns, the active
// summary, and a reference to one knowledge store. It alternates between
// buffering and summarizing; summarization runs in the background and never
// stalls the caller's retrieval path.
//
// Durability is at-most-once: facts from an in-flight pass are lost if the
// process exits before they persist. Call Flush on shutdown to drain.
type ConversationManager struct {
	store      Store
	summarizer Summarizer
	config     *Config

	mu             sync.Mutex
	buffer         []core.Turn
	summary        *core.Summary
	turnCount      int // total turns ever recorded
	summarizing    bool
	lastSummarized time.Time

	wg sync.WaitGroup
}

// NewConversationManager creates a manager over the given store and
// summarizer. A nil config selects DefaultConfig.
func NewConversationManager(store Store, summarizer Summarizer, config *Config) *ConversationManager {
	if config == nil {
		config = DefaultConfig
	}
	return &ConversationManager{
		store:          store,
		summarizer:     summarizer,
		config:         config.withDefaults(),
		lastSummarized: time.Now(),
	}
}

// RecordTurn appends a turn to the buffer. When the buffer crosses the size
// threshold (or the time trigger fires), a summarization pass is started in
// the background; if a pass is already running the trigger is deferred to a
// later turn.
func (m *ConversationManager) RecordTurn(turn core.Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffer = append(m.buffer, turn)
	m.turnCount++

	if m.summarizing {
		return
	}
	due := len(m.buffer) >= m.config.BufferThreshold
	if !due && m.config.SummarizeEvery > 0 && time.Since(m.lastSummarized) >= m.config.SummarizeEvery {
		due = true
	}
	if !due {
		return
	}

	m.summarizing = true
	snapshot := make([]core.Turn, len(m.buffer))
	copy(snapshot, m.buffer)
	prior := m.summary
	from, to := m.bufferRangeLocked()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runSummarization(context.Background(), snapshot, prior, from, to)
	}()
}

// bufferRangeLocked returns the inclusive global turn indices currently in
// the buffer. Caller holds m.mu.
func (m *ConversationManager) bufferRangeLocked() (from, to int) {
	from = m.turnCount - len(m.buffer)
	to = m.turnCount - 1
	return from, to
}

// BuildContext assembles the text block for the next prompt: active summary,
// the most recent unsummarized turns, then top-K retrieved facts, under the
// configured budget.
//
// A summarization pass may still be in flight; the returned block then
// reflects the previous summary and is at most one pass stale. Retrieval is
// bounded by RetrievalTimeout and degrades to zero facts on any failure; no
// error ever reaches the caller.
func (m *ConversationManager) BuildContext(ctx context.Context, queryText string) string {
	m.mu.Lock()
	var summaryText string
	if m.summary != nil {
		summaryText = m.summary.Text
	}
	recent := m.buffer
	if n := m.config.RecentTurns; len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	turns := make([]core.Turn, len(recent))
	copy(turns, recent)
	m.mu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, m.config.RetrievalTimeout)
	defer cancel()

	facts, err := m.store.Query(qctx, queryText, m.config.TopKFacts)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmbeddingUnavailable):
			log.Printf("[MEMORY] Retrieval skipped, embeddings unavailable: %v", err)
		default:
			log.Printf("[MEMORY] Retrieval failed: %v", err)
			m.notify(err)
		}
		facts = nil
	}
	log.Printf("[MEMORY] Context: summary=%d chars, turns=%d, facts=%d",
		len(summaryText), len(turns), len(facts))

	return assembleContext(summaryText, turns, facts, m.config.ContextBudget)
}

// Flush waits for any in-flight pass, then synchronously summarizes and
// persists whatever is left in the buffer. Call it before shutdown; without
// it, facts from unsummarized turns are lost.
func (m *ConversationManager) Flush(ctx context.Context) {
	m.wg.Wait()

	m.mu.Lock()
	if len(m.buffer) == 0 {
		m.mu.Unlock()
		return
	}
	m.summarizing = true
	snapshot := make([]core.Turn, len(m.buffer))
	copy(snapshot, m.buffer)
	prior := m.summary
	from, to := m.bufferRangeLocked()
	m.mu.Unlock()

	m.runSummarization(ctx, snapshot, prior, from, to)
}

// Wait blocks until any background summarization pass has completed.
func (m *ConversationManager) Wait() {
	m.wg.Wait()
}

// ActiveSummary returns a copy of the current summary, or nil before the
// first pass completes.
func (m *ConversationManager) ActiveSummary() *core.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.summary == nil {
		return nil
	}
	s := *m.summary
	return &s
}

// BufferLen returns the number of turns not yet folded into the summary.
func (m *ConversationManager) BufferLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// runSummarization executes one pass over snapshot: model call with bounded
// retry, degenerate fallback, summary swap, buffer trim, fact persistence.
func (m *ConversationManager) runSummarization(ctx context.Context, snapshot []core.Turn, prior *core.Summary, from, to int) {
	summary, facts, err := m.summarizeWithRetry(ctx, snapshot, prior)
	if err != nil {
		log.Printf("[MEMORY] Summarization degraded to raw concatenation: %v", err)
		summary = degenerateSummary(prior, snapshot)
		facts = nil
	}
	if prior != nil {
		summary.FromTurn = prior.FromTurn
	} else {
		summary.FromTurn = from
	}
	summary.ToTurn = to

	m.mu.Lock()
	m.summary = summary
	// The snapshot is always a prefix of the buffer: RecordTurn only
	// appends while a pass is running.
	m.buffer = m.buffer[len(snapshot):]
	m.summarizing = false
	m.lastSummarized = time.Now()
	m.mu.Unlock()

	log.Printf("[MEMORY] Summary updated (turns %d-%d), %d candidate facts", summary.FromTurn, summary.ToTurn, len(facts))
	m.persistFacts(ctx, facts)
}

func (m *ConversationManager) summarizeWithRetry(ctx context.Context, turns []core.Turn, prior *core.Summary) (*core.Summary, []core.Fact, error) {
	backoff := m.config.SummarizeBackoff
	var lastErr error
	for attempt := 1; attempt <= m.config.SummarizeAttempts; attempt++ {
		summary, facts, err := m.summarizer.Summarize(ctx, turns, prior)
		if err == nil {
			return summary, facts, nil
		}
		lastErr = err
		log.Printf("[MEMORY] Summarize attempt %d/%d failed: %v", attempt, m.config.SummarizeAttempts, err)
		if attempt < m.config.SummarizeAttempts {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, nil, lastErr
}

// persistFacts applies the worthiness gate and upserts the survivors.
// Embedding outages abort the batch (storage is skipped this pass); storage
// failures are reported and the remaining facts are still attempted.
func (m *ConversationManager) persistFacts(ctx context.Context, facts []core.Fact) {
	for _, fact := range facts {
		if fact.Worthiness < m.config.WorthinessThreshold {
			log.Printf("[MEMORY] Dropping fact below worthiness %.2f: %q",
				m.config.WorthinessThreshold, fact.Content)
			continue
		}
		if _, err := m.store.Upsert(ctx, fact); err != nil {
			if errors.Is(err, ErrEmbeddingUnavailable) {
				log.Printf("[MEMORY] Embeddings unavailable, skipping storage this pass: %v", err)
				return
			}
			log.Printf("[MEMORY] Failed to persist fact %q: %v", fact.Content, err)
			m.notify(err)
			continue
		}
		log.Printf("[MEMORY] Persisted fact (%s, worthiness %.2f): %q",
			fact.Category, fact.Worthiness, fact.Content)
	}
}

func (m *ConversationManager) notify(err error) {
	if m.config.OnError != nil {
		m.config.OnError(err)
	}
}

// degenerateSummary is the fallback when the model is unreachable: the prior
// summary text followed by the raw turns, with no facts extracted.
func degenerateSummary(prior *core.Summary, turns []core.Turn) *core.Summary {
	var parts []string
	if prior != nil && prior.Text != "" {
		parts = append(parts, prior.Text)
	}
	for _, t := range turns {
		parts = append(parts, t.Format())
	}
	return &core.Summary{Text: strings.Join(parts, "\n")}
}

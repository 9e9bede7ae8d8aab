package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HamzaDevv/IOT-Sadaf-BOT/core"
	"github.com/HamzaDevv/IOT-Sadaf-BOT/memory"
)

// fakeStore is an in-memory memory.Store with test-controlled ranking.
type fakeStore struct {
	mu             sync.Mutex
	facts          []core.Fact
	upsertAttempts int
	rank           map[string]float64 // content -> query distance
	queryErr       error
	upsertErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rank: map[string]float64{}}
}

func (s *fakeStore) Upsert(ctx context.Context, fact core.Fact) (*memory.StoredFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertAttempts++
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}
	s.facts = append(s.facts, fact)
	return &memory.StoredFact{Fact: fact, ID: memory.FactID(fact.Category, fact.Content)}, nil
}

func (s *fakeStore) Query(ctx context.Context, text string, topK int) ([]memory.StoredFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	out := make([]memory.StoredFact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, memory.StoredFact{Fact: f, ID: memory.FactID(f.Category, f.Content)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return s.distance(out[i].Fact.Content) < s.distance(out[j].Fact.Content)
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *fakeStore) distance(content string) float64 {
	if d, ok := s.rank[content]; ok {
		return d
	}
	return 1.0
}

func (s *fakeStore) stored() []core.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Fact, len(s.facts))
	copy(out, s.facts)
	return out
}

func (s *fakeStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts)
}

func (s *fakeStore) Close() error { return nil }

// fakeSummarizer returns canned output, optionally failing first.
type fakeSummarizer struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many leading calls; -1 fails forever
	summary  string
	facts    []core.Fact
	block    chan struct{} // when set, Summarize waits on it
}

func (f *fakeSummarizer) Summarize(ctx context.Context, turns []core.Turn, prior *core.Summary) (*core.Summary, []core.Fact, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls++
	calls := f.calls
	f.mu.Unlock()
	if f.failures == -1 || calls <= f.failures {
		return nil, nil, fmt.Errorf("%w: model unreachable", memory.ErrSummarizationFailed)
	}
	text := f.summary
	if prior != nil {
		text = prior.Text + " " + text
	}
	return &core.Summary{Text: text}, f.facts, nil
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *memory.Config {
	return &memory.Config{
		BufferThreshold:     4,
		RecentTurns:         7,
		TopKFacts:           5,
		WorthinessThreshold: 0.5,
		RetrievalTimeout:    time.Second,
		SummarizeAttempts:   2,
		SummarizeBackoff:    time.Millisecond,
	}
}

func TestManager_EndToEnd(t *testing.T) {
	store := newFakeStore()
	store.rank["User is allergic to peanuts"] = 0.1
	store.rank["User lives in Lahore"] = 0.7

	summ := &fakeSummarizer{
		summary: "User mentioned a peanut allergy and living in Lahore.",
		facts: []core.Fact{
			{Content: "User is allergic to peanuts", Category: core.CategoryBiographical, Confidence: 1, Worthiness: 0.9},
			{Content: "User lives in Lahore", Category: core.CategoryBiographical, Confidence: 1, Worthiness: 0.8},
		},
	}
	mgr := memory.NewConversationManager(store, summ, testConfig())

	for _, text := range []string{"I'm allergic to peanuts", "ok noted", "I live in Lahore", "nice"} {
		mgr.RecordTurn(core.NewUserTurn(text))
	}
	mgr.Wait()

	stored := store.stored()
	if len(stored) != 2 {
		t.Fatalf("stored %d facts, want 2: %+v", len(stored), stored)
	}
	if mgr.BufferLen() != 0 {
		t.Errorf("buffer length = %d after summarization, want 0", mgr.BufferLen())
	}
	summary := mgr.ActiveSummary()
	if summary == nil || !strings.Contains(summary.Text, "peanut") {
		t.Fatalf("active summary = %+v, want peanut mention", summary)
	}
	if summary.FromTurn != 0 || summary.ToTurn != 3 {
		t.Errorf("summary covers %d-%d, want 0-3", summary.FromTurn, summary.ToTurn)
	}

	block := mgr.BuildContext(context.Background(), "any food restrictions?")
	iPeanut := strings.Index(block, "User is allergic to peanuts")
	iLahore := strings.Index(block, "User lives in Lahore")
	if iPeanut < 0 {
		t.Fatalf("context missing peanut fact:\n%s", block)
	}
	if iLahore >= 0 && iPeanut > iLahore {
		t.Errorf("peanut fact should rank first:\n%s", block)
	}
}

func TestManager_WorthinessGate(t *testing.T) {
	store := newFakeStore()
	summ := &fakeSummarizer{
		summary: "small talk",
		facts: []core.Fact{
			{Content: "User said hello", Category: core.CategoryEvent, Confidence: 1, Worthiness: 0.49},
			{Content: "User works as a nurse", Category: core.CategoryBiographical, Confidence: 1, Worthiness: 0.5},
		},
	}
	mgr := memory.NewConversationManager(store, summ, testConfig())

	for i := 0; i < 4; i++ {
		mgr.RecordTurn(core.NewUserTurn(fmt.Sprintf("turn %d", i)))
	}
	mgr.Wait()

	stored := store.stored()
	if len(stored) != 1 {
		t.Fatalf("stored %d facts, want 1: %+v", len(stored), stored)
	}
	if stored[0].Content != "User works as a nurse" {
		t.Errorf("stored %q, want the at-threshold fact", stored[0].Content)
	}
}

func TestManager_RetrievalDegradesWithoutFacts(t *testing.T) {
	store := newFakeStore()
	summ := &fakeSummarizer{summary: "user introduced themselves"}
	mgr := memory.NewConversationManager(store, summ, testConfig())

	for i := 0; i < 4; i++ {
		mgr.RecordTurn(core.NewUserTurn(fmt.Sprintf("turn %d", i)))
	}
	mgr.Wait()
	mgr.RecordTurn(core.NewUserTurn("still here"))

	store.mu.Lock()
	store.queryErr = fmt.Errorf("embed query: %w", memory.ErrEmbeddingUnavailable)
	store.mu.Unlock()

	block := mgr.BuildContext(context.Background(), "who am I?")
	if !strings.Contains(block, "user introduced themselves") {
		t.Errorf("summary missing from degraded context:\n%s", block)
	}
	if !strings.Contains(block, "still here") {
		t.Errorf("recent turns missing from degraded context:\n%s", block)
	}
	if strings.Contains(block, "Long-Term Facts") {
		t.Errorf("degraded context should have no facts section:\n%s", block)
	}
}

func TestManager_SummarizerFallback(t *testing.T) {
	store := newFakeStore()
	summ := &fakeSummarizer{failures: -1}
	mgr := memory.NewConversationManager(store, summ, testConfig())

	mgr.RecordTurn(core.NewUserTurn("I'm allergic to peanuts"))
	mgr.RecordTurn(core.NewAssistantTurn("ok noted"))
	mgr.RecordTurn(core.NewUserTurn("I live in Lahore"))
	mgr.RecordTurn(core.NewAssistantTurn("nice"))
	mgr.Wait()

	if got := summ.callCount(); got != 2 {
		t.Errorf("summarizer called %d times, want 2 (bounded retry)", got)
	}
	summary := mgr.ActiveSummary()
	if summary == nil {
		t.Fatal("expected degenerate summary after fallback")
	}
	if !strings.Contains(summary.Text, "User: I'm allergic to peanuts") {
		t.Errorf("degenerate summary should concatenate raw turns, got %q", summary.Text)
	}
	if store.Count() != 0 {
		t.Errorf("fallback must extract no facts, stored %d", store.Count())
	}
	if mgr.BufferLen() != 0 {
		t.Errorf("buffer should still be folded after fallback, len=%d", mgr.BufferLen())
	}
}

func TestManager_RetryThenSuccess(t *testing.T) {
	store := newFakeStore()
	summ := &fakeSummarizer{
		failures: 1,
		summary:  "recovered",
		facts:    []core.Fact{{Content: "User has a dog", Category: core.CategoryBiographical, Confidence: 1, Worthiness: 0.7}},
	}
	mgr := memory.NewConversationManager(store, summ, testConfig())

	for i := 0; i < 4; i++ {
		mgr.RecordTurn(core.NewUserTurn(fmt.Sprintf("turn %d", i)))
	}
	mgr.Wait()

	if summary := mgr.ActiveSummary(); summary == nil || !strings.Contains(summary.Text, "recovered") {
		t.Errorf("summary = %+v, want the retried result", summary)
	}
	if store.Count() != 1 {
		t.Errorf("stored %d facts, want 1", store.Count())
	}
}

func TestManager_BuildContextNotBlockedBySummarization(t *testing.T) {
	store := newFakeStore()
	release := make(chan struct{})
	summ := &fakeSummarizer{summary: "late summary", block: release}
	mgr := memory.NewConversationManager(store, summ, testConfig())

	for i := 0; i < 4; i++ {
		mgr.RecordTurn(core.NewUserTurn(fmt.Sprintf("turn %d", i)))
	}

	// The pass is stuck on the channel; the retrieval path must proceed
	// with the pre-pass state.
	done := make(chan string)
	go func() {
		done <- mgr.BuildContext(context.Background(), "anything")
	}()
	select {
	case block := <-done:
		if strings.Contains(block, "late summary") {
			t.Error("context should reflect the pre-pass summary")
		}
		if !strings.Contains(block, "turn 3") {
			t.Errorf("recent turns missing:\n%s", block)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BuildContext blocked on in-flight summarization")
	}

	close(release)
	mgr.Wait()
	if block := mgr.BuildContext(context.Background(), "anything"); !strings.Contains(block, "late summary") {
		t.Errorf("context should pick up the completed summary:\n%s", block)
	}
}

func TestManager_FlushDrainsBuffer(t *testing.T) {
	store := newFakeStore()
	summ := &fakeSummarizer{
		summary: "closing summary",
		facts:   []core.Fact{{Content: "User prefers tea over coffee", Category: core.CategoryPreference, Confidence: 1, Worthiness: 0.8}},
	}
	mgr := memory.NewConversationManager(store, summ, testConfig())

	mgr.RecordTurn(core.NewUserTurn("I prefer tea over coffee"))
	mgr.RecordTurn(core.NewAssistantTurn("noted"))
	if store.Count() != 0 {
		t.Fatal("nothing should persist below the threshold")
	}

	mgr.Flush(context.Background())
	if store.Count() != 1 {
		t.Errorf("stored %d facts after flush, want 1", store.Count())
	}
	if mgr.BufferLen() != 0 {
		t.Errorf("buffer length = %d after flush, want 0", mgr.BufferLen())
	}
}

func TestManager_StorageErrorNotifiesAndContinues(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = &memory.StorageError{Op: "add document", Err: errors.New("disk full")}
	var notified []error
	cfg := testConfig()
	cfg.OnError = func(err error) { notified = append(notified, err) }

	summ := &fakeSummarizer{
		summary: "s",
		facts: []core.Fact{
			{Content: "fact one", Category: core.CategoryEvent, Confidence: 1, Worthiness: 0.9},
			{Content: "fact two", Category: core.CategoryEvent, Confidence: 1, Worthiness: 0.9},
		},
	}
	mgr := memory.NewConversationManager(store, summ, cfg)
	for i := 0; i < 4; i++ {
		mgr.RecordTurn(core.NewUserTurn(fmt.Sprintf("turn %d", i)))
	}
	mgr.Wait()

	if len(notified) != 2 {
		t.Errorf("OnError called %d times, want 2 (one per failed fact)", len(notified))
	}
	if store.upsertAttempts != 2 {
		t.Errorf("upsert attempts = %d, want 2 (storage errors do not abort the batch)", store.upsertAttempts)
	}
}

func TestManager_EmbeddingOutageAbortsBatch(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = fmt.Errorf("embed fact: %w", memory.ErrEmbeddingUnavailable)

	summ := &fakeSummarizer{
		summary: "s",
		facts: []core.Fact{
			{Content: "fact one", Category: core.CategoryEvent, Confidence: 1, Worthiness: 0.9},
			{Content: "fact two", Category: core.CategoryEvent, Confidence: 1, Worthiness: 0.9},
		},
	}
	mgr := memory.NewConversationManager(store, summ, testConfig())
	for i := 0; i < 4; i++ {
		mgr.RecordTurn(core.NewUserTurn(fmt.Sprintf("turn %d", i)))
	}
	mgr.Wait()

	if store.upsertAttempts != 1 {
		t.Errorf("upsert attempts = %d, want 1 (outage skips the rest of the pass)", store.upsertAttempts)
	}
}

package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/HamzaDevv/IOT-Sadaf-BOT/core"
)

// ErrEmbeddingUnavailable is wrapped by embedders when the provider cannot
// produce a vector. The manager treats it as "skip storage this turn" /
// "assemble context without retrieved facts" — never fatal to the loop.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// ErrSummarizationFailed is wrapped by summarizers when the model call
// itself fails (timeout, rate limit, non-structured response). The manager
// retries with bounded backoff and then falls back to a degenerate summary.
var ErrSummarizationFailed = errors.New("summarization failed")

// StorageError reports a durable read/write failure in the knowledge store.
// It is a hard failure of Upsert/Query; the conversation loop may continue
// without persistence but gets notified through Config.OnError.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// StoredFact is a fact as it lives in the knowledge store, together with
// its embedding. The store owns these exclusively; the manager owns Fact
// values only up to the moment they are upserted.
type StoredFact struct {
	Fact      core.Fact
	Embedding []float32

	// ID is derived from the fact category and content, so identical
	// statements map to the same record while equal content in different
	// categories stays distinct.
	ID string
}

// FactID derives the stable store key for a fact. The category is part of
// the identity: the store's duplicate rule is per category, so colliding IDs
// across categories would silently destroy records the rule says to keep.
func FactID(category core.FactCategory, content string) string {
	sum := sha256.Sum256([]byte(string(category) + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

// Store is the persistent vector index over extracted facts.
// Implementations: chromem (embedded, durable), plus test fakes.
type Store interface {
	// Upsert embeds the fact content and inserts it unless a near-duplicate
	// of the same category already exists. A duplicate with equal-or-higher
	// worthiness wins and is returned unchanged; a lower-worthiness
	// duplicate is replaced. The write is durable before Upsert returns.
	Upsert(ctx context.Context, fact core.Fact) (*StoredFact, error)

	// Query embeds the text and returns up to topK facts, nearest first,
	// ties broken by most recent source timestamp. An empty store or no
	// result above the relevance floor yields an empty slice, not an error.
	Query(ctx context.Context, text string, topK int) ([]StoredFact, error)

	// Count returns the number of persisted facts.
	Count() int

	// Close releases resources.
	Close() error
}

// Embedder converts text to vectors. External collaborator; failures are
// reported as (wrapped) ErrEmbeddingUnavailable.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Summarizer compresses a window of turns into a replacement summary plus
// candidate facts. The prior summary (may be nil) must be folded into the
// new one so the summary chain stays self-contained. Facts returned have
// already passed schema validation; invalid ones were dropped and logged.
type Summarizer interface {
	Summarize(ctx context.Context, turns []core.Turn, prior *core.Summary) (*core.Summary, []core.Fact, error)
}

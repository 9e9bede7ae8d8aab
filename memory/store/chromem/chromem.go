// Package chromem implements the knowledge store on chromem-go, an embedded
// pure-Go vector database with on-disk persistence.
package chromem

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/HamzaDevv/IOT-Sadaf-BOT/core"
	"github.com/HamzaDevv/IOT-Sadaf-BOT/memory"
)

// Config holds store configuration.
type Config struct {
	// Path is the persistence directory. Empty keeps the index in memory
	// (tests, throwaway sessions). Reopening the same path reconstructs
	// every stored fact.
	Path string

	// Collection names the fact collection. Default: "conversation_facts".
	Collection string

	// DuplicateThreshold is the maximum cosine distance at which two facts
	// of the same category count as the same fact. Default: 0.05.
	DuplicateThreshold float64

	// MinRelevance is the minimum cosine similarity a stored fact needs to
	// appear in query results. Default: 0.25.
	// Tiny local embedders score similar text lower than hosted models;
	// tune per embedder.
	MinRelevance float64
}

const (
	defaultCollection         = "conversation_facts"
	defaultDuplicateThreshold = 0.05
	defaultMinRelevance       = 0.25
)

// Store is the chromem-backed memory.Store. Writes serialize through a
// mutex: the duplicate-check-then-insert sequence is a check-then-act
// region and must not interleave.
type Store struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder memory.Embedder
	config   Config
	mu       sync.RWMutex
}

// New opens (or creates) the store. An unreadable index at a configured
// path is a hard failure: the memory subsystem cannot initialize without
// its persisted facts.
func New(cfg Config, embedder memory.Embedder) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("chromem store: embedder is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.DuplicateThreshold <= 0 {
		cfg.DuplicateThreshold = defaultDuplicateThreshold
	}
	if cfg.MinRelevance == 0 {
		cfg.MinRelevance = defaultMinRelevance
	}

	var db *chromem.DB
	var err error
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector index at %s: %w", cfg.Path, err)
		}
	}

	// Embeddings are always supplied explicitly, so no embedding func is
	// registered with the collection.
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", cfg.Collection, err)
	}

	log.Printf("[CHROMEM] Opened collection %q with %d facts", cfg.Collection, col.Count())
	return &Store{
		db:       db,
		col:      col,
		embedder: embedder,
		config:   cfg,
	}, nil
}

// Upsert embeds the fact and applies the duplicate rule before inserting.
// The underlying write is synchronous; when Upsert returns, the fact is on
// disk.
func (s *Store) Upsert(ctx context.Context, fact core.Fact) (*memory.StoredFact, error) {
	embedding, err := s.embedder.Embed(ctx, fact.Content)
	if err != nil {
		return nil, fmt.Errorf("embed fact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dup, err := s.findDuplicateLocked(ctx, fact, embedding); err != nil {
		return nil, err
	} else if dup != nil {
		if dup.Fact.Worthiness >= fact.Worthiness {
			log.Printf("[CHROMEM] Duplicate of %q kept (worthiness %.2f >= %.2f)",
				dup.Fact.Content, dup.Fact.Worthiness, fact.Worthiness)
			return dup, nil
		}
		if err := s.col.Delete(ctx, nil, nil, dup.ID); err != nil {
			return nil, &memory.StorageError{Op: "delete duplicate", Err: err}
		}
		log.Printf("[CHROMEM] Replacing duplicate %q (worthiness %.2f < %.2f)",
			dup.Fact.Content, dup.Fact.Worthiness, fact.Worthiness)
	}

	id := memory.FactID(fact.Category, fact.Content)
	doc := chromem.Document{
		ID:        id,
		Content:   fact.Content,
		Embedding: embedding,
		Metadata:  metadataFor(fact),
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return nil, &memory.StorageError{Op: "add document", Err: err}
	}

	return &memory.StoredFact{Fact: fact, Embedding: embedding, ID: id}, nil
}

// findDuplicateLocked returns the nearest stored fact within the duplicate
// threshold and with the same category, or nil. Caller holds the write lock.
//
// The scan widens until it runs past the duplicate distance: a same-category
// duplicate can sit behind any number of nearer different-category neighbors.
func (s *Store) findDuplicateLocked(ctx context.Context, fact core.Fact, embedding []float32) (*memory.StoredFact, error) {
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	for n := 4; ; n *= 2 {
		if n > count {
			n = count
		}
		results, err := s.col.QueryEmbedding(ctx, embedding, n, nil, nil)
		if err != nil {
			return nil, &memory.StorageError{Op: "duplicate check", Err: err}
		}
		exhausted := true
		for _, r := range results {
			if float64(1-r.Similarity) > s.config.DuplicateThreshold {
				exhausted = false // results arrive nearest first
				break
			}
			sf, err := resultToStoredFact(r)
			if err != nil {
				log.Printf("[CHROMEM] Skipping undecodable record %s: %v", r.ID, err)
				continue
			}
			if sf.Fact.Category == fact.Category {
				return sf, nil
			}
		}
		if !exhausted || n == count {
			return nil, nil
		}
	}
}

// Query returns up to topK facts nearest to the query text, filtered by the
// relevance floor. Ties in distance go to the most recently sourced fact.
func (s *Store) Query(ctx context.Context, text string, topK int) ([]memory.StoredFact, error) {
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := s.col.Count()
	if count == 0 || topK <= 0 {
		return nil, nil
	}
	n := topK
	if count < n {
		n = count
	}
	results, err := s.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, &memory.StorageError{Op: "query", Err: err}
	}

	facts := make([]memory.StoredFact, 0, len(results))
	type scored struct {
		fact       memory.StoredFact
		similarity float32
	}
	var kept []scored
	for _, r := range results {
		if float64(r.Similarity) < s.config.MinRelevance {
			continue
		}
		sf, err := resultToStoredFact(r)
		if err != nil {
			log.Printf("[CHROMEM] Skipping undecodable record %s: %v", r.ID, err)
			continue
		}
		kept = append(kept, scored{fact: *sf, similarity: r.Similarity})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].similarity != kept[j].similarity {
			return kept[i].similarity > kept[j].similarity
		}
		return kept[i].fact.Fact.SourceTimestamp.After(kept[j].fact.Fact.SourceTimestamp)
	})
	for _, k := range kept {
		facts = append(facts, k.fact)
	}
	log.Printf("[CHROMEM] Query returned %d/%d facts above relevance %.2f",
		len(facts), len(results), s.config.MinRelevance)
	return facts, nil
}

// Count returns the number of persisted facts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col.Count()
}

// Close releases resources. chromem persists on every write, so there is
// nothing to sync here.
func (s *Store) Close() error {
	return nil
}

func metadataFor(fact core.Fact) map[string]string {
	return map[string]string{
		"category":         string(fact.Category),
		"confidence":       strconv.FormatFloat(fact.Confidence, 'f', -1, 64),
		"worthiness":       strconv.FormatFloat(fact.Worthiness, 'f', -1, 64),
		"source_timestamp": fact.SourceTimestamp.Format(time.RFC3339Nano),
	}
}

func resultToStoredFact(r chromem.Result) (*memory.StoredFact, error) {
	confidence, err := strconv.ParseFloat(r.Metadata["confidence"], 64)
	if err != nil {
		return nil, fmt.Errorf("parse confidence: %w", err)
	}
	worthiness, err := strconv.ParseFloat(r.Metadata["worthiness"], 64)
	if err != nil {
		return nil, fmt.Errorf("parse worthiness: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Metadata["source_timestamp"])
	if err != nil {
		return nil, fmt.Errorf("parse source_timestamp: %w", err)
	}
	return &memory.StoredFact{
		Fact: core.Fact{
			Content:         r.Content,
			Category:        core.FactCategory(r.Metadata["category"]),
			Confidence:      confidence,
			Worthiness:      worthiness,
			SourceTimestamp: ts,
		},
		Embedding: r.Embedding,
		ID:        r.ID,
	}, nil
}

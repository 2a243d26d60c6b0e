package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nimbusmail/mail-sync-infra/internal/embed"
	"github.com/nimbusmail/mail-sync-infra/internal/store"
)

// DefaultSimilarityThreshold is the minimum vector similarity a hybrid
// search hit must reach.
const DefaultSimilarityThreshold = 0.8

const snapshotVersion = 1

// snapshot is the serialized form of the index. The rest of the system
// treats it as an opaque blob on the account row.
type snapshot struct {
	Version int        `json:"version"`
	Docs    []Document `json:"docs"`
}

// Indexer owns one account's hybrid search index. All mutation goes through
// the Indexer's mutex, making it the single writer for the in-memory index
// and its persisted snapshot.
type Indexer struct {
	accountID string
	store     *store.Store

	mu   sync.Mutex
	docs []Document
	byID map[string]int
}

// NewIndexer creates an indexer for an account. Initialize must be called
// before any other method.
func NewIndexer(s *store.Store, accountID string) *Indexer {
	return &Indexer{
		accountID: accountID,
		store:     s,
		byID:      make(map[string]int),
	}
}

// Initialize loads the persisted snapshot for the account, or creates an
// empty index and persists an initial snapshot when none exists. Only the
// sync cycle's indexer may call it; query paths use InitializeReadOnly.
func (ix *Indexer) Initialize(ctx context.Context) error {
	return ix.initialize(ctx, true)
}

// InitializeReadOnly loads the persisted snapshot without writing one back
// when none exists, keeping the running sync cycle the snapshot's only
// writer.
func (ix *Indexer) InitializeReadOnly(ctx context.Context) error {
	return ix.initialize(ctx, false)
}

func (ix *Indexer) initialize(ctx context.Context, persistEmpty bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	blob, err := ix.store.LoadIndexSnapshot(ctx, ix.accountID)
	if err != nil {
		return fmt.Errorf("load index snapshot: %w", err)
	}

	if len(blob) == 0 {
		ix.docs = nil
		ix.byID = make(map[string]int)
		if !persistEmpty {
			return nil
		}
		return ix.persistLocked(ctx)
	}

	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return fmt.Errorf("decode index snapshot: %w", err)
	}

	ix.docs = snap.Docs
	ix.byID = make(map[string]int, len(snap.Docs))
	for i := range snap.Docs {
		ix.byID[snap.Docs[i].ID] = i
	}
	return nil
}

// Insert adds one document and persists the full snapshot. Re-inserting a
// document id replaces the previous version. A failed insert leaves both the
// in-memory index and the persisted snapshot as they were.
func (ix *Indexer) Insert(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document missing id")
	}
	if doc.Body == "" {
		return fmt.Errorf("document %s has empty body", doc.ID)
	}
	if len(doc.Embedding) != embed.Dimensions {
		return fmt.Errorf("document %s embedding has %d dimensions, want %d", doc.ID, len(doc.Embedding), embed.Dimensions)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if i, ok := ix.byID[doc.ID]; ok {
		prev := ix.docs[i]
		ix.docs[i] = doc
		if err := ix.persistLocked(ctx); err != nil {
			ix.docs[i] = prev
			return err
		}
		return nil
	}

	ix.docs = append(ix.docs, doc)
	ix.byID[doc.ID] = len(ix.docs) - 1
	if err := ix.persistLocked(ctx); err != nil {
		ix.docs = ix.docs[:len(ix.docs)-1]
		delete(ix.byID, doc.ID)
		return err
	}
	return nil
}

func (ix *Indexer) persistLocked(ctx context.Context) error {
	blob, err := json.Marshal(snapshot{Version: snapshotVersion, Docs: ix.docs})
	if err != nil {
		return fmt.Errorf("encode index snapshot: %w", err)
	}
	if err := ix.store.SaveIndexSnapshot(ctx, ix.accountID, blob); err != nil {
		return fmt.Errorf("persist index snapshot: %w", err)
	}
	return nil
}

// Len returns the number of indexed documents.
func (ix *Indexer) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.docs)
}

// LexicalSearch returns documents whose text fields match the term, best
// match first.
func (ix *Indexer) LexicalSearch(term string) []Hit {
	terms := tokenize(term)
	if len(terms) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	var hits []Hit
	for i := range ix.docs {
		score := lexicalScore(&ix.docs[i], terms)
		if score > 0 {
			hits = append(hits, Hit{Document: ix.docs[i], Score: score})
		}
	}
	sortHits(hits)
	return hits
}

// HybridSearch merges lexical matching with vector similarity. Only
// documents whose similarity reaches the threshold are returned, whatever
// their lexical score.
func (ix *Indexer) HybridSearch(term string, vector []float32, threshold float64) []Hit {
	terms := tokenize(term)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	var maxLex float64
	lex := make([]float64, len(ix.docs))
	for i := range ix.docs {
		lex[i] = lexicalScore(&ix.docs[i], terms)
		if lex[i] > maxLex {
			maxLex = lex[i]
		}
	}

	var hits []Hit
	for i := range ix.docs {
		similarity := cosineSimilarity(ix.docs[i].Embedding, vector)
		if similarity < threshold {
			continue
		}
		lexNorm := 0.0
		if maxLex > 0 {
			lexNorm = lex[i] / maxLex
		}
		hits = append(hits, Hit{
			Document:   ix.docs[i],
			Score:      0.5*lexNorm + 0.5*similarity,
			Similarity: similarity,
		})
	}
	sortHits(hits)
	return hits
}

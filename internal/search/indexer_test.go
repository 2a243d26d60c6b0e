package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusmail/mail-sync-infra/internal/embed"
	"github.com/nimbusmail/mail-sync-infra/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateAccount(context.Background(), &store.Account{
		ID:           "acc-1",
		UserID:       "user-1",
		EmailAddress: "me@example.com",
		AccessToken:  "token",
	}))
	return s
}

// unitVector returns an embedding with a 1 at the given axis. Orthogonal
// axes give cosine similarity 0, the same axis gives 1.
func unitVector(axis int) []float32 {
	v := make([]float32, embed.Dimensions)
	v[axis] = 1
	return v
}

func testDoc(id, subject, body string, axis int) Document {
	return Document{
		ID:        id,
		Subject:   subject,
		Body:      body,
		RawBody:   "<p>" + body + "</p>",
		From:      "alice@example.com",
		To:        []string{"bob@example.com"},
		ThreadID:  "t1",
		Embedding: unitVector(axis),
	}
}

func TestInitializePersistsEmptySnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ix := NewIndexer(s, "acc-1")
	require.NoError(t, ix.Initialize(ctx))
	assert.Equal(t, 0, ix.Len())

	blob, err := s.LoadIndexSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.NotEmpty(t, blob, "an empty snapshot is still written so restarts see a valid index")
}

func TestInitializeReadOnlyNeverWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ix := NewIndexer(s, "acc-1")
	require.NoError(t, ix.InitializeReadOnly(ctx))
	assert.Equal(t, 0, ix.Len())

	blob, err := s.LoadIndexSnapshot(ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, blob, "query paths never write the snapshot")

	// A persisted snapshot is still readable through the read-only path.
	writer := NewIndexer(s, "acc-1")
	require.NoError(t, writer.Initialize(ctx))
	require.NoError(t, writer.Insert(ctx, testDoc("m1", "subject", "body", 0)))

	reader := NewIndexer(s, "acc-1")
	require.NoError(t, reader.InitializeReadOnly(ctx))
	assert.Equal(t, 1, reader.Len())
}

func TestInsertSurvivesRestart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ix := NewIndexer(s, "acc-1")
	require.NoError(t, ix.Initialize(ctx))
	require.NoError(t, ix.Insert(ctx, testDoc("m1", "quarterly report", "numbers attached", 0)))
	require.NoError(t, ix.Insert(ctx, testDoc("m2", "lunch plans", "sushi on friday", 1)))

	reloaded := NewIndexer(s, "acc-1")
	require.NoError(t, reloaded.Initialize(ctx))
	assert.Equal(t, 2, reloaded.Len())

	hits := reloaded.LexicalSearch("sushi")
	require.Len(t, hits, 1)
	assert.Equal(t, "m2", hits[0].Document.ID)
}

func TestInsertReplacesSameID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ix := NewIndexer(s, "acc-1")
	require.NoError(t, ix.Initialize(ctx))
	require.NoError(t, ix.Insert(ctx, testDoc("m1", "old subject", "old body", 0)))
	require.NoError(t, ix.Insert(ctx, testDoc("m1", "new subject", "new body", 0)))

	assert.Equal(t, 1, ix.Len())
	assert.Empty(t, ix.LexicalSearch("old"))
	assert.Len(t, ix.LexicalSearch("new"), 1)
}

func TestInsertRejectsInvalidDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ix := NewIndexer(s, "acc-1")
	require.NoError(t, ix.Initialize(ctx))

	noID := testDoc("", "subject", "body", 0)
	assert.Error(t, ix.Insert(ctx, noID))

	noBody := testDoc("m1", "subject", "", 0)
	assert.Error(t, ix.Insert(ctx, noBody))

	badDims := testDoc("m1", "subject", "body", 0)
	badDims.Embedding = []float32{1, 2, 3}
	assert.Error(t, ix.Insert(ctx, badDims))

	assert.Equal(t, 0, ix.Len(), "rejected documents never enter the index")
}

func TestLexicalSearchPrefixMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ix := NewIndexer(s, "acc-1")
	require.NoError(t, ix.Initialize(ctx))
	require.NoError(t, ix.Insert(ctx, testDoc("m1", "Invoice overdue", "payment reminder", 0)))
	require.NoError(t, ix.Insert(ctx, testDoc("m2", "Vacation photos", "beach pictures", 1)))

	// A truncated query term still matches via prefix expansion.
	hits := ix.LexicalSearch("invoi")
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].Document.ID)

	assert.Empty(t, ix.LexicalSearch("zzz"))
	assert.Empty(t, ix.LexicalSearch(""))
}

func TestHybridSearchThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ix := NewIndexer(s, "acc-1")
	require.NoError(t, ix.Initialize(ctx))
	require.NoError(t, ix.Insert(ctx, testDoc("m1", "project status", "all green", 0)))
	require.NoError(t, ix.Insert(ctx, testDoc("m2", "project status", "all green", 1)))

	// The query vector is identical to m1's embedding and orthogonal to
	// m2's, so only m1 clears the similarity threshold even though both
	// documents match lexically.
	hits := ix.HybridSearch("project", unitVector(0), DefaultSimilarityThreshold)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].Document.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)

	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Similarity, float64(DefaultSimilarityThreshold))
	}
}

func TestHybridSearchScoreBlend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ix := NewIndexer(s, "acc-1")
	require.NoError(t, ix.Initialize(ctx))
	require.NoError(t, ix.Insert(ctx, testDoc("m1", "budget review budget", "budget numbers", 0)))
	require.NoError(t, ix.Insert(ctx, testDoc("m2", "weekly notes", "misc items", 0)))

	// Same embeddings, so similarity ties at 1.0 and the lexical component
	// decides the order.
	hits := ix.HybridSearch("budget", unitVector(0), 0.5)
	require.Len(t, hits, 2)
	assert.Equal(t, "m1", hits[0].Document.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestPlainTextStripsMarkup(t *testing.T) {
	got := PlainText(`<div>Hello <b>world</b>&nbsp;&amp; friends</div>`)
	assert.Equal(t, "Hello world & friends", got)

	got = PlainText("<script>alert(1)</script>line one\n\n  line   two")
	assert.Equal(t, "line one line two", got)
}

package search

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Document is the per-message projection held in the index. It mirrors the
// message row but is not authoritative; it can always be rebuilt from the
// store plus a recomputed embedding.
type Document struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	RawBody   string    `json:"rawBody"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	SentAt    string    `json:"sentAt"`
	ThreadID  string    `json:"threadId"`
	Embedding []float32 `json:"embedding"`
}

// Hit is one search result. Similarity is zero for purely lexical queries.
type Hit struct {
	Document   Document `json:"document"`
	Score      float64  `json:"score"`
	Similarity float64  `json:"similarity"`
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// lexicalScore counts query terms that prefix-match tokens of the document's
// text fields. Prefix matching gives the same fuzziness as rewriting each
// term to `term*` in an FTS query.
func lexicalScore(doc *Document, terms []string) float64 {
	fields := make([]string, 0, 4+len(doc.To))
	fields = append(fields, doc.Subject, doc.Body, doc.RawBody, doc.From)
	fields = append(fields, doc.To...)

	var score float64
	for _, term := range terms {
		for _, field := range fields {
			for _, tok := range tokenize(field) {
				if strings.HasPrefix(tok, term) {
					score++
				}
			}
		}
	}
	return score
}

// cosineSimilarity computes the cosine of the angle between two vectors of
// equal length.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
}

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgilpin/marginalia/internal/apperrors"
	"github.com/wgilpin/marginalia/internal/chunk"
	"github.com/wgilpin/marginalia/internal/embed"
	"github.com/wgilpin/marginalia/internal/llm"
	"github.com/wgilpin/marginalia/internal/store"
)

// fakeEmbedder is a deterministic embed.Embedder stand-in: it maps text
// to a vector derived from a caller-supplied function, so
// similarity ordering in tests is easy to reason about.
type fakeEmbedder struct {
	mu       sync.Mutex
	vecFor   func(text string) []float32
	failFor  map[string]bool
	embedded []string
}

func newFakeEmbedder(vecFor func(string) []float32) *fakeEmbedder {
	return &fakeEmbedder{vecFor: vecFor, failFor: map[string]bool{}}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.embedded = append(f.embedded, text)
	fail := f.failFor[text]
	f.mu.Unlock()
	if fail {
		return nil, apperrors.EmbeddingError("forced failure", nil)
	}
	return f.vecFor(text), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 1 }

func (f *fakeEmbedder) ModelName() string { return "fake" }

func (f *fakeEmbedder) HealthCheck(context.Context) (embed.Status, error) {
	return embed.StatusReady, nil
}
func (f *fakeEmbedder) Close() error { return nil }

// testVocab is the fixed vocabulary identityEmbedder scores against;
// a text containing none of these words embeds to the zero vector.
var testVocab = []string{
	"goroutines", "channels", "concurrency", "approachable",
	"rivers", "lakes", "mountains", "valleys", "gardens",
}

// identityEmbedder scores text against testVocab, giving tests
// meaningfully different (and meaningfully identical, for exact-text
// matches) cosine similarities instead of the trivial 1.0 a
// single-dimension positive embedding would always produce.
func identityEmbedder() *fakeEmbedder {
	return newFakeEmbedder(func(text string) []float32 {
		lower := strings.ToLower(text)
		vec := make([]float32, len(testVocab))
		for i, word := range testVocab {
			vec[i] = float32(strings.Count(lower, word))
		}
		return vec
	})
}

// constantEmbedder always returns the same vector, used where the test
// only cares that Search finds *a* match, not which one ranks first.
func constantEmbedder(v float32) *fakeEmbedder {
	return newFakeEmbedder(func(string) []float32 { return []float32{v} })
}

// fakeSplitter lets tests force chunking outcomes the real chunker's
// invariants make impossible to reach directly, such as zero chunks
// for non-empty input.
type fakeSplitter struct {
	chunks []chunk.Chunk
}

func (f fakeSplitter) Split(string) []chunk.Chunk { return f.chunks }

func newOrchestrator(t *testing.T, embedder *fakeEmbedder) (*Orchestrator, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	o, err := New(context.Background(), Config{
		Store:    s,
		Embedder: embedder,
		LLM:      llm.New(llm.Config{Host: "http://127.0.0.1:1"}),
	})
	require.NoError(t, err)
	return o, s
}

func TestIngest_RejectsEmptyContent(t *testing.T) {
	o, _ := newOrchestrator(t, identityEmbedder())
	_, err := o.Ingest(context.Background(), "title", "   ", "", "manual")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeEmptyDocument, apperrors.GetCode(err))
}

func TestIngest_RejectsDuplicateURL(t *testing.T) {
	o, _ := newOrchestrator(t, identityEmbedder())
	ctx := context.Background()

	_, err := o.Ingest(ctx, "first", "some content here", "https://example.com/a", "manual")
	require.NoError(t, err)

	_, err = o.Ingest(ctx, "second", "other content", "https://example.com/a", "manual")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDuplicate, apperrors.GetCode(err))
}

func TestIngest_FailsWhenChunkerProducesNothing(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	o, err := New(context.Background(), Config{
		Store:    s,
		Chunker:  fakeSplitter{chunks: nil},
		Embedder: identityEmbedder(),
		LLM:      llm.New(llm.Config{}),
	})
	require.NoError(t, err)

	_, err = o.Ingest(context.Background(), "t", "content", "", "manual")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeChunkingProducedNothing, apperrors.GetCode(err))
}

func TestIngest_SkipsChunkOnEmbeddingFailureButKeepsDocument(t *testing.T) {
	embedder := identityEmbedder()
	o, s := newOrchestrator(t, embedder)
	ctx := context.Background()

	content := "first sentence here. second sentence follows after it."
	chunks := chunk.New(chunk.DefaultConfig()).Split(content)
	require.NotEmpty(t, chunks)
	embedder.failFor[chunks[0].Content] = true

	docID, err := o.Ingest(ctx, "t", content, "", "manual")
	require.NoError(t, err)
	assert.Positive(t, docID)

	doc, err := s.GetDocument(ctx, docID, store.UserSearch)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, content, doc.Content)
}

func TestIngestThenSearch_FindsIngestedDocument(t *testing.T) {
	o, _ := newOrchestrator(t, identityEmbedder())
	ctx := context.Background()

	docID, err := o.Ingest(ctx, "Go Concurrency", "goroutines and channels make concurrency approachable", "", "manual")
	require.NoError(t, err)

	hits, err := o.Search(ctx, "goroutines and channels make concurrency approachable", -1)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, docID, hits[0].DocID)
	assert.Equal(t, "Go Concurrency", hits[0].Title)
}

func TestSearch_RejectsEmptyQuery(t *testing.T) {
	o, _ := newOrchestrator(t, identityEmbedder())
	_, err := o.Search(context.Background(), "   ", -1)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeQueryEmpty, apperrors.GetCode(err))
}

func TestSearchFullText_RejectsEmptyQuery(t *testing.T) {
	o, _ := newOrchestrator(t, identityEmbedder())
	_, err := o.SearchFullText(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeQueryEmpty, apperrors.GetCode(err))
}

func TestSearchFullText_FindsIngestedDocumentByKeyword(t *testing.T) {
	o, _ := newOrchestrator(t, identityEmbedder())
	ctx := context.Background()

	docID, err := o.Ingest(ctx, "Go Concurrency", "goroutines and channels make concurrency approachable", "", "manual")
	require.NoError(t, err)

	hits, err := o.SearchFullText(ctx, "goroutines")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, docID, hits[0].DocID)
	assert.Equal(t, "Go Concurrency", hits[0].Title)
}

func TestSearch_DeduplicatesByDocumentAcrossMultipleChunks(t *testing.T) {
	embedder := constantEmbedder(1)
	o, _ := newOrchestrator(t, embedder)
	ctx := context.Background()

	longContent := ""
	for i := 0; i < 20; i++ {
		longContent += "a recurring theme about gardens and soil and sunlight. "
	}
	docID, err := o.Ingest(ctx, "Gardening", longContent, "", "manual")
	require.NoError(t, err)

	hits, err := o.Search(ctx, "gardens", -1)
	require.NoError(t, err)

	seen := map[int64]bool{}
	for _, h := range hits {
		assert.False(t, seen[h.DocID], "document %d appeared more than once", h.DocID)
		seen[h.DocID] = true
	}
	assert.Len(t, hits, 1)
	assert.Equal(t, docID, hits[0].DocID)
}

func TestSearch_UsesQueryCacheOnRepeatedQuery(t *testing.T) {
	embedder := identityEmbedder()
	o, _ := newOrchestrator(t, embedder)
	ctx := context.Background()

	_, err := o.Ingest(ctx, "t", "some searchable content about rivers and lakes", "", "manual")
	require.NoError(t, err)

	_, err = o.Search(ctx, "rivers and lakes", -1)
	require.NoError(t, err)
	callsAfterFirst := len(embedder.embedded)

	_, err = o.Search(ctx, "rivers and lakes", -1)
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, len(embedder.embedded), "second identical query should hit the cache, not re-embed")
}

func TestSearch_HonorsCutoff(t *testing.T) {
	o, _ := newOrchestrator(t, identityEmbedder())
	ctx := context.Background()

	_, err := o.Ingest(ctx, "t", "short", "", "manual")
	require.NoError(t, err)

	hits, err := o.Search(ctx, "completely unrelated query text of very different length", 0.999)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAnswer_ReturnsFixedStringWhenNoDocumentsFound(t *testing.T) {
	o, _ := newOrchestrator(t, identityEmbedder())
	answer := o.Answer(context.Background(), "what happened?", []int64{9999})
	assert.Equal(t, "I couldn't find any relevant information for your query.", answer)
}

func TestAnswer_ReturnsApologyOnCompletionFailure(t *testing.T) {
	o, s := newOrchestrator(t, identityEmbedder())
	ctx := context.Background()

	docID, err := s.InsertDocument(ctx, "t", "some content about rivers", "", "manual", false, store.BackgroundIngest)
	require.NoError(t, err)

	answer := o.Answer(ctx, "rivers", []int64{docID})
	assert.Equal(t, "I encountered an error generating a response.", answer)
}

func TestAnswer_UsesCompletionServiceWhenReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		prompt, _ := body["prompt"].(string)
		assert.Contains(t, prompt, "rivers")
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "rivers are long", "done": true})
	}))
	defer srv.Close()

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	docID, err := s.InsertDocument(ctx, "Rivers", "all about rivers and streams", "", "manual", false, store.BackgroundIngest)
	require.NoError(t, err)

	o, err := New(ctx, Config{
		Store:    s,
		Embedder: identityEmbedder(),
		LLM:      llm.New(llm.Config{Host: srv.URL}),
	})
	require.NoError(t, err)

	answer := o.Answer(ctx, "rivers", []int64{docID})
	assert.Equal(t, "rivers are long", answer)
}

func TestAnswer_TruncatesToTopFiveDocuments(t *testing.T) {
	o, s := newOrchestrator(t, identityEmbedder())
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 8; i++ {
		id, err := s.InsertDocument(ctx, fmt.Sprintf("doc-%d", i), "content", "", "manual", false, store.BackgroundIngest)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Completion service unreachable, so the answer is the fixed
	// apology regardless of context size; this only verifies Answer
	// does not error or hang when given more than five doc IDs.
	answer := o.Answer(ctx, "query", ids)
	assert.Equal(t, "I encountered an error generating a response.", answer)
}

func TestRechunk_ReindexesAllLiveDocuments(t *testing.T) {
	embedder := identityEmbedder()
	o, s := newOrchestrator(t, embedder)
	ctx := context.Background()

	docID, err := o.Ingest(ctx, "t", "rivers and lakes and mountains and valleys", "", "manual")
	require.NoError(t, err)

	require.NoError(t, o.Rechunk(ctx))

	chunks, err := s.GetChunkEmbeddingsForDocument(ctx, docID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.NotNil(t, c.Vector)
	}

	hits, err := o.Search(ctx, "rivers and lakes and mountains and valleys", -1)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, docID, hits[0].DocID)
}

func TestRechunk_SkipsDeadDocuments(t *testing.T) {
	o, s := newOrchestrator(t, identityEmbedder())
	ctx := context.Background()

	docID, err := s.InsertDocument(ctx, "t", "content", "https://example.com/dead", "manual", false, store.BackgroundIngest)
	require.NoError(t, err)
	require.NoError(t, s.MarkURLAsDead(ctx, "https://example.com/dead"))

	require.NoError(t, o.Rechunk(ctx))

	chunks, err := s.GetChunkEmbeddingsForDocument(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestProbeAndMarkDead_MarksDeadOnUnreachableURL(t *testing.T) {
	o, s := newOrchestrator(t, identityEmbedder())
	ctx := context.Background()

	_, err := s.InsertDocument(ctx, "t", "content", "http://127.0.0.1:1/nowhere", "manual", false, store.BackgroundIngest)
	require.NoError(t, err)

	require.NoError(t, o.ProbeAndMarkDead(ctx, "http://127.0.0.1:1/nowhere"))

	live, err := s.LiveDocumentsWithURLs(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestProbeAndMarkDead_LeavesLiveURLUnmarked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o, s := newOrchestrator(t, identityEmbedder())
	ctx := context.Background()

	_, err := s.InsertDocument(ctx, "t", "content", srv.URL, "manual", false, store.BackgroundIngest)
	require.NoError(t, err)

	require.NoError(t, o.ProbeAndMarkDead(ctx, srv.URL))

	live, err := s.LiveDocumentsWithURLs(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.False(t, live[0].IsDead)
}

func TestExtractChunkText_FallsBackToSnippetOnInvalidBoundary(t *testing.T) {
	content := "a document that talks about rivers at great length for demonstration"
	got := extractChunkText(content, 5, 2, "rivers")
	assert.Contains(t, got, "rivers")
}

func TestExtractSnippet_AnchorsOnFirstQueryToken(t *testing.T) {
	content := "prelude text here. rivers are long and winding through the valley."
	got := extractSnippet(content, "rivers valley")
	assert.Contains(t, got, "rivers")
}

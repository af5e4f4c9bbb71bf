// Package retrieval is the orchestrator that wires the chunker, vector
// index, persistent store, embedding client, query cache, and
// completion client into the three operations the rest of the system
// calls: Ingest, Search, and Answer. Grounded on
// original_source/localmind-rs/src/rag.rs's RagPipeline.
package retrieval

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wgilpin/marginalia/internal/apperrors"
	"github.com/wgilpin/marginalia/internal/chunk"
	"github.com/wgilpin/marginalia/internal/embed"
	"github.com/wgilpin/marginalia/internal/llm"
	"github.com/wgilpin/marginalia/internal/model"
	"github.com/wgilpin/marginalia/internal/querycache"
	"github.com/wgilpin/marginalia/internal/store"
	"github.com/wgilpin/marginalia/internal/vectorindex"
)

// DeadURLProbeTimeout bounds how long ProbeAndMarkDead waits for a URL
// to respond before marking it dead.
const DeadURLProbeTimeout = 10 * time.Second

// defaultSearchK is how many chunk candidates are pulled from the
// vector index before per-document deduplication.
const defaultSearchK = 20

// maxHits bounds the number of deduplicated hits Search returns.
const maxHits = 10

// topSourcesForAnswer is how many of the caller's supplied doc IDs
// contribute context to an answer prompt.
const topSourcesForAnswer = 5

// snippetRadius is how many bytes before a matched query token the
// fallback snippet extends.
const snippetRadius = 100

// snippetWindow is the maximum number of content bytes a fallback
// snippet takes.
const snippetWindow = 300

// rechunkConcurrency bounds parallel re-embedding during Rechunk.
const rechunkConcurrency = 4

// textSplitter is the subset of chunk.Chunker's behavior the
// orchestrator depends on, narrowed to an interface so tests can
// exercise edge cases (such as a splitter producing zero chunks) that
// the real chunker's invariants rule out.
type textSplitter interface {
	Split(text string) []chunk.Chunk
}

// Orchestrator wires together the store, vector index, chunker,
// embedder, query cache, and completion client.
type Orchestrator struct {
	store    *store.Store
	index    *vectorindex.Index
	chunker  textSplitter
	embedder embed.Embedder
	cache    *querycache.Cache
	llm      *llm.Client
	logger   *slog.Logger

	mu sync.Mutex // serializes index mutation relative to store writes during ingest
}

// Config bundles an Orchestrator's collaborators. Logger defaults to
// slog.Default() when nil.
type Config struct {
	Store    *store.Store
	Chunker  textSplitter
	Embedder embed.Embedder
	Cache    *querycache.Cache
	LLM      *llm.Client
	Logger   *slog.Logger
}

// New constructs an Orchestrator and loads every existing chunk and
// legacy vector from the store into a fresh in-memory index.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunker := cfg.Chunker
	if chunker == nil {
		chunker = chunk.New(chunk.DefaultConfig())
	}
	cache := cfg.Cache
	if cache == nil {
		cache = querycache.New()
	}

	o := &Orchestrator{
		store:    cfg.Store,
		index:    vectorindex.New(),
		chunker:  chunker,
		embedder: cfg.Embedder,
		cache:    cache,
		llm:      cfg.LLM,
		logger:   logger,
	}

	chunks, err := cfg.Store.GetAllChunkEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]vectorindex.ChunkEntry, 0, len(chunks))
	for _, c := range chunks {
		if c.Vector == nil {
			continue
		}
		entries = append(entries, vectorindex.ChunkEntry{
			ChunkID:    c.ID,
			DocID:      c.DocID,
			ChunkIndex: c.ChunkIndex,
			Start:      c.Start,
			End:        c.End,
			Vector:     c.Vector,
		})
	}
	o.index.LoadChunks(entries)

	return o, nil
}

// Ingest chunks content, stores the document and its chunk embeddings,
// and adds the new chunks to the in-memory vector index.
//
// A chunk whose embedding call fails is logged and skipped; the
// document row and every other chunk remain. Ingest only fails
// outright for validation, chunking, or document-insert errors.
func (o *Orchestrator) Ingest(ctx context.Context, title, content, url, source string) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, apperrors.EmptyDocumentError("document content is empty")
	}

	if url != "" {
		exists, err := o.store.URLExists(ctx, url, store.BackgroundIngest)
		if err != nil {
			return 0, err
		}
		if exists {
			return 0, apperrors.DuplicateError("a document with this url already exists: " + url)
		}
	}

	chunks := o.chunker.Split(content)
	if len(chunks) == 0 {
		return 0, apperrors.ChunkingProducedNothingError("document produced no chunks")
	}

	docID, err := o.store.InsertDocument(ctx, title, content, url, source, false, store.BackgroundIngest)
	if err != nil {
		return 0, err
	}

	for idx, c := range chunks {
		vec, err := o.embedder.Embed(ctx, c.Content)
		if err != nil {
			o.logger.Warn("skipping chunk embedding",
				slog.Int64("doc_id", docID), slog.Int("chunk_index", idx), slog.Any("error", err))
			continue
		}

		o.mu.Lock()
		chunkID, err := o.store.InsertChunkEmbedding(ctx, docID, idx, c.Start, c.End, vec, store.BackgroundIngest)
		if err != nil {
			o.mu.Unlock()
			o.logger.Warn("skipping chunk embedding",
				slog.Int64("doc_id", docID), slog.Int("chunk_index", idx), slog.Any("error", err))
			continue
		}
		o.index.AddChunk(vectorindex.ChunkEntry{
			ChunkID:    chunkID,
			DocID:      docID,
			ChunkIndex: idx,
			Start:      c.Start,
			End:        c.End,
			Vector:     vec,
		})
		o.mu.Unlock()
	}

	return docID, nil
}

// Search returns up to 10 hits, one per owning document, ranked by
// descending chunk similarity with ties broken by ascending chunk ID.
func (o *Orchestrator) Search(ctx context.Context, query string, cutoff float32) ([]model.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.New(apperrors.ErrCodeQueryEmpty, "query is empty", nil)
	}

	q, err := o.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	chunkHits := o.index.SearchChunks(q, defaultSearchK, cutoff)
	breakSimilarityTies(chunkHits)

	hits := make([]model.Hit, 0, maxHits)
	seen := make(map[int64]bool, len(chunkHits))

	for _, ch := range chunkHits {
		if seen[ch.DocID] {
			continue
		}
		seen[ch.DocID] = true

		doc, err := o.store.GetDocument(ctx, ch.DocID, store.UserSearch)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}

		hits = append(hits, model.Hit{
			DocID:          doc.ID,
			Title:          doc.Title,
			ContentSnippet: extractChunkText(doc.Content, ch.Start, ch.End, query),
			Similarity:     ch.Similarity,
		})
		if len(hits) >= maxHits {
			break
		}
	}

	return hits, nil
}

// SearchFullText runs a keyword match against the storage layer's FTS5
// index, an alternative to Search's vector similarity ranking for
// queries better served by exact term matching.
func (o *Orchestrator) SearchFullText(ctx context.Context, query string) ([]model.FullTextHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.New(apperrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	return o.store.SearchDocuments(ctx, query, store.UserSearch)
}

// Answer fetches the named documents, extracts a query-anchored
// snippet from each, and asks the completion client for a response
// grounded in that context. Completion failures never propagate: a
// fixed apology is returned instead.
func (o *Orchestrator) Answer(ctx context.Context, query string, docIDs []int64) string {
	const apology = "I encountered an error generating a response."

	if len(docIDs) > topSourcesForAnswer {
		docIDs = docIDs[:topSourcesForAnswer]
	}

	var parts []string
	for _, id := range docIDs {
		doc, err := o.store.GetDocument(ctx, id, store.UserSearch)
		if err != nil || doc == nil {
			continue
		}
		snippet := extractSnippet(doc.Content, query)
		parts = append(parts, "Source: "+doc.Title+"\n"+snippet)
	}

	if len(parts) == 0 {
		return "I couldn't find any relevant information for your query."
	}

	prompt := "Context information:\n" + strings.Join(parts, "\n\n---\n\n") +
		"\n\nQuestion: " + query + "\n\nBased on the context above, provide a helpful answer:"

	answer, err := o.llm.Generate(ctx, prompt)
	if err != nil {
		o.logger.Warn("completion failed, returning apology", slog.Any("error", err))
		return apology
	}
	return answer
}

// Rechunk clears every stored chunk embedding, re-runs the chunker
// over every live document with empty vector blobs, then re-embeds
// every chunk with bounded parallelism. Both passes are idempotent:
// re-running Rechunk after a partial failure repeats the same work
// rather than compounding it.
func (o *Orchestrator) Rechunk(ctx context.Context) error {
	if err := o.store.DeleteAllEmbeddings(ctx); err != nil {
		return err
	}

	docs, err := o.store.LiveDocuments(ctx)
	if err != nil {
		return err
	}

	o.index.LoadChunks(nil)

	type pending struct {
		docID   int64
		content string
		chunks  []chunk.Chunk
	}
	var toEmbed []pending

	for _, doc := range docs {
		chunks := o.chunker.Split(doc.Content)
		for idx, c := range chunks {
			if _, err := o.store.InsertChunkEmbedding(ctx, doc.ID, idx, c.Start, c.End, nil, store.BackgroundIngest); err != nil {
				return err
			}
		}
		if len(chunks) > 0 {
			toEmbed = append(toEmbed, pending{docID: doc.ID, content: doc.Content, chunks: chunks})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rechunkConcurrency)

	for _, p := range toEmbed {
		p := p
		g.Go(func() error {
			return o.reembedDocument(gctx, p.docID, p.chunks)
		})
	}

	return g.Wait()
}

// reembedDocument re-generates and stores embeddings for one
// document's already-inserted chunk rows, and adds them to the
// in-memory index. Embedding failures for individual chunks are
// logged and skipped, matching Ingest's partial-indexing policy.
func (o *Orchestrator) reembedDocument(ctx context.Context, docID int64, chunks []chunk.Chunk) error {
	rows, err := o.store.GetChunkEmbeddingsForDocument(ctx, docID)
	if err != nil {
		return err
	}

	for i, row := range rows {
		if i >= len(chunks) {
			break
		}
		vec, err := o.embedder.Embed(ctx, chunks[i].Content)
		if err != nil {
			o.logger.Warn("skipping chunk re-embedding",
				slog.Int64("doc_id", docID), slog.Int("chunk_index", row.ChunkIndex), slog.Any("error", err))
			continue
		}
		if err := o.store.UpdateChunkEmbedding(ctx, row.ID, vec, store.BackgroundIngest); err != nil {
			return err
		}

		o.mu.Lock()
		o.index.AddChunk(vectorindex.ChunkEntry{
			ChunkID:    row.ID,
			DocID:      docID,
			ChunkIndex: row.ChunkIndex,
			Start:      row.Start,
			End:        row.End,
			Vector:     vec,
		})
		o.mu.Unlock()
	}
	return nil
}

// ProbeAndMarkDead issues a short HTTP GET against url and marks it
// dead in the store if the probe fails or returns a non-2xx status.
// It never returns an error for probe failure; the marking itself is
// the side effect the caller cares about.
func (o *Orchestrator) ProbeAndMarkDead(ctx context.Context, url string) error {
	probeCtx, cancel := context.WithTimeout(ctx, DeadURLProbeTimeout)
	defer cancel()

	alive := false
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err == nil {
		resp, doErr := http.DefaultClient.Do(req)
		if doErr == nil {
			alive = resp.StatusCode >= 200 && resp.StatusCode < 300
			_ = resp.Body.Close()
		}
	}

	if alive {
		return nil
	}
	return o.store.MarkURLAsDead(ctx, url)
}

// embedQuery returns the embedding for query, consulting the cache
// before calling the embedder and populating the cache on miss.
func (o *Orchestrator) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := o.cache.Get(query); ok {
		return vec, nil
	}
	vec, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	o.cache.Put(query, vec)
	return vec, nil
}

// breakSimilarityTies re-sorts hits with equal similarity by ascending
// chunk ID, giving Search a stable order across runs.
func breakSimilarityTies(hits []vectorindex.Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}

// extractChunkText returns the document's verbatim text between start
// and end, clamping end to the content length. If the boundary is
// invalid (start beyond the content, or start >= end after clamping)
// it falls back to a query-anchored snippet.
func extractChunkText(content string, start, end int, query string) string {
	if end > len(content) {
		end = len(content)
	}
	if start < 0 || start >= end {
		return extractSnippet(content, query)
	}
	return content[start:end]
}

// extractSnippet returns up to snippetWindow bytes of content, starting
// up to snippetRadius bytes before the earliest occurrence of any
// whitespace-separated token of query, case-insensitively. If no token
// is found the snippet starts at the beginning of content.
func extractSnippet(content, query string) string {
	contentLower := strings.ToLower(content)
	best := -1
	for _, word := range strings.Fields(strings.ToLower(query)) {
		if pos := strings.Index(contentLower, word); pos >= 0 && (best == -1 || pos < best) {
			best = pos
		}
	}
	if best == -1 {
		best = 0
	}

	start := best - snippetRadius
	if start < 0 {
		start = 0
	}
	end := start + snippetWindow
	if end > len(content) {
		end = len(content)
	}

	return "..." + strings.TrimSpace(content[start:end]) + "\n..."
}

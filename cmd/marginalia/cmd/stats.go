package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wgilpin/marginalia/internal/output"
	"github.com/wgilpin/marginalia/internal/store"
)

// statsOutput is the JSON shape of `marginalia stats`.
type statsOutput struct {
	Documents         int64  `json:"documents"`
	ChunkEmbeddings   int64  `json:"chunk_embeddings"`
	DataDir           string `json:"data_dir"`
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model"`
	EmbeddingURL      string `json:"embedding_url"`
	EmbeddingDims     int    `json:"embedding_dimensions"`
}

func newStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show document, chunk, and embedding configuration stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runStats(cmd *cobra.Command, jsonOutput bool) error {
	ctx := cmd.Context()
	cfg := appConfig

	st, err := store.Open(cfg.DatabasePath(), store.WithReaderWidth(cfg.Store.ReaderGateWidth))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	docCount, err := st.CountDocuments(ctx, store.UserSearch)
	if err != nil {
		return fmt.Errorf("count documents: %w", err)
	}

	chunks, err := st.GetAllChunkEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("count chunk embeddings: %w", err)
	}

	stats := statsOutput{
		Documents:         docCount,
		ChunkEmbeddings:   int64(len(chunks)),
		DataDir:           cfg.DataDir,
		EmbeddingProvider: cfg.Embedding.Provider,
		EmbeddingModel:    cfg.Embedding.Model,
		EmbeddingURL:      cfg.Embedding.URL,
		EmbeddingDims:     cfg.Embedding.Dimensions,
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	out := output.New(cmd.OutOrStdout())
	out.Status("", fmt.Sprintf("Documents:        %d", stats.Documents))
	out.Status("", fmt.Sprintf("Chunk embeddings: %d", stats.ChunkEmbeddings))
	out.Status("", fmt.Sprintf("Data directory:   %s", stats.DataDir))
	out.Newline()
	out.Status("", "Embedding service:")
	out.Status("", fmt.Sprintf("  provider:   %s", stats.EmbeddingProvider))
	out.Status("", fmt.Sprintf("  model:      %s", stats.EmbeddingModel))
	out.Status("", fmt.Sprintf("  url:        %s", stats.EmbeddingURL))
	out.Status("", fmt.Sprintf("  dimensions: %d", stats.EmbeddingDims))
	return nil
}

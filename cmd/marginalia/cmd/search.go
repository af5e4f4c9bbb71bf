package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wgilpin/marginalia/internal/model"
	"github.com/wgilpin/marginalia/internal/output"
)

func newSearchCmd() *cobra.Command {
	var limit int
	var cutoff float32
	var jsonOutput bool
	var fullText bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed documents",
		Long: `Embeds the query, searches the in-memory vector index, and prints
up to 10 hits, one per owning document, ranked by similarity.

--fulltext instead runs a keyword match against the SQLite FTS5 index,
ranked by SQLite's internal rank rather than vector similarity; useful
for exact terms the embedding model doesn't represent well.

Example:
  marginalia search "goroutine leak detection"
  marginalia search --fulltext "panic: nil pointer"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			if fullText {
				return runFullTextSearch(cmd, query, limit, jsonOutput)
			}
			return runSearch(cmd, query, cutoff, limit, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results (capped at 10)")
	cmd.Flags().Float32Var(&cutoff, "cutoff", 0, "Minimum cosine similarity a hit must meet")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&fullText, "fulltext", false, "Use keyword full-text search instead of vector similarity")

	return cmd
}

func runSearch(cmd *cobra.Command, query string, cutoff float32, limit int, jsonOutput bool) error {
	ctx := cmd.Context()
	out := output.New(cmd.OutOrStdout())

	orch, closeFn, err := buildOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	hits, err := orch.Search(ctx, query, cutoff)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(hits)
	}

	return printHits(out, query, hits)
}

func runFullTextSearch(cmd *cobra.Command, query string, limit int, jsonOutput bool) error {
	ctx := cmd.Context()
	out := output.New(cmd.OutOrStdout())

	orch, closeFn, err := buildOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	hits, err := orch.SearchFullText(ctx, query)
	if err != nil {
		return fmt.Errorf("full text search failed: %w", err)
	}
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(hits)
	}

	return printFullTextHits(out, query, hits)
}

func printHits(out *output.Writer, query string, hits []model.Hit) error {
	if len(hits) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}

	out.Statusf("", "Found %d result(s) for %q:", len(hits), query)
	out.Newline()
	for i, h := range hits {
		out.Statusf("", "%d. %s (doc %d, similarity: %.3f)", i+1, h.Title, h.DocID, h.Similarity)
		out.Status("", "   "+h.ContentSnippet)
		out.Newline()
	}
	return nil
}

func printFullTextHits(out *output.Writer, query string, hits []model.FullTextHit) error {
	if len(hits) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}

	out.Statusf("", "Found %d result(s) for %q:", len(hits), query)
	out.Newline()
	for i, h := range hits {
		out.Statusf("", "%d. %s (doc %d)", i+1, h.Title, h.DocID)
		out.Status("", "   "+h.Snippet)
		out.Newline()
	}
	return nil
}

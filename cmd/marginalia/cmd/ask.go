package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wgilpin/marginalia/internal/model"
	"github.com/wgilpin/marginalia/internal/output"
)

func newAskCmd() *cobra.Command {
	var cutoff float32

	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Search and generate a grounded answer",
		Long: `Runs search, then asks the completion service for an answer
grounded in the top matching documents' content.

Example:
  marginalia ask "how does the reader gate avoid writer starvation?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runAsk(cmd, query, cutoff)
		},
	}

	cmd.Flags().Float32Var(&cutoff, "cutoff", 0, "Minimum cosine similarity a source hit must meet")

	return cmd
}

func runAsk(cmd *cobra.Command, query string, cutoff float32) error {
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
	if len(hits) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}

	docIDs := make([]int64, len(hits))
	for i, h := range hits {
		docIDs[i] = h.DocID
	}

	answer := orch.Answer(ctx, query, docIDs)
	out.Status("", answer)
	out.Newline()
	printSources(out, hits)
	return nil
}

func printSources(out *output.Writer, hits []model.Hit) {
	out.Status("", "Sources:")
	for _, h := range hits {
		out.Statusf("", "  - %s (doc %d)", h.Title, h.DocID)
	}
}

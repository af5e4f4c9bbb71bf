package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wgilpin/marginalia/internal/output"
)

func newRechunkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rechunk",
		Short: "Re-chunk and re-embed every stored document",
		Long: `Deletes every stored chunk embedding, re-splits each live document
with the current chunking configuration, and re-embeds every chunk.

Use this after changing chunk.size, chunk.overlap, or the embedding
model, since those changes don't retroactively apply to already-stored
chunks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRechunk(cmd)
		},
	}
}

func runRechunk(cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := output.New(cmd.OutOrStdout())

	orch, closeFn, err := buildOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := orch.Rechunk(ctx); err != nil {
		return fmt.Errorf("rechunk failed: %w", err)
	}

	out.Success("Rechunk complete")
	return nil
}

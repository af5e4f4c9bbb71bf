package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wgilpin/marginalia/internal/output"
)

func newIngestCmd() *cobra.Command {
	var title, url, source string

	cmd := &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Chunk, embed, and store a document",
		Long: `Reads content from a file (or stdin, given "-"), chunks and embeds
it, and stores the document and its chunk embeddings.

Examples:
  marginalia ingest --title "Go Concurrency Patterns" --url https://go.dev/blog/pipelines notes.txt
  cat article.txt | marginalia ingest --title "Saved article" -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, args[0], title, url, source)
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Document title (required)")
	cmd.Flags().StringVar(&url, "url", "", "Source URL, used for duplicate detection")
	cmd.Flags().StringVar(&source, "source", "", "Free-form source label (e.g. bookmark, clipboard)")
	_ = cmd.MarkFlagRequired("title")

	return cmd
}

func runIngest(cmd *cobra.Command, path, title, url, source string) error {
	out := output.New(cmd.OutOrStdout())
	ctx := cmd.Context()

	var content []byte
	var err error
	if path == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}

	orch, closeFn, err := buildOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	docID, err := orch.Ingest(ctx, title, string(content), url, source)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}

	out.Successf("Ingested document %d (%q)", docID, title)
	return nil
}

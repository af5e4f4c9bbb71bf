// Package cmd provides the CLI commands for marginalia.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wgilpin/marginalia/internal/chunk"
	"github.com/wgilpin/marginalia/internal/config"
	"github.com/wgilpin/marginalia/internal/embed"
	"github.com/wgilpin/marginalia/internal/llm"
	"github.com/wgilpin/marginalia/internal/logging"
	"github.com/wgilpin/marginalia/internal/querycache"
	"github.com/wgilpin/marginalia/internal/retrieval"
	"github.com/wgilpin/marginalia/internal/store"
	"github.com/wgilpin/marginalia/pkg/version"
)

// Global flags shared by every subcommand via PersistentPreRunE.
var (
	dataDirFlag  string
	configFlag   string
	debugMode    bool
	loggingClean func()

	appConfig *config.Config
)

// NewRootCmd creates the root command for the marginalia CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marginalia",
		Short: "Local-first semantic search over your reading corpus",
		Long: `marginalia indexes saved web pages and documents into a local
SQLite store, embeds their content, and answers questions grounded in
what you've read.

It runs entirely on your machine; the embedding service and the
completion service (Ollama by default) it talks to are the only
network calls it ever makes.`,
		Version:           version.Version,
		SilenceUsage:      true,
		PersistentPreRunE: setupConfigAndLogging,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if loggingClean != nil {
				loggingClean()
				loggingClean = nil
			}
			return nil
		},
	}
	cmd.SetVersionTemplate("marginalia version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Override the data directory (default: config data_dir)")
	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a project config file (default: .marginalia.yaml in the current directory)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to <data-dir>/logs/marginalia.log")

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newRechunkCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// setupConfigAndLogging resolves the layered configuration and starts
// file logging before any subcommand body runs.
func setupConfigAndLogging(cmd *cobra.Command, _ []string) error {
	projectDir, err := os.Getwd()
	if err != nil {
		projectDir = "."
	}

	cfg, err := config.LoadWithOverride(projectDir, configFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	appConfig = cfg

	logCfg := logging.DefaultConfig(cfg.DataDir)
	if debugMode {
		logCfg = logging.DebugConfig(cfg.DataDir)
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	loggingClean = cleanup
	slog.SetDefault(logger)

	return nil
}

// buildOrchestrator wires a retrieval.Orchestrator from the resolved
// configuration: SQLite store, HTTP/OpenAI-compatible embedder,
// completion client, and query-embedding cache. The returned close
// function releases the store handle and embedder connections and
// must be called once the caller is done.
func buildOrchestrator(ctx context.Context) (*retrieval.Orchestrator, func(), error) {
	cfg := appConfig
	if cfg == nil {
		cfg = config.NewConfig()
	}

	st, err := store.Open(cfg.DatabasePath(), store.WithReaderWidth(cfg.Store.ReaderGateWidth))
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	provider := embed.ParseProvider(cfg.Embedding.Provider)
	embedder, err := embed.NewEmbedder(provider, cfg.Embedding.URL, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("create embedder: %w", err)
	}

	completion := llm.New(llm.Config{Host: cfg.Completion.URL, Model: cfg.Completion.Model})

	orch, err := retrieval.New(ctx, retrieval.Config{
		Store:    st,
		Chunker:  chunk.New(chunk.Config{ChunkSize: cfg.Chunk.Size, Overlap: cfg.Chunk.Overlap}),
		Embedder: embedder,
		Cache:    querycache.New(),
		LLM:      completion,
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("build orchestrator: %w", err)
	}

	closeFn := func() {
		_ = embedder.Close()
		_ = st.Close()
	}
	return orch, closeFn, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plexmix/plexmix/internal/config"
	"github.com/plexmix/plexmix/internal/library"
	"github.com/plexmix/plexmix/internal/logging"
	"github.com/plexmix/plexmix/internal/provider"
	"github.com/plexmix/plexmix/internal/store"
	"github.com/plexmix/plexmix/internal/vecindex"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "plexmix",
	Short: "AI-assisted playlist generation for your Plex music library",
	Long: `plexmix keeps a local queryable mirror of your Plex music library,
maintains a vector index over track embeddings, and generates mood-based
playlists with AI-assisted track selection.

Start with 'plexmix config init', then 'plexmix sync'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadDefault()
		if err != nil {
			return err
		}
		logger, err = logging.New(logging.Config{
			Level:    cfg.Logging.Level,
			FilePath: cfg.Logging.File,
		})
		if err != nil {
			return fmt.Errorf("setting up logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "library", Title: "Library:"},
		&cobra.Group{ID: "playlists", Title: "Playlists:"},
	)
}

// fatal prints an error and exits, matching the style of the other
// command handlers.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func openStore(ctx context.Context) *store.Store {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		fatal("opening database: %v", err)
	}
	if err := st.InitSchema(ctx); err != nil {
		_ = st.Close()
		fatal("initializing database schema: %v", err)
	}
	return st
}

func buildEmbedder() provider.Embedder {
	name := cfg.AI.EmbeddingProvider
	if name == "local" {
		return provider.NewLocalEmbedder()
	}
	dim, err := config.EmbeddingDimension(name)
	if err != nil {
		fatal("%v", err)
	}
	key := os.Getenv(cfg.AI.EmbeddingKeyEnv)
	e, err := provider.NewOpenAIEmbedder(cfg.AI.EmbeddingURL, key, cfg.AI.EmbeddingModel, dim, logger)
	if err != nil {
		fatal("configuring embedding provider: %v", err)
	}
	return e
}

func openIndex(e provider.Embedder) *vecindex.Index {
	idx, err := vecindex.Open(cfg.Index.Path, e.ModelName(), e.Dimension())
	if err != nil {
		fatal("opening vector index: %v", err)
	}
	return idx
}

func buildCompleter() provider.Completer {
	key := os.Getenv(cfg.AI.AnthropicKeyEnv)
	c, err := provider.NewAnthropicCompleter(key, "", 60*time.Second, logger)
	if err != nil {
		fatal("configuring completion provider: %v (set %s)", err, cfg.AI.AnthropicKeyEnv)
	}
	return c
}

func buildLibrary() library.Client {
	token, err := cfg.PlexToken()
	if err != nil {
		fatal("%v", err)
	}
	c, err := library.NewPlexClient(cfg.Plex.URL, token, logger)
	if err != nil {
		fatal("configuring plex client: %v (run 'plexmix config init')", err)
	}
	return c
}

package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/plexmix/plexmix/internal/config"
	"github.com/plexmix/plexmix/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage plexmix configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive setup wizard",
	Long: `Walk through the initial configuration: Plex server address, auth
token environment variable, and AI provider selection. Writes
~/.plexmix/config.yaml.`,
	Run: func(cmd *cobra.Command, args []string) {
		plexURL := cfg.Plex.URL
		tokenEnv := cfg.Plex.TokenEnv
		embProvider := cfg.AI.EmbeddingProvider

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Plex server URL").
					Description("e.g. http://192.168.1.10:32400").
					Value(&plexURL).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("URL is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Plex token environment variable").
					Description("the variable holding your X-Plex-Token").
					Value(&tokenEnv),
			),
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Embedding provider").
					Options(
						huh.NewOption("local (offline, no API key)", "local"),
						huh.NewOption("openai (1536 dimensions)", "openai"),
						huh.NewOption("gemini (3072 dimensions)", "gemini"),
						huh.NewOption("cohere (1024 dimensions)", "cohere"),
					).
					Value(&embProvider),
			),
		)
		if err := form.Run(); err != nil {
			fatal("setup cancelled: %v", err)
		}

		cfg.Plex.URL = plexURL
		cfg.Plex.TokenEnv = tokenEnv
		cfg.AI.EmbeddingProvider = embProvider

		dir, err := config.Dir()
		if err != nil {
			fatal("%v", err)
		}
		if err := config.Save(dir, cfg); err != nil {
			fatal("saving configuration: %v", err)
		}

		path, _ := config.Path()
		fmt.Println(ui.Success("Configuration written to " + path))
		if os.Getenv(tokenEnv) == "" {
			fmt.Println(ui.Warn("Remember to export " + tokenEnv + " before syncing"))
		}
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		tokenState := "set"
		if os.Getenv(cfg.Plex.TokenEnv) == "" {
			tokenState = "NOT SET"
		}
		rows := [][]string{
			{"plex.url", cfg.Plex.URL},
			{"plex.token_env", fmt.Sprintf("%s (%s)", cfg.Plex.TokenEnv, tokenState)},
			{"database.path", cfg.Database.Path},
			{"index.path", cfg.Index.Path},
			{"ai.completion_provider", cfg.AI.CompletionProvider},
			{"ai.embedding_provider", cfg.AI.EmbeddingProvider},
			{"ai.embedding_model", cfg.AI.EmbeddingModel},
			{"playlist.default_length", fmt.Sprint(cfg.Playlist.DefaultLength)},
			{"playlist.candidate_pool", fmt.Sprint(cfg.Playlist.CandidatePool)},
			{"sync.batch_size", fmt.Sprint(cfg.Sync.BatchSize)},
			{"sync.watch_interval", cfg.Sync.WatchInterval},
			{"logging.level", cfg.Logging.Level},
		}
		fmt.Println(ui.Title("plexmix configuration"))
		fmt.Println(ui.Table([]string{"Key", "Value"}, rows))
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

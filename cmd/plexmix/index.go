package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plexmix/plexmix/internal/provider"
	"github.com/plexmix/plexmix/internal/store"
	"github.com/plexmix/plexmix/internal/ui"
)

var indexCmd = &cobra.Command{
	Use:     "index",
	GroupID: "library",
	Short:   "Manage the vector index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-embed every track and rebuild the index",
	Long: `Regenerate embeddings for the whole library with the configured
provider and rebuild the index file from scratch. This is the only way
to switch embedding providers (and therefore vector dimensions), and
the way to fold newly generated tags into the vectors.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st := openStore(ctx)
		defer st.Close()

		embedder := buildEmbedder()
		idx := openIndex(embedder)

		ids, err := st.FilterTrackIDs(ctx, store.TrackFilters{})
		if err != nil {
			fatal("listing tracks: %v", err)
		}
		if len(ids) == 0 {
			fatal("no tracks in the database; run 'plexmix sync' first")
		}
		details, err := st.GetTracksByIDs(ctx, ids)
		if err != nil {
			fatal("loading tracks: %v", err)
		}

		fmt.Printf("Embedding %d tracks with %s (%d dimensions)...\n",
			len(ids), embedder.ModelName(), embedder.Dimension())

		const chunkSize = 20
		vectors := make(map[int64][]float32, len(ids))
		for i := 0; i < len(ids); i += chunkSize {
			if err := ctx.Err(); err != nil {
				fatal("rebuild cancelled; index left unchanged")
			}
			end := i + chunkSize
			if end > len(ids) {
				end = len(ids)
			}
			chunk := ids[i:end]

			texts := make([]string, len(chunk))
			for j, id := range chunk {
				texts[j] = provider.TrackText(details[id])
			}
			vecs, err := embedder.EmbedBatch(ctx, texts)
			if err != nil {
				fatal("embedding tracks %d-%d: %v", i, end, err)
			}
			for j, id := range chunk {
				if err := st.UpsertEmbedding(ctx, id, embedder.ModelName(), vecs[j]); err != nil {
					fatal("storing embedding: %v", err)
				}
				vectors[id] = vecs[j]
			}
			fmt.Printf("\r%d/%d", end, len(ids))
		}
		fmt.Println()

		if err := idx.Rebuild(embedder.ModelName(), embedder.Dimension(), vectors); err != nil {
			fatal("rebuilding index: %v", err)
		}
		fmt.Println(ui.Success(fmt.Sprintf("Index rebuilt: %d vectors", len(vectors))))
	},
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index metadata",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		st := openStore(ctx)
		defer st.Close()

		embedder := buildEmbedder()
		idx := openIndex(embedder)
		meta := idx.Meta()

		missing, err := st.TrackIDsMissingEmbedding(ctx, embedder.ModelName())
		if err != nil {
			fatal("checking embeddings: %v", err)
		}

		rows := [][]string{
			{"path", cfg.Index.Path},
			{"model", meta.Model},
			{"dimension", fmt.Sprint(meta.Dimension)},
			{"vectors", fmt.Sprint(meta.Count)},
			{"tracks without embedding", fmt.Sprint(len(missing))},
		}
		fmt.Println(ui.Table([]string{"Field", "Value"}, rows))

		if idx.Blocked() {
			fmt.Println(ui.Error(fmt.Sprintf(
				"Index holds %d-dimension %s vectors but provider %q needs %d; run 'plexmix index rebuild'",
				meta.Dimension, meta.Model, cfg.AI.EmbeddingProvider, embedder.Dimension())))
		}
	},
}

func init() {
	indexCmd.AddCommand(indexRebuildCmd)
	indexCmd.AddCommand(indexStatusCmd)
	rootCmd.AddCommand(indexCmd)
}

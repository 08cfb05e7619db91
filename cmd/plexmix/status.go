package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plexmix/plexmix/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "library",
	Short:   "Show library, index, and sync status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		st := openStore(ctx)
		defer st.Close()

		artists, albums, tracks, embeddings, err := st.Counts(ctx)
		if err != nil {
			fatal("reading counts: %v", err)
		}

		embedder := buildEmbedder()
		idx := openIndex(embedder)
		meta := idx.Meta()

		last, ok, err := st.LastSuccessfulSyncTime(ctx)
		if err != nil {
			fatal("reading sync history: %v", err)
		}
		lastSync := "never"
		if ok {
			lastSync = ui.Timestamp(last)
		}

		fmt.Println(ui.Title("plexmix status"))
		fmt.Println(ui.Table([]string{"Field", "Value"}, [][]string{
			{"artists", fmt.Sprint(artists)},
			{"albums", fmt.Sprint(albums)},
			{"tracks", fmt.Sprint(tracks)},
			{"embeddings", fmt.Sprint(embeddings)},
			{"index vectors", fmt.Sprintf("%d (%s, %dd)", meta.Count, meta.Model, meta.Dimension)},
			{"last successful sync", lastSync},
		}))

		history, err := st.ListSyncHistory(ctx, 5)
		if err != nil {
			fatal("reading sync history: %v", err)
		}
		if len(history) > 0 {
			rows := make([][]string, 0, len(history))
			for _, rec := range history {
				rows = append(rows, []string{
					ui.Timestamp(rec.StartedAt),
					rec.Mode,
					rec.Status,
					fmt.Sprintf("%d/%d/%d", rec.ArtistsSynced, rec.AlbumsSynced, rec.TracksSynced),
					fmt.Sprint(rec.TracksDeleted),
				})
			}
			fmt.Println(ui.Title("recent syncs"))
			fmt.Println(ui.Table([]string{"Started", "Mode", "Status", "Ar/Al/Tr", "Deleted"}, rows))
		}

		if idx.Blocked() {
			fmt.Println(ui.Error("Vector index blocked by dimension change; run 'plexmix index rebuild'"))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

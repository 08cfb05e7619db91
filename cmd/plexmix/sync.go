package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/plexmix/plexmix/internal/store"
	"github.com/plexmix/plexmix/internal/syncer"
	"github.com/plexmix/plexmix/internal/ui"
)

var syncIncremental bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "library",
	Short:   "Sync the Plex library into the local database",
	Long: `Fetch artists, albums, and tracks from the Plex server and mirror
them locally. A full sync (the default) also removes tracks that
disappeared from the server; --incremental only fetches tracks changed
since the last successful sync.

Interrupting with Ctrl-C keeps every batch already written and records
the run as interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st := openStore(ctx)
		defer st.Close()
		if err := st.MarkInterruptedSyncs(ctx); err != nil {
			fatal("repairing sync history: %v", err)
		}

		embedder := buildEmbedder()
		idx := openIndex(embedder)
		lib := buildLibrary()

		s := syncer.New(st, lib, logger,
			syncer.WithBatchSize(cfg.Sync.BatchSize),
			syncer.WithEmbeddings(embedder, idx))

		mode := syncer.ModeFull
		if syncIncremental {
			mode = syncer.ModeIncremental
		}

		lastStage := ""
		progress := func(fraction float64, stage string) {
			if stage != lastStage {
				if lastStage != "" {
					fmt.Println()
				}
				lastStage = stage
			}
			fmt.Printf("\r%-10s %3.0f%%", stage, fraction*100)
		}

		rec, err := s.Run(ctx, mode, progress)
		fmt.Println()
		if err != nil {
			switch {
			case rec != nil && rec.Status == store.SyncStatusInterrupted:
				fmt.Println(ui.Warn(fmt.Sprintf(
					"Sync interrupted: %d tracks applied and kept", rec.TracksSynced)))
				os.Exit(1)
			case rec != nil && rec.Status == store.SyncStatusPartial:
				fmt.Println(ui.Warn(fmt.Sprintf(
					"Sync partially applied (%d tracks): %v", rec.TracksSynced, err)))
				os.Exit(1)
			default:
				fatal("sync failed: %v", err)
			}
		}

		fmt.Println(ui.Success(fmt.Sprintf(
			"Synced %d artists, %d albums, %d tracks (%d deleted)",
			rec.ArtistsSynced, rec.AlbumsSynced, rec.TracksSynced, rec.TracksDeleted)))
		if idx.Blocked() {
			fmt.Println(ui.Warn("Vector index is blocked by a dimension change; run 'plexmix index rebuild'"))
		}
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncIncremental, "incremental", false,
		"only fetch tracks changed since the last successful sync")
	rootCmd.AddCommand(syncCmd)
}

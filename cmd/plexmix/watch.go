package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plexmix/plexmix/internal/syncer"
	"github.com/plexmix/plexmix/internal/ui"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "library",
	Short:   "Run incremental syncs on an interval",
	Long: `Keep the local mirror fresh by running an incremental sync every
interval until interrupted. The first run happens immediately. A run
already in progress is never overlapped by the next tick.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		interval := watchInterval
		if interval == 0 {
			parsed, err := time.ParseDuration(cfg.Sync.WatchInterval)
			if err != nil {
				fatal("invalid sync.watch_interval %q: %v", cfg.Sync.WatchInterval, err)
			}
			interval = parsed
		}
		if interval < time.Minute {
			fatal("watch interval must be at least 1m, got %s", interval)
		}

		st := openStore(ctx)
		defer st.Close()
		if err := st.MarkInterruptedSyncs(ctx); err != nil {
			fatal("repairing sync history: %v", err)
		}

		embedder := buildEmbedder()
		idx := openIndex(embedder)
		s := syncer.New(st, buildLibrary(), logger,
			syncer.WithBatchSize(cfg.Sync.BatchSize),
			syncer.WithEmbeddings(embedder, idx))

		fmt.Println(ui.Title(fmt.Sprintf("watching: incremental sync every %s", interval)))

		runOnce := func() {
			rec, err := s.Run(ctx, syncer.ModeIncremental, nil)
			switch {
			case err != nil && ctx.Err() != nil:
				// Shutdown; the record is already finalized as interrupted.
			case err != nil:
				logger.Error("scheduled sync failed", zap.Error(err))
				fmt.Println(ui.Warn("sync failed: " + err.Error()))
			default:
				fmt.Println(ui.Dim(fmt.Sprintf("[%s] synced %d tracks (%d deleted)",
					time.Now().Format("15:04:05"), rec.TracksSynced, rec.TracksDeleted)))
			}
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			runOnce()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					runOnce()
				}
			}
		}()

		<-ctx.Done()
		wg.Wait()
		fmt.Println(ui.Success("watch stopped"))
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0,
		"sync interval (default from config sync.watch_interval)")
	rootCmd.AddCommand(watchCmd)
}

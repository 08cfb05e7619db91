package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plexmix/plexmix/internal/playlist"
	"github.com/plexmix/plexmix/internal/store"
	"github.com/plexmix/plexmix/internal/ui"
)

var createFlags struct {
	name           string
	tracks         int
	pool           int
	genre          string
	yearMin        int
	yearMax        int
	minRating      float64
	artists        []string
	excludeArtists []string
	noExternal     bool
}

var createCmd = &cobra.Command{
	Use:     "create <mood>...",
	GroupID: "playlists",
	Short:   "Generate a playlist from a mood description",
	Long: `Generate a playlist for a mood, e.g.:

  plexmix create rainy sunday morning
  plexmix create --genre jazz --tracks 15 late night study
  plexmix create --no-external upbeat workout

Filters narrow the candidate pool before similarity search; the AI
provider picks and orders the final tracks. The playlist is saved
locally and, unless --no-external is given, created on the Plex server.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		mood := strings.Join(args, " ")

		st := openStore(ctx)
		defer st.Close()

		embedder := buildEmbedder()
		idx := openIndex(embedder)
		if idx.Blocked() {
			fatal("vector index is blocked by a dimension change; run 'plexmix index rebuild'")
		}
		completer := buildCompleter()

		gen := playlist.New(st, idx, embedder, completer, buildLibrary(), logger)

		maxTracks := createFlags.tracks
		if maxTracks <= 0 {
			maxTracks = cfg.Playlist.DefaultLength
		}
		pool := createFlags.pool
		if pool <= 0 {
			pool = cfg.Playlist.CandidatePool
		}

		p, err := gen.Generate(ctx, playlist.Request{
			Mood:      mood,
			Name:      createFlags.name,
			MaxTracks: maxTracks,
			PoolSize:  pool,
			Filters: store.TrackFilters{
				Genre:          createFlags.genre,
				YearMin:        createFlags.yearMin,
				YearMax:        createFlags.yearMax,
				RatingMin:      createFlags.minRating,
				IncludeArtists: createFlags.artists,
				ExcludeArtists: createFlags.excludeArtists,
			},
			SkipExternal: createFlags.noExternal,
		})
		if err != nil {
			fatal("generating playlist: %v", err)
		}

		details, err := st.GetTracksByIDs(ctx, p.TrackIDs)
		if err != nil {
			fatal("loading playlist tracks: %v", err)
		}
		rows := make([][]string, 0, len(p.TrackIDs))
		for i, id := range p.TrackIDs {
			d := details[id]
			rows = append(rows, []string{
				fmt.Sprint(i + 1), d.Title, d.Artist, d.Album, ui.Duration(d.DurationMS),
			})
		}

		fmt.Println(ui.Title(p.Name))
		fmt.Println(ui.Dim("mood: " + p.Mood))
		fmt.Println(ui.Table([]string{"#", "Title", "Artist", "Album", "Length"}, rows))
		if p.ExternalKey != "" {
			fmt.Println(ui.Success("Created on Plex (key " + p.ExternalKey + ")"))
		} else if !createFlags.noExternal {
			fmt.Println(ui.Warn("Saved locally; Plex creation failed (see log)"))
		} else {
			fmt.Println(ui.Success("Saved locally"))
		}
	},
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createFlags.name, "name", "", "playlist name (defaults to the mood)")
	f.IntVar(&createFlags.tracks, "tracks", 0, "number of tracks (default from config)")
	f.IntVar(&createFlags.pool, "pool", 0, "candidate pool size (default from config)")
	f.StringVar(&createFlags.genre, "genre", "", "restrict to a genre")
	f.IntVar(&createFlags.yearMin, "year-min", 0, "earliest release year")
	f.IntVar(&createFlags.yearMax, "year-max", 0, "latest release year")
	f.Float64Var(&createFlags.minRating, "min-rating", 0, "minimum track rating")
	f.StringSliceVar(&createFlags.artists, "artist", nil, "only these artists (repeatable)")
	f.StringSliceVar(&createFlags.excludeArtists, "exclude-artist", nil, "skip these artists (repeatable)")
	f.BoolVar(&createFlags.noExternal, "no-external", false, "do not create the playlist on the Plex server")
	rootCmd.AddCommand(createCmd)
}

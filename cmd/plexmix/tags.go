package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plexmix/plexmix/internal/tags"
	"github.com/plexmix/plexmix/internal/ui"
)

var tagsLimit int

var tagsCmd = &cobra.Command{
	Use:     "tags",
	GroupID: "library",
	Short:   "Manage AI-generated track tags",
}

var tagsGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate mood tags for untagged tracks",
	Long: `Send untagged tracks to the completion provider in batches and store
the returned mood/style tags. Tags are folded into the embedding text,
so consider 'plexmix index rebuild' afterwards to refresh vectors.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		st := openStore(ctx)
		defer st.Close()

		gen := tags.New(st, buildCompleter(), logger)
		res, err := gen.Run(ctx, tagsLimit)
		if err != nil {
			fatal("generating tags: %v", err)
		}

		fmt.Println(ui.Success(fmt.Sprintf("Tagged %d tracks", res.Tagged)))
		if res.Failed > 0 {
			fmt.Println(ui.Warn(fmt.Sprintf("%d tracks got empty tags after provider failures", res.Failed)))
		}
		if res.Tagged > 0 {
			fmt.Println(ui.Dim("Run 'plexmix index rebuild' to fold the new tags into the embeddings"))
		}
	},
}

func init() {
	tagsGenerateCmd.Flags().IntVar(&tagsLimit, "limit", 0, "max tracks to tag (0 = all untagged)")
	tagsCmd.AddCommand(tagsGenerateCmd)
	rootCmd.AddCommand(tagsCmd)
}

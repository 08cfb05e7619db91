package tags

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/plexmix/plexmix/internal/store"
)

type fakeCompleter struct {
	respond func(prompt string) (string, error)
	calls   int
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.calls++
	return f.respond(prompt)
}

func seedTracks(t *testing.T, n int) (*store.Store, []int64) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	artists, err := st.UpsertArtists(ctx, []*store.Artist{{ExternalKey: "ar1", Name: "Artist"}})
	if err != nil {
		t.Fatalf("UpsertArtists() error = %v", err)
	}
	albums, err := st.UpsertAlbums(ctx, []*store.Album{
		{ExternalKey: "al1", ArtistID: artists["ar1"], Title: "Album"},
	})
	if err != nil {
		t.Fatalf("UpsertAlbums() error = %v", err)
	}

	tracks := make([]*store.Track, 0, n)
	for i := 0; i < n; i++ {
		tracks = append(tracks, &store.Track{
			ExternalKey: fmt.Sprintf("t%d", i),
			AlbumID:     albums["al1"],
			ArtistID:    artists["ar1"],
			Title:       fmt.Sprintf("Track %d", i),
		})
	}
	if err := st.UpsertTracks(ctx, tracks); err != nil {
		t.Fatalf("UpsertTracks() error = %v", err)
	}
	ids := make([]int64, n)
	for i, tr := range tracks {
		ids[i] = tr.ID
	}
	return st, ids
}

func TestRunTagsTracks(t *testing.T) {
	st, ids := seedTracks(t, 3)
	completer := &fakeCompleter{respond: func(string) (string, error) {
		return fmt.Sprintf("```json\n{%q: [\"Mellow \", \"JAZZ\", \"mellow\", \"warm\", \"smooth\", \"night\", \"extra\"], %q: [\"upbeat\"]}\n```",
			fmt.Sprint(ids[0]), fmt.Sprint(ids[1])), nil
	}}

	res, err := New(st, completer, zap.NewNop()).Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Tagged != 2 || res.Failed != 0 {
		t.Errorf("Result = %+v, want Tagged=2 Failed=0", res)
	}

	details, err := st.GetTracksByIDs(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetTracksByIDs() error = %v", err)
	}

	got := details[ids[0]].Tags
	// Normalized: lowercased, trimmed, deduped, capped at 5.
	want := []string{"mellow", "jazz", "warm", "smooth", "night"}
	if len(got) != len(want) {
		t.Fatalf("tags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tags[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Track absent from the response gets an explicit empty set so it
	// is not retried next run.
	if details[ids[2]].Tags == nil || len(details[ids[2]].Tags) != 0 {
		t.Errorf("unanswered track tags = %v, want empty non-nil", details[ids[2]].Tags)
	}
}

func TestRunBatchFailureIsNonFatal(t *testing.T) {
	st, _ := seedTracks(t, 2)
	completer := &fakeCompleter{respond: func(string) (string, error) {
		return "", fmt.Errorf("provider down")
	}}

	res, err := New(st, completer, zap.NewNop()).Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v, want batch failure absorbed", err)
	}
	if res.Failed != 2 || res.Tagged != 0 {
		t.Errorf("Result = %+v, want Failed=2 Tagged=0", res)
	}

	// Failed tracks got empty tags, so a second run has nothing to do.
	remaining, err := st.ListTracksMissingTags(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListTracksMissingTags() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("untagged tracks after failed run = %d, want 0", len(remaining))
	}
}

func TestRunMalformedResponse(t *testing.T) {
	st, _ := seedTracks(t, 1)
	completer := &fakeCompleter{respond: func(string) (string, error) {
		return "sorry, here are some tags: mellow", nil
	}}

	res, err := New(st, completer, zap.NewNop()).Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
}

func TestRunHonorsLimit(t *testing.T) {
	st, _ := seedTracks(t, 30)
	completer := &fakeCompleter{respond: func(string) (string, error) {
		return "{}", nil
	}}

	if _, err := New(st, completer, zap.NewNop()).Run(context.Background(), 5); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	remaining, err := st.ListTracksMissingTags(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListTracksMissingTags() error = %v", err)
	}
	if len(remaining) != 25 {
		t.Errorf("remaining untagged = %d, want 25", len(remaining))
	}
}

func TestNormalizeTags(t *testing.T) {
	got := normalizeTags([]string{" A ", "b", "B", "", "c", "d", "e", "f"})
	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("normalizeTags() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("normalizeTags()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

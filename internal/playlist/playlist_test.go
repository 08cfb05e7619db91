package playlist

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/plexmix/plexmix/internal/library"
	"github.com/plexmix/plexmix/internal/provider"
	"github.com/plexmix/plexmix/internal/store"
	"github.com/plexmix/plexmix/internal/vecindex"
)

// fakeCompleter returns a scripted response or error.
type fakeCompleter struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

// fakePusher records CreatePlaylist calls.
type fakePusher struct {
	name string
	keys []string
}

func (f *fakePusher) Artists(_ context.Context) ([]library.Artist, error) { return nil, nil }
func (f *fakePusher) Albums(_ context.Context) ([]library.Album, error)  { return nil, nil }
func (f *fakePusher) Tracks(_ context.Context, _ time.Time) ([]library.Track, error) {
	return nil, nil
}
func (f *fakePusher) CreatePlaylist(_ context.Context, name, _ string, keys []string) (string, error) {
	f.name = name
	f.keys = keys
	return "ext-42", nil
}

// testEnv seeds a store and index with n tracks embedded by the local
// provider, so similarity ranking is deterministic.
type testEnv struct {
	store *store.Store
	index *vecindex.Index
	ids   []int64 // track ids in insertion order
}

func newTestEnv(t *testing.T, n int) *testEnv {
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

	artists, err := st.UpsertArtists(ctx, []*store.Artist{
		{ExternalKey: "ar1", Name: "Test Artist"},
	})
	if err != nil {
		t.Fatalf("UpsertArtists() error = %v", err)
	}
	albums, err := st.UpsertAlbums(ctx, []*store.Album{
		{ExternalKey: "al1", ArtistID: artists["ar1"], Title: "Test Album"},
	})
	if err != nil {
		t.Fatalf("UpsertAlbums() error = %v", err)
	}

	env := &testEnv{store: st}
	tracks := make([]*store.Track, 0, n)
	for i := 0; i < n; i++ {
		genre := "jazz"
		if i%2 == 1 {
			genre = "rock"
		}
		tracks = append(tracks, &store.Track{
			ExternalKey: fmt.Sprintf("t%d", i),
			AlbumID:     albums["al1"],
			ArtistID:    artists["ar1"],
			Title:       fmt.Sprintf("Track %d", i),
			Genre:       genre,
			Rating:      5,
		})
	}
	if err := st.UpsertTracks(ctx, tracks); err != nil {
		t.Fatalf("UpsertTracks() error = %v", err)
	}

	embedder := provider.NewLocalEmbedder()
	idx, err := vecindex.Open(filepath.Join(t.TempDir(), "test.idx"),
		embedder.ModelName(), embedder.Dimension())
	if err != nil {
		t.Fatalf("vecindex.Open() error = %v", err)
	}
	vectors := make(map[int64][]float32, n)
	for _, tr := range tracks {
		detail := &store.TrackDetail{Title: tr.Title, Artist: "Test Artist", Album: "Test Album", Genre: tr.Genre}
		vec, _ := embedder.Embed(ctx, provider.TrackText(detail))
		vectors[tr.ID] = vec
		env.ids = append(env.ids, tr.ID)
	}
	if err := idx.Rebuild(embedder.ModelName(), embedder.Dimension(), vectors); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	env.index = idx
	return env
}

func (env *testEnv) generator(c provider.Completer) *Generator {
	return New(env.store, env.index, provider.NewLocalEmbedder(), c, nil, zap.NewNop())
}

func TestGenerateUsesProviderOrder(t *testing.T) {
	env := newTestEnv(t, 10)
	ids := env.ids
	completer := &fakeCompleter{
		response: fmt.Sprintf(`{"track_ids": [%d, %d, %d]}`, ids[4], ids[1], ids[7]),
	}

	p, err := env.generator(completer).Generate(context.Background(), Request{
		Mood:         "late night",
		MaxTracks:    3,
		SkipExternal: true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := []int64{ids[4], ids[1], ids[7]}
	if len(p.TrackIDs) != 3 {
		t.Fatalf("TrackIDs = %v, want 3 tracks", p.TrackIDs)
	}
	for i := range want {
		if p.TrackIDs[i] != want[i] {
			t.Errorf("TrackIDs[%d] = %d, want %d (provider order)", i, p.TrackIDs[i], want[i])
		}
	}
}

func TestGenerateDropsUnknownIDsAndBackfills(t *testing.T) {
	env := newTestEnv(t, 10)
	ids := env.ids
	// One real id, one unknown, one duplicate.
	completer := &fakeCompleter{
		response: fmt.Sprintf(`{"track_ids": [%d, 99999, %d, %d]}`, ids[2], ids[2], ids[5]),
	}

	p, err := env.generator(completer).Generate(context.Background(), Request{
		Mood:         "focus",
		MaxTracks:    4,
		SkipExternal: true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(p.TrackIDs) != 4 {
		t.Fatalf("TrackIDs = %v, want 4 after backfill", p.TrackIDs)
	}
	if p.TrackIDs[0] != ids[2] || p.TrackIDs[1] != ids[5] {
		t.Errorf("selected prefix = %v, want [%d %d ...]", p.TrackIDs[:2], ids[2], ids[5])
	}
	seen := map[int64]bool{}
	for _, id := range p.TrackIDs {
		if id == 99999 {
			t.Error("unknown id survived validation")
		}
		if seen[id] {
			t.Errorf("duplicate id %d in playlist", id)
		}
		seen[id] = true
	}
}

func TestGenerateFallsBackOnProviderError(t *testing.T) {
	env := newTestEnv(t, 8)
	completer := &fakeCompleter{err: fmt.Errorf("model unavailable")}

	p, err := env.generator(completer).Generate(context.Background(), Request{
		Mood:         "sunny afternoon",
		MaxTracks:    5,
		SkipExternal: true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v, want deterministic fallback", err)
	}
	if len(p.TrackIDs) != 5 {
		t.Errorf("TrackIDs = %v, want 5 from similarity order", p.TrackIDs)
	}

	// Deterministic: a second run with the same failure picks the
	// same tracks in the same order.
	p2, err := env.generator(&fakeCompleter{err: fmt.Errorf("down")}).Generate(context.Background(), Request{
		Mood:         "sunny afternoon",
		MaxTracks:    5,
		SkipExternal: true,
	})
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	for i := range p.TrackIDs {
		if p.TrackIDs[i] != p2.TrackIDs[i] {
			t.Errorf("fallback not deterministic at %d: %d != %d", i, p.TrackIDs[i], p2.TrackIDs[i])
		}
	}
}

func TestGenerateStripsCodeFences(t *testing.T) {
	env := newTestEnv(t, 6)
	ids := env.ids
	completer := &fakeCompleter{
		response: fmt.Sprintf("```json\n{\"track_ids\": [%d, %d]}\n```", ids[3], ids[0]),
	}

	p, err := env.generator(completer).Generate(context.Background(), Request{
		Mood:         "rainy",
		MaxTracks:    2,
		SkipExternal: true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if p.TrackIDs[0] != ids[3] || p.TrackIDs[1] != ids[0] {
		t.Errorf("TrackIDs = %v, want [%d %d]", p.TrackIDs, ids[3], ids[0])
	}
}

func TestGenerateRespectsFilters(t *testing.T) {
	env := newTestEnv(t, 10)
	completer := &fakeCompleter{err: fmt.Errorf("force fallback")}

	p, err := env.generator(completer).Generate(context.Background(), Request{
		Mood:         "swing",
		MaxTracks:    10,
		Filters:      store.TrackFilters{Genre: "jazz"},
		SkipExternal: true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	// Even-indexed tracks are jazz: 5 of 10.
	if len(p.TrackIDs) != 5 {
		t.Fatalf("TrackIDs = %v, want the 5 jazz tracks", p.TrackIDs)
	}
	details, err := env.store.GetTracksByIDs(context.Background(), p.TrackIDs)
	if err != nil {
		t.Fatalf("GetTracksByIDs() error = %v", err)
	}
	for _, id := range p.TrackIDs {
		if details[id].Genre != "jazz" {
			t.Errorf("track %d genre = %q, want jazz", id, details[id].Genre)
		}
	}
}

func TestGenerateRejectsEmptyMood(t *testing.T) {
	env := newTestEnv(t, 2)
	_, err := env.generator(&fakeCompleter{}).Generate(context.Background(), Request{Mood: "  "})
	if err == nil {
		t.Error("Generate() with blank mood: expected error")
	}
}

func TestGenerateNoMatchingTracks(t *testing.T) {
	env := newTestEnv(t, 4)
	_, err := env.generator(&fakeCompleter{}).Generate(context.Background(), Request{
		Mood:         "polka",
		Filters:      store.TrackFilters{Genre: "polka"},
		SkipExternal: true,
	})
	if err == nil {
		t.Error("Generate() with empty pool: expected error")
	}
}

func TestGeneratePushesToLibrary(t *testing.T) {
	env := newTestEnv(t, 4)
	ids := env.ids
	pusher := &fakePusher{}
	completer := &fakeCompleter{
		response: fmt.Sprintf(`{"track_ids": [%d, %d]}`, ids[0], ids[1]),
	}
	gen := New(env.store, env.index, provider.NewLocalEmbedder(), completer, pusher, zap.NewNop())

	p, err := gen.Generate(context.Background(), Request{
		Mood:      "morning",
		Name:      "Morning Mix",
		MaxTracks: 2,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if p.ExternalKey != "ext-42" {
		t.Errorf("ExternalKey = %q, want ext-42", p.ExternalKey)
	}
	if pusher.name != "Morning Mix" {
		t.Errorf("pushed name = %q, want Morning Mix", pusher.name)
	}
	if len(pusher.keys) != 2 || pusher.keys[0] != "t0" || pusher.keys[1] != "t1" {
		t.Errorf("pushed keys = %v, want [t0 t1]", pusher.keys)
	}

	saved, err := env.store.GetPlaylist(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetPlaylist() error = %v", err)
	}
	if saved.ExternalKey != "ext-42" {
		t.Errorf("stored ExternalKey = %q, want ext-42", saved.ExternalKey)
	}
}

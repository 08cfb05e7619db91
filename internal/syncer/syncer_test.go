package syncer

import (
	"context"
	"errors"
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

// fakeLibrary implements library.Client from in-memory fixtures.
type fakeLibrary struct {
	artists []library.Artist
	albums  []library.Album
	tracks  []library.Track

	lastSince    time.Time
	tracksErr    error
	failuresLeft int
}

func (f *fakeLibrary) Artists(_ context.Context) ([]library.Artist, error) {
	return f.artists, nil
}

func (f *fakeLibrary) Albums(_ context.Context) ([]library.Album, error) {
	return f.albums, nil
}

func (f *fakeLibrary) Tracks(_ context.Context, since time.Time) ([]library.Track, error) {
	f.lastSince = since
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, fmt.Errorf("transient network error")
	}
	if f.tracksErr != nil {
		return nil, f.tracksErr
	}
	return f.tracks, nil
}

func (f *fakeLibrary) CreatePlaylist(_ context.Context, _, _ string, _ []string) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return s
}

// smallLibrary builds a library with 2 artists, 2 albums, and n tracks
// split across them.
func smallLibrary(n int) *fakeLibrary {
	lib := &fakeLibrary{
		artists: []library.Artist{
			{Key: "ar1", Name: "First Artist", Genres: []string{"rock"}},
			{Key: "ar2", Name: "Second Artist"},
		},
		albums: []library.Album{
			{Key: "al1", ParentKey: "ar1", Title: "First Album", Year: 1999},
			{Key: "al2", ParentKey: "ar2", Title: "Second Album", Year: 2004},
		},
	}
	for i := 0; i < n; i++ {
		album := "al1"
		if i%2 == 1 {
			album = "al2"
		}
		lib.tracks = append(lib.tracks, library.Track{
			Key:        fmt.Sprintf("t%d", i),
			ParentKey:  album,
			Title:      fmt.Sprintf("Track %d", i),
			DurationMS: 180000,
			Genre:      "rock",
			Rating:     6,
		})
	}
	return lib
}

func TestFullSyncInsertsEverything(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(10)
	s := New(st, lib, zap.NewNop())

	rec, err := s.Run(context.Background(), ModeFull, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != store.SyncStatusSuccess {
		t.Errorf("status = %q, want success", rec.Status)
	}
	if rec.ArtistsSynced != 2 || rec.AlbumsSynced != 2 || rec.TracksSynced != 10 {
		t.Errorf("counts = %d/%d/%d, want 2/2/10",
			rec.ArtistsSynced, rec.AlbumsSynced, rec.TracksSynced)
	}

	artists, albums, tracks, _, err := st.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if artists != 2 || albums != 2 || tracks != 10 {
		t.Errorf("stored counts = %d/%d/%d, want 2/2/10", artists, albums, tracks)
	}
}

func TestSyncSkipsUnchangedTracks(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(10)
	s := New(st, lib, zap.NewNop())

	if _, err := s.Run(context.Background(), ModeFull, nil); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// One track changes.
	lib.tracks[3].Rating = 10
	rec, err := s.Run(context.Background(), ModeFull, nil)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if rec.TracksSynced != 1 {
		t.Errorf("TracksSynced = %d, want 1 (only the changed track)", rec.TracksSynced)
	}
}

func TestIncrementalSyncPassesWatermark(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(4)
	s := New(st, lib, zap.NewNop())
	ctx := context.Background()

	// No successful sync yet: since must be zero.
	if _, err := s.Run(ctx, ModeIncremental, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !lib.lastSince.IsZero() {
		t.Errorf("first incremental since = %v, want zero", lib.lastSince)
	}

	if _, err := s.Run(ctx, ModeIncremental, nil); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if lib.lastSince.IsZero() {
		t.Error("second incremental since = zero, want previous success time")
	}
}

func TestIncrementalSyncKeepsAbsentTracks(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(6)
	s := New(st, lib, zap.NewNop())
	ctx := context.Background()

	if _, err := s.Run(ctx, ModeFull, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Incremental listings only contain changed tracks; the rest must
	// not be treated as deleted.
	lib.tracks = lib.tracks[:1]
	lib.tracks[0].Rating = 9
	rec, err := s.Run(ctx, ModeIncremental, nil)
	if err != nil {
		t.Fatalf("incremental Run() error = %v", err)
	}
	if rec.TracksDeleted != 0 {
		t.Errorf("TracksDeleted = %d, want 0 in incremental mode", rec.TracksDeleted)
	}
	_, _, tracks, _, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if tracks != 6 {
		t.Errorf("stored tracks = %d, want 6", tracks)
	}
}

func TestFullSyncDeletesMissingTracks(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(6)
	s := New(st, lib, zap.NewNop())
	ctx := context.Background()

	if _, err := s.Run(ctx, ModeFull, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lib.tracks = lib.tracks[:4]
	rec, err := s.Run(ctx, ModeFull, nil)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if rec.TracksDeleted != 2 {
		t.Errorf("TracksDeleted = %d, want 2", rec.TracksDeleted)
	}
	_, _, tracks, _, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if tracks != 4 {
		t.Errorf("stored tracks = %d, want 4", tracks)
	}
}

func TestOrphanAlbumFallsBackToUnknownArtist(t *testing.T) {
	st := newTestStore(t)
	lib := &fakeLibrary{
		albums: []library.Album{
			{Key: "al1", ParentKey: "missing-artist", Title: "Orphan Album"},
		},
		tracks: []library.Track{
			{Key: "t1", ParentKey: "al1", Title: "Orphan Track"},
		},
	}
	s := New(st, lib, zap.NewNop())
	ctx := context.Background()

	rec, err := s.Run(ctx, ModeFull, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != store.SyncStatusSuccess {
		t.Fatalf("status = %q, want success", rec.Status)
	}

	ids, err := st.FilterTrackIDs(ctx, store.TrackFilters{})
	if err != nil || len(ids) != 1 {
		t.Fatalf("FilterTrackIDs() = %v, %v", ids, err)
	}
	details, err := st.GetTracksByIDs(ctx, ids)
	if err != nil {
		t.Fatalf("GetTracksByIDs() error = %v", err)
	}
	if got := details[ids[0]].Artist; got != store.UnknownArtistName {
		t.Errorf("artist = %q, want %q", got, store.UnknownArtistName)
	}
}

func TestTrackWithUnknownAlbumUsesSentinels(t *testing.T) {
	st := newTestStore(t)
	lib := &fakeLibrary{
		tracks: []library.Track{
			{Key: "t1", ParentKey: "nowhere", Title: "Floater"},
		},
	}
	s := New(st, lib, zap.NewNop())
	ctx := context.Background()

	if _, err := s.Run(ctx, ModeFull, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ids, _ := st.FilterTrackIDs(ctx, store.TrackFilters{})
	details, err := st.GetTracksByIDs(ctx, ids)
	if err != nil {
		t.Fatalf("GetTracksByIDs() error = %v", err)
	}
	d := details[ids[0]]
	if d.Album != store.UnknownAlbumTitle || d.Artist != store.UnknownArtistName {
		t.Errorf("album/artist = %q/%q, want sentinels", d.Album, d.Artist)
	}
}

func TestCancellationKeepsAppliedBatches(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(200)
	s := New(st, lib, zap.NewNop(), WithBatchSize(50))

	ctx, cancel := context.WithCancel(context.Background())
	progress := func(fraction float64, stage string) {
		// Cancel once the first batch has committed.
		if stage == "applying" && fraction > 0.3 {
			cancel()
		}
	}

	rec, err := s.Run(ctx, ModeFull, progress)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if rec.Status != store.SyncStatusInterrupted {
		t.Errorf("status = %q, want interrupted", rec.Status)
	}
	if rec.TracksSynced == 0 || rec.TracksSynced >= 200 {
		t.Errorf("TracksSynced = %d, want partial application", rec.TracksSynced)
	}

	_, _, tracks, _, cErr := st.Counts(context.Background())
	if cErr != nil {
		t.Fatalf("Counts() error = %v", cErr)
	}
	if tracks != rec.TracksSynced {
		t.Errorf("stored tracks = %d, record says %d", tracks, rec.TracksSynced)
	}

	// Interrupted runs never advance the watermark.
	if _, ok, err := st.LastSuccessfulSyncTime(context.Background()); err != nil || ok {
		t.Errorf("LastSuccessfulSyncTime() ok = %v err = %v, want no watermark", ok, err)
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(2)
	lib.failuresLeft = 1
	s := New(st, lib, zap.NewNop())

	rec, err := s.Run(context.Background(), ModeFull, nil)
	if err != nil {
		t.Fatalf("Run() error = %v, want success after retry", err)
	}
	if rec.Status != store.SyncStatusSuccess {
		t.Errorf("status = %q, want success", rec.Status)
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(2)
	lib.tracksErr = fmt.Errorf("rejected: %w", provider.ErrAuthFailure)
	s := New(st, lib, zap.NewNop())

	rec, err := s.Run(context.Background(), ModeFull, nil)
	if !errors.Is(err, provider.ErrAuthFailure) {
		t.Fatalf("Run() error = %v, want ErrAuthFailure", err)
	}
	if rec.Status != store.SyncStatusFailed {
		t.Errorf("status = %q, want failed", rec.Status)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(120)
	s := New(st, lib, zap.NewNop(), WithBatchSize(25))

	last := -1.0
	progress := func(fraction float64, stage string) {
		if fraction < last {
			t.Errorf("progress went backwards: %v after %v (stage %s)", fraction, last, stage)
		}
		last = fraction
	}
	if _, err := s.Run(context.Background(), ModeFull, progress); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if last != 1 {
		t.Errorf("final progress = %v, want 1", last)
	}
}

func TestSyncEmbedsChangedTracks(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(8)
	embedder := provider.NewLocalEmbedder()
	idx, err := vecindex.Open(filepath.Join(t.TempDir(), "test.idx"), embedder.ModelName(), embedder.Dimension())
	if err != nil {
		t.Fatalf("vecindex.Open() error = %v", err)
	}
	s := New(st, lib, zap.NewNop(), WithEmbeddings(embedder, idx))
	ctx := context.Background()

	if _, err := s.Run(ctx, ModeFull, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := idx.Meta().Count; got != 8 {
		t.Errorf("index count = %d, want 8", got)
	}
	_, _, _, embeddings, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if embeddings != 8 {
		t.Errorf("stored embeddings = %d, want 8", embeddings)
	}

	// A deleted track leaves the index too.
	lib.tracks = lib.tracks[:6]
	if _, err := s.Run(ctx, ModeFull, nil); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got := idx.Meta().Count; got != 6 {
		t.Errorf("index count after delete = %d, want 6", got)
	}
}

func TestArtistRemovalCascadesToTracksAndIndex(t *testing.T) {
	st := newTestStore(t)
	lib := smallLibrary(10)
	embedder := provider.NewLocalEmbedder()
	idx, err := vecindex.Open(filepath.Join(t.TempDir(), "test.idx"), embedder.ModelName(), embedder.Dimension())
	if err != nil {
		t.Fatalf("vecindex.Open() error = %v", err)
	}
	s := New(st, lib, zap.NewNop(), WithEmbeddings(embedder, idx))
	ctx := context.Background()

	if _, err := s.Run(ctx, ModeFull, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := idx.Meta().Count; got != 10 {
		t.Fatalf("index count = %d, want 10", got)
	}

	// The second artist disappears remotely along with its album and
	// tracks. The tracks go away through the artist delete rather than
	// the track diff, and must still be counted and dropped from the
	// index.
	lib.artists = lib.artists[:1]
	lib.albums = lib.albums[:1]
	kept := lib.tracks[:0]
	for _, tr := range lib.tracks {
		if tr.ParentKey == "al1" {
			kept = append(kept, tr)
		}
	}
	lib.tracks = kept

	rec, err := s.Run(ctx, ModeFull, nil)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if rec.TracksDeleted != 5 {
		t.Errorf("TracksDeleted = %d, want 5", rec.TracksDeleted)
	}

	artists, albums, tracks, embeddings, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if artists != 1 || albums != 1 || tracks != 5 || embeddings != 5 {
		t.Errorf("stored counts = %d/%d/%d/%d, want 1/1/5/5",
			artists, albums, tracks, embeddings)
	}
	if got := idx.Meta().Count; got != 5 {
		t.Errorf("index count after artist removal = %d, want 5", got)
	}
}

func TestUnknownModeRejected(t *testing.T) {
	st := newTestStore(t)
	s := New(st, smallLibrary(1), zap.NewNop())
	if _, err := s.Run(context.Background(), "sideways", nil); err == nil {
		t.Error("Run() with unknown mode: expected error")
	}
}

// Package syncer keeps the local store in step with the remote media
// library.
//
// A run moves through three phases: fetch the remote listings, diff
// them against the local rows, and apply the changes in batched
// transactions. Cancellation is polled between batches, so an
// interrupted run keeps every batch that already committed and is
// recorded as such; the incremental watermark only ever advances on a
// fully successful run.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/plexmix/plexmix/internal/library"
	"github.com/plexmix/plexmix/internal/provider"
	"github.com/plexmix/plexmix/internal/store"
	"github.com/plexmix/plexmix/internal/vecindex"
)

// Sync modes.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

const (
	defaultBatchSize = 50
	embedChunkSize   = 20

	fetchAttempts  = 3
	fetchBaseDelay = time.Second
)

// Progress receives monotonically non-decreasing completion fractions
// with a human-readable stage name.
type Progress func(fraction float64, stage string)

// Syncer orchestrates one sync run at a time.
type Syncer struct {
	store     *store.Store
	lib       library.Client
	embedder  provider.Embedder
	index     *vecindex.Index
	logger    *zap.Logger
	batchSize int
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithBatchSize overrides the apply batch size.
func WithBatchSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithEmbeddings wires the embedding pipeline: tracks inserted or
// changed by a run are embedded and appended to the index. Without it
// the sync is metadata-only.
func WithEmbeddings(e provider.Embedder, idx *vecindex.Index) Option {
	return func(s *Syncer) {
		s.embedder = e
		s.index = idx
	}
}

// New builds a Syncer.
func New(st *store.Store, lib library.Client, logger *zap.Logger, opts ...Option) *Syncer {
	s := &Syncer{
		store:     st,
		lib:       lib,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one sync in the given mode and returns the finalized
// record. The record is persisted in sync_history even when err is
// non-nil.
func (s *Syncer) Run(ctx context.Context, mode string, progress Progress) (*store.SyncRecord, error) {
	if mode != ModeFull && mode != ModeIncremental {
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}
	if progress == nil {
		progress = func(float64, string) {}
	}

	recID, err := s.store.StartSyncRecord(ctx, mode)
	if err != nil {
		return nil, err
	}
	rec := &store.SyncRecord{ID: recID, Mode: mode, Status: store.SyncStatusRunning}

	finalize := func(status, errMsg string) {
		rec.Status = status
		rec.Error = errMsg
		// Finalization must survive a cancelled parent context.
		if ferr := s.store.FinishSyncRecord(context.WithoutCancel(ctx), rec); ferr != nil {
			s.logger.Error("failed to finalize sync record", zap.Error(ferr))
		}
	}

	s.logger.Info("sync started", zap.String("mode", mode), zap.Int64("record", recID))
	progress(0, "fetching")

	remote, err := s.fetch(ctx, mode)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			finalize(store.SyncStatusInterrupted, "")
			return rec, err
		}
		finalize(store.SyncStatusFailed, err.Error())
		return rec, err
	}
	progress(0.2, "diffing")

	plan, err := s.diff(ctx, mode, remote, rec)
	if err != nil {
		finalize(store.SyncStatusFailed, err.Error())
		return rec, err
	}
	progress(0.3, "applying")

	applied, err := s.apply(ctx, plan, rec, progress)
	switch {
	case errors.Is(err, context.Canceled):
		finalize(store.SyncStatusInterrupted, "")
		s.logger.Warn("sync interrupted",
			zap.Int64("tracks_applied", rec.TracksSynced))
		return rec, err
	case err != nil && applied > 0:
		finalize(store.SyncStatusPartial, err.Error())
		return rec, err
	case err != nil:
		finalize(store.SyncStatusFailed, err.Error())
		return rec, err
	}
	progress(0.9, "embedding")

	if s.embedder != nil && s.index != nil && len(plan.changedIDs) > 0 {
		if err := s.embedTracks(ctx, plan.changedIDs); err != nil {
			if errors.Is(err, context.Canceled) {
				finalize(store.SyncStatusInterrupted, "")
				return rec, err
			}
			// Metadata is consistent; embeddings can be regenerated
			// with an index rebuild, so this does not fail the run.
			s.logger.Warn("embedding generation incomplete", zap.Error(err))
		}
	}

	finalize(store.SyncStatusSuccess, "")
	progress(1, "done")
	s.logger.Info("sync complete",
		zap.Int64("artists", rec.ArtistsSynced),
		zap.Int64("albums", rec.AlbumsSynced),
		zap.Int64("tracks", rec.TracksSynced),
		zap.Int64("deleted", rec.TracksDeleted))
	return rec, nil
}

type remoteListing struct {
	artists []library.Artist
	albums  []library.Album
	tracks  []library.Track
}

// fetch pulls the remote listings, retrying transient failures with
// exponential backoff.
func (s *Syncer) fetch(ctx context.Context, mode string) (*remoteListing, error) {
	var since time.Time
	if mode == ModeIncremental {
		watermark, ok, err := s.store.LastSuccessfulSyncTime(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			since = watermark
		} else {
			s.logger.Info("no successful sync on record, running full instead")
		}
	}

	var listing remoteListing
	steps := []struct {
		name string
		fn   func() error
	}{
		{"artists", func() (err error) { listing.artists, err = s.lib.Artists(ctx); return }},
		{"albums", func() (err error) { listing.albums, err = s.lib.Albums(ctx); return }},
		{"tracks", func() (err error) { listing.tracks, err = s.lib.Tracks(ctx, since); return }},
	}
	for _, step := range steps {
		if err := s.fetchWithRetry(ctx, step.name, step.fn); err != nil {
			return nil, fmt.Errorf("fetching %s: %w", step.name, err)
		}
	}
	return &listing, nil
}

func (s *Syncer) fetchWithRetry(ctx context.Context, name string, fn func() error) error {
	var err error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			delay := fetchBaseDelay << (attempt - 1)
			s.logger.Warn("retrying fetch",
				zap.String("listing", name),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, provider.ErrAuthFailure) {
			return err
		}
	}
	return err
}

// syncPlan is the diff output: what to write and what to delete.
type syncPlan struct {
	upserts      []*store.Track
	deleteTracks []int64
	changedIDs   []int64 // filled during apply as ids become known
}

// diff upserts artists and albums (they are small and needed for key
// resolution), then computes the track-level change set.
func (s *Syncer) diff(ctx context.Context, mode string, remote *remoteListing, rec *store.SyncRecord) (*syncPlan, error) {
	unknownArtist, err := s.store.UnknownArtistID(ctx)
	if err != nil {
		return nil, err
	}
	unknownAlbum, err := s.store.UnknownAlbumID(ctx)
	if err != nil {
		return nil, err
	}

	// Artists.
	artists := make([]*store.Artist, 0, len(remote.artists))
	for _, a := range remote.artists {
		if a.Key == "" || a.Name == "" {
			s.logger.Warn("skipping artist with missing key or name", zap.String("key", a.Key))
			continue
		}
		artists = append(artists, &store.Artist{
			ExternalKey: a.Key, Name: a.Name, Genres: a.Genres,
		})
	}
	artistIDs, err := s.store.UpsertArtists(ctx, artists)
	if err != nil {
		return nil, fmt.Errorf("upserting artists: %w", err)
	}
	rec.ArtistsSynced = int64(len(artists))

	// Albums resolve to artists strictly through the parent key.
	albums := make([]*store.Album, 0, len(remote.albums))
	albumArtist := make(map[string]int64, len(remote.albums))
	for _, a := range remote.albums {
		if a.Key == "" || a.Title == "" {
			s.logger.Warn("skipping album with missing key or title", zap.String("key", a.Key))
			continue
		}
		artistID, ok := artistIDs[a.ParentKey]
		if !ok {
			s.logger.Warn("album has no known artist, using sentinel",
				zap.String("album", a.Title), zap.String("parent", a.ParentKey))
			artistID = unknownArtist
		}
		albumArtist[a.Key] = artistID
		albums = append(albums, &store.Album{
			ExternalKey: a.Key, ArtistID: artistID, Title: a.Title,
			Year: a.Year, Genres: a.Genres,
		})
	}
	albumIDs, err := s.store.UpsertAlbums(ctx, albums)
	if err != nil {
		return nil, fmt.Errorf("upserting albums: %w", err)
	}
	rec.AlbumsSynced = int64(len(albums))

	// Summaries are read before the artist/album deletes below so the
	// tracks those deletes cascade away can still be accounted for and
	// dropped from the index.
	local, err := s.store.TrackSummaries(ctx)
	if err != nil {
		return nil, err
	}

	// Remove artists and albums that disappeared remotely. Listings
	// are always complete, so this is safe in both modes.
	cascaded, err := s.deleteMissing(ctx, artistIDs, albumIDs, local)
	if err != nil {
		return nil, err
	}

	plan := &syncPlan{deleteTracks: cascaded}
	seen := make(map[string]bool, len(remote.tracks))
	for _, t := range remote.tracks {
		if t.Key == "" || t.Title == "" {
			s.logger.Warn("skipping track with missing key or title", zap.String("key", t.Key))
			continue
		}
		seen[t.Key] = true

		albumID, ok := albumIDs[t.ParentKey]
		artistID := albumArtist[t.ParentKey]
		if !ok {
			albumID = unknownAlbum
			artistID = unknownArtist
		}

		incoming := &store.Track{
			ExternalKey:  t.Key,
			AlbumID:      albumID,
			ArtistID:     artistID,
			Title:        t.Title,
			DurationMS:   t.DurationMS,
			Year:         t.Year,
			Genre:        t.Genre,
			Rating:       t.Rating,
			PlayCount:    t.PlayCount,
			LastPlayedAt: t.LastPlayedAt,
		}
		if existing, ok := local[t.Key]; ok && !trackChanged(existing, incoming) {
			continue
		}
		plan.upserts = append(plan.upserts, incoming)
	}

	// Track deletions need a complete remote listing, which only the
	// full mode has.
	if mode == ModeFull {
		for key, t := range local {
			if !seen[key] {
				plan.deleteTracks = append(plan.deleteTracks, t.ID)
			}
		}
	}
	return plan, nil
}

// deleteMissing removes artists and albums absent from the remote
// listings and returns the ids of tracks those deletes cascade away.
// Cascaded tracks are also dropped from local so the rest of the diff
// no longer sees them.
func (s *Syncer) deleteMissing(ctx context.Context, artistIDs, albumIDs map[string]int64, local map[string]*store.Track) ([]int64, error) {
	localArtists, err := s.store.ArtistKeys(ctx)
	if err != nil {
		return nil, err
	}
	var staleArtists []int64
	staleArtistSet := make(map[int64]bool)
	for key, id := range localArtists {
		if _, ok := artistIDs[key]; !ok {
			staleArtists = append(staleArtists, id)
			staleArtistSet[id] = true
		}
	}

	localAlbums, err := s.store.AlbumKeys(ctx)
	if err != nil {
		return nil, err
	}
	var staleAlbums []int64
	staleAlbumSet := make(map[int64]bool)
	for key, id := range localAlbums {
		if _, ok := albumIDs[key]; !ok {
			staleAlbums = append(staleAlbums, id)
			staleAlbumSet[id] = true
		}
	}

	var cascaded []int64
	for key, t := range local {
		if staleArtistSet[t.ArtistID] || staleAlbumSet[t.AlbumID] {
			cascaded = append(cascaded, t.ID)
			delete(local, key)
		}
	}

	if err := s.store.DeleteArtistsByID(ctx, staleArtists); err != nil {
		return nil, err
	}
	if err := s.store.DeleteAlbumsByID(ctx, staleAlbums); err != nil {
		return nil, err
	}
	return cascaded, nil
}

// trackChanged compares the fields that participate in change
// detection.
func trackChanged(old, incoming *store.Track) bool {
	if old.Title != incoming.Title ||
		old.DurationMS != incoming.DurationMS ||
		old.Year != incoming.Year ||
		old.Genre != incoming.Genre ||
		old.Rating != incoming.Rating ||
		old.PlayCount != incoming.PlayCount ||
		old.AlbumID != incoming.AlbumID ||
		old.ArtistID != incoming.ArtistID {
		return true
	}
	switch {
	case old.LastPlayedAt == nil && incoming.LastPlayedAt == nil:
		return false
	case old.LastPlayedAt == nil || incoming.LastPlayedAt == nil:
		return true
	default:
		return !old.LastPlayedAt.Equal(*incoming.LastPlayedAt)
	}
}

// apply writes upserts in batches, each in its own transaction,
// checking for cancellation between batches. Returns the number of
// batches that committed.
func (s *Syncer) apply(ctx context.Context, plan *syncPlan, rec *store.SyncRecord, progress Progress) (int, error) {
	total := len(plan.upserts)
	batches := (total + s.batchSize - 1) / s.batchSize
	applied := 0

	for i := 0; i < total; i += s.batchSize {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		end := i + s.batchSize
		if end > total {
			end = total
		}
		batch := plan.upserts[i:end]
		if err := s.store.UpsertTracks(ctx, batch); err != nil {
			return applied, fmt.Errorf("applying batch %d: %w", applied+1, err)
		}
		for _, t := range batch {
			plan.changedIDs = append(plan.changedIDs, t.ID)
		}
		rec.TracksSynced += int64(len(batch))
		applied++
		if batches > 0 {
			progress(0.3+0.6*float64(applied)/float64(batches), "applying")
		}
	}

	if len(plan.deleteTracks) > 0 {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if err := s.store.DeleteTracksByID(ctx, plan.deleteTracks); err != nil {
			return applied, fmt.Errorf("deleting tracks: %w", err)
		}
		rec.TracksDeleted = int64(len(plan.deleteTracks))
		if s.index != nil && !s.index.Blocked() {
			if err := s.index.Remove(plan.deleteTracks); err != nil {
				s.logger.Warn("failed to drop deleted tracks from index", zap.Error(err))
			}
		}
	}
	return applied, nil
}

// embedTracks generates embeddings for the changed tracks and appends
// them to the index.
func (s *Syncer) embedTracks(ctx context.Context, ids []int64) error {
	if s.index.Blocked() {
		s.logger.Warn("index blocked by dimension mismatch, skipping embedding; run index rebuild")
		return nil
	}

	details, err := s.store.GetTracksByIDs(ctx, ids)
	if err != nil {
		return err
	}

	model := s.embedder.ModelName()
	for i := 0; i < len(ids); i += embedChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := i + embedChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		texts := make([]string, 0, len(chunk))
		chunkIDs := make([]int64, 0, len(chunk))
		for _, id := range chunk {
			d, ok := details[id]
			if !ok {
				continue
			}
			texts = append(texts, provider.TrackText(d))
			chunkIDs = append(chunkIDs, id)
		}
		if len(texts) == 0 {
			continue
		}

		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding %d tracks: %w", len(texts), err)
		}

		add := make(map[int64][]float32, len(chunkIDs))
		for j, id := range chunkIDs {
			if err := s.store.UpsertEmbedding(ctx, id, model, vecs[j]); err != nil {
				return err
			}
			add[id] = vecs[j]
		}
		if err := s.index.AddBatch(add); err != nil {
			if errors.Is(err, vecindex.ErrDimensionMismatch) {
				s.logger.Warn("index rejected vectors, rebuild required")
				return nil
			}
			return err
		}
	}
	return nil
}

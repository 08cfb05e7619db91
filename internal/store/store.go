// Package store provides the local SQLite mirror of the media library.
//
// The database is the query layer for everything else: sync writes into
// it, playlist generation filters against it, and the vector index
// stores only ids that resolve back to rows here.
//
// The database runs embedded (pure-Go SQLite) with WAL for concurrent
// reads during sync writes. External identifiers from the media server
// are kept in external_key columns with a UNIQUE constraint; all
// cross-table references use the local surrogate ids, so re-syncing an
// item never changes its id.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at path, creating the parent
// directory if needed. The caller must Close() when done.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates tables and sentinel rows. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS artists (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		genres TEXT,  -- JSON array
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS albums (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_key TEXT NOT NULL UNIQUE,
		artist_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		year INTEGER NOT NULL DEFAULT 0,
		genres TEXT,  -- JSON array
		updated_at TEXT NOT NULL,
		FOREIGN KEY (artist_id) REFERENCES artists(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tracks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_key TEXT NOT NULL UNIQUE,
		album_id INTEGER NOT NULL,
		artist_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		year INTEGER NOT NULL DEFAULT 0,
		genre TEXT NOT NULL DEFAULT '',
		rating REAL NOT NULL DEFAULT 0,
		play_count INTEGER NOT NULL DEFAULT 0,
		last_played_at TEXT,
		tags TEXT,  -- JSON array, NULL = never tagged
		updated_at TEXT NOT NULL,
		FOREIGN KEY (album_id) REFERENCES albums(id) ON DELETE CASCADE,
		FOREIGN KEY (artist_id) REFERENCES artists(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		track_id INTEGER NOT NULL,
		model TEXT NOT NULL,
		vector BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (track_id, model),
		FOREIGN KEY (track_id) REFERENCES tracks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sync_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		artists_synced INTEGER NOT NULL DEFAULT 0,
		albums_synced INTEGER NOT NULL DEFAULT 0,
		tracks_synced INTEGER NOT NULL DEFAULT 0,
		tracks_deleted INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS playlists (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		mood TEXT NOT NULL DEFAULT '',
		external_key TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS playlist_tracks (
		playlist_id INTEGER NOT NULL,
		track_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (playlist_id, position),
		FOREIGN KEY (playlist_id) REFERENCES playlists(id) ON DELETE CASCADE,
		FOREIGN KEY (track_id) REFERENCES tracks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_albums_artist ON albums(artist_id);
	CREATE INDEX IF NOT EXISTS idx_tracks_album ON tracks(album_id);
	CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist_id);
	CREATE INDEX IF NOT EXISTS idx_tracks_genre ON tracks(genre);
	CREATE INDEX IF NOT EXISTS idx_tracks_year ON tracks(year);
	CREATE INDEX IF NOT EXISTS idx_tracks_rating ON tracks(rating);
	CREATE INDEX IF NOT EXISTS idx_sync_status ON sync_history(status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s.ensureSentinels(ctx)
}

// Fixed external keys for the sentinel rows. They can never collide
// with media server rating keys, which are numeric.
const (
	unknownArtistKey = "__unknown_artist__"
	unknownAlbumKey  = "__unknown_album__"
)

func (s *Store) ensureSentinels(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var artistID int64
	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO artists (external_key, name, genres, updated_at)
		VALUES (?, ?, '[]', ?)
		ON CONFLICT(external_key) DO UPDATE SET name = excluded.name
		RETURNING id`,
		unknownArtistKey, UnknownArtistName, now,
	).Scan(&artistID)
	if err != nil {
		return fmt.Errorf("failed to create unknown artist: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO albums (external_key, artist_id, title, genres, updated_at)
		VALUES (?, ?, ?, '[]', ?)
		ON CONFLICT(external_key) DO UPDATE SET title = excluded.title`,
		unknownAlbumKey, artistID, UnknownAlbumTitle, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create unknown album: %w", err)
	}
	return nil
}

// UnknownArtistID returns the id of the Unknown Artist sentinel row.
func (s *Store) UnknownArtistID(ctx context.Context) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM artists WHERE external_key = ?`, unknownArtistKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up unknown artist: %w", err)
	}
	return id, nil
}

// UnknownAlbumID returns the id of the Unknown Album sentinel row.
func (s *Store) UnknownAlbumID(ctx context.Context) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM albums WHERE external_key = ?`, unknownAlbumKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to look up unknown album: %w", err)
	}
	return id, nil
}

// UpsertArtists inserts or updates a batch of artists inside one
// transaction and returns the external_key -> id mapping.
func (s *Store) UpsertArtists(ctx context.Context, artists []*Artist) (map[string]int64, error) {
	ids := make(map[string]int64, len(artists))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range artists {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("invalid artist: %w", err)
			}
			genres, err := json.Marshal(a.Genres)
			if err != nil {
				return fmt.Errorf("failed to marshal genres: %w", err)
			}
			var id int64
			err = tx.QueryRowContext(ctx, `
				INSERT INTO artists (external_key, name, genres, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(external_key) DO UPDATE SET
					name = excluded.name,
					genres = excluded.genres,
					updated_at = excluded.updated_at
				RETURNING id`,
				a.ExternalKey, a.Name, string(genres), formatTime(a.UpdatedAt),
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to upsert artist %s: %w", a.ExternalKey, err)
			}
			a.ID = id
			ids[a.ExternalKey] = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// UpsertAlbums inserts or updates a batch of albums inside one
// transaction and returns the external_key -> id mapping. ArtistID must
// already be resolved on every album.
func (s *Store) UpsertAlbums(ctx context.Context, albums []*Album) (map[string]int64, error) {
	ids := make(map[string]int64, len(albums))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range albums {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("invalid album: %w", err)
			}
			genres, err := json.Marshal(a.Genres)
			if err != nil {
				return fmt.Errorf("failed to marshal genres: %w", err)
			}
			var id int64
			err = tx.QueryRowContext(ctx, `
				INSERT INTO albums (external_key, artist_id, title, year, genres, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(external_key) DO UPDATE SET
					artist_id = excluded.artist_id,
					title = excluded.title,
					year = excluded.year,
					genres = excluded.genres,
					updated_at = excluded.updated_at
				RETURNING id`,
				a.ExternalKey, a.ArtistID, a.Title, a.Year, string(genres), formatTime(a.UpdatedAt),
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to upsert album %s: %w", a.ExternalKey, err)
			}
			a.ID = id
			ids[a.ExternalKey] = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// UpsertTracks inserts or updates a batch of tracks inside one
// transaction. Track ids are filled in on success.
//
// A nil Tags slice becomes SQL NULL, and the COALESCE in the update
// clause keeps whatever tags are already stored. Regenerated tags
// (non-nil, possibly empty) replace the stored value.
func (s *Store) UpsertTracks(ctx context.Context, tracks []*Track) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tracks {
			if err := t.Validate(); err != nil {
				return fmt.Errorf("invalid track: %w", err)
			}
			var tagsJSON any
			if t.Tags != nil {
				b, err := json.Marshal(t.Tags)
				if err != nil {
					return fmt.Errorf("failed to marshal tags: %w", err)
				}
				tagsJSON = string(b)
			}
			var id int64
			err := tx.QueryRowContext(ctx, `
				INSERT INTO tracks (
					external_key, album_id, artist_id, title, duration_ms,
					year, genre, rating, play_count, last_played_at, tags, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(external_key) DO UPDATE SET
					album_id = excluded.album_id,
					artist_id = excluded.artist_id,
					title = excluded.title,
					duration_ms = excluded.duration_ms,
					year = excluded.year,
					genre = excluded.genre,
					rating = excluded.rating,
					play_count = excluded.play_count,
					last_played_at = excluded.last_played_at,
					tags = COALESCE(excluded.tags, tags),
					updated_at = excluded.updated_at
				RETURNING id`,
				t.ExternalKey, t.AlbumID, t.ArtistID, t.Title, t.DurationMS,
				t.Year, t.Genre, t.Rating, t.PlayCount,
				timeToNullString(t.LastPlayedAt), tagsJSON, formatTime(t.UpdatedAt),
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to upsert track %s: %w", t.ExternalKey, err)
			}
			t.ID = id
		}
		return nil
	})
}

// ArtistKeys returns the external_key -> id mapping for all artists,
// excluding the sentinel row.
func (s *Store) ArtistKeys(ctx context.Context) (map[string]int64, error) {
	return s.keyMap(ctx, "artists", unknownArtistKey)
}

// AlbumKeys returns the external_key -> id mapping for all albums,
// excluding the sentinel row.
func (s *Store) AlbumKeys(ctx context.Context) (map[string]int64, error) {
	return s.keyMap(ctx, "albums", unknownAlbumKey)
}

func (s *Store) keyMap(ctx context.Context, table, excludeKey string) (map[string]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		fmt.Sprintf(`SELECT external_key, id FROM %s WHERE external_key != ?`, table), excludeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s keys: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var id int64
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("failed to scan %s key: %w", table, err)
		}
		out[key] = id
	}
	return out, rows.Err()
}

// TrackSummaries returns every track keyed by external key, with the
// fields used for change detection populated.
func (s *Store) TrackSummaries(ctx context.Context) (map[string]*Track, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, external_key, album_id, artist_id, title, duration_ms,
		       year, genre, rating, play_count, last_played_at
		FROM tracks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Track)
	for rows.Next() {
		var t Track
		var lastPlayed sql.NullString
		if err := rows.Scan(&t.ID, &t.ExternalKey, &t.AlbumID, &t.ArtistID, &t.Title,
			&t.DurationMS, &t.Year, &t.Genre, &t.Rating, &t.PlayCount, &lastPlayed); err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		t.LastPlayedAt = nullStringToTime(lastPlayed)
		out[t.ExternalKey] = &t
	}
	return out, rows.Err()
}

// DeleteTracksByID removes tracks in one transaction. Embedding rows
// and playlist references cascade.
func (s *Store) DeleteTracksByID(ctx context.Context, ids []int64) error {
	return s.deleteByID(ctx, "tracks", ids)
}

// DeleteAlbumsByID removes albums; their tracks cascade.
func (s *Store) DeleteAlbumsByID(ctx context.Context, ids []int64) error {
	return s.deleteByID(ctx, "albums", ids)
}

// DeleteArtistsByID removes artists; albums and tracks cascade.
func (s *Store) DeleteArtistsByID(ctx context.Context, ids []int64) error {
	return s.deleteByID(ctx, "artists", ids)
}

func (s *Store) deleteByID(ctx context.Context, table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, table, placeholders(len(ids)))
	if _, err := s.conn.ExecContext(ctx, query, int64Args(ids)...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

// FilterTrackIDs returns ids of tracks matching the filters, ordered by
// id for determinism.
func (s *Store) FilterTrackIDs(ctx context.Context, f TrackFilters) ([]int64, error) {
	query := `
		SELECT t.id FROM tracks t
		JOIN artists a ON a.id = t.artist_id
		WHERE 1=1`
	var args []any

	if f.Genre != "" {
		query += ` AND LOWER(t.genre) = LOWER(?)`
		args = append(args, f.Genre)
	}
	if f.YearMin > 0 {
		query += ` AND t.year >= ?`
		args = append(args, f.YearMin)
	}
	if f.YearMax > 0 {
		query += ` AND t.year <= ?`
		args = append(args, f.YearMax)
	}
	if f.RatingMin > 0 {
		query += ` AND t.rating >= ?`
		args = append(args, f.RatingMin)
	}
	if len(f.IncludeArtists) > 0 {
		query += fmt.Sprintf(` AND LOWER(a.name) IN (%s)`, placeholders(len(f.IncludeArtists)))
		for _, name := range f.IncludeArtists {
			args = append(args, strings.ToLower(name))
		}
	}
	if len(f.ExcludeArtists) > 0 {
		query += fmt.Sprintf(` AND LOWER(a.name) NOT IN (%s)`, placeholders(len(f.ExcludeArtists)))
		for _, name := range f.ExcludeArtists {
			args = append(args, strings.ToLower(name))
		}
	}
	query += ` ORDER BY t.id`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter tracks: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// GetTracksByIDs loads tracks with artist and album names resolved, in
// a single query. The result is keyed by track id; callers impose their
// own ordering.
func (s *Store) GetTracksByIDs(ctx context.Context, ids []int64) (map[int64]*TrackDetail, error) {
	if len(ids) == 0 {
		return map[int64]*TrackDetail{}, nil
	}
	query := fmt.Sprintf(`
		SELECT t.id, t.external_key, t.title, t.duration_ms, t.year, t.genre,
		       t.rating, t.play_count, t.last_played_at, t.tags,
		       a.name, al.title
		FROM tracks t
		JOIN artists a ON a.id = t.artist_id
		JOIN albums al ON al.id = t.album_id
		WHERE t.id IN (%s)`, placeholders(len(ids)))

	rows, err := s.conn.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracks: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*TrackDetail, len(ids))
	for rows.Next() {
		var d TrackDetail
		var lastPlayed, tags sql.NullString
		if err := rows.Scan(&d.ID, &d.ExternalKey, &d.Title, &d.DurationMS, &d.Year,
			&d.Genre, &d.Rating, &d.PlayCount, &lastPlayed, &tags,
			&d.Artist, &d.Album); err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		d.LastPlayedAt = nullStringToTime(lastPlayed)
		if tags.Valid {
			if err := json.Unmarshal([]byte(tags.String), &d.Tags); err != nil {
				return nil, fmt.Errorf("failed to parse tags for track %d: %w", d.ID, err)
			}
		}
		out[d.ID] = &d
	}
	return out, rows.Err()
}

// TrackDetail is a track joined with its artist and album names.
type TrackDetail struct {
	ID           int64
	ExternalKey  string
	Title        string
	Artist       string
	Album        string
	DurationMS   int64
	Year         int
	Genre        string
	Rating       float64
	PlayCount    int64
	LastPlayedAt *time.Time
	Tags         []string
}

// ListTracksMissingTags returns up to limit tracks that have never been
// tagged (tags IS NULL). limit <= 0 means no limit.
func (s *Store) ListTracksMissingTags(ctx context.Context, limit int) ([]*TrackDetail, error) {
	query := `
		SELECT t.id, t.external_key, t.title, t.duration_ms, t.year, t.genre,
		       t.rating, t.play_count, t.last_played_at, t.tags,
		       a.name, al.title
		FROM tracks t
		JOIN artists a ON a.id = t.artist_id
		JOIN albums al ON al.id = t.album_id
		WHERE t.tags IS NULL
		ORDER BY t.id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list untagged tracks: %w", err)
	}
	defer rows.Close()

	var out []*TrackDetail
	for rows.Next() {
		var d TrackDetail
		var lastPlayed, tags sql.NullString
		if err := rows.Scan(&d.ID, &d.ExternalKey, &d.Title, &d.DurationMS, &d.Year,
			&d.Genre, &d.Rating, &d.PlayCount, &lastPlayed, &tags,
			&d.Artist, &d.Album); err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		d.LastPlayedAt = nullStringToTime(lastPlayed)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// UpdateTrackTags replaces the stored tag set for one track.
func (s *Store) UpdateTrackTags(ctx context.Context, trackID int64, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		`UPDATE tracks SET tags = ?, updated_at = ? WHERE id = ?`,
		string(b), formatTime(time.Now()), trackID)
	if err != nil {
		return fmt.Errorf("failed to update tags for track %d: %w", trackID, err)
	}
	return nil
}

// UpsertEmbedding stores one vector for (trackID, model), replacing any
// previous one.
func (s *Store) UpsertEmbedding(ctx context.Context, trackID int64, model string, vector []float32) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO embeddings (track_id, model, vector, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(track_id, model) DO UPDATE SET
			vector = excluded.vector,
			updated_at = excluded.updated_at`,
		trackID, model, encodeVector(vector), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert embedding for track %d: %w", trackID, err)
	}
	return nil
}

// EmbeddingsByModel streams every stored vector for a model, in track
// id order. Used to rebuild the vector index from scratch.
func (s *Store) EmbeddingsByModel(ctx context.Context, model string) ([]Embedding, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT track_id, vector, updated_at FROM embeddings WHERE model = ? ORDER BY track_id`,
		model)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		e := Embedding{Model: model}
		var blob []byte
		var updated string
		if err := rows.Scan(&e.TrackID, &blob, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		e.Vector = decodeVector(blob)
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			e.UpdatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TrackIDsMissingEmbedding returns ids of tracks with no stored vector
// for the given model.
func (s *Store) TrackIDsMissingEmbedding(ctx context.Context, model string) ([]int64, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT t.id FROM tracks t
		LEFT JOIN embeddings e ON e.track_id = t.id AND e.model = ?
		WHERE e.track_id IS NULL
		ORDER BY t.id`, model)
	if err != nil {
		return nil, fmt.Errorf("failed to list unembedded tracks: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// StartSyncRecord opens a sync_history row with status running and
// returns its id.
func (s *Store) StartSyncRecord(ctx context.Context, mode string) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO sync_history (mode, status, started_at)
		VALUES (?, ?, ?)
		RETURNING id`,
		mode, SyncStatusRunning, formatTime(time.Now())).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to start sync record: %w", err)
	}
	return id, nil
}

// FinishSyncRecord finalizes a sync_history row.
func (s *Store) FinishSyncRecord(ctx context.Context, rec *SyncRecord) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE sync_history SET
			status = ?, finished_at = ?,
			artists_synced = ?, albums_synced = ?,
			tracks_synced = ?, tracks_deleted = ?, error = ?
		WHERE id = ?`,
		rec.Status, formatTime(time.Now()),
		rec.ArtistsSynced, rec.AlbumsSynced,
		rec.TracksSynced, rec.TracksDeleted, rec.Error, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to finish sync record %d: %w", rec.ID, err)
	}
	return nil
}

// MarkInterruptedSyncs flips any leftover running records to
// interrupted. Called at startup to repair after a crash.
func (s *Store) MarkInterruptedSyncs(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE sync_history SET status = ?, finished_at = ? WHERE status = ?`,
		SyncStatusInterrupted, formatTime(time.Now()), SyncStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark interrupted syncs: %w", err)
	}
	return nil
}

// LastSuccessfulSyncTime returns the start time of the most recent sync
// with status success. Partial and interrupted runs never advance the
// incremental watermark.
func (s *Store) LastSuccessfulSyncTime(ctx context.Context) (time.Time, bool, error) {
	var started string
	err := s.conn.QueryRowContext(ctx, `
		SELECT started_at FROM sync_history
		WHERE status = ?
		ORDER BY started_at DESC LIMIT 1`, SyncStatusSuccess).Scan(&started)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last sync: %w", err)
	}
	t, err := time.Parse(time.RFC3339, started)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse sync time %q: %w", started, err)
	}
	return t, true, nil
}

// ListSyncHistory returns the most recent sync records, newest first.
func (s *Store) ListSyncHistory(ctx context.Context, limit int) ([]*SyncRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, mode, status, started_at, finished_at,
		       artists_synced, albums_synced, tracks_synced, tracks_deleted, error
		FROM sync_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	defer rows.Close()

	var out []*SyncRecord
	for rows.Next() {
		var r SyncRecord
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.Mode, &r.Status, &started, &finished,
			&r.ArtistsSynced, &r.AlbumsSynced, &r.TracksSynced, &r.TracksDeleted, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			r.StartedAt = t
		}
		r.FinishedAt = nullStringToTime(finished)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SavePlaylist stores a playlist and its ordered track list in one
// transaction, returning the playlist id.
func (s *Store) SavePlaylist(ctx context.Context, p *Playlist) (int64, error) {
	if p.Name == "" {
		return 0, fmt.Errorf("playlist name cannot be empty")
	}
	if len(p.TrackIDs) == 0 {
		return 0, fmt.Errorf("playlist must contain at least one track")
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO playlists (name, description, mood, external_key, created_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id`,
			p.Name, p.Description, p.Mood, p.ExternalKey, formatTime(time.Now())).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert playlist: %w", err)
		}
		for pos, trackID := range p.TrackIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO playlist_tracks (playlist_id, track_id, position)
				VALUES (?, ?, ?)`, id, trackID, pos)
			if err != nil {
				return fmt.Errorf("failed to insert playlist track %d: %w", trackID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.ID = id
	return id, nil
}

// SetPlaylistExternalKey records the media server key after the
// playlist has been pushed there.
func (s *Store) SetPlaylistExternalKey(ctx context.Context, playlistID int64, key string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE playlists SET external_key = ? WHERE id = ?`, key, playlistID)
	if err != nil {
		return fmt.Errorf("failed to set playlist external key: %w", err)
	}
	return nil
}

// GetPlaylist loads a playlist with its track ids in position order.
func (s *Store) GetPlaylist(ctx context.Context, id int64) (*Playlist, error) {
	var p Playlist
	var created string
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, name, description, mood, external_key, created_at
		FROM playlists WHERE id = ?`, id).Scan(
		&p.ID, &p.Name, &p.Description, &p.Mood, &p.ExternalKey, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("playlist %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load playlist %d: %w", id, err)
	}
	if t, err := time.Parse(time.RFC3339, created); err == nil {
		p.CreatedAt = t
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT track_id FROM playlist_tracks
		WHERE playlist_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load playlist tracks: %w", err)
	}
	defer rows.Close()
	p.TrackIDs, err = scanIDs(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Counts reports row counts for the status display.
func (s *Store) Counts(ctx context.Context) (artists, albums, tracks, embeddings int64, err error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM artists WHERE external_key != ?),
			(SELECT COUNT(*) FROM albums WHERE external_key != ?),
			(SELECT COUNT(*) FROM tracks),
			(SELECT COUNT(*) FROM embeddings)`,
		unknownArtistKey, unknownAlbumKey)
	if err = row.Scan(&artists, &albums, &tracks, &embeddings); err != nil {
		err = fmt.Errorf("failed to count rows: %w", err)
	}
	return
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullStringToTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// Vectors are stored as little-endian float32 blobs.

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

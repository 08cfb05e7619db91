package store

import (
	"fmt"
	"time"
)

// Sentinel rows created at schema init. Tracks whose album cannot be
// resolved to a known artist fall back to these instead of failing the
// sync.
const (
	UnknownArtistName = "Unknown Artist"
	UnknownAlbumTitle = "Unknown Album"
)

// Sync record statuses.
const (
	SyncStatusRunning     = "running"
	SyncStatusSuccess     = "success"
	SyncStatusFailed      = "failed"
	SyncStatusInterrupted = "interrupted"
	SyncStatusPartial     = "partial"
)

// Artist is a row in the artists table.
//
// ExternalKey is the identifier assigned by the media server (a Plex
// rating key). The surrogate ID is local and stable across re-syncs.
type Artist struct {
	ID          int64
	ExternalKey string
	Name        string
	Genres      []string
	UpdatedAt   time.Time
}

// Validate checks required fields before an upsert.
func (a *Artist) Validate() error {
	if a.ExternalKey == "" {
		return fmt.Errorf("artist external key cannot be empty")
	}
	if a.Name == "" {
		return fmt.Errorf("artist name cannot be empty")
	}
	return nil
}

// Album is a row in the albums table. ArtistID references the local
// surrogate id, resolved from the album's external parent key during
// sync.
type Album struct {
	ID          int64
	ExternalKey string
	ArtistID    int64
	Title       string
	Year        int
	Genres      []string
	UpdatedAt   time.Time
}

func (a *Album) Validate() error {
	if a.ExternalKey == "" {
		return fmt.Errorf("album external key cannot be empty")
	}
	if a.Title == "" {
		return fmt.Errorf("album title cannot be empty")
	}
	if a.ArtistID == 0 {
		return fmt.Errorf("album artist id cannot be zero")
	}
	return nil
}

// Track is a row in the tracks table.
//
// Tags is nil when the incoming record carries no tag information; the
// upsert preserves any stored tags in that case. An empty non-nil slice
// explicitly clears them.
type Track struct {
	ID           int64
	ExternalKey  string
	AlbumID      int64
	ArtistID     int64
	Title        string
	DurationMS   int64
	Year         int
	Genre        string
	Rating       float64
	PlayCount    int64
	LastPlayedAt *time.Time
	Tags         []string
	UpdatedAt    time.Time
}

func (t *Track) Validate() error {
	if t.ExternalKey == "" {
		return fmt.Errorf("track external key cannot be empty")
	}
	if t.Title == "" {
		return fmt.Errorf("track title cannot be empty")
	}
	if t.AlbumID == 0 || t.ArtistID == 0 {
		return fmt.Errorf("track album/artist ids cannot be zero")
	}
	return nil
}

// Embedding is one vector for one track under one model. The
// (track_id, model) pair is unique; regeneration replaces in place.
type Embedding struct {
	TrackID   int64
	Model     string
	Vector    []float32
	UpdatedAt time.Time
}

// SyncRecord is a row in the sync_history table.
type SyncRecord struct {
	ID            int64
	Mode          string // full or incremental
	Status        string
	StartedAt     time.Time
	FinishedAt    *time.Time
	ArtistsSynced int64
	AlbumsSynced  int64
	TracksSynced  int64
	TracksDeleted int64
	Error         string
}

// Playlist is a locally generated playlist. ExternalKey is set when
// the playlist has also been created on the media server.
type Playlist struct {
	ID          int64
	Name        string
	Description string
	Mood        string
	ExternalKey string
	CreatedAt   time.Time
	TrackIDs    []int64
}

// TrackFilters narrows the candidate pool before vector search.
// Zero values mean "no constraint".
type TrackFilters struct {
	Genre          string
	YearMin        int
	YearMax        int
	RatingMin      float64
	IncludeArtists []string
	ExcludeArtists []string
}

// Package library talks to the remote media server. The sync engine
// only sees the Client interface; tests substitute fakes.
package library

import (
	"context"
	"time"
)

// Artist is an artist listing entry from the media server.
type Artist struct {
	Key    string
	Name   string
	Genres []string
}

// Album is an album listing entry. ParentKey identifies the artist; it
// is the only way albums resolve to artists.
type Album struct {
	Key       string
	ParentKey string
	Title     string
	Year      int
	Genres    []string
}

// Track is a track listing entry. ParentKey identifies the album.
type Track struct {
	Key          string
	ParentKey    string
	Title        string
	DurationMS   int64
	Year         int
	Genre        string
	Rating       float64
	PlayCount    int64
	LastPlayedAt *time.Time
}

// Client lists the music library and creates playlists on the server.
//
// A zero since on Tracks means a full listing; otherwise only tracks
// changed at or after since are returned. Artists and Albums always
// list fully: they are small, and album/artist deletions must be
// detected even on incremental runs.
type Client interface {
	Artists(ctx context.Context) ([]Artist, error)
	Albums(ctx context.Context) ([]Album, error)
	Tracks(ctx context.Context, since time.Time) ([]Track, error)
	CreatePlaylist(ctx context.Context, name, description string, trackKeys []string) (string, error)
}

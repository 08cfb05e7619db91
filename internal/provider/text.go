package provider

import (
	"fmt"
	"strings"

	"github.com/plexmix/plexmix/internal/store"
)

// TrackText composes the text that gets embedded for a track. The same
// composition must be used for generation and regeneration, otherwise
// stored vectors stop matching their tracks.
func TrackText(t *store.TrackDetail) string {
	artist := t.Artist
	if artist == "" {
		artist = store.UnknownArtistName
	}
	album := t.Album
	if album == "" {
		album = store.UnknownAlbumTitle
	}

	parts := []string{
		fmt.Sprintf("%s by %s", t.Title, artist),
		fmt.Sprintf("from the album %s", album),
	}
	if t.Genre != "" {
		parts = append(parts, "genre: "+t.Genre)
	}
	if t.Year > 0 {
		parts = append(parts, fmt.Sprintf("year: %d", t.Year))
	}
	if len(t.Tags) > 0 {
		parts = append(parts, "mood: "+strings.Join(t.Tags, ", "))
	}
	return strings.Join(parts, ". ")
}

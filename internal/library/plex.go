package library

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Plex item type codes within a music section.
const (
	plexTypeArtist = 8
	plexTypeAlbum  = 9
	plexTypeTrack  = 10
)

const plexPageSize = 200

// PlexClient implements Client against a Plex Media Server.
type PlexClient struct {
	baseURL   string
	token     string
	sectionID string
	httpc     *http.Client
	logger    *zap.Logger
}

// NewPlexClient builds a client for the server at baseURL. The music
// section is discovered lazily on first use.
func NewPlexClient(baseURL, token string, logger *zap.Logger) (*PlexClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("plex URL cannot be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("plex token cannot be empty")
	}
	return &PlexClient{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}, nil
}

type plexMetadata struct {
	RatingKey       string  `json:"ratingKey"`
	ParentRatingKey string  `json:"parentRatingKey"`
	Title           string  `json:"title"`
	Type            string  `json:"type"`
	Year            int     `json:"year"`
	Duration        int64   `json:"duration"`
	UserRating      float64 `json:"userRating"`
	ViewCount       int64   `json:"viewCount"`
	LastViewedAt    int64   `json:"lastViewedAt"`
	Genre           []struct {
		Tag string `json:"tag"`
	} `json:"Genre"`
}

type plexContainer struct {
	MediaContainer struct {
		Size      int            `json:"size"`
		TotalSize int            `json:"totalSize"`
		Directory []struct {
			Key  string `json:"key"`
			Type string `json:"type"`
		} `json:"Directory"`
		Metadata []plexMetadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

func (c *PlexClient) get(ctx context.Context, path string, params url.Values, out *plexContainer) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid plex URL: %w", err)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build plex request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("plex request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("plex rejected the token (status 401)")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plex returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse plex response: %w", err)
	}
	return nil
}

// musicSection finds the first library section of type artist.
func (c *PlexClient) musicSection(ctx context.Context) (string, error) {
	if c.sectionID != "" {
		return c.sectionID, nil
	}
	var container plexContainer
	if err := c.get(ctx, "/library/sections", url.Values{}, &container); err != nil {
		return "", err
	}
	for _, dir := range container.MediaContainer.Directory {
		if dir.Type == "artist" {
			c.sectionID = dir.Key
			return c.sectionID, nil
		}
	}
	return "", fmt.Errorf("no music section found on the plex server")
}

// listAll pages through a section listing of the given item type.
func (c *PlexClient) listAll(ctx context.Context, itemType int, since time.Time) ([]plexMetadata, error) {
	section, err := c.musicSection(ctx)
	if err != nil {
		return nil, err
	}

	var items []plexMetadata
	for start := 0; ; start += plexPageSize {
		params := url.Values{}
		params.Set("type", strconv.Itoa(itemType))
		params.Set("X-Plex-Container-Start", strconv.Itoa(start))
		params.Set("X-Plex-Container-Size", strconv.Itoa(plexPageSize))
		if !since.IsZero() {
			params.Set("updatedAt>>", strconv.FormatInt(since.Unix(), 10))
		}

		var container plexContainer
		if err := c.get(ctx, "/library/sections/"+section+"/all", params, &container); err != nil {
			return nil, err
		}
		items = append(items, container.MediaContainer.Metadata...)

		total := container.MediaContainer.TotalSize
		if total == 0 {
			total = container.MediaContainer.Size
		}
		if start+container.MediaContainer.Size >= total || container.MediaContainer.Size == 0 {
			break
		}
	}
	c.logger.Debug("plex listing complete",
		zap.Int("type", itemType), zap.Int("items", len(items)))
	return items, nil
}

// Artists lists every artist in the music section.
func (c *PlexClient) Artists(ctx context.Context) ([]Artist, error) {
	items, err := c.listAll(ctx, plexTypeArtist, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("listing artists: %w", err)
	}
	out := make([]Artist, 0, len(items))
	for _, m := range items {
		out = append(out, Artist{
			Key:    m.RatingKey,
			Name:   m.Title,
			Genres: genreTags(m),
		})
	}
	return out, nil
}

// Albums lists every album in the music section.
func (c *PlexClient) Albums(ctx context.Context) ([]Album, error) {
	items, err := c.listAll(ctx, plexTypeAlbum, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("listing albums: %w", err)
	}
	out := make([]Album, 0, len(items))
	for _, m := range items {
		out = append(out, Album{
			Key:       m.RatingKey,
			ParentKey: m.ParentRatingKey,
			Title:     m.Title,
			Year:      m.Year,
			Genres:    genreTags(m),
		})
	}
	return out, nil
}

// Tracks lists tracks, restricted to those updated since the watermark
// when since is nonzero.
func (c *PlexClient) Tracks(ctx context.Context, since time.Time) ([]Track, error) {
	items, err := c.listAll(ctx, plexTypeTrack, since)
	if err != nil {
		return nil, fmt.Errorf("listing tracks: %w", err)
	}
	out := make([]Track, 0, len(items))
	for _, m := range items {
		t := Track{
			Key:        m.RatingKey,
			ParentKey:  m.ParentRatingKey,
			Title:      m.Title,
			DurationMS: m.Duration,
			Year:       m.Year,
			Rating:     m.UserRating,
			PlayCount:  m.ViewCount,
		}
		if tags := genreTags(m); len(tags) > 0 {
			t.Genre = tags[0]
		}
		if m.LastViewedAt > 0 {
			played := time.Unix(m.LastViewedAt, 0).UTC()
			t.LastPlayedAt = &played
		}
		out = append(out, t)
	}
	return out, nil
}

// CreatePlaylist creates an audio playlist on the server and returns
// its rating key.
func (c *PlexClient) CreatePlaylist(ctx context.Context, name, description string, trackKeys []string) (string, error) {
	if len(trackKeys) == 0 {
		return "", fmt.Errorf("cannot create an empty playlist")
	}

	// Plex takes the item list as a global library URI.
	uri := "library:///directory/" + url.QueryEscape("/library/metadata/"+strings.Join(trackKeys, ","))
	params := url.Values{}
	params.Set("type", "audio")
	params.Set("title", name)
	params.Set("smart", "0")
	params.Set("uri", uri)

	u, err := url.Parse(c.baseURL + "/playlists")
	if err != nil {
		return "", fmt.Errorf("invalid plex URL: %w", err)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build playlist request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("playlist creation failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("playlist creation returned status %d", resp.StatusCode)
	}

	var container plexContainer
	if err := json.NewDecoder(resp.Body).Decode(&container); err != nil {
		return "", fmt.Errorf("failed to parse playlist response: %w", err)
	}
	if len(container.MediaContainer.Metadata) == 0 {
		return "", fmt.Errorf("playlist response carried no metadata")
	}
	key := container.MediaContainer.Metadata[0].RatingKey
	if description != "" {
		c.logger.Debug("playlist description not pushed; plex create API ignores it",
			zap.String("playlist", name))
	}
	return key, nil
}

func genreTags(m plexMetadata) []string {
	out := make([]string, 0, len(m.Genre))
	for _, g := range m.Genre {
		out = append(out, g.Tag)
	}
	return out
}

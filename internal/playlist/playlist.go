// Package playlist turns a mood query into a ranked playlist.
//
// Generation runs in three stages: SQL filters narrow the library to a
// candidate pool, the vector index ranks the pool against the embedded
// mood query, and the completion provider picks the final tracks from
// the ranked pool. The provider's output is validated hard: unknown
// ids are dropped, duplicates collapse to their first occurrence, and
// any shortfall is backfilled from the similarity ranking so the
// playlist always reaches its length when the pool allows it.
package playlist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/plexmix/plexmix/internal/library"
	"github.com/plexmix/plexmix/internal/provider"
	"github.com/plexmix/plexmix/internal/store"
	"github.com/plexmix/plexmix/internal/vecindex"
)

const (
	defaultMaxTracks = 25
	defaultPoolSize  = 100
)

// Request describes one playlist generation.
type Request struct {
	Mood      string
	Name      string // defaults to the mood
	MaxTracks int
	PoolSize  int
	Filters   store.TrackFilters

	// SkipExternal keeps the playlist local instead of creating it on
	// the media server.
	SkipExternal bool
}

// Generator wires the stores and gateways for playlist generation.
type Generator struct {
	store     *store.Store
	index     *vecindex.Index
	embedder  provider.Embedder
	completer provider.Completer
	lib       library.Client // nil when no server push is configured
	logger    *zap.Logger
}

// New builds a Generator. lib may be nil; generation then always stays
// local.
func New(st *store.Store, idx *vecindex.Index, e provider.Embedder, c provider.Completer, lib library.Client, logger *zap.Logger) *Generator {
	return &Generator{
		store:     st,
		index:     idx,
		embedder:  e,
		completer: c,
		lib:       lib,
		logger:    logger,
	}
}

// Generate produces, persists, and optionally pushes a playlist.
func (g *Generator) Generate(ctx context.Context, req Request) (*store.Playlist, error) {
	if strings.TrimSpace(req.Mood) == "" {
		return nil, fmt.Errorf("mood query cannot be empty")
	}
	if req.MaxTracks <= 0 {
		req.MaxTracks = defaultMaxTracks
	}
	if req.PoolSize <= 0 {
		req.PoolSize = defaultPoolSize
	}
	if req.Name == "" {
		req.Name = req.Mood
	}

	candidates, err := g.rankCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no tracks match the filters")
	}

	selected := g.selectTracks(ctx, req, candidates)

	p := &store.Playlist{
		Name:        req.Name,
		Description: "Generated from mood: " + req.Mood,
		Mood:        req.Mood,
		TrackIDs:    selected,
	}
	if _, err := g.store.SavePlaylist(ctx, p); err != nil {
		return nil, fmt.Errorf("saving playlist: %w", err)
	}

	if !req.SkipExternal && g.lib != nil {
		if err := g.push(ctx, p); err != nil {
			// The playlist exists locally; a push failure is reported
			// but does not undo the generation.
			g.logger.Warn("failed to create playlist on media server", zap.Error(err))
		}
	}
	return p, nil
}

// candidate pairs a ranked track id with its similarity score.
type candidate struct {
	id    int64
	score float32
}

// rankCandidates applies the SQL filters and ranks the survivors
// against the embedded mood query.
func (g *Generator) rankCandidates(ctx context.Context, req Request) ([]candidate, error) {
	ids, err := g.store.FilterTrackIDs(ctx, req.Filters)
	if err != nil {
		return nil, fmt.Errorf("filtering tracks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	queryVec, err := g.embedder.Embed(ctx, req.Mood)
	if err != nil {
		return nil, fmt.Errorf("embedding mood query: %w", err)
	}

	allowed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	results, err := g.index.Search(queryVec, req.PoolSize, allowed)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	out := make([]candidate, 0, len(results))
	for _, r := range results {
		out = append(out, candidate{id: r.ID, score: r.Score})
	}
	return out, nil
}

// selectTracks asks the completion provider to pick from the pool and
// repairs whatever comes back. Selection failures degrade to the
// similarity ranking rather than failing the generation.
func (g *Generator) selectTracks(ctx context.Context, req Request, pool []candidate) []int64 {
	want := req.MaxTracks
	if want > len(pool) {
		want = len(pool)
	}

	picked := g.askProvider(ctx, req.Mood, want, pool)

	// Validate: keep only pool members, first occurrence wins. The
	// provider's order is authoritative for what it picked.
	inPool := make(map[int64]bool, len(pool))
	for _, c := range pool {
		inPool[c.id] = true
	}
	seen := make(map[int64]bool, want)
	final := make([]int64, 0, want)
	for _, id := range picked {
		if !inPool[id] {
			g.logger.Debug("provider picked an id outside the pool", zap.Int64("id", id))
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		final = append(final, id)
		if len(final) == want {
			break
		}
	}

	// Backfill in similarity order.
	for _, c := range pool {
		if len(final) == want {
			break
		}
		if !seen[c.id] {
			seen[c.id] = true
			final = append(final, c.id)
		}
	}
	return final
}

type selectionResponse struct {
	TrackIDs []int64 `json:"track_ids"`
}

func (g *Generator) askProvider(ctx context.Context, mood string, want int, pool []candidate) []int64 {
	details, err := g.store.GetTracksByIDs(ctx, candidateIDs(pool))
	if err != nil {
		g.logger.Warn("failed to load candidate details, using similarity order", zap.Error(err))
		return nil
	}

	prompt := buildSelectionPrompt(mood, want, pool, details)
	raw, err := g.completer.Complete(ctx, prompt)
	if err != nil {
		g.logger.Warn("selection request failed, using similarity order", zap.Error(err))
		return nil
	}

	var parsed selectionResponse
	if err := json.Unmarshal([]byte(provider.StripCodeFences(raw)), &parsed); err != nil {
		g.logger.Warn("selection response unparseable, using similarity order",
			zap.Error(err))
		return nil
	}
	return parsed.TrackIDs
}

func candidateIDs(pool []candidate) []int64 {
	ids := make([]int64, len(pool))
	for i, c := range pool {
		ids[i] = c.id
	}
	return ids
}

func buildSelectionPrompt(mood string, want int, pool []candidate, details map[int64]*store.TrackDetail) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are curating a playlist for the mood: %q.\n", mood)
	fmt.Fprintf(&sb, "Pick exactly %d tracks from the candidates below and order them for listening flow.\n", want)
	sb.WriteString("Respond with JSON only, in the form {\"track_ids\": [id, id, ...]}.\n\nCandidates:\n")
	for _, c := range pool {
		d, ok := details[c.id]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "- id %d: %q by %s (album %s, genre %s, similarity %.3f",
			c.id, d.Title, d.Artist, d.Album, d.Genre, c.score)
		if len(d.Tags) > 0 {
			fmt.Fprintf(&sb, ", tags: %s", strings.Join(d.Tags, ", "))
		}
		sb.WriteString(")\n")
	}
	return sb.String()
}

// push creates the playlist on the media server and records the
// returned key.
func (g *Generator) push(ctx context.Context, p *store.Playlist) error {
	details, err := g.store.GetTracksByIDs(ctx, p.TrackIDs)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(p.TrackIDs))
	for _, id := range p.TrackIDs {
		if d, ok := details[id]; ok {
			keys = append(keys, d.ExternalKey)
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("no external keys for playlist tracks")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	key, err := g.lib.CreatePlaylist(ctx, p.Name, p.Description, keys)
	if err != nil {
		return err
	}
	p.ExternalKey = key
	return g.store.SetPlaylistExternalKey(ctx, p.ID, key)
}

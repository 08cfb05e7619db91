// Package tags generates descriptive mood tags for tracks using the
// completion provider. Tags feed the embedding text, so richer tags
// mean better mood search.
package tags

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/plexmix/plexmix/internal/provider"
	"github.com/plexmix/plexmix/internal/store"
)

const (
	batchSize   = 20
	maxTagCount = 5
)

// Generator tags untagged tracks in batches.
type Generator struct {
	store     *store.Store
	completer provider.Completer
	logger    *zap.Logger
}

// New builds a tag Generator.
func New(st *store.Store, c provider.Completer, logger *zap.Logger) *Generator {
	return &Generator{store: st, completer: c, logger: logger}
}

// Result summarizes one run.
type Result struct {
	Tagged int
	Failed int
}

// Run tags up to limit untagged tracks (limit <= 0 means all). A batch
// whose completion fails gets empty tag sets so the tracks are not
// retried forever; the failure count is reported instead of aborting.
func (g *Generator) Run(ctx context.Context, limit int) (*Result, error) {
	tracks, err := g.store.ListTracksMissingTags(ctx, limit)
	if err != nil {
		return nil, err
	}
	res := &Result{}

	for i := 0; i < len(tracks); i += batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := i + batchSize
		if end > len(tracks) {
			end = len(tracks)
		}
		batch := tracks[i:end]

		tagsByID, err := g.tagBatch(ctx, batch)
		if err != nil {
			g.logger.Warn("tag batch failed, storing empty tags",
				zap.Int("tracks", len(batch)), zap.Error(err))
			tagsByID = map[int64][]string{}
			res.Failed += len(batch)
		}

		for _, track := range batch {
			tags := normalizeTags(tagsByID[track.ID])
			if err := g.store.UpdateTrackTags(ctx, track.ID, tags); err != nil {
				return res, err
			}
			if len(tags) > 0 {
				res.Tagged++
			}
		}
	}
	g.logger.Info("tag generation finished",
		zap.Int("tagged", res.Tagged), zap.Int("failed", res.Failed))
	return res, nil
}

func (g *Generator) tagBatch(ctx context.Context, batch []*store.TrackDetail) (map[int64][]string, error) {
	raw, err := g.completer.Complete(ctx, buildTagPrompt(batch))
	if err != nil {
		return nil, err
	}

	// Keys arrive as strings because JSON object keys always do.
	var parsed map[string][]string
	if err := json.Unmarshal([]byte(provider.StripCodeFences(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}

	out := make(map[int64][]string, len(parsed))
	for key, tags := range parsed {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			g.logger.Debug("ignoring non-numeric track key in tag response", zap.String("key", key))
			continue
		}
		out[id] = tags
	}
	return out, nil
}

func buildTagPrompt(batch []*store.TrackDetail) string {
	var sb strings.Builder
	sb.WriteString("Assign 3-5 short descriptive mood/style tags to each track below.\n")
	sb.WriteString("Tags are lowercase single words or short phrases (e.g. \"melancholic\", \"upbeat\", \"late night\").\n")
	sb.WriteString("Respond with JSON only: an object mapping track id to a tag array.\n\nTracks:\n")
	for _, t := range batch {
		fmt.Fprintf(&sb, "- %d: %q by %s (album %s", t.ID, t.Title, t.Artist, t.Album)
		if t.Genre != "" {
			fmt.Fprintf(&sb, ", genre %s", t.Genre)
		}
		if t.Year > 0 {
			fmt.Fprintf(&sb, ", %d", t.Year)
		}
		sb.WriteString(")\n")
	}
	return sb.String()
}

// normalizeTags lowercases, trims, dedupes, and caps the tag set.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, maxTagCount)
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
		if len(out) == maxTagCount {
			break
		}
	}
	return out
}

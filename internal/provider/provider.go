// Package provider defines the AI provider gateways: text completion
// for playlist selection and tagging, and embedding generation for the
// vector index.
//
// Implementations translate provider-specific failures into the shared
// error taxonomy below so callers can decide what to retry without
// knowing which provider is configured.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTimeout means the provider did not answer within the deadline.
	ErrTimeout = errors.New("provider request timed out")

	// ErrAuthFailure means the credentials were rejected. Never retried.
	ErrAuthFailure = errors.New("provider authentication failed")

	// ErrRateLimited means the provider asked us to back off.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrMalformedResponse means the provider answered with something
	// that could not be parsed as expected.
	ErrMalformedResponse = errors.New("provider returned malformed response")
)

// Completer produces a text completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}

const (
	retryAttempts  = 3
	retryBaseDelay = time.Second
)

// withRetry runs fn up to three times with exponential backoff
// (1s, 2s, 4s). Auth failures and context cancellation surface
// immediately; everything else is treated as transient.
func withRetry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			logger.Warn("retrying provider call",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuthFailure) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, retryAttempts, err)
}

// StripCodeFences unwraps ```json ... ``` blocks completion models
// sometimes add despite instructions to answer with bare JSON.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

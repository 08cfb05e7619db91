package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicCompleter implements Completer on the Anthropic Messages API.
type AnthropicCompleter struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewAnthropicCompleter builds a completer. model may be empty to use
// the default; timeout bounds each individual request.
func NewAnthropicCompleter(apiKey, model string, timeout time.Duration, logger *zap.Logger) (*AnthropicCompleter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: missing API key", ErrAuthFailure)
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicCompleter{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Complete sends prompt as a single user message and returns the
// concatenated text blocks of the response. Transient failures are
// retried with backoff; auth failures are not.
func (c *AnthropicCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	var out string
	err := withRetry(ctx, c.logger, "completion", func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		msg, err := c.client.Messages.New(reqCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: 4096,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return classifyAnthropicError(ctx, reqCtx, err)
		}

		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		if sb.Len() == 0 {
			return fmt.Errorf("%w: no text content", ErrMalformedResponse)
		}
		out = sb.String()
		return nil
	})
	return out, err
}

func classifyAnthropicError(ctx, reqCtx context.Context, err error) error {
	if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %v", ErrAuthFailure, err)
		case 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	return fmt.Errorf("completion request failed: %w", err)
}

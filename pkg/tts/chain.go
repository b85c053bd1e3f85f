package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Chain speaks with the first voice that works. The cloud voice normally
// leads and the local engine follows as a fallback.
type Chain struct {
	voices []Provider
	logger *slog.Logger
}

// NewChain builds a chain over voices, tried in order.
func NewChain(voices ...Provider) (*Chain, error) {
	return NewChainWithLogger(slog.Default(), voices...)
}

// NewChainWithLogger is NewChain with an explicit logger.
func NewChainWithLogger(logger *slog.Logger, voices ...Provider) (*Chain, error) {
	if len(voices) == 0 {
		return nil, ErrProviderUnavailable
	}
	return &Chain{voices: voices, logger: logger.With("component", "tts.chain")}, nil
}

func (c *Chain) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	failed := &ChainError{}
	for _, v := range c.voices {
		res, err := v.Synthesize(ctx, text)
		if err != nil {
			failed.Errors = append(failed.Errors, err)
			c.logger.Warn("voice failed", "provider", providerName(v), "error", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if res.Provider == "" {
			res.Provider = providerName(v)
		}
		if len(failed.Errors) > 0 {
			c.logger.Info("fell back", "provider", res.Provider, "skipped", len(failed.Errors))
		}
		return res, nil
	}
	return nil, failed
}

// Health succeeds while at least one voice is healthy.
func (c *Chain) Health(ctx context.Context) error {
	var errs []error
	for _, v := range c.voices {
		if err := v.Health(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(c.voices) {
		return fmt.Errorf("no healthy voice: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Chain) Close() error {
	var errs []error
	for _, v := range c.voices {
		errs = append(errs, v.Close())
	}
	return errors.Join(errs...)
}

// Providers returns the voices in order.
func (c *Chain) Providers() []Provider { return c.voices }

func providerName(p Provider) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return "unknown"
}

// ChainError collects one error per voice tried.
type ChainError struct {
	Errors []error
}

func (e *ChainError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "tts chain: no voices tried"
	case 1:
		return "tts chain: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("tts chain: all %d voices failed, last: %v", len(e.Errors), e.Errors[len(e.Errors)-1])
}

// Unwrap exposes every voice error to errors.Is and errors.As.
func (e *ChainError) Unwrap() []error { return e.Errors }

var _ Provider = (*Chain)(nil)

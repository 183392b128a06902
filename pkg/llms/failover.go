package llms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redlineai/redline/pkg/config"
	"github.com/redlineai/redline/pkg/observability"
)

// Failover chains providers in configuration order. Each provider already
// retries once internally (with jittered backoff) before its error
// surfaces here; Failover then moves to the next backend. When every
// backend fails the call reports ErrProviderUnavailable.
type Failover struct {
	providers []Provider
}

// NewFailover builds the chain. At least one provider is required.
func NewFailover(providers ...Provider) (*Failover, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("failover requires at least one provider")
	}
	return &Failover{providers: providers}, nil
}

// NewFromConfig builds the failover chain from provider configs.
func NewFromConfig(cfgs []config.ProviderConfig, metrics *observability.Metrics) (*Failover, error) {
	var providers []Provider
	for _, cfg := range cfgs {
		switch cfg.Type {
		case "openai":
			providers = append(providers, NewOpenAIProvider(cfg, metrics))
		case "anthropic":
			providers = append(providers, NewAnthropicProvider(cfg, metrics))
		default:
			return nil, fmt.Errorf("unsupported provider type: %s (supported: openai, anthropic)", cfg.Type)
		}
	}
	return NewFailover(providers...)
}

func (f *Failover) Name() string { return "failover" }

func (f *Failover) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	var lastErr error
	for _, p := range f.providers {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		text, err := p.Chat(ctx, messages, opts)
		if err == nil {
			return text, nil
		}
		lastErr = err
		slog.Warn("Model provider failed, falling over", "provider", p.Name(), "error", err)
	}
	return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

func (f *Failover) ChatWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, opts Options) (*ToolResponse, error) {
	var lastErr error
	for _, p := range f.providers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := p.ChatWithTools(ctx, messages, tools, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		slog.Warn("Model provider failed, falling over", "provider", p.Name(), "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

// ChatStream fails over only before the first chunk reaches the consumer.
// Once delivery begins, a provider failure surfaces as ErrStreamInterrupted:
// restarting a stream mid-flight would replay bytes out of order.
func (f *Failover) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	var lastErr error
	for _, p := range f.providers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		upstream, err := p.ChatStream(ctx, messages, opts)
		if err != nil {
			lastErr = err
			slog.Warn("Model provider stream failed to open, falling over", "provider", p.Name(), "error", err)
			continue
		}

		// Peek at the first chunk: a failure here predates any delivery,
		// so the next provider can still take over.
		first, ok := <-upstream
		if ok && first.Err != nil {
			lastErr = first.Err
			slog.Warn("Model provider stream failed before first byte, falling over", "provider", p.Name(), "error", first.Err)
			continue
		}

		out := make(chan StreamChunk)
		go func(provider string) {
			defer close(out)
			if !ok {
				return // stream ended with no content
			}
			select {
			case out <- first:
			case <-ctx.Done():
				return
			}
			for chunk := range upstream {
				if chunk.Err != nil {
					// No silent provider switch after a delivered byte.
					select {
					case out <- StreamChunk{Err: fmt.Errorf("%w: %s: %v", ErrStreamInterrupted, provider, chunk.Err)}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}(p.Name())
		return out, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

package unifiedllm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Middleware wraps a provider call. It receives the request and a next function
// that calls the downstream handler, and returns the response.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps a streaming provider call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client routes requests to registered provider adapters by explicit
// provider, model prefix or catalog entry, in that order, and runs them
// through middleware.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	streamMW        []StreamMiddleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithStreamMiddleware adds stream middleware to the client.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// resolveProvider determines which provider adapter to use for a request.
// An explicit provider wins, then the model's provider prefix or catalog
// entry, then the default.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		if inferred := ProviderFor(req.Model); inferred != "" {
			if _, ok := c.providers[inferred]; ok {
				name = inferred
			}
		}
	}
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Complete sends a blocking request through middleware to the resolved provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, req, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	return chain(c.middleware, adapter.Complete)(ctx, req)
}

// Stream sends a streaming request through middleware to the resolved provider.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, req, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	return chain(c.streamMW, adapter.Stream)(ctx, req)
}

// prepare resolves the adapter and stamps its name on the request.
func (c *Client) prepare(req Request) (ProviderAdapter, Request, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, req, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return adapter, req, nil
}

// chain wraps handler so that mws[0] runs first.
func chain[T any, M ~func(context.Context, Request, func(context.Context, Request) (T, error)) (T, error)](
	mws []M, handler func(context.Context, Request) (T, error),
) func(context.Context, Request) (T, error) {
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], handler
		handler = func(ctx context.Context, r Request) (T, error) {
			return mw(ctx, r, next)
		}
	}
	return handler
}

// Close closes every registered provider that holds resources.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs error
	for name, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errs
}

// LoggingMiddleware logs each completed request with the trace ids found on
// the context.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)

		fields := []zap.Field{
			zap.String("model", req.Model),
			zap.String("provider", req.Provider),
			zap.Int("messages", len(req.Messages)),
			zap.Duration("elapsed", time.Since(start)),
		}
		if tc, ok := TraceFromContext(ctx); ok {
			fields = append(fields, zap.String("trace_id", tc.TraceID), zap.String("span_id", tc.SpanID))
		}
		if err != nil {
			logger.Warn("llm request failed", append(fields, zap.Error(err))...)
			return nil, err
		}
		logger.Debug("llm request completed", append(fields,
			zap.Int("input_tokens", resp.Usage.InputTokens),
			zap.Int("output_tokens", resp.Usage.OutputTokens),
		)...)
		return resp, nil
	}
}

// providerKeyEnv maps gollm provider names to the variables holding their keys.
var providerKeyEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"groq":       "GROQ_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
}

// envProviders is the registration order, so the first key found becomes the
// default provider.
var envProviders = []string{"anthropic", "openai", "openrouter", "groq", "mistral"}

// NewClientFromEnv creates a Client with a GollmAdapter for every provider
// whose API key is present in the environment.
func NewClientFromEnv(opts ...ClientOption) *Client {
	c := NewClient(opts...)
	for _, provider := range envProviders {
		key := os.Getenv(providerKeyEnv[provider])
		if key == "" {
			continue
		}
		if adapter, err := NewGollmAdapter(provider, key); err == nil {
			c.RegisterProvider(provider, adapter)
		}
	}
	return c
}

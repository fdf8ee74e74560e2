// Package unifiedllm is the model-facing layer of cinch. It wraps the gollm
// library (github.com/teilomillet/gollm) behind a provider-agnostic Client and
// adds the pieces an agent harness needs around each call.
//
// # Architecture
//
//   - Types: Message, ContentPart, Request, Response and StreamEvent
//   - Providers: the ProviderAdapter interface and GollmAdapter
//   - Client: provider routing by model id, middleware, LoggingMiddleware
//   - Reliability: error classification (IsTransient, IsPermanent) and Retry
//   - Cost: the model catalog, PricingForModel and CostTracker
//   - Routing: RoutingStrategy picks a model per round
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewGollmAdapter("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("anthropic", adapter))
//
//	resp, err := unifiedllm.Retry(ctx, unifiedllm.WithRetries(3), logger,
//	    func(ctx context.Context) (*unifiedllm.Response, error) {
//	        return client.Complete(ctx, unifiedllm.Request{
//	            Model:    "claude-sonnet-4-5",
//	            Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	        })
//	    })
//
// # Streaming
//
// Stream returns a channel of StreamEvent values. CollectStream drains it
// into a Response while forwarding each event to an optional handler:
//
//	events, _ := client.Stream(ctx, req)
//	resp, err := unifiedllm.CollectStream(ctx, events, func(ev unifiedllm.StreamEvent) {
//	    if ev.Type == unifiedllm.TextDelta {
//	        fmt.Print(ev.Delta)
//	    }
//	})
//
// # Routing
//
//	strategy := unifiedllm.RoundBased("claude-haiku-4-5", "claude-opus-4-6", 3)
//	strategy.ModelForRound(0, false) // claude-haiku-4-5
//	strategy.ModelForRound(3, false) // claude-opus-4-6
package unifiedllm

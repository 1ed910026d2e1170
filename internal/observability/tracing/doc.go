// Package tracing provides OpenTelemetry tracing integration.
//
// The resilience facade opens one span per public operation on the tracer
// returned by GetTracer, which follows the globally registered provider.
//
// Example usage:
//
//	import "agent-resilience/internal/observability/tracing"
//
//	func handle(ctx context.Context) (err error) {
//	    ctx, span := tracing.GetTracer().Start(ctx, "resilience.HandleError")
//	    defer func() { tracing.End(span, err) }()
//	    // ...
//	}
package tracing

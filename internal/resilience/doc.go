// Package resilience wires error classification, recovery strategy selection,
// adaptive circuit breakers, fallback chains and event publishing behind a
// single Infrastructure.
//
// The components live in subpackages and can be used on their own:
//   - classifier maps failures to a category, severity and confidence
//   - recovery selects a strategy from static defaults and recorded outcomes
//   - circuitbreaker protects calls per service and operation
//   - fallback runs prioritized handlers when a protected call fails
//   - events samples and publishes resilience events to a bus
//   - retry implements exponential backoff with jitter
//
// Usage Example:
//
//	cfg, err := config.LoadResilienceConfig()
//	if err != nil {
//	    return err
//	}
//	infra, err := resilience.New(cfg, resilience.WithBus(bus))
//	if err != nil {
//	    return err
//	}
//	defer infra.Shutdown(context.Background())
//
//	ectx := entity.ErrorContext{Service: "llm", Operation: "complete", Tier: entity.TierStep}
//	value, err := infra.ExecuteWithFallback(ctx, ectx, callModel, nil)
//	if err != nil {
//	    res, _ := infra.HandleError(ctx, err, ectx, entity.EventSource{})
//	    // apply res.Strategy, then report how it went
//	}
package resilience

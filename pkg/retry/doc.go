// Package retry provides backoff strategies and a context-aware retry loop.
//
// The ingestion path does not call Do directly; its pacing goes through
// ratelimit.Controller, which reuses the backoff strategies here. Do is used
// for startup work that may race a dependency coming up: opening the postgres
// pool, pinging redis, dialing the AMQP broker.
//
//	err := retry.Do(ctx, func(ctx context.Context) error {
//		return pool.Ping(ctx)
//	}, &retry.Config{
//		MaxAttempts: 5,
//		Backoff:     retry.DefaultExponentialBackoff(),
//		Logger:      log,
//		Name:        "postgres connect",
//	})
package retry

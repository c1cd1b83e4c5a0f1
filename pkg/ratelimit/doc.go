// Package ratelimit paces requests to the upstream message source.
//
// Two steady-state limiters are available, selected by rate_limit.algorithm:
// TokenBucket refills continuously and allows short bursts; SlidingWindow
// admits at most N requests in any rolling minute.
//
// Controller wraps the chosen limiter with the throttle and backoff policy and
// is shared by every channel worker of a run:
//
//	ctrl, err := ratelimit.NewController(cfg.RateLimit, log)
//	err = ctrl.Do(ctx, "fetch_page", func(ctx context.Context) error {
//	    page, err = source.FetchPage(ctx, channel, req)
//	    return err
//	})
//
// A throttle directive from any worker holds every worker until it expires.
package ratelimit

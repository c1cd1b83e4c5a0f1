// Package telegram is the MTProto message source, built on gotd/td.
//
// A Source resolves public channel handles, pages through their history
// oldest-first with messages.getHistory and streams photo payloads through
// the gotd downloader. Upstream failures are mapped onto the ingestion error
// types: FLOOD_WAIT_N becomes a throttle error carrying N seconds, invalid or
// private channels become access errors, and connectivity problems become
// transient errors.
//
//	src, err := telegram.New(telegram.Options{APIID: id, APIHash: hash, SessionFile: path}, log)
//	err = src.Run(ctx, func(ctx context.Context) error {
//	    page, err := src.FetchPage(ctx, "pharma_news", models.PageRequest{AfterID: 100, Limit: 100})
//	    ...
//	})
package telegram

// Package storage writes ingested messages into date-partitioned files and
// stores photo payloads next to them.
//
// Layout under the data directory:
//
//	telegram_messages/<YYYY-MM-DD>/<channel>.json|.parquet
//	images/<channel>/<message_id>.jpg
//
// The partition date is the UTC ingestion date, never the message date. A
// partition file is rewritten as a whole through a temporary file and a rename,
// so a failed write leaves the previous contents in place. Manager keeps an
// in-memory index of the ids stored for each channel, built on first use by
// scanning every partition, so a record already written on an earlier day is
// not written again.
//
// Usage:
//
//	w, err := storage.NewManager("data/raw", storage.SinkJSON, log)
//	if err != nil {
//	    return err
//	}
//	n, err := w.WriteBatch(ctx, "pharma_news", time.Now(), records)
//
// The postgres sink lives in the pgsink subpackage.
package storage

// Package ingest runs the per-channel ingestion state machine and the
// orchestrator that drives all channels of a run.
//
// A ChannelLoop moves through INIT, FETCHING, FLUSHING and ADVANCING until the
// upstream returns a short page (DONE) or an error it cannot recover from
// (FAILED). Every upstream call passes through the shared Gate, records are
// written before the cursor is committed, and the cursor only ever moves
// forward. Malformed messages are logged and skipped without stopping the
// channel.
//
// Runner fans channels out with a bounded errgroup. A failed channel never
// affects the others; it only turns the run status from success to partial.
package ingest

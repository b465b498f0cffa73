// Package main hosts the ingest sink entrypoint.
//
// Architecture overview:
//   - Producer: records arrive as newline-delimited JSON envelopes on stdin or a file. Each envelope declares the
//     record type and carries the record body; field order is preserved all the way to the store.
//   - Routing & buffering: internal/sink resolves the declared type against the configured collections (falling back
//     to "default"), then either writes immediately or holds records until the type's buffer threshold is reached.
//   - Persistence: types with a unique key are upserted on that key; all others are inserted, with duplicate-key
//     rejections counted against stop_on_duplicate. Reaching the threshold asks the producer to stop.
//   - Shutdown: end of input, a stop request or SIGINT/SIGTERM ends the producer; every non-empty buffer is flushed
//     before the store connection is closed.
//   - Configuration & plumbing: Viper populates config from a YAML file and SINK_* env vars; zap provides structured
//     logging tagged with the run ID; Prometheus collectors are served on /metrics when server.port is set.
//
// Quick checklist:
//   - Pick a backend with storage.backend (mongo, postgres, memory).
//   - Run locally: ingestsink run --config config.yaml --input records.ndjson
package main

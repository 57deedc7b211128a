// Package main hosts the taskstream service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts tasks (POST /v1/tasks, alias /start-task). The PENDING record is written
//     to the state store before the task is queued, and the id is returned with 202 only after both succeed.
//   - Dispatcher & queue: accepted tasks flow through a bounded in-memory queue sized by queue.depth and are fanned
//     out to a fixed worker pool sized by workers.concurrency. Each worker drives internal/producer over the stage
//     sequence STARTED, PROCESSING, CONCLUDING, COMPLETED with producer.stage_delay between stages.
//   - State channel: every transition is written to the state store (memory, sqlite, postgres or NATS KV) and then
//     published on the event bus (memory or NATS core). Websocket sessions subscribe first, send the stored snapshot,
//     then forward live events, suppressing anything stale or repeated.
//   - Fanout & audit: a completion notice goes to Pub/Sub when pubsub.topic_name is set. Transitions are also emitted
//     to the progress hub, which batches them into the log and Prometheus sinks.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler; OpenTelemetry spans wrap task runs.
//
// Operational notes:
//   - Backpressure: each subscription buffers bus.buffer_size events; a slow client loses events instead of
//     stalling the producer. Drops are counted and logged at most once per bus.drop_log_interval.
//   - Shutdown: SIGINT/SIGTERM stops HTTP, drains live sessions, stops workers, then closes queue, bus, store and hub.
//     A task interrupted mid-sequence keeps its last written stage.
//   - Retention: records live as long as the backing store keeps them; the NATS KV bucket expires them after
//     nats.kv_ttl.
//
// Quick checklist:
//   - Configure env vars: TASKSTREAM_SERVER_PORT, TASKSTREAM_STORE_BACKEND, TASKSTREAM_BUS_BACKEND,
//     TASKSTREAM_NATS_URL or TASKSTREAM_NATS_EMBEDDED=true, TASKSTREAM_DB_DSN, TASKSTREAM_PUBSUB_*.
//   - Run locally: go run ./cmd/taskstream serve --config config.yaml (or rely solely on env overrides).
package main

// Package api hosts the HTTP server, middleware, and handlers for taskstream.
// Notable routes:
//   - POST /v1/tasks (alias POST /start-task) accepts a task and answers 202
//     with its id once the PENDING record is stored and the task is queued.
//   - GET /v1/tasks/{task_id} returns the latest record.
//   - GET /v1/tasks/{task_id}/ws (alias GET /ws/task/{task_id}) upgrades to a
//     websocket that streams {task_id, status, progress, timestamp} frames.
//   - GET /v1/tasks/{task_id}/watchers reports live session count.
//   - GET /healthz, /readyz for probes and GET /metrics for Prometheus.
//   - GET / serves a small page that starts a task and renders its updates.
package api

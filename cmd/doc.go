// Package cmd defines the harvester CLI.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, batch control and rotation endpoints under /v1.
//     Requests are validated and handed to the scheduler, which persists batches via the task store.
//   - Scheduler: one run per batch walks its partitions page by page, admits tasks to free browser slots with an
//     inter-task delay, and commits offsets in order so checkpoints never skip an unsettled task.
//   - Workers: each task loads the primary URL (then fallbacks), follows up to a few contact links, extracts emails
//     and records the outcome. Block pages feed the rotation coordinator, which rotates the egress identity and asks
//     the pool to recycle its browsers.
//   - Persistence & fanout: tasks and outcomes live in Postgres (or an in-memory store seeded from JSON lines).
//     Checkpoints go to local files, Redis, GCS, Postgres or memory. Found contacts are optionally published to
//     Pub/Sub or Kafka. Progress events are buffered by a hub and fanned out to log, Prometheus and CLI sinks.
//   - Configuration & plumbing: Viper populates config from file and HARVESTER_* env vars; zap provides structured
//     logging with optional lumberjack file rotation; Prometheus metrics are served on /metrics.
//
// Commands:
//   - serve: run the control API until SIGINT/SIGTERM; running batches are stopped and drained on exit.
//   - run: start one batch in the foreground with a terminal progress bar; Ctrl-C stops it and a rerun resumes.
//   - checkpoint show|clear: inspect or drop the resume point of a batch request.
//
// Quick checklist:
//   - Configure env vars: HARVESTER_SERVER_PORT, HARVESTER_DATABASE_DSN, HARVESTER_ROTATION_MODE,
//     HARVESTER_CHECKPOINT_BACKEND, HARVESTER_PUBLISHER_BACKEND, HARVESTER_AUTH_API_KEY.
//   - Run locally: go run . run --config harvester.yaml -p north -p south
package cmd

// Package starsync replicates PostgreSQL tables into StarRocks.
//
// A run snapshots the configured tables, streams committed changes from a
// logical replication slot (pgoutput) and applies them to StarRocks primary
// key tables as idempotent upserts and deletes. Progress is recorded as a
// checkpoint holding the last fully applied commit position, so a restarted
// process resumes without losing or duplicating changes.
//
// # Architecture
//
//	capture ──▶ router ──▶ per-table queue ──▶ table worker ──▶ StarRocks
//	                 ▲                               │
//	                 └──── checkpoint barrier ◀──────┘
//
// The capture engine (pkg/cdc) emits change events and commit watermarks.
// The router (internal/pipeline) projects and coerces rows for each mapped
// table and hands them to one worker per table, which batches them by size
// and interval and applies them through the loader (pkg/loader). Rows the
// target rejects go to the dead-letter sink (pkg/deadletter). The checkpoint
// coordinator periodically sends a barrier through every table queue and,
// once all tables acknowledge it, persists the position (pkg/checkpoint) and
// lets PostgreSQL release the WAL behind it.
//
// Health, readiness and liveness endpoints plus prometheus metrics are
// served by pkg/health and pkg/metrics.
//
// # Quick Start
//
//	starsync validate --config config.yaml
//	starsync run --config config.yaml --mode k8s
//
// Every setting can be overridden from the environment, for example
// POSTGRES_HOST, STARROCKS_HOST or SYNC_TABLES.
package starsync

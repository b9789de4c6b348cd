// Package store provides SQLite-backed persistence for the orchestration
// core, following the teacher's schema style (CREATE TABLE IF NOT EXISTS,
// additive column migrations keyed by a version row, database/sql over the
// pure-Go modernc.org/sqlite driver).
//
// Persisted state is split into two kinds of file, matching spec.md §6:
//   - one registry database (registry.db) listing plans and their storage
//     location;
//   - one database file per plan (plans/<plan_id>.db) holding that plan's
//     tasks, links, outputs, snapshots, evaluation records, and runs.
//
// Manager is the package's public entry point: it opens/caches per-plan
// databases on demand and exposes the full Store contract from spec.md
// §4.1. Readers may run concurrently; writes to a given task are serialized
// by a per-task in-process mutex held by the Executor, not by the Store
// itself (SQLite's own single-writer semantics back this up at the file
// level).
package store

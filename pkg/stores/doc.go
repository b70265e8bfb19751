// Package stores keeps an audit journal of provisioning runs in SQLite.
//
// The journal holds one row per run, the resources each run created in
// creation order with their rollback status, the deletions rollback gave up
// on, and the run's event timeline. It is written by Journal, an
// engine.ProgressSink, and is never read back by the engine: a failed run is
// not resumed from it.
//
// The schema is embedded and applied with golang-migrate. The database runs
// in WAL mode with foreign keys enabled.
package stores

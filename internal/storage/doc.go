package storage

// Package storage provides the persistence layer used by the daemon.
//
// One Store instance backs everything that survives a restart:
//   - Task definitions and their schedule state
//   - Execution history (tail-bounded)
//   - Metric samples (age-bounded)
//   - Alerts, open and resolved
//   - Notification dedup state
//
// Two drivers are available. The "file" driver keeps JSON snapshots and
// journals next to each other under a common path prefix and needs no
// build tags. The "sqlite" driver requires building with -tags sqlite.
// Consumers declare their own narrow store interfaces; storage.Store is
// the union that both drivers satisfy.

// Package storage persists collection records, the pending-cohort snapshot
// and notifier dedup state.
//
// Drivers:
//   - "file":   one JSON document per collection (atomic rename), plus a
//     dedup journal compacted into a snapshot
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//   - "memory": process-local maps, for tests and dry runs
package storage

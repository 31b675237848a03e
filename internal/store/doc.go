// Package store provides SQLite-backed durable storage for the scoring
// client.
//
// Three tables back the offline path:
//   - operations: the sync queue. Ordering uses the seq column (an
//     AUTOINCREMENT key), never timestamps.
//   - records: offline shadow copies of match snapshots and media chunk
//     blobs, versioned so a write racing an in-flight delivery is not
//     marked synced by mistake.
//   - id_map: temporary match ids and the server ids that replaced them.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as RFC 3339 UTC text and are informational only.
package store

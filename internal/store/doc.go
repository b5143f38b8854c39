// Package store provides SQLite-backed durable storage for the receipt ledger
// and the threshold calibration records.
//
// Receipts:
//   - Rows are inserted once, never updated
//   - Queries return chain order: ORDER BY id ASC
//   - Payloads are stored as canonical JSON so digests re-derive byte for byte
//   - Uniqueness-scoped receipt types carry a unique_key; UNIQUE(type, unique_key)
//
// The store does not verify digests. Integrity checks belong to the ledger,
// which must be able to observe a row that was modified out of band.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store

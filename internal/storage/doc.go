package storage

// Package storage opens the shared SQLite database used by the tasking engine.
//
// A single WAL-mode database holds:
//   - Task records (task record store)
//   - Worker registry rows (heartbeats)
//   - Resource/task locks (sqlite lock backend)
//   - Cancellation signals
//
// SQLite transactions give the lock manager the atomic multi-key
// check-and-set its acquire algorithm requires.

// Package store is the agent's optional SQLite audit ledger.
//
// Two append-only tables are kept:
//
//   - task_results: every result the bridge reported, with the callback status
//   - webhook_failures: every platform event the webhook forwarder gave up on
//
// The ledger is observability only. The agent never rebuilds task or session
// state from it after a restart.
//
// The database runs in WAL mode. Use NewSQLiteStore(MemoryPath) in tests.
package store

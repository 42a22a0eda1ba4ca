// Package storage persists mandates, plans, execution attempts, the step
// journal and the audit ledger.
//
// Three drivers share one Store interface:
//   - memory: maps keyed by record id, guarded by a single mutex
//   - sqlite: modernc.org/sqlite, embedded schema; -tags nosqlite compiles
//     it out and Open then fails with ErrDriverNotBuilt
//   - postgres: lib/pq, embedded schema
//
// Status changes are compare-and-set operations; callers never read, decide
// and write back a status without the store checking the prior value.
package storage

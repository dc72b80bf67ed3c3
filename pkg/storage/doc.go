/*
Package storage persists scopecfg state in PostgreSQL.

The Store interface defines typed CRUD operations for every entity;
Postgres is the only implementation. Callers that need several writes
to commit atomically (a mutation plus its audit event, a cascade
delete) run them inside WithinTx, which hands back a Store bound to
the transaction.

Failures are reported as typed errors: KindNotFound for missing rows,
KindConflict for unique and foreign key violations, KindTransient for
connection-class errors that a caller may retry.

Schema evolution is through numbered, up-only migrations embedded in
the binary and applied at startup.
*/
package storage

// Package store is the PostgreSQL persistence layer: payment and refund
// transactions, provider configuration, the append-only audit trail, and
// received webhook events.
//
// # Ownership
//
// The database owns every entity. Repository methods return value snapshots;
// no component holds a persisted object across operations. Concurrent
// writers are serialized per row with an optimistic row_version token:
// updates name the version they read, a mismatch returns
// ErrConcurrencyConflict, and the caller re-reads before deciding again.
//
// # Transactions
//
// Store.WithTx binds every repository to one database transaction so that a
// status change and its audit log entry commit atomically:
//
//	err := st.WithTx(ctx, func(tx *store.Store) error {
//	    if _, err := tx.Payments.UpdateStatus(ctx, id, version, upd); err != nil {
//	        return err
//	    }
//	    return tx.Logs.Append(ctx, entry)
//	})
//
// # Migrations
//
// Schema migrations live in migrations/ and are embedded in the binary;
// Migrate applies them on boot via golang-migrate.
package store

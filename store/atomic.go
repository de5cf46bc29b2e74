package store

import (
	"context"

	"github.com/google/uuid"
)

// Composite operations that pair a state change with its audit log entry in
// one transaction. Status writes outside these helpers bypass the audit
// trail, so orchestration code always goes through them.

// CreatePaymentWithLog inserts a payment and its creation audit entry
// atomically. The entry's transaction linkage is filled from the new row.
func (s *Store) CreatePaymentWithLog(ctx context.Context, p *PaymentTransaction, entry *TransactionLog) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.Payments.Create(ctx, p); err != nil {
			return err
		}
		entry.PaymentTransactionID = p.ID
		entry.CorrelationID = p.CorrelationID
		return tx.Logs.Append(ctx, entry)
	})
}

// UpdatePaymentWithLog applies an optimistic status update and appends the
// matching audit entry in the same transaction. The caller sets the entry's
// previous and new status from the snapshot it validated the transition on.
func (s *Store) UpdatePaymentWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, upd PaymentUpdate, entry *TransactionLog) (*PaymentTransaction, error) {
	var updated *PaymentTransaction
	err := s.WithTx(ctx, func(tx *Store) error {
		var err error
		updated, err = tx.Payments.UpdateStatus(ctx, id, expectedVersion, upd)
		if err != nil {
			return err
		}
		entry.PaymentTransactionID = id
		if entry.CorrelationID == "" {
			entry.CorrelationID = updated.CorrelationID
		}
		return tx.Logs.Append(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CreateRefundWithLog inserts a refund and the initiation audit entry on its
// parent payment atomically.
func (s *Store) CreateRefundWithLog(ctx context.Context, rf *RefundTransaction, entry *TransactionLog) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.Refunds.Create(ctx, rf); err != nil {
			return err
		}
		entry.PaymentTransactionID = rf.PaymentTransactionID
		entry.RefundTransactionID = &rf.ID
		entry.CorrelationID = rf.CorrelationID
		return tx.Logs.Append(ctx, entry)
	})
}

// UpdateRefundWithLog applies an optimistic refund update and appends the
// matching audit entry in the same transaction.
func (s *Store) UpdateRefundWithLog(ctx context.Context, id uuid.UUID, expectedVersion int64, upd RefundUpdate, entry *TransactionLog) (*RefundTransaction, error) {
	var updated *RefundTransaction
	err := s.WithTx(ctx, func(tx *Store) error {
		var err error
		updated, err = tx.Refunds.UpdateStatus(ctx, id, expectedVersion, upd)
		if err != nil {
			return err
		}
		entry.PaymentTransactionID = updated.PaymentTransactionID
		entry.RefundTransactionID = &updated.ID
		if entry.CorrelationID == "" {
			entry.CorrelationID = updated.CorrelationID
		}
		return tx.Logs.Append(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

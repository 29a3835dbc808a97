/**
 * @description
 * Idempotent settlement transaction factory. For one logical charge event and
 * one agreement, at most one settlement transaction may ever exist, no matter
 * how many times a webhook is redelivered or a sweep re-runs.
 *
 * The find-or-create sequence is:
 *   1. SELECT by the uniqueness key; return the existing row if found.
 *   2. INSERT ... ON CONFLICT DO NOTHING.
 *   3. If the insert lost a race, re-SELECT and return the winner's row.
 *
 * A negative owed amount is a refund: the transfer direction is swapped and
 * the stored amount is the absolute value, so the downstream transfer
 * pipeline only ever moves positive amounts.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/splitwell/settlement-service/internal/domain"
	"github.com/splitwell/settlement-service/internal/store"
)

// TransactionFactory creates settlement transactions exactly once per
// (agreement, charge event) pair.
type TransactionFactory struct {
	repo store.Repository
}

// NewTransactionFactory creates a new factory backed by the given repository.
func NewTransactionFactory(repo store.Repository) *TransactionFactory {
	return &TransactionFactory{repo: repo}
}

// CreateTransactionParams describes one participant's slice of a charge.
// Amount may be negative; the factory normalizes polarity. Correlation must
// carry exactly one of its halves.
type CreateTransactionParams struct {
	ExpenseID      uuid.UUID
	AgreementID    uuid.UUID
	PayerUserID    uuid.UUID
	PayerAccountID uuid.UUID
	PayeeUserID    uuid.UUID
	PayeeAccountID uuid.UUID
	Amount         int64
	Fee            int64
	Correlation    domain.Correlation
}

// FindOrCreate returns the settlement transaction for the given charge slice,
// creating it if this is the first delivery. The second return value is true
// when this call created the row.
func (f *TransactionFactory) FindOrCreate(ctx context.Context, params CreateTransactionParams) (*domain.SettlementTransaction, bool, error) {
	if err := params.Correlation.Validate(); err != nil {
		return nil, false, err
	}
	if params.Amount == 0 {
		return nil, false, fmt.Errorf("zero-amount settlement for agreement %s", params.AgreementID)
	}

	// Refunds travel payee -> payer with the absolute amount.
	sourceUserID, sourceAccountID := params.PayerUserID, params.PayerAccountID
	destUserID, destAccountID := params.PayeeUserID, params.PayeeAccountID
	amount := params.Amount
	if amount < 0 {
		sourceUserID, destUserID = destUserID, sourceUserID
		sourceAccountID, destAccountID = destAccountID, sourceAccountID
		amount = -amount
	}

	key := store.TransactionKey{
		AgreementID:           params.AgreementID,
		SourceAccountID:       sourceAccountID,
		DestinationAccountID:  destAccountID,
		ObservedTransactionID: params.Correlation.ObservedTransactionID,
		ScheduledFor:          params.Correlation.ScheduledFor,
	}

	// 1. Fast path: the transaction already exists.
	existing, err := f.repo.FindSettlementTransaction(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, false, err
	}

	// 2. Attempt the insert. The idempotency token is minted here and reused
	// for every initiation attempt of this transaction.
	candidate := &domain.SettlementTransaction{
		ID:                    uuid.New(),
		ExpenseID:             params.ExpenseID,
		AgreementID:           params.AgreementID,
		SourceUserID:          sourceUserID,
		SourceAccountID:       sourceAccountID,
		DestinationUserID:     destUserID,
		DestinationAccountID:  destAccountID,
		Amount:                amount,
		Fee:                   params.Fee,
		ObservedTransactionID: params.Correlation.ObservedTransactionID,
		ScheduledFor:          params.Correlation.ScheduledFor,
		IdempotencyToken:      uuid.New(),
		TransferStatus:        domain.TransferStatusPending,
	}
	inserted, err := f.repo.InsertSettlementTransaction(ctx, candidate)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return candidate, true, nil
	}

	// 3. A concurrent caller won the insert race; adopt its row.
	winner, err := f.repo.FindSettlementTransaction(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("lost insert race but found no winner: %w", err)
	}
	return winner, false, nil
}

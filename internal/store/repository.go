/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the settlement engine. By
 * defining an interface, we decouple the application's business logic from
 * the specific database implementation (e.g., PostgreSQL), making the code
 * more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the engine's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/splitwell/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)

	// Shared expense methods
	CreateSharedExpense(ctx context.Context, expense *domain.SharedExpense, agreements []domain.UserAgreement, invites []domain.ExpenseInvite) error
	FindExpenseAggregateByID(ctx context.Context, expenseID uuid.UUID) (*domain.ExpenseAggregate, error)
	FindActiveVendorExpenses(ctx context.Context, sourceAccountID uuid.UUID, vendorIdentity string) ([]domain.SharedExpense, error)
	HasActiveVendorExpense(ctx context.Context, ownerUserID uuid.UUID, vendorIdentity string) (bool, error)
	UpdateNextPaymentDate(ctx context.Context, expenseID uuid.UUID, next time.Time) error
	DeactivateSharedExpense(ctx context.Context, expenseID uuid.UUID, at time.Time) error
	AnonymizeUser(ctx context.Context, userID uuid.UUID, placeholderID uuid.UUID) (int64, error)
	FindRecurringExpensesDue(ctx context.Context, asOf time.Time) ([]domain.SharedExpense, error)
	FindRecurringExpensesDueWithin(ctx context.Context, from, until time.Time) ([]domain.SharedExpense, error)

	// Agreement and invite methods
	FindAgreementByID(ctx context.Context, agreementID uuid.UUID) (*domain.UserAgreement, error)
	AcceptAgreement(ctx context.Context, agreementID uuid.UUID, paymentAccountID uuid.UUID, at time.Time) error
	DeclineAgreement(ctx context.Context, agreementID uuid.UUID, at time.Time) error
	ConvertInviteToAgreement(ctx context.Context, inviteID uuid.UUID, userID uuid.UUID) (*domain.UserAgreement, error)

	// Settlement transaction methods
	FindSettlementTransaction(ctx context.Context, key TransactionKey) (*domain.SettlementTransaction, error)
	InsertSettlementTransaction(ctx context.Context, tx *domain.SettlementTransaction) (bool, error)
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.SettlementTransaction, error)
	FindTransactionByTransferID(ctx context.Context, transferID string) (*domain.SettlementTransaction, error)
	AttachTransferID(ctx context.Context, transactionID uuid.UUID, transferID string) error
	IncrementTransactionAttempts(ctx context.Context, transactionID uuid.UUID) error
	UpdateTransferStatus(ctx context.Context, transactionID uuid.UUID, status domain.TransferStatus) error
	MarkTransferredToDestination(ctx context.Context, transactionID uuid.UUID) (bool, error)
	CountUnsettledTransactionsForPeriod(ctx context.Context, expenseID uuid.UUID, scheduledFor time.Time) (int, error)

	// Withheld transaction methods
	CreateWithheldTransaction(ctx context.Context, rec *domain.WithheldTransaction) error
	ListWithheldRetryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]domain.WithheldRetryCandidate, error)
	MarkWithheldReconciledForTransaction(ctx context.Context, transactionID uuid.UUID, at time.Time) (int64, error)
	CountUnreconciledWithheld(ctx context.Context, transactionID uuid.UUID) (int, error)

	// Transfer status log methods
	InsertStatusLogEntry(ctx context.Context, entry *domain.TransactionStatusLogEntry) (bool, error)
}

// TransactionKey is the uniqueness key protecting against duplicate
// settlement transactions for one logical charge. Exactly one of the
// correlation halves is set, mirroring the check constraint on the table.
type TransactionKey struct {
	AgreementID           uuid.UUID
	SourceAccountID       uuid.UUID
	DestinationAccountID  uuid.UUID
	ObservedTransactionID *string
	ScheduledFor          *time.Time
}

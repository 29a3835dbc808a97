/**
 * @description
 * This file defines the money-movement records for the settlement engine: the
 * settlement transaction itself, withheld-transaction records for failed
 * initiation attempts, and the append-only transfer-status log. These structs
 * map directly to the `settlement_transactions`, `withheld_transactions`, and
 * `transaction_status_log` tables.
 *
 * @notes
 * - A settlement transaction is unique per (agreement, source account,
 *   destination account, correlation). The correlation is either the observed
 *   charge id or the recurring schedule date, never both.
 * - Amounts are stored as `int64` in the smallest currency unit.
 */

package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TransferStatus is the lifecycle state reported by the external transfer
// processor for a settlement transaction.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusProcessed TransferStatus = "processed"
	TransferStatusFailed    TransferStatus = "failed"
	TransferStatusCancelled TransferStatus = "cancelled"
)

// Correlation disambiguates one settlement transaction from another for the
// same agreement: exactly one of the observed charge id or the recurring
// schedule date must be set.
type Correlation struct {
	ObservedTransactionID *string
	ScheduledFor          *time.Time
}

// ErrInvalidCorrelation is returned when a correlation does not carry exactly
// one of its two alternatives.
var ErrInvalidCorrelation = errors.New("correlation must carry exactly one of observed transaction id or schedule date")

// ObservedCorrelation builds a correlation for a webhook-detected vendor charge.
func ObservedCorrelation(observedTransactionID string) Correlation {
	return Correlation{ObservedTransactionID: &observedTransactionID}
}

// ScheduledCorrelation builds a correlation for a recurring schedule date.
func ScheduledCorrelation(scheduledFor time.Time) Correlation {
	return Correlation{ScheduledFor: &scheduledFor}
}

// Validate checks the XOR invariant on the correlation.
func (c Correlation) Validate() error {
	if (c.ObservedTransactionID == nil) == (c.ScheduledFor == nil) {
		return ErrInvalidCorrelation
	}
	if c.ObservedTransactionID != nil && *c.ObservedTransactionID == "" {
		return ErrInvalidCorrelation
	}
	return nil
}

// SettlementTransaction is one concrete money-movement unit. Created by the
// transaction factory; mutated only by the status synchronizer and by
// attempt-count increments; never deleted.
type SettlementTransaction struct {
	ID                       uuid.UUID      `json:"id"`
	ExpenseID                uuid.UUID      `json:"expense_id"`
	AgreementID              uuid.UUID      `json:"agreement_id"`
	SourceUserID             uuid.UUID      `json:"source_user_id"`
	DestinationUserID        uuid.UUID      `json:"destination_user_id"`
	SourceAccountID          uuid.UUID      `json:"source_account_id"`
	DestinationAccountID     uuid.UUID      `json:"destination_account_id"`
	Amount                   int64          `json:"amount"` // in cents, always positive
	Fee                      int64          `json:"fee"`    // in cents
	ObservedTransactionID    *string        `json:"observed_transaction_id,omitempty"`
	ScheduledFor             *time.Time     `json:"scheduled_for,omitempty"`
	AttemptCount             int            `json:"attempt_count"`
	IdempotencyToken         uuid.UUID      `json:"idempotency_token"`
	TransferID               *string        `json:"transfer_id,omitempty"`
	TransferStatus           TransferStatus `json:"transfer_status"`
	TransferredToDestination bool           `json:"transferred_to_destination"`
	TransferredAt            *time.Time     `json:"transferred_at,omitempty"`
	LastStatusChange         time.Time      `json:"last_status_change"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

// Correlation reconstructs the transaction's correlation value.
func (t *SettlementTransaction) Correlation() Correlation {
	return Correlation{ObservedTransactionID: t.ObservedTransactionID, ScheduledFor: t.ScheduledFor}
}

// WithholdingReason classifies why a transfer initiation attempt could not
// proceed.
type WithholdingReason string

const (
	WithholdingInsufficientFunds     WithholdingReason = "insufficient_funds"
	WithholdingFundingSourceNotFound WithholdingReason = "funding_source_not_found"
	WithholdingFundingSourceInvalid  WithholdingReason = "funding_source_invalid"
	WithholdingDestinationUnverified WithholdingReason = "destination_unverified"
	WithholdingMetadataUnsupported   WithholdingReason = "transfer_metadata_unsupported"
	WithholdingSenderRestricted      WithholdingReason = "sender_restricted"
	WithholdingReceiverRestricted    WithholdingReason = "receiver_restricted"
	WithholdingInvalidAccessToken    WithholdingReason = "invalid_access_token"
	WithholdingForbidden             WithholdingReason = "forbidden"
	WithholdingBalanceUnavailable    WithholdingReason = "balance_unavailable"
	WithholdingUnknown               WithholdingReason = "unknown"
)

// WithheldTransaction records one failed attempt to move funds for a
// settlement transaction. Many records may point at one transaction; the
// transaction is resolved only when every record is reconciled.
type WithheldTransaction struct {
	ID                uuid.UUID         `json:"id"`
	TransactionID     uuid.UUID         `json:"transaction_id"`
	Reason            WithholdingReason `json:"reason"`
	AmountDue         int64             `json:"amount_due"`
	FundsAvailable    *int64            `json:"funds_available,omitempty"`
	HasBeenReconciled bool              `json:"has_been_reconciled"`
	ReconciledAt      *time.Time        `json:"reconciled_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// WithheldRetryCandidate is one sweep unit: an unreconciled withheld
// transaction eligible for retry, reduced to one row per underlying
// settlement transaction.
type WithheldRetryCandidate struct {
	WithheldID    uuid.UUID `json:"withheld_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	AmountDue     int64     `json:"amount_due"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// TransactionStatusLogEntry is the append-only record of every transfer-status
// event received from the processor, keyed by the processor-supplied event id
// for replay-safety.
type TransactionStatusLogEntry struct {
	ProcessorEventID string    `json:"processor_event_id"`
	TransferID       string    `json:"transfer_id"`
	Status           string    `json:"status"`
	EventTimestamp   time.Time `json:"event_timestamp"`
	ReceivedAt       time.Time `json:"received_at"`
}

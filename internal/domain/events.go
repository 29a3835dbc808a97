/**
 * @description
 * This file defines the inbound event payloads consumed by the settlement
 * engine and the outbound lifecycle event payloads it publishes to RabbitMQ.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ObservedTransactionEvent is an externally detected bank-account charge,
// delivered by the transaction-ingestion collaborator. It triggers matching
// against active vendor-webhook expenses for the account/vendor pair.
type ObservedTransactionEvent struct {
	AccountID      uuid.UUID `json:"account_id"`
	Amount         int64     `json:"amount"` // in cents; negative for refunds/reversals
	VendorIdentity string    `json:"vendor_identity"`
	Date           time.Time `json:"date"`
	TransactionID  string    `json:"transaction_id"`
}

// TransferStatusEvent is a transfer-processor lifecycle update, delivered via
// webhook or the message broker. Deduplicated by ProcessorEventID.
type TransferStatusEvent struct {
	ProcessorEventID string    `json:"processor_event_id"`
	TransferID       string    `json:"transfer_id"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
}

// TransactionCreatedPayload is published when the factory creates a new
// settlement transaction.
type TransactionCreatedPayload struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	ExpenseID     uuid.UUID `json:"expense_id"`
	AgreementID   uuid.UUID `json:"agreement_id"`
	Amount        int64     `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// TransactionWithheldPayload is published when a transfer initiation attempt
// fails and a withheld record is persisted.
type TransactionWithheldPayload struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	Reason        WithholdingReason `json:"reason"`
	AmountDue     int64             `json:"amount_due"`
	AttemptCount  int               `json:"attempt_count"`
	Timestamp     time.Time         `json:"timestamp"`
}

// TransactionSettledPayload is published the first time a transaction's
// transfer is reported processed.
type TransactionSettledPayload struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	ExpenseID     uuid.UUID `json:"expense_id"`
	Amount        int64     `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// SettlementReminderPayload is published for each recurring expense due within
// the reminder lookahead window.
type SettlementReminderPayload struct {
	ExpenseID       uuid.UUID `json:"expense_id"`
	OwnerUserID     uuid.UUID `json:"owner_user_id"`
	NextPaymentDate time.Time `json:"next_payment_date"`
	Timestamp       time.Time `json:"timestamp"`
}

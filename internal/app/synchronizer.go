/**
 * @description
 * Transfer status synchronization. Processor lifecycle events arrive over
 * webhook or the message broker, possibly more than once and out of order.
 * Every event is appended to an immutable status log keyed by the
 * processor's event id; a redelivered id short-circuits before any state
 * changes.
 *
 * A `processed` event settles the transaction: the transferred flag flips
 * exactly once, open withholdings reconcile, and a recurring expense whose
 * period is now fully settled advances its schedule (or deactivates past its
 * end date).
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/splitwell/settlement-service/internal/domain"
	"github.com/splitwell/settlement-service/internal/store"
)

var ErrUnknownTransferStatus = errors.New("unknown transfer status")

// normalizeTransferStatus folds processor status vocabulary onto the
// engine's four states.
func normalizeTransferStatus(raw string) (domain.TransferStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "created", "processing":
		return domain.TransferStatusPending, nil
	case "processed", "completed", "settled":
		return domain.TransferStatusProcessed, nil
	case "failed", "returned":
		return domain.TransferStatusFailed, nil
	case "cancelled", "canceled":
		return domain.TransferStatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransferStatus, raw)
	}
}

// ApplyTransferStatus processes one transfer lifecycle event end to end.
// Safe to call with redelivered events; only the first delivery of an event
// id has any effect.
func (s *Service) ApplyTransferStatus(ctx context.Context, event domain.TransferStatusEvent) error {
	if strings.TrimSpace(event.ProcessorEventID) == "" || strings.TrimSpace(event.TransferID) == "" {
		return fmt.Errorf("transfer status event missing identifiers")
	}

	status, err := normalizeTransferStatus(event.Status)
	if err != nil {
		return err
	}

	// 1. Append to the status log. A duplicate event id means this exact
	// event was already applied.
	firstDelivery, err := s.repo.InsertStatusLogEntry(ctx, &domain.TransactionStatusLogEntry{
		ProcessorEventID: event.ProcessorEventID,
		TransferID:       event.TransferID,
		Status:           string(status),
		EventTimestamp:   event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to record status event: %w", err)
	}
	if !firstDelivery {
		log.Printf("level=info component=service op=apply_transfer_status msg=\"duplicate event\" event_id=%s", event.ProcessorEventID)
		return nil
	}

	// 2. Resolve the transaction. Events for transfers this engine never
	// initiated are logged and dropped, not errored: the processor fans all
	// account activity at us.
	tx, err := s.repo.FindTransactionByTransferID(ctx, event.TransferID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=service op=apply_transfer_status msg=\"no transaction for transfer\" transfer_id=%s", event.TransferID)
			return nil
		}
		return err
	}

	// 3. Apply the transition. Every applied event bumps last_status_change.
	if err := s.repo.UpdateTransferStatus(ctx, tx.ID, status); err != nil {
		return err
	}
	log.Printf("level=info component=service op=apply_transfer_status transaction_id=%s transfer_id=%s status=%s", tx.ID, event.TransferID, status)

	switch status {
	case domain.TransferStatusProcessed:
		return s.settleTransaction(ctx, tx)
	case domain.TransferStatusFailed, domain.TransferStatusCancelled:
		// An asynchronous failure after a clean initiation still needs a
		// withheld record so the retry sweep picks the transaction up.
		return s.withholdAfterAsyncFailure(ctx, tx)
	default:
		return nil
	}
}

// settleTransaction finalizes a processed transfer: flips the transferred
// flag exactly once, reconciles withholdings, publishes the settled event,
// and advances the recurring schedule when its period is complete.
func (s *Service) settleTransaction(ctx context.Context, tx *domain.SettlementTransaction) error {
	settledNow, err := s.repo.MarkTransferredToDestination(ctx, tx.ID)
	if err != nil {
		return err
	}
	if !settledNow {
		// An earlier event already settled this transaction.
		return nil
	}

	now := time.Now().UTC()
	reconciled, err := s.repo.MarkWithheldReconciledForTransaction(ctx, tx.ID, now)
	if err != nil {
		return err
	}
	if reconciled > 0 {
		log.Printf("level=info component=service op=settle_transaction transaction_id=%s withheld_reconciled=%d", tx.ID, reconciled)
	}

	// Resolution means zero open withholdings remain. A failure event racing
	// this settlement can insert one between the update and here; close it too.
	open, err := s.repo.CountUnreconciledWithheld(ctx, tx.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		log.Printf("level=warn component=service op=settle_transaction transaction_id=%s msg=\"withholdings opened during settlement\" open=%d", tx.ID, open)
		if _, err := s.repo.MarkWithheldReconciledForTransaction(ctx, tx.ID, time.Now().UTC()); err != nil {
			return err
		}
	}

	s.publish(ctx, RoutingKeyTransactionSettled, domain.TransactionSettledPayload{
		TransactionID: tx.ID,
		ExpenseID:     tx.ExpenseID,
		Amount:        tx.Amount,
		Timestamp:     now,
	})

	if tx.ScheduledFor != nil {
		return s.advanceScheduleIfSettled(ctx, tx.ExpenseID, *tx.ScheduledFor)
	}
	return nil
}

// advanceScheduleIfSettled moves a recurring expense's cursor forward once
// every transaction for the period has reached the destination.
func (s *Service) advanceScheduleIfSettled(ctx context.Context, expenseID uuid.UUID, scheduledFor time.Time) error {
	unsettled, err := s.repo.CountUnsettledTransactionsForPeriod(ctx, expenseID, scheduledFor)
	if err != nil {
		return err
	}
	if unsettled > 0 {
		return nil
	}

	aggregate, err := s.repo.FindExpenseAggregateByID(ctx, expenseID)
	if err != nil {
		return err
	}
	expense := &aggregate.Expense
	if !expense.IsRecurring() || !expense.IsActive {
		return nil
	}
	// A stale processed event for an old period must not rewind the cursor.
	if expense.NextPaymentDate == nil || !expense.NextPaymentDate.Equal(scheduledFor) {
		return nil
	}

	next, done, err := ScheduleAfterSettlement(expense)
	if err != nil {
		return err
	}
	if done {
		if err := s.repo.DeactivateSharedExpense(ctx, expenseID, time.Now().UTC()); err != nil {
			return err
		}
		log.Printf("level=info component=service op=advance_schedule expense_id=%s msg=\"end date reached; deactivated\"", expenseID)
		s.publish(ctx, RoutingKeyExpenseDeactivated, map[string]any{
			"expense_id": expenseID,
			"timestamp":  time.Now().UTC(),
		})
		return nil
	}

	if err := s.repo.UpdateNextPaymentDate(ctx, expenseID, next); err != nil {
		return err
	}
	log.Printf("level=info component=service op=advance_schedule expense_id=%s next=%s", expenseID, next.Format(time.RFC3339))
	return nil
}

// withholdAfterAsyncFailure records a withheld transaction for a transfer
// that failed after initiation, so the cooldown sweep will retry it.
func (s *Service) withholdAfterAsyncFailure(ctx context.Context, tx *domain.SettlementTransaction) error {
	// The async event carries no failure code, so the reason stays unknown.
	reason := domain.WithholdingUnknown
	withheld := domain.WithheldTransaction{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		Reason:        reason,
		AmountDue:     tx.Amount,
	}
	if err := s.repo.CreateWithheldTransaction(ctx, &withheld); err != nil {
		return err
	}
	s.publish(ctx, RoutingKeyTransactionWithheld, domain.TransactionWithheldPayload{
		TransactionID: tx.ID,
		Reason:        reason,
		AmountDue:     tx.Amount,
		AttemptCount:  tx.AttemptCount,
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

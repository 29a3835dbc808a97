/**
 * @description
 * PostgreSQL queries for settlement transactions, withholding records, and
 * the transfer status log. These back the idempotent transaction factory,
 * the withheld retry sweep, and the transfer status synchronizer.
 *
 * Uniqueness is enforced by two partial unique indexes on
 * settlement_transactions, one per correlation half, plus a unique index on
 * transaction_status_log(processor_event_id). Inserts race through
 * ON CONFLICT DO NOTHING and report whether this caller won via the command
 * tag's row count.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/splitwell/settlement-service/internal/domain"
)

const settlementTransactionColumns = `
	id, expense_id, agreement_id,
	source_user_id, source_account_id, destination_user_id, destination_account_id,
	amount, fee, observed_transaction_id, scheduled_for,
	attempt_count, idempotency_token, transfer_id, transfer_status,
	transferred_to_destination, transferred_at, last_status_change,
	created_at, updated_at
`

func scanSettlementTransaction(row pgx.Row) (*domain.SettlementTransaction, error) {
	var t domain.SettlementTransaction
	err := row.Scan(
		&t.ID, &t.ExpenseID, &t.AgreementID,
		&t.SourceUserID, &t.SourceAccountID, &t.DestinationUserID, &t.DestinationAccountID,
		&t.Amount, &t.Fee, &t.ObservedTransactionID, &t.ScheduledFor,
		&t.AttemptCount, &t.IdempotencyToken, &t.TransferID, &t.TransferStatus,
		&t.TransferredToDestination, &t.TransferredAt, &t.LastStatusChange,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindSettlementTransaction looks up the transaction matching a uniqueness
// key. Exactly one of the key's correlation halves is expected to be set.
func (r *PostgresRepository) FindSettlementTransaction(ctx context.Context, key TransactionKey) (*domain.SettlementTransaction, error) {
	var query string
	var args []any
	if key.ObservedTransactionID != nil {
		query = `SELECT ` + settlementTransactionColumns + `
			FROM settlement_transactions
			WHERE agreement_id = $1 AND source_account_id = $2 AND destination_account_id = $3
				AND observed_transaction_id = $4
		`
		args = []any{key.AgreementID, key.SourceAccountID, key.DestinationAccountID, *key.ObservedTransactionID}
	} else {
		query = `SELECT ` + settlementTransactionColumns + `
			FROM settlement_transactions
			WHERE agreement_id = $1 AND source_account_id = $2 AND destination_account_id = $3
				AND scheduled_for = $4
		`
		args = []any{key.AgreementID, key.SourceAccountID, key.DestinationAccountID, *key.ScheduledFor}
	}

	tx, err := scanSettlementTransaction(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// InsertSettlementTransaction attempts to insert a new settlement
// transaction. Returns true when this caller created the row and false when
// a concurrent caller already inserted one for the same uniqueness key.
func (r *PostgresRepository) InsertSettlementTransaction(ctx context.Context, tx *domain.SettlementTransaction) (bool, error) {
	query := `
		INSERT INTO settlement_transactions (
			id, expense_id, agreement_id,
			source_user_id, source_account_id, destination_user_id, destination_account_id,
			amount, fee, observed_transaction_id, scheduled_for,
			attempt_count, idempotency_token, transfer_status,
			transferred_to_destination, last_status_change,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			0, $12, $13, FALSE, NOW(), NOW(), NOW()
		)
		ON CONFLICT DO NOTHING
	`
	cmdTag, err := r.db.Exec(ctx, query,
		tx.ID, tx.ExpenseID, tx.AgreementID,
		tx.SourceUserID, tx.SourceAccountID, tx.DestinationUserID, tx.DestinationAccountID,
		tx.Amount, tx.Fee, tx.ObservedTransactionID, tx.ScheduledFor,
		tx.IdempotencyToken, tx.TransferStatus,
	)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() > 0, nil
}

// FindTransactionByID retrieves a settlement transaction by its primary key.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.SettlementTransaction, error) {
	query := `SELECT ` + settlementTransactionColumns + ` FROM settlement_transactions WHERE id = $1`
	tx, err := scanSettlementTransaction(r.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// FindTransactionByTransferID resolves the transaction a processor status
// event belongs to.
func (r *PostgresRepository) FindTransactionByTransferID(ctx context.Context, transferID string) (*domain.SettlementTransaction, error) {
	query := `SELECT ` + settlementTransactionColumns + ` FROM settlement_transactions WHERE transfer_id = $1`
	tx, err := scanSettlementTransaction(r.db.QueryRow(ctx, query, transferID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// AttachTransferID records the processor transfer id once the transfer has
// been initiated.
func (r *PostgresRepository) AttachTransferID(ctx context.Context, transactionID uuid.UUID, transferID string) error {
	query := `
		UPDATE settlement_transactions
		SET transfer_id = $2, transfer_status = $3, last_status_change = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	cmdTag, err := r.db.Exec(ctx, query, transactionID, transferID, domain.TransferStatusPending)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// IncrementTransactionAttempts bumps the attempt counter before a transfer
// initiation.
func (r *PostgresRepository) IncrementTransactionAttempts(ctx context.Context, transactionID uuid.UUID) error {
	query := `
		UPDATE settlement_transactions
		SET attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1
	`
	cmdTag, err := r.db.Exec(ctx, query, transactionID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// UpdateTransferStatus applies a status transition and bumps
// last_status_change.
func (r *PostgresRepository) UpdateTransferStatus(ctx context.Context, transactionID uuid.UUID, status domain.TransferStatus) error {
	query := `
		UPDATE settlement_transactions
		SET transfer_status = $2, last_status_change = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	cmdTag, err := r.db.Exec(ctx, query, transactionID, status)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// MarkTransferredToDestination flips the settled flag. The WHERE clause
// guarantees the flag transitions at most once; the boolean result tells the
// caller whether this invocation performed the transition.
func (r *PostgresRepository) MarkTransferredToDestination(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	query := `
		UPDATE settlement_transactions
		SET transferred_to_destination = TRUE, transferred_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND transferred_to_destination = FALSE
	`
	cmdTag, err := r.db.Exec(ctx, query, transactionID)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() > 0, nil
}

// CountUnsettledTransactionsForPeriod counts transactions for one scheduled
// period that have not yet reached the destination. Zero means the period is
// fully settled and the schedule may advance.
func (r *PostgresRepository) CountUnsettledTransactionsForPeriod(ctx context.Context, expenseID uuid.UUID, scheduledFor time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM settlement_transactions
		WHERE expense_id = $1 AND scheduled_for = $2 AND transferred_to_destination = FALSE
	`
	err := r.db.QueryRow(ctx, query, expenseID, scheduledFor).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CreateWithheldTransaction records a withholding event for a failed or
// unfundable settlement attempt.
func (r *PostgresRepository) CreateWithheldTransaction(ctx context.Context, rec *domain.WithheldTransaction) error {
	query := `
		INSERT INTO withheld_transactions (
			id, transaction_id, reason, amount_due, funds_available, has_been_reconciled, created_at
		) VALUES ($1, $2, $3, $4, $5, FALSE, NOW())
	`
	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.TransactionID, rec.Reason, rec.AmountDue, rec.FundsAvailable,
	)
	return err
}

// ListWithheldRetryCandidates returns unreconciled withholdings whose most
// recent attempt is older than the cutoff, one candidate per transaction.
// DISTINCT ON keeps the newest withholding row so the cooldown is measured
// from the latest failure, not the first.
func (r *PostgresRepository) ListWithheldRetryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]domain.WithheldRetryCandidate, error) {
	// The cooldown has to apply to the newest row per transaction, so the
	// DISTINCT ON dedup runs in a subquery before the cutoff and limit.
	query := `
		SELECT c.id, c.transaction_id, c.amount_due, c.created_at
		FROM (
			SELECT DISTINCT ON (w.transaction_id)
				w.id, w.transaction_id, w.amount_due, w.created_at
			FROM withheld_transactions w
			WHERE w.has_been_reconciled = FALSE
			ORDER BY w.transaction_id, w.created_at DESC
		) c
		WHERE c.created_at <= $1
		ORDER BY c.created_at
		LIMIT NULLIF($2, 0)
	`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []domain.WithheldRetryCandidate
	for rows.Next() {
		var c domain.WithheldRetryCandidate
		if err := rows.Scan(&c.WithheldID, &c.TransactionID, &c.AmountDue, &c.LastAttemptAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// MarkWithheldReconciledForTransaction resolves every open withholding for a
// transaction once its transfer finally succeeds. Returns the number of
// records closed.
func (r *PostgresRepository) MarkWithheldReconciledForTransaction(ctx context.Context, transactionID uuid.UUID, at time.Time) (int64, error) {
	query := `
		UPDATE withheld_transactions
		SET has_been_reconciled = TRUE, reconciled_at = $2
		WHERE transaction_id = $1 AND has_been_reconciled = FALSE
	`
	cmdTag, err := r.db.Exec(ctx, query, transactionID, at)
	if err != nil {
		return 0, err
	}
	return cmdTag.RowsAffected(), nil
}

// CountUnreconciledWithheld counts open withholdings for a transaction.
func (r *PostgresRepository) CountUnreconciledWithheld(ctx context.Context, transactionID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM withheld_transactions WHERE transaction_id = $1 AND has_been_reconciled = FALSE`
	err := r.db.QueryRow(ctx, query, transactionID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// InsertStatusLogEntry appends a processor status event to the transaction's
// log. Returns false when the processor event id was already recorded, which
// is how webhook redeliveries are detected.
func (r *PostgresRepository) InsertStatusLogEntry(ctx context.Context, entry *domain.TransactionStatusLogEntry) (bool, error) {
	query := `
		INSERT INTO transaction_status_log (
			processor_event_id, transfer_id, status, event_timestamp, received_at
		) VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (processor_event_id) DO NOTHING
	`
	cmdTag, err := r.db.Exec(ctx, query,
		entry.ProcessorEventID, entry.TransferID, entry.Status, entry.EventTimestamp,
	)
	if err != nil {
		return false, err
	}
	return cmdTag.RowsAffected() > 0, nil
}

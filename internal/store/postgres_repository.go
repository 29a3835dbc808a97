/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface for accounts, shared expenses, user agreements, and email
 * invites. Settlement transaction and withholding queries live in
 * postgres_repository_settlement.go.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/splitwell/settlement-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrExpenseNotFound     = errors.New("shared expense not found")
	ErrAgreementNotFound   = errors.New("user agreement not found")
	ErrInviteNotFound      = errors.New("expense invite not found")
	ErrAgreementNotPending = errors.New("user agreement is not pending")
	ErrTransactionNotFound = errors.New("settlement transaction not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindAccountByID retrieves a payment account by its ID.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, user_id, account_type, processor_account_ref FROM accounts WHERE id = $1`
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&account.ID,
		&account.UserID,
		&account.Type,
		&account.ProcessorAccountRef,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CreateSharedExpense persists a shared expense together with its initial
// agreements and email invites in a single transaction. The owner has no
// agreement row; their contribution is the complement of all others.
func (r *PostgresRepository) CreateSharedExpense(ctx context.Context, expense *domain.SharedExpense, agreements []domain.UserAgreement, invites []domain.ExpenseInvite) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	expenseQuery := `
		INSERT INTO shared_expenses (
			id, expense_type, owner_user_id, owner_source_account_id, owner_destination_account_id,
			vendor_identity, is_pending, is_active,
			interval_unit, frequency, first_charge_date, next_payment_date, end_date,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`
	_, err = tx.Exec(ctx, expenseQuery,
		expense.ID,
		expense.Type,
		expense.OwnerUserID,
		expense.OwnerSourceAccountID,
		expense.OwnerDestinationAccountID,
		expense.VendorIdentity,
		expense.IsPending,
		expense.IsActive,
		nullableIntervalUnit(expense.IntervalUnit),
		nullableFrequency(expense.Frequency),
		expense.FirstChargeDate,
		expense.NextPaymentDate,
		expense.EndDate,
	)
	if err != nil {
		return fmt.Errorf("failed to insert shared expense: %w", err)
	}

	agreementQuery := `
		INSERT INTO expense_user_agreements (
			id, expense_id, user_id, contribution_type, contribution_value,
			is_pending, is_active, payment_account_id, activated_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`
	for i := range agreements {
		a := &agreements[i]
		_, err = tx.Exec(ctx, agreementQuery,
			a.ID, a.ExpenseID, a.UserID, a.ContributionType, a.ContributionValue,
			a.IsPending, a.IsActive, a.PaymentAccountID, a.ActivatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert agreement for user %s: %w", a.UserID, err)
		}
	}

	inviteQuery := `
		INSERT INTO expense_user_invites (
			id, expense_id, email, contribution_type, contribution_value, created_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
	`
	for i := range invites {
		inv := &invites[i]
		_, err = tx.Exec(ctx, inviteQuery,
			inv.ID, inv.ExpenseID, inv.Email, inv.ContributionType, inv.ContributionValue,
		)
		if err != nil {
			return fmt.Errorf("failed to insert invite for %s: %w", inv.Email, err)
		}
	}

	return tx.Commit(ctx)
}

func nullableIntervalUnit(u domain.IntervalUnit) *string {
	if u == "" {
		return nil
	}
	s := string(u)
	return &s
}

func nullableFrequency(f int) *int {
	if f <= 0 {
		return nil
	}
	return &f
}

// FindExpenseAggregateByID loads a shared expense together with all of its
// agreements and outstanding email invites.
func (r *PostgresRepository) FindExpenseAggregateByID(ctx context.Context, expenseID uuid.UUID) (*domain.ExpenseAggregate, error) {
	expense, err := r.findSharedExpense(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	agreements, err := r.findAgreementsByExpenseID(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	invites, err := r.findInvitesByExpenseID(ctx, expenseID)
	if err != nil {
		return nil, err
	}

	return &domain.ExpenseAggregate{
		Expense:    *expense,
		Agreements: agreements,
		Invites:    invites,
	}, nil
}

const sharedExpenseColumns = `
	id, expense_type, owner_user_id, owner_source_account_id, owner_destination_account_id,
	vendor_identity, is_pending, is_active,
	COALESCE(interval_unit, ''), COALESCE(frequency, 0),
	first_charge_date, next_payment_date, end_date,
	deactivated_at, created_at, updated_at
`

func (r *PostgresRepository) findSharedExpense(ctx context.Context, expenseID uuid.UUID) (*domain.SharedExpense, error) {
	query := `SELECT ` + sharedExpenseColumns + ` FROM shared_expenses WHERE id = $1`
	row := r.db.QueryRow(ctx, query, expenseID)
	expense, err := scanSharedExpense(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrExpenseNotFound
		}
		return nil, err
	}
	return expense, nil
}

func scanSharedExpense(row pgx.Row) (*domain.SharedExpense, error) {
	var e domain.SharedExpense
	err := row.Scan(
		&e.ID, &e.Type, &e.OwnerUserID, &e.OwnerSourceAccountID, &e.OwnerDestinationAccountID,
		&e.VendorIdentity, &e.IsPending, &e.IsActive,
		&e.IntervalUnit, &e.Frequency,
		&e.FirstChargeDate, &e.NextPaymentDate, &e.EndDate,
		&e.DeactivatedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const userAgreementColumns = `
	id, expense_id, user_id, contribution_type, contribution_value,
	is_pending, is_active, payment_account_id, activated_at, deactivated_at,
	created_at, updated_at
`

func scanUserAgreement(row pgx.Row) (*domain.UserAgreement, error) {
	var a domain.UserAgreement
	err := row.Scan(
		&a.ID, &a.ExpenseID, &a.UserID, &a.ContributionType, &a.ContributionValue,
		&a.IsPending, &a.IsActive, &a.PaymentAccountID, &a.ActivatedAt, &a.DeactivatedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *PostgresRepository) findAgreementsByExpenseID(ctx context.Context, expenseID uuid.UUID) ([]domain.UserAgreement, error) {
	query := `SELECT ` + userAgreementColumns + `
		FROM expense_user_agreements
		WHERE expense_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, expenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agreements []domain.UserAgreement
	for rows.Next() {
		a, err := scanUserAgreement(rows)
		if err != nil {
			return nil, err
		}
		agreements = append(agreements, *a)
	}
	return agreements, rows.Err()
}

func (r *PostgresRepository) findInvitesByExpenseID(ctx context.Context, expenseID uuid.UUID) ([]domain.ExpenseInvite, error) {
	query := `
		SELECT id, expense_id, email, contribution_type, contribution_value, created_at
		FROM expense_user_invites
		WHERE expense_id = $1 AND converted_agreement_id IS NULL AND declined_at IS NULL
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, expenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invites []domain.ExpenseInvite
	for rows.Next() {
		var inv domain.ExpenseInvite
		if err := rows.Scan(
			&inv.ID, &inv.ExpenseID, &inv.Email, &inv.ContributionType, &inv.ContributionValue, &inv.CreatedAt,
		); err != nil {
			return nil, err
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

// FindActiveVendorExpenses returns the active vendor-linked expenses whose
// owner source account and normalized vendor identity match an observed
// charge.
func (r *PostgresRepository) FindActiveVendorExpenses(ctx context.Context, sourceAccountID uuid.UUID, vendorIdentity string) ([]domain.SharedExpense, error) {
	query := `SELECT ` + sharedExpenseColumns + `
		FROM shared_expenses
		WHERE owner_source_account_id = $1
			AND expense_type = $2
			AND lower(btrim(vendor_identity)) = lower(btrim($3))
			AND is_active = TRUE
			AND is_pending = FALSE
	`
	return r.queryExpenses(ctx, query, sourceAccountID, domain.ExpenseTypeVendorWebhook, vendorIdentity)
}

// HasActiveVendorExpense reports whether the owner already shares an active
// expense for the given vendor identity. Used to reject duplicates at
// creation time.
func (r *PostgresRepository) HasActiveVendorExpense(ctx context.Context, ownerUserID uuid.UUID, vendorIdentity string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM shared_expenses
			WHERE owner_user_id = $1
				AND expense_type = $2
				AND lower(btrim(vendor_identity)) = lower(btrim($3))
				AND is_active = TRUE
		)
	`
	err := r.db.QueryRow(ctx, query, ownerUserID, domain.ExpenseTypeVendorWebhook, vendorIdentity).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// UpdateNextPaymentDate advances a recurring expense's schedule cursor.
func (r *PostgresRepository) UpdateNextPaymentDate(ctx context.Context, expenseID uuid.UUID, next time.Time) error {
	query := `UPDATE shared_expenses SET next_payment_date = $2, updated_at = NOW() WHERE id = $1`
	cmdTag, err := r.db.Exec(ctx, query, expenseID, next)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrExpenseNotFound
	}
	return nil
}

// DeactivateSharedExpense soft-deletes an expense. Historical transactions
// and withholding records are left untouched.
func (r *PostgresRepository) DeactivateSharedExpense(ctx context.Context, expenseID uuid.UUID, at time.Time) error {
	query := `
		UPDATE shared_expenses
		SET is_active = FALSE, deactivated_at = $2, updated_at = NOW()
		WHERE id = $1 AND is_active = TRUE
	`
	cmdTag, err := r.db.Exec(ctx, query, expenseID, at)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrExpenseNotFound
	}
	return nil
}

// AnonymizeUser replaces a departing user's id with a placeholder id across
// agreements and deactivates the agreements, preserving settlement history
// for the remaining participants. Returns the number of rewritten agreements.
func (r *PostgresRepository) AnonymizeUser(ctx context.Context, userID uuid.UUID, placeholderID uuid.UUID) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	agreementQuery := `
		UPDATE expense_user_agreements
		SET user_id = $2, payment_account_id = NULL, is_active = FALSE, is_pending = FALSE,
			deactivated_at = NOW(), updated_at = NOW()
		WHERE user_id = $1
	`
	cmdTag, err := tx.Exec(ctx, agreementQuery, userID, placeholderID)
	if err != nil {
		return 0, fmt.Errorf("failed to anonymize agreements: %w", err)
	}
	rewritten := cmdTag.RowsAffected()

	// Expenses owned by the departing user are shut down instead of rewritten.
	expenseQuery := `
		UPDATE shared_expenses
		SET owner_user_id = $2, is_active = FALSE, deactivated_at = NOW(), updated_at = NOW()
		WHERE owner_user_id = $1 AND is_active = TRUE
	`
	if _, err := tx.Exec(ctx, expenseQuery, userID, placeholderID); err != nil {
		return 0, fmt.Errorf("failed to deactivate owned expenses: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return rewritten, nil
}

// FindRecurringExpensesDue returns active recurring expenses whose next
// payment date is on or before asOf.
func (r *PostgresRepository) FindRecurringExpensesDue(ctx context.Context, asOf time.Time) ([]domain.SharedExpense, error) {
	query := `SELECT ` + sharedExpenseColumns + `
		FROM shared_expenses
		WHERE expense_type = $1
			AND is_active = TRUE
			AND is_pending = FALSE
			AND next_payment_date IS NOT NULL
			AND next_payment_date <= $2
		ORDER BY next_payment_date ASC
	`
	return r.queryExpenses(ctx, query, domain.ExpenseTypeRecurring, asOf)
}

// FindRecurringExpensesDueWithin returns active recurring expenses falling
// due inside the (from, until] window. Used by the reminder sweep.
func (r *PostgresRepository) FindRecurringExpensesDueWithin(ctx context.Context, from, until time.Time) ([]domain.SharedExpense, error) {
	query := `SELECT ` + sharedExpenseColumns + `
		FROM shared_expenses
		WHERE expense_type = $1
			AND is_active = TRUE
			AND is_pending = FALSE
			AND next_payment_date IS NOT NULL
			AND next_payment_date > $2
			AND next_payment_date <= $3
		ORDER BY next_payment_date ASC
	`
	return r.queryExpenses(ctx, query, domain.ExpenseTypeRecurring, from, until)
}

func (r *PostgresRepository) queryExpenses(ctx context.Context, query string, args ...any) ([]domain.SharedExpense, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []domain.SharedExpense
	for rows.Next() {
		expense, err := scanSharedExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, *expense)
	}
	return expenses, rows.Err()
}

// FindAgreementByID retrieves a single user agreement.
func (r *PostgresRepository) FindAgreementByID(ctx context.Context, agreementID uuid.UUID) (*domain.UserAgreement, error) {
	query := `SELECT ` + userAgreementColumns + ` FROM expense_user_agreements WHERE id = $1`
	a, err := scanUserAgreement(r.db.QueryRow(ctx, query, agreementID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAgreementNotFound
		}
		return nil, err
	}
	return a, nil
}

// AcceptAgreement activates a pending agreement and records the payment
// account the participant will be debited from. When the acceptance leaves
// no pending agreements and no outstanding invites, the expense itself
// leaves its pending state.
func (r *PostgresRepository) AcceptAgreement(ctx context.Context, agreementID uuid.UUID, paymentAccountID uuid.UUID, at time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var expenseID uuid.UUID
	acceptQuery := `
		UPDATE expense_user_agreements
		SET is_pending = FALSE, is_active = TRUE, payment_account_id = $2,
			activated_at = $3, updated_at = NOW()
		WHERE id = $1 AND is_pending = TRUE AND deactivated_at IS NULL
		RETURNING expense_id
	`
	err = tx.QueryRow(ctx, acceptQuery, agreementID, paymentAccountID, at).Scan(&expenseID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrAgreementNotPending
		}
		return err
	}

	activateQuery := `
		UPDATE shared_expenses e
		SET is_pending = FALSE, updated_at = NOW()
		WHERE e.id = $1
			AND e.is_pending = TRUE
			AND NOT EXISTS (
				SELECT 1 FROM expense_user_agreements a
				WHERE a.expense_id = e.id AND a.is_pending = TRUE AND a.deactivated_at IS NULL
			)
			AND NOT EXISTS (
				SELECT 1 FROM expense_user_invites i
				WHERE i.expense_id = e.id AND i.converted_agreement_id IS NULL AND i.declined_at IS NULL
			)
	`
	if _, err := tx.Exec(ctx, activateQuery, expenseID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DeclineAgreement marks a pending agreement as declined. The expense stays
// pending; the owner decides whether to deactivate or re-invite.
func (r *PostgresRepository) DeclineAgreement(ctx context.Context, agreementID uuid.UUID, at time.Time) error {
	query := `
		UPDATE expense_user_agreements
		SET is_pending = FALSE, is_active = FALSE, deactivated_at = $2, updated_at = NOW()
		WHERE id = $1 AND is_pending = TRUE AND deactivated_at IS NULL
	`
	cmdTag, err := r.db.Exec(ctx, query, agreementID, at)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAgreementNotPending
	}
	return nil
}

// ConvertInviteToAgreement turns an outstanding email invite into a pending
// agreement for the user who signed up with that email. The invite's
// contribution terms carry over unchanged.
func (r *PostgresRepository) ConvertInviteToAgreement(ctx context.Context, inviteID uuid.UUID, userID uuid.UUID) (*domain.UserAgreement, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var inv domain.ExpenseInvite
	claimQuery := `
		SELECT id, expense_id, email, contribution_type, contribution_value, created_at
		FROM expense_user_invites
		WHERE id = $1 AND converted_agreement_id IS NULL AND declined_at IS NULL
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, claimQuery, inviteID).Scan(
		&inv.ID, &inv.ExpenseID, &inv.Email, &inv.ContributionType, &inv.ContributionValue, &inv.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrInviteNotFound
		}
		return nil, err
	}

	agreement := domain.UserAgreement{
		ID:                uuid.New(),
		ExpenseID:         inv.ExpenseID,
		UserID:            userID,
		ContributionType:  inv.ContributionType,
		ContributionValue: inv.ContributionValue,
		IsPending:         true,
	}
	insertQuery := `
		INSERT INTO expense_user_agreements (
			id, expense_id, user_id, contribution_type, contribution_value,
			is_pending, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		agreement.ID, agreement.ExpenseID, agreement.UserID, agreement.ContributionType, agreement.ContributionValue,
	).Scan(&agreement.CreatedAt, &agreement.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert converted agreement: %w", err)
	}

	linkQuery := `UPDATE expense_user_invites SET converted_agreement_id = $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, linkQuery, inv.ID, agreement.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &agreement, nil
}

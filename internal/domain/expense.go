/**
 * @description
 * This file defines the shared-expense aggregate: the expense itself, each
 * participant's agreement, and pending invites for participants who have not
 * registered yet. These structs map directly to the `shared_expenses`,
 * `expense_user_agreements`, and `expense_user_invites` tables.
 *
 * @notes
 * - Amounts and fixed contribution values are stored as `int64` in the smallest
 *   currency unit (cents) to avoid floating-point inaccuracies.
 * - Percentage contribution values are whole numbers 0-100, also carried in the
 *   same nullable int64 column.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExpenseType distinguishes how settlement for an expense is triggered.
type ExpenseType string

const (
	// ExpenseTypeVendorWebhook expenses settle when a matching vendor charge is
	// observed on the owner's source account.
	ExpenseTypeVendorWebhook ExpenseType = "vendor_webhook"
	// ExpenseTypeRecurring expenses settle on a fixed schedule with amounts
	// agreed in advance.
	ExpenseTypeRecurring ExpenseType = "recurring"
)

// IntervalUnit is the unit of the recurrence interval.
type IntervalUnit string

const (
	IntervalDays   IntervalUnit = "days"
	IntervalMonths IntervalUnit = "months"
)

// AccountType mirrors the account classification produced by the external
// account-linking collaborator.
type AccountType string

const (
	AccountTypeDepository AccountType = "depository"
	AccountTypeCredit     AccountType = "credit"
)

// Account is a simplified view of a linked bank account, containing only the
// data this engine needs to address transfers.
type Account struct {
	ID                  uuid.UUID   `json:"id"`
	UserID              uuid.UUID   `json:"user_id"`
	Type                AccountType `json:"type"`
	ProcessorAccountRef string      `json:"processor_account_ref"`
}

// SharedExpense is one agreement-to-split. It is never hard-deleted; user
// removal substitutes a placeholder owner identity so historical settlement
// transactions stay attributable.
type SharedExpense struct {
	ID                        uuid.UUID    `json:"id"`
	Type                      ExpenseType  `json:"type"`
	OwnerUserID               uuid.UUID    `json:"owner_user_id"`
	OwnerSourceAccountID      uuid.UUID    `json:"owner_source_account_id"`
	OwnerDestinationAccountID uuid.UUID    `json:"owner_destination_account_id"`
	VendorIdentity            *string      `json:"vendor_identity,omitempty"` // nil for date-based recurring expenses
	IsPending                 bool         `json:"is_pending"`
	IsActive                  bool         `json:"is_active"`
	IntervalUnit              IntervalUnit `json:"interval_unit,omitempty"`
	Frequency                 int          `json:"frequency,omitempty"`
	FirstChargeDate           *time.Time   `json:"first_charge_date,omitempty"`
	NextPaymentDate           *time.Time   `json:"next_payment_date,omitempty"`
	EndDate                   *time.Time   `json:"end_date,omitempty"`
	DeactivatedAt             *time.Time   `json:"deactivated_at,omitempty"`
	CreatedAt                 time.Time    `json:"created_at"`
	UpdatedAt                 time.Time    `json:"updated_at"`
}

// IsRecurring reports whether the expense settles on a schedule rather than on
// observed vendor charges.
func (e *SharedExpense) IsRecurring() bool {
	return e.Type == ExpenseTypeRecurring
}

// ContributionType is the rule used to derive a participant's owed amount.
type ContributionType string

const (
	ContributionPercentage  ContributionType = "percentage"
	ContributionFixed       ContributionType = "fixed"
	ContributionSplitEvenly ContributionType = "split_evenly"
)

// UserAgreement is one participant's commitment within a shared expense. The
// owner's contribution is implicit: the complement of all other agreements.
type UserAgreement struct {
	ID                uuid.UUID        `json:"id"`
	ExpenseID         uuid.UUID        `json:"expense_id"`
	UserID            uuid.UUID        `json:"user_id"`
	ContributionType  ContributionType `json:"contribution_type"`
	ContributionValue *int64           `json:"contribution_value,omitempty"` // nil for split_evenly
	IsPending         bool             `json:"is_pending"`
	IsActive          bool             `json:"is_active"`
	PaymentAccountID  *uuid.UUID       `json:"payment_account_id,omitempty"`
	ActivatedAt       *time.Time       `json:"activated_at,omitempty"`
	DeactivatedAt     *time.Time       `json:"deactivated_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ExpenseInvite is a pending commitment for a participant who has not
// registered yet. It is converted into a UserAgreement once the invitee signs
// up, but still counts toward split-evenly participant totals.
type ExpenseInvite struct {
	ID                uuid.UUID        `json:"id"`
	ExpenseID         uuid.UUID        `json:"expense_id"`
	Email             string           `json:"email"`
	ContributionType  ContributionType `json:"contribution_type"`
	ContributionValue *int64           `json:"contribution_value,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// ExpenseAggregate is a fully materialized expense with its agreements and
// invites, as returned by the repository. The core logic never needs lazy
// traversal, only this shape.
type ExpenseAggregate struct {
	Expense    SharedExpense   `json:"expense"`
	Agreements []UserAgreement `json:"agreements"`
	Invites    []ExpenseInvite `json:"invites"`
}

// ActiveAgreements returns the agreements that are accepted and not yet
// deactivated.
func (a *ExpenseAggregate) ActiveAgreements() []UserAgreement {
	var active []UserAgreement
	for _, agreement := range a.Agreements {
		if agreement.IsActive && !agreement.IsPending {
			active = append(active, agreement)
		}
	}
	return active
}

// ParticipantCount is the number of non-owner participants: agreements that
// are still in play (accepted, or pending acceptance) plus outstanding
// invites. Declined and deactivated agreements are excluded so their share
// flows back to the remaining participants. The owner is not included.
func (a *ExpenseAggregate) ParticipantCount() int {
	count := len(a.Invites)
	for _, agreement := range a.Agreements {
		if agreement.IsActive || agreement.IsPending {
			count++
		}
	}
	return count
}

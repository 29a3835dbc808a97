/**
 * @description
 * Recurrence arithmetic for scheduled shared expenses. The schedule cursor
 * (next_payment_date) always advances from its current value, never from the
 * wall clock, so a sweep that runs late does not shift the cadence.
 */

package app

import (
	"fmt"
	"time"

	"github.com/splitwell/settlement-service/internal/domain"
)

// NextOccurrence computes the occurrence after current for the expense's
// interval settings. Month arithmetic follows time.AddDate, so Jan 31 plus
// one month lands in early March rather than clamping to Feb's end.
func NextOccurrence(expense *domain.SharedExpense, current time.Time) (time.Time, error) {
	if expense.Frequency <= 0 {
		return time.Time{}, fmt.Errorf("expense %s has no valid frequency", expense.ID)
	}

	switch expense.IntervalUnit {
	case domain.IntervalDays:
		return current.AddDate(0, 0, expense.Frequency), nil
	case domain.IntervalMonths:
		return current.AddDate(0, expense.Frequency, 0), nil
	default:
		return time.Time{}, fmt.Errorf("expense %s has unknown interval unit %q", expense.ID, expense.IntervalUnit)
	}
}

// ScheduleAfterSettlement decides what happens to the schedule once a period
// is fully settled: either the next occurrence, or done=true when the next
// occurrence would pass the expense's end date and the expense should be
// deactivated.
func ScheduleAfterSettlement(expense *domain.SharedExpense) (next time.Time, done bool, err error) {
	if expense.NextPaymentDate == nil {
		return time.Time{}, false, fmt.Errorf("expense %s has no next payment date", expense.ID)
	}
	next, err = NextOccurrence(expense, *expense.NextPaymentDate)
	if err != nil {
		return time.Time{}, false, err
	}
	if expense.EndDate != nil && next.After(*expense.EndDate) {
		return time.Time{}, true, nil
	}
	return next, false, nil
}

/**
 * @description
 * Contribution math for splitting an observed or scheduled charge across the
 * participants of a shared expense. All amounts are integer minor units.
 *
 * Three contribution types are supported:
 * - percentage: truncating integer percentage of the charge.
 * - fixed: a flat amount regardless of the charge.
 * - split_evenly: the charge divided by the participant count with
 *   round-half-to-even on the boundary, so a population of splits doesn't
 *   drift in either direction.
 */

package app

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/splitwell/settlement-service/internal/domain"
)

var (
	ErrNoParticipants           = errors.New("expense has no active participants")
	ErrMissingContributionValue = errors.New("contribution value required for this contribution type")
)

// ContributionShare is one participant's computed slice of a charge.
type ContributionShare struct {
	AgreementID uuid.UUID
	UserID      uuid.UUID
	AccountID   uuid.UUID
	Amount      int64
}

// PercentageShare computes value percent of the charge, truncated toward
// zero. A 33% share of 1000 is 330; the lost fraction is accepted.
func PercentageShare(charge int64, percent int64) int64 {
	return charge * percent / 100
}

// OwnerPercentageShare is the percentage of a charge that stays with the
// owner after every participant percentage is taken out. Clamped at zero for
// oversubscribed expenses, which validation rejects on creation but older
// rows may still carry.
func OwnerPercentageShare(percents []int64) int64 {
	remainder := int64(100)
	for _, p := range percents {
		remainder -= p
	}
	if remainder < 0 {
		return 0
	}
	return remainder
}

// OwnerPercentageForAggregate collects the percentage contributions still in
// play, agreements that are accepted or pending plus outstanding invites, and
// returns the owner's implicit remainder.
func OwnerPercentageForAggregate(aggregate *domain.ExpenseAggregate) int64 {
	var percents []int64
	for _, agreement := range aggregate.Agreements {
		if !agreement.IsActive && !agreement.IsPending {
			continue
		}
		if agreement.ContributionType == domain.ContributionPercentage && agreement.ContributionValue != nil {
			percents = append(percents, *agreement.ContributionValue)
		}
	}
	for _, invite := range aggregate.Invites {
		if invite.ContributionType == domain.ContributionPercentage && invite.ContributionValue != nil {
			percents = append(percents, *invite.ContributionValue)
		}
	}
	return OwnerPercentageShare(percents)
}

// SplitEvenlyShare divides the charge across shareCount participants using
// round-half-to-even. Exact halves round to the even quotient, which keeps
// repeated splits from systematically over- or under-charging.
func SplitEvenlyShare(charge int64, shareCount int64) int64 {
	if shareCount <= 0 {
		return 0
	}
	negative := charge < 0
	abs := charge
	if negative {
		abs = -abs
	}

	q := abs / shareCount
	r := abs % shareCount
	switch {
	case 2*r > shareCount:
		q++
	case 2*r == shareCount && q%2 != 0:
		q++
	}

	if negative {
		return -q
	}
	return q
}

// ComputeShares resolves every active participant's owed amount for one
// charge. The owner has no agreement row; whatever the other participants do
// not cover stays with the owner, who already paid the vendor. Pending
// agreements and outstanding invites count toward the split-evenly
// denominator because their future acceptance carries the same terms;
// declined agreements do not.
func ComputeShares(aggregate *domain.ExpenseAggregate, charge int64) ([]ContributionShare, error) {
	participantCount := int64(aggregate.ParticipantCount())
	if participantCount <= 0 {
		return nil, ErrNoParticipants
	}
	// The owner is part of the split even though no transfer is made for them.
	denominator := participantCount + 1

	var shares []ContributionShare
	for _, agreement := range aggregate.ActiveAgreements() {
		if agreement.PaymentAccountID == nil {
			return nil, fmt.Errorf("agreement %s has no payment account", agreement.ID)
		}

		amount, err := shareForAgreement(&agreement, charge, denominator)
		if err != nil {
			return nil, err
		}
		if amount == 0 {
			continue
		}

		shares = append(shares, ContributionShare{
			AgreementID: agreement.ID,
			UserID:      agreement.UserID,
			AccountID:   *agreement.PaymentAccountID,
			Amount:      amount,
		})
	}
	return shares, nil
}

func shareForAgreement(agreement *domain.UserAgreement, charge int64, denominator int64) (int64, error) {
	switch agreement.ContributionType {
	case domain.ContributionPercentage:
		if agreement.ContributionValue == nil {
			return 0, ErrMissingContributionValue
		}
		return PercentageShare(charge, *agreement.ContributionValue), nil
	case domain.ContributionFixed:
		if agreement.ContributionValue == nil {
			return 0, ErrMissingContributionValue
		}
		// Fixed contributions keep their sign aligned with the charge so a
		// refunded charge refunds the fixed contributor too.
		if charge < 0 {
			return -*agreement.ContributionValue, nil
		}
		return *agreement.ContributionValue, nil
	case domain.ContributionSplitEvenly:
		return SplitEvenlyShare(charge, denominator), nil
	default:
		return 0, fmt.Errorf("unknown contribution type %q", agreement.ContributionType)
	}
}

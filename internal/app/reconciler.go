/**
 * @description
 * Withheld-transaction reconciliation: classification of processor failure
 * codes into withholding reasons, and the periodic retry sweep that
 * re-initiates transfers for transactions whose last failure has aged past
 * the cooldown.
 *
 * A retry only re-initiates the transfer. The withheld records stay open
 * until the processor's own status event reports the transfer processed;
 * the status synchronizer flips them then.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/splitwell/settlement-service/internal/domain"
)

// classifyFailure maps a processor failure code to a withholding reason.
// Unrecognized codes classify as unknown rather than failing the attempt.
func classifyFailure(code string) domain.WithholdingReason {
	switch code {
	case "insufficient_funds", "nsf":
		return domain.WithholdingInsufficientFunds
	case "funding_source_not_found":
		return domain.WithholdingFundingSourceNotFound
	case "funding_source_invalid", "invalid_funding_source":
		return domain.WithholdingFundingSourceInvalid
	case "destination_unverified", "receiver_not_verified":
		return domain.WithholdingDestinationUnverified
	case "transfer_metadata_unsupported":
		return domain.WithholdingMetadataUnsupported
	case "sender_restricted":
		return domain.WithholdingSenderRestricted
	case "receiver_restricted":
		return domain.WithholdingReceiverRestricted
	case "invalid_access_token", "access_revoked":
		return domain.WithholdingInvalidAccessToken
	case "forbidden":
		return domain.WithholdingForbidden
	case "balance_unavailable":
		return domain.WithholdingBalanceUnavailable
	default:
		return domain.WithholdingUnknown
	}
}

// ReconcileSummary reports what one retry sweep did.
type ReconcileSummary struct {
	Candidates     int `json:"candidates"`
	Retried        int `json:"retried"`
	Skipped        int `json:"skipped"`
	AlreadySettled int `json:"already_settled"`
	Failed         int `json:"failed"`
}

// ReconcileWithheldTransactions retries transfers for unreconciled withheld
// transactions whose latest failure predates the cooldown window. Attempt
// counts are reported, not capped here: whether a transaction has exhausted
// its attempts is a policy the caller reads from config and applies to
// alerting, so a raised ceiling retroactively revives stuck transactions.
func (s *Service) ReconcileWithheldTransactions(ctx context.Context, limit int) (ReconcileSummary, error) {
	if limit <= 0 || limit > s.withheldRetryLimit {
		limit = s.withheldRetryLimit
	}
	cutoff := time.Now().UTC().Add(-s.retryCooldown)

	candidates, err := s.repo.ListWithheldRetryCandidates(ctx, cutoff, limit)
	if err != nil {
		return ReconcileSummary{}, err
	}

	summary := ReconcileSummary{Candidates: len(candidates)}
	for _, candidate := range candidates {
		tx, err := s.repo.FindTransactionByID(ctx, candidate.TransactionID)
		if err != nil {
			log.Printf("level=error component=service op=reconcile_withheld transaction_id=%s err=%v", candidate.TransactionID, err)
			summary.Skipped++
			continue
		}
		if tx.TransferredToDestination {
			// The transfer already succeeded; close the books.
			if _, err := s.repo.MarkWithheldReconciledForTransaction(ctx, tx.ID, time.Now().UTC()); err != nil {
				log.Printf("level=error component=service op=reconcile_withheld transaction_id=%s err=%v", tx.ID, err)
			}
			summary.AlreadySettled++
			continue
		}
		if tx.TransferStatus == domain.TransferStatusPending && tx.TransferID != nil {
			// A transfer is still in flight; wait for its status event.
			summary.Skipped++
			continue
		}

		if err := s.initiateTransfer(ctx, tx); err != nil {
			summary.Failed++
			continue
		}
		summary.Retried++
	}

	log.Printf("level=info component=service op=reconcile_withheld candidates=%d retried=%d skipped=%d settled=%d failed=%d",
		summary.Candidates, summary.Retried, summary.Skipped, summary.AlreadySettled, summary.Failed)
	return summary, nil
}

/**
 * @description
 * This file contains the core business logic for the settlement-service. The
 * `Service` struct orchestrates the settlement pipeline: matching observed
 * vendor charges to shared expenses, fanning settlement out across
 * agreements via the transaction factory, initiating transfers with the
 * payment processor, and managing the expense lifecycle.
 *
 * Key features:
 * - Implements expense creation with contribution-rule validation.
 * - Fans an observed charge or a due schedule date out into per-agreement
 *   settlement transactions, exactly once per charge.
 * - Initiates processor transfers with a stable idempotency token and
 *   records a withheld transaction on every initiation failure.
 * - Publishes events to RabbitMQ for asynchronous processing by other
 *   services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/transferclient, pkg/rabbitmq: For external service communication.
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
	"github.com/splitwell/settlement-service/pkg/rabbitmq"
	"github.com/splitwell/settlement-service/pkg/transferclient"
)

const (
	// SettlementEventsExchange is the topic exchange all settlement events
	// are published to.
	SettlementEventsExchange = "settlement.events"

	RoutingKeyTransactionCreated  = "settlement.transaction.created"
	RoutingKeyTransactionWithheld = "settlement.transaction.withheld"
	RoutingKeyTransactionSettled  = "settlement.transaction.settled"
	RoutingKeySettlementReminder  = "settlement.reminder.due"
	RoutingKeyExpenseDeactivated  = "settlement.expense.deactivated"
)

var (
	ErrVendorIdentityRequired   = errors.New("vendor identity required for webhook expenses")
	ErrDuplicateVendorExpense   = errors.New("owner already has an active expense for this vendor")
	ErrScheduleRequired         = errors.New("recurring expenses require interval, frequency and first charge date")
	ErrInvalidContribution      = errors.New("invalid contribution rule")
	ErrPercentageOversubscribed = errors.New("percentage contributions exceed 100")
	ErrNotAgreementOwner        = errors.New("agreement belongs to a different user")
	ErrAccountOwnershipMismatch = errors.New("payment account belongs to a different user")
	ErrAccountNotDepository     = errors.New("payment account must be a depository account")
)

// TransferClient is the slice of the processor client the service depends
// on. Narrowed to an interface so tests can observe initiations without a
// live processor.
type TransferClient interface {
	InitiateTransfer(ctx context.Context, transfer transferclient.TransferRequest) (*transferclient.TransferResponse, error)
	GetAccountBalance(ctx context.Context, accountRef string) (*transferclient.BalanceResponse, error)
}

// Options carries the settlement policy knobs the service needs from config.
type Options struct {
	RetryCooldown      time.Duration
	MaxAttempts        int
	ReminderLookahead  time.Duration
	WithheldRetryLimit int
}

// Service provides the core business logic for expense settlement.
type Service struct {
	repo               store.Repository
	transfers          TransferClient
	producer           rabbitmq.Publisher
	factory            *TransactionFactory
	retryCooldown      time.Duration
	maxAttempts        int
	reminderLookahead  time.Duration
	withheldRetryLimit int
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, transfers TransferClient, producer rabbitmq.Publisher, opts Options) *Service {
	if opts.RetryCooldown <= 0 {
		opts.RetryCooldown = 24 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.ReminderLookahead <= 0 {
		opts.ReminderLookahead = 24 * time.Hour
	}
	if opts.WithheldRetryLimit <= 0 {
		opts.WithheldRetryLimit = 200
	}
	return &Service{
		repo:               repo,
		transfers:          transfers,
		producer:           producer,
		factory:            NewTransactionFactory(repo),
		retryCooldown:      opts.RetryCooldown,
		maxAttempts:        opts.MaxAttempts,
		reminderLookahead:  opts.ReminderLookahead,
		withheldRetryLimit: opts.WithheldRetryLimit,
	}
}

// ParticipantSpec describes one invited participant at expense-creation
// time. Exactly one of UserID or Email is set; email invitees get an invite
// record instead of an agreement until they register.
type ParticipantSpec struct {
	UserID            *uuid.UUID
	Email             string
	ContributionType  domain.ContributionType
	ContributionValue *int64
}

// CreateExpenseParams is the input for creating a shared expense.
type CreateExpenseParams struct {
	Type                      domain.ExpenseType
	OwnerUserID               uuid.UUID
	OwnerSourceAccountID      uuid.UUID
	OwnerDestinationAccountID uuid.UUID
	VendorIdentity            string
	IntervalUnit              domain.IntervalUnit
	Frequency                 int
	FirstChargeDate           *time.Time
	EndDate                   *time.Time
	Participants              []ParticipantSpec
}

// CreateSharedExpense validates and persists a new shared expense. The
// expense starts pending and activates once every participant accepts.
func (s *Service) CreateSharedExpense(ctx context.Context, params CreateExpenseParams) (*domain.ExpenseAggregate, error) {
	if len(params.Participants) == 0 {
		return nil, ErrNoParticipants
	}
	if err := s.validateExpenseTrigger(ctx, &params); err != nil {
		return nil, err
	}
	if err := validateContributions(params.Type, params.Participants); err != nil {
		return nil, err
	}

	// The owner's destination account must exist and belong to the owner;
	// it is the receiving side of every settlement transfer.
	destAccount, err := s.repo.FindAccountByID(ctx, params.OwnerDestinationAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination account: %w", err)
	}
	if destAccount.UserID != params.OwnerUserID {
		return nil, ErrAccountOwnershipMismatch
	}

	expense := domain.SharedExpense{
		ID:                        uuid.New(),
		Type:                      params.Type,
		OwnerUserID:               params.OwnerUserID,
		OwnerSourceAccountID:      params.OwnerSourceAccountID,
		OwnerDestinationAccountID: params.OwnerDestinationAccountID,
		IsPending:                 true,
		IsActive:                  true,
		IntervalUnit:              params.IntervalUnit,
		Frequency:                 params.Frequency,
		FirstChargeDate:           params.FirstChargeDate,
		EndDate:                   params.EndDate,
	}
	if params.Type == domain.ExpenseTypeVendorWebhook {
		vendor := strings.TrimSpace(params.VendorIdentity)
		expense.VendorIdentity = &vendor
	}
	if params.Type == domain.ExpenseTypeRecurring {
		expense.NextPaymentDate = params.FirstChargeDate
	}

	var agreements []domain.UserAgreement
	var invites []domain.ExpenseInvite
	for _, p := range params.Participants {
		if p.UserID != nil {
			agreements = append(agreements, domain.UserAgreement{
				ID:                uuid.New(),
				ExpenseID:         expense.ID,
				UserID:            *p.UserID,
				ContributionType:  p.ContributionType,
				ContributionValue: p.ContributionValue,
				IsPending:         true,
			})
			continue
		}
		invites = append(invites, domain.ExpenseInvite{
			ID:                uuid.New(),
			ExpenseID:         expense.ID,
			Email:             strings.ToLower(strings.TrimSpace(p.Email)),
			ContributionType:  p.ContributionType,
			ContributionValue: p.ContributionValue,
		})
	}

	if err := s.repo.CreateSharedExpense(ctx, &expense, agreements, invites); err != nil {
		return nil, fmt.Errorf("failed to create shared expense: %w", err)
	}
	log.Printf("level=info component=service op=create_expense expense_id=%s type=%s agreements=%d invites=%d", expense.ID, expense.Type, len(agreements), len(invites))

	return s.repo.FindExpenseAggregateByID(ctx, expense.ID)
}

func (s *Service) validateExpenseTrigger(ctx context.Context, params *CreateExpenseParams) error {
	switch params.Type {
	case domain.ExpenseTypeVendorWebhook:
		if strings.TrimSpace(params.VendorIdentity) == "" {
			return ErrVendorIdentityRequired
		}
		exists, err := s.repo.HasActiveVendorExpense(ctx, params.OwnerUserID, params.VendorIdentity)
		if err != nil {
			return fmt.Errorf("failed to check for duplicate vendor expense: %w", err)
		}
		if exists {
			return ErrDuplicateVendorExpense
		}
		return nil
	case domain.ExpenseTypeRecurring:
		if params.Frequency <= 0 || params.FirstChargeDate == nil {
			return ErrScheduleRequired
		}
		if params.IntervalUnit != domain.IntervalDays && params.IntervalUnit != domain.IntervalMonths {
			return ErrScheduleRequired
		}
		if params.EndDate != nil && params.EndDate.Before(*params.FirstChargeDate) {
			return ErrScheduleRequired
		}
		return nil
	default:
		return fmt.Errorf("unknown expense type %q", params.Type)
	}
}

func validateContributions(expenseType domain.ExpenseType, participants []ParticipantSpec) error {
	var percentTotal int64
	for _, p := range participants {
		switch p.ContributionType {
		case domain.ContributionPercentage:
			if p.ContributionValue == nil || *p.ContributionValue <= 0 || *p.ContributionValue > 100 {
				return ErrInvalidContribution
			}
			percentTotal += *p.ContributionValue
		case domain.ContributionFixed:
			if p.ContributionValue == nil || *p.ContributionValue <= 0 {
				return ErrInvalidContribution
			}
		case domain.ContributionSplitEvenly:
			if p.ContributionValue != nil {
				return ErrInvalidContribution
			}
			// Date-based expenses have no external charge to divide; every
			// contribution must be an explicit amount.
			if expenseType == domain.ExpenseTypeRecurring {
				return ErrInvalidContribution
			}
		default:
			return ErrInvalidContribution
		}
		if p.UserID == nil && strings.TrimSpace(p.Email) == "" {
			return ErrInvalidContribution
		}
	}
	if percentTotal > 100 {
		return ErrPercentageOversubscribed
	}
	return nil
}

// GetExpense returns the fully materialized expense aggregate.
func (s *Service) GetExpense(ctx context.Context, expenseID uuid.UUID) (*domain.ExpenseAggregate, error) {
	return s.repo.FindExpenseAggregateByID(ctx, expenseID)
}

// AcceptAgreement lets a participant accept their pending agreement, naming
// the account they will be debited from.
func (s *Service) AcceptAgreement(ctx context.Context, agreementID, userID, paymentAccountID uuid.UUID) error {
	agreement, err := s.repo.FindAgreementByID(ctx, agreementID)
	if err != nil {
		return err
	}
	if agreement.UserID != userID {
		return ErrNotAgreementOwner
	}
	account, err := s.repo.FindAccountByID(ctx, paymentAccountID)
	if err != nil {
		return err
	}
	if account.UserID != userID {
		return ErrAccountOwnershipMismatch
	}
	// Credit accounts cannot fund transfers.
	if account.Type != domain.AccountTypeDepository {
		return ErrAccountNotDepository
	}
	if err := s.repo.AcceptAgreement(ctx, agreementID, paymentAccountID, time.Now().UTC()); err != nil {
		return err
	}
	log.Printf("level=info component=service op=accept_agreement agreement_id=%s user_id=%s", agreementID, userID)
	return nil
}

// DeclineAgreement lets a participant decline their pending agreement.
func (s *Service) DeclineAgreement(ctx context.Context, agreementID, userID uuid.UUID) error {
	agreement, err := s.repo.FindAgreementByID(ctx, agreementID)
	if err != nil {
		return err
	}
	if agreement.UserID != userID {
		return ErrNotAgreementOwner
	}
	if err := s.repo.DeclineAgreement(ctx, agreementID, time.Now().UTC()); err != nil {
		return err
	}
	log.Printf("level=info component=service op=decline_agreement agreement_id=%s user_id=%s", agreementID, userID)
	return nil
}

// ConvertInvite converts an email invite into a pending agreement for a
// newly registered user.
func (s *Service) ConvertInvite(ctx context.Context, inviteID, userID uuid.UUID) (*domain.UserAgreement, error) {
	agreement, err := s.repo.ConvertInviteToAgreement(ctx, inviteID, userID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service op=convert_invite invite_id=%s agreement_id=%s user_id=%s", inviteID, agreement.ID, userID)
	return agreement, nil
}

// DeactivateExpense soft-deletes an expense on the owner's request.
func (s *Service) DeactivateExpense(ctx context.Context, expenseID, requesterID uuid.UUID) error {
	aggregate, err := s.repo.FindExpenseAggregateByID(ctx, expenseID)
	if err != nil {
		return err
	}
	if aggregate.Expense.OwnerUserID != requesterID {
		return ErrNotAgreementOwner
	}
	if err := s.repo.DeactivateSharedExpense(ctx, expenseID, time.Now().UTC()); err != nil {
		return err
	}
	s.publish(ctx, RoutingKeyExpenseDeactivated, map[string]any{
		"expense_id": expenseID,
		"timestamp":  time.Now().UTC(),
	})
	return nil
}

// RemoveUserData anonymizes a departing user: their agreements are rewritten
// to a placeholder identity and deactivated, and expenses they own are shut
// down. Settlement history is preserved.
func (s *Service) RemoveUserData(ctx context.Context, userID uuid.UUID) (int64, error) {
	placeholder := uuid.New()
	rewritten, err := s.repo.AnonymizeUser(ctx, userID, placeholder)
	if err != nil {
		return 0, err
	}
	log.Printf("level=info component=service op=remove_user_data user_id=%s placeholder_id=%s agreements=%d", userID, placeholder, rewritten)
	return rewritten, nil
}

// HandleObservedTransaction matches an observed vendor charge against active
// shared expenses and creates settlement transactions for every matching
// agreement. Redelivered events converge on the same transactions and
// initiate no duplicate transfers. Returns the number of newly created
// transactions.
func (s *Service) HandleObservedTransaction(ctx context.Context, event domain.ObservedTransactionEvent) (int, error) {
	if strings.TrimSpace(event.TransactionID) == "" {
		return 0, domain.ErrInvalidCorrelation
	}

	expenses, err := s.repo.FindActiveVendorExpenses(ctx, event.AccountID, event.VendorIdentity)
	if err != nil {
		return 0, fmt.Errorf("failed to match observed transaction: %w", err)
	}
	if len(expenses) == 0 {
		log.Printf("level=info component=service op=handle_observed msg=\"no matching expense\" account_id=%s vendor=%q", event.AccountID, event.VendorIdentity)
		return 0, nil
	}

	created := 0
	for i := range expenses {
		aggregate, err := s.repo.FindExpenseAggregateByID(ctx, expenses[i].ID)
		if err != nil {
			return created, err
		}
		n, err := s.settleCharge(ctx, aggregate, event.Amount, domain.ObservedCorrelation(event.TransactionID))
		if err != nil {
			return created, err
		}
		created += n
	}
	log.Printf("level=info component=service op=handle_observed observed_tx=%s amount=%d expenses=%d created=%d", event.TransactionID, event.Amount, len(expenses), created)
	return created, nil
}

// SettleDueRecurringExpenses creates and initiates settlement transactions
// for every recurring expense whose next payment date has arrived. The sweep
// is idempotent: the factory keys transactions on the schedule date, so a
// rerun finds the existing rows and creates nothing new.
func (s *Service) SettleDueRecurringExpenses(ctx context.Context, asOf time.Time) (int, error) {
	due, err := s.repo.FindRecurringExpensesDue(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("failed to list due expenses: %w", err)
	}

	created := 0
	for i := range due {
		aggregate, err := s.repo.FindExpenseAggregateByID(ctx, due[i].ID)
		if err != nil {
			return created, err
		}
		if aggregate.Expense.NextPaymentDate == nil {
			continue
		}
		n, err := s.settleScheduled(ctx, aggregate, *aggregate.Expense.NextPaymentDate)
		if err != nil {
			log.Printf("level=error component=service op=settle_due expense_id=%s err=%v", due[i].ID, err)
			continue
		}
		created += n
	}
	if len(due) > 0 {
		log.Printf("level=info component=service op=settle_due expenses=%d created=%d", len(due), created)
	}
	return created, nil
}

// ListUpcomingExpenses returns recurring expenses falling due within the
// reminder lookahead window.
func (s *Service) ListUpcomingExpenses(ctx context.Context, from time.Time) ([]domain.SharedExpense, error) {
	return s.repo.FindRecurringExpensesDueWithin(ctx, from, from.Add(s.reminderLookahead))
}

// PublishSettlementReminders emits a reminder event for each recurring
// expense falling due within the lookahead window.
func (s *Service) PublishSettlementReminders(ctx context.Context, from time.Time) (int, error) {
	upcoming, err := s.ListUpcomingExpenses(ctx, from)
	if err != nil {
		return 0, err
	}
	for i := range upcoming {
		e := &upcoming[i]
		if e.NextPaymentDate == nil {
			continue
		}
		s.publish(ctx, RoutingKeySettlementReminder, domain.SettlementReminderPayload{
			ExpenseID:       e.ID,
			OwnerUserID:     e.OwnerUserID,
			NextPaymentDate: *e.NextPaymentDate,
			Timestamp:       time.Now().UTC(),
		})
	}
	return len(upcoming), nil
}

// settleCharge fans one observed charge out across the expense's active
// agreements.
func (s *Service) settleCharge(ctx context.Context, aggregate *domain.ExpenseAggregate, charge int64, correlation domain.Correlation) (int, error) {
	shares, err := ComputeShares(aggregate, charge)
	if err != nil {
		return 0, err
	}
	return s.settleShares(ctx, aggregate, shares, correlation)
}

// settleScheduled settles a recurring period: each agreement's stored
// contribution value is owed outright, there is no external charge to
// divide.
func (s *Service) settleScheduled(ctx context.Context, aggregate *domain.ExpenseAggregate, scheduledFor time.Time) (int, error) {
	var shares []ContributionShare
	for _, agreement := range aggregate.ActiveAgreements() {
		if agreement.ContributionValue == nil {
			return 0, fmt.Errorf("recurring agreement %s has no contribution value", agreement.ID)
		}
		if agreement.PaymentAccountID == nil {
			return 0, fmt.Errorf("agreement %s has no payment account", agreement.ID)
		}
		shares = append(shares, ContributionShare{
			AgreementID: agreement.ID,
			UserID:      agreement.UserID,
			AccountID:   *agreement.PaymentAccountID,
			Amount:      *agreement.ContributionValue,
		})
	}
	return s.settleShares(ctx, aggregate, shares, domain.ScheduledCorrelation(scheduledFor))
}

func (s *Service) settleShares(ctx context.Context, aggregate *domain.ExpenseAggregate, shares []ContributionShare, correlation domain.Correlation) (int, error) {
	created := 0
	for _, share := range shares {
		tx, isNew, err := s.factory.FindOrCreate(ctx, CreateTransactionParams{
			ExpenseID:      aggregate.Expense.ID,
			AgreementID:    share.AgreementID,
			PayerUserID:    share.UserID,
			PayerAccountID: share.AccountID,
			PayeeUserID:    aggregate.Expense.OwnerUserID,
			PayeeAccountID: aggregate.Expense.OwnerDestinationAccountID,
			Amount:         share.Amount,
			Fee:            ComputeFee(share.Amount),
			Correlation:    correlation,
		})
		if err != nil {
			return created, err
		}
		if !isNew {
			continue
		}
		created++

		s.publish(ctx, RoutingKeyTransactionCreated, domain.TransactionCreatedPayload{
			TransactionID: tx.ID,
			ExpenseID:     tx.ExpenseID,
			AgreementID:   tx.AgreementID,
			Amount:        tx.Amount,
			Timestamp:     time.Now().UTC(),
		})

		if err := s.initiateTransfer(ctx, tx); err != nil {
			// The withheld record is already persisted; the retry sweep owns
			// this transaction now.
			log.Printf("level=warn component=service op=initiate_transfer transaction_id=%s err=%v", tx.ID, err)
		}
	}
	return created, nil
}

// ComputeFee is the pluggable fee hook. Current policy charges nothing.
func ComputeFee(amount int64) int64 {
	return 0
}

// initiateTransfer asks the processor to move funds for a settlement
// transaction. On failure a withheld record is persisted with the classified
// reason and, when obtainable, the payer's available balance at that moment.
func (s *Service) initiateTransfer(ctx context.Context, tx *domain.SettlementTransaction) error {
	sourceAccount, err := s.repo.FindAccountByID(ctx, tx.SourceAccountID)
	if err != nil {
		return fmt.Errorf("failed to resolve source account: %w", err)
	}
	destAccount, err := s.repo.FindAccountByID(ctx, tx.DestinationAccountID)
	if err != nil {
		return fmt.Errorf("failed to resolve destination account: %w", err)
	}

	if err := s.repo.IncrementTransactionAttempts(ctx, tx.ID); err != nil {
		return err
	}
	tx.AttemptCount++

	resp, err := s.transfers.InitiateTransfer(ctx, transferclient.TransferRequest{
		SourceAccountRef:      sourceAccount.ProcessorAccountRef,
		DestinationAccountRef: destAccount.ProcessorAccountRef,
		Amount:                tx.Amount,
		Description:           fmt.Sprintf("settlement %s", tx.ID),
		IdempotencyKey:        tx.IdempotencyToken.String(),
	})
	if err != nil {
		s.recordWithholding(ctx, tx, sourceAccount, err)
		return err
	}

	if err := s.repo.AttachTransferID(ctx, tx.ID, resp.Data.ID); err != nil {
		return fmt.Errorf("transfer initiated but not recorded: %w", err)
	}
	log.Printf("level=info component=service op=initiate_transfer transaction_id=%s transfer_id=%s amount=%d attempt=%d", tx.ID, resp.Data.ID, tx.Amount, tx.AttemptCount)
	return nil
}

// recordWithholding persists the failed attempt and publishes the withheld
// event. Failures here are logged, not returned: the originating error is
// what the caller needs to see.
func (s *Service) recordWithholding(ctx context.Context, tx *domain.SettlementTransaction, sourceAccount *domain.Account, cause error) {
	reason := domain.WithholdingUnknown
	var apiErr *transferclient.ErrorResponse
	if errors.As(cause, &apiErr) {
		reason = classifyFailure(apiErr.FirstCode())
	}

	var fundsAvailable *int64
	if reason == domain.WithholdingInsufficientFunds {
		if balance, err := s.transfers.GetAccountBalance(ctx, sourceAccount.ProcessorAccountRef); err == nil {
			fundsAvailable = &balance.Data.AvailableBalance
		}
	}

	withheld := domain.WithheldTransaction{
		ID:             uuid.New(),
		TransactionID:  tx.ID,
		Reason:         reason,
		AmountDue:      tx.Amount,
		FundsAvailable: fundsAvailable,
	}
	if err := s.repo.CreateWithheldTransaction(ctx, &withheld); err != nil {
		log.Printf("level=error component=service op=record_withholding transaction_id=%s err=%v", tx.ID, err)
		return
	}
	log.Printf("level=warn component=service op=record_withholding transaction_id=%s reason=%s amount_due=%d attempt=%d", tx.ID, reason, tx.Amount, tx.AttemptCount)

	s.publish(ctx, RoutingKeyTransactionWithheld, domain.TransactionWithheldPayload{
		TransactionID: tx.ID,
		Reason:        reason,
		AmountDue:     tx.Amount,
		AttemptCount:  tx.AttemptCount,
		Timestamp:     time.Now().UTC(),
	})
}

// publish sends an event, tolerating broker unavailability. Settlement state
// lives in Postgres; events are advisory.
func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, SettlementEventsExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service op=publish routing_key=%s err=%v", routingKey, err)
	}
}

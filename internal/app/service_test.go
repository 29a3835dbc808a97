package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/splitwell/settlement-service/internal/domain"
	"github.com/splitwell/settlement-service/internal/store"
	"github.com/splitwell/settlement-service/pkg/transferclient"
)

// settlementRepoStub is an in-memory repository covering the paths the
// settlement pipeline exercises: expense lookup, transaction find-or-create
// and transfer bookkeeping.
type settlementRepoStub struct {
	store.Repository

	aggregates map[uuid.UUID]*domain.ExpenseAggregate
	accounts   map[uuid.UUID]*domain.Account

	vendorMatches []domain.SharedExpense
	dueExpenses   []domain.SharedExpense
	hasVendor     bool

	transactions map[string]*domain.SettlementTransaction
	seenEvents   map[string]bool

	createdExpense *domain.SharedExpense
	attemptBumps   int
	transferIDs    []string
	withheld       []domain.WithheldTransaction
}

func newSettlementRepoStub() *settlementRepoStub {
	return &settlementRepoStub{
		aggregates:   make(map[uuid.UUID]*domain.ExpenseAggregate),
		accounts:     make(map[uuid.UUID]*domain.Account),
		transactions: make(map[string]*domain.SettlementTransaction),
		seenEvents:   make(map[string]bool),
	}
}

func transactionKeyString(key store.TransactionKey) string {
	observed, scheduled := "", ""
	if key.ObservedTransactionID != nil {
		observed = *key.ObservedTransactionID
	}
	if key.ScheduledFor != nil {
		scheduled = key.ScheduledFor.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", key.AgreementID, key.SourceAccountID, key.DestinationAccountID, observed, scheduled)
}

func keyForTransaction(tx *domain.SettlementTransaction) string {
	return transactionKeyString(store.TransactionKey{
		AgreementID:           tx.AgreementID,
		SourceAccountID:       tx.SourceAccountID,
		DestinationAccountID:  tx.DestinationAccountID,
		ObservedTransactionID: tx.ObservedTransactionID,
		ScheduledFor:          tx.ScheduledFor,
	})
}

func (s *settlementRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

func (s *settlementRepoStub) HasActiveVendorExpense(ctx context.Context, ownerUserID uuid.UUID, vendorIdentity string) (bool, error) {
	return s.hasVendor, nil
}

func (s *settlementRepoStub) CreateSharedExpense(ctx context.Context, expense *domain.SharedExpense, agreements []domain.UserAgreement, invites []domain.ExpenseInvite) error {
	s.createdExpense = expense
	s.aggregates[expense.ID] = &domain.ExpenseAggregate{
		Expense:    *expense,
		Agreements: agreements,
		Invites:    invites,
	}
	return nil
}

func (s *settlementRepoStub) FindExpenseAggregateByID(ctx context.Context, expenseID uuid.UUID) (*domain.ExpenseAggregate, error) {
	aggregate, ok := s.aggregates[expenseID]
	if !ok {
		return nil, store.ErrExpenseNotFound
	}
	return aggregate, nil
}

func (s *settlementRepoStub) FindActiveVendorExpenses(ctx context.Context, sourceAccountID uuid.UUID, vendorIdentity string) ([]domain.SharedExpense, error) {
	return s.vendorMatches, nil
}

func (s *settlementRepoStub) FindRecurringExpensesDue(ctx context.Context, asOf time.Time) ([]domain.SharedExpense, error) {
	return s.dueExpenses, nil
}

func (s *settlementRepoStub) FindSettlementTransaction(ctx context.Context, key store.TransactionKey) (*domain.SettlementTransaction, error) {
	tx, ok := s.transactions[transactionKeyString(key)]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return tx, nil
}

func (s *settlementRepoStub) InsertSettlementTransaction(ctx context.Context, tx *domain.SettlementTransaction) (bool, error) {
	key := keyForTransaction(tx)
	if _, exists := s.transactions[key]; exists {
		return false, nil
	}
	s.transactions[key] = tx
	return true, nil
}

func (s *settlementRepoStub) IncrementTransactionAttempts(ctx context.Context, transactionID uuid.UUID) error {
	s.attemptBumps++
	return nil
}

func (s *settlementRepoStub) AttachTransferID(ctx context.Context, transactionID uuid.UUID, transferID string) error {
	s.transferIDs = append(s.transferIDs, transferID)
	if tx := s.transactionByID(transactionID); tx != nil {
		tx.TransferID = &transferID
	}
	return nil
}

func (s *settlementRepoStub) CreateWithheldTransaction(ctx context.Context, rec *domain.WithheldTransaction) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.withheld = append(s.withheld, *rec)
	return nil
}

func (s *settlementRepoStub) transactionByID(transactionID uuid.UUID) *domain.SettlementTransaction {
	for _, tx := range s.transactions {
		if tx.ID == transactionID {
			return tx
		}
	}
	return nil
}

func (s *settlementRepoStub) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.SettlementTransaction, error) {
	tx := s.transactionByID(transactionID)
	if tx == nil {
		return nil, store.ErrTransactionNotFound
	}
	return tx, nil
}

func (s *settlementRepoStub) FindTransactionByTransferID(ctx context.Context, transferID string) (*domain.SettlementTransaction, error) {
	for _, tx := range s.transactions {
		if tx.TransferID != nil && *tx.TransferID == transferID {
			return tx, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (s *settlementRepoStub) InsertStatusLogEntry(ctx context.Context, entry *domain.TransactionStatusLogEntry) (bool, error) {
	if s.seenEvents[entry.ProcessorEventID] {
		return false, nil
	}
	s.seenEvents[entry.ProcessorEventID] = true
	return true, nil
}

func (s *settlementRepoStub) UpdateTransferStatus(ctx context.Context, transactionID uuid.UUID, status domain.TransferStatus) error {
	if tx := s.transactionByID(transactionID); tx != nil {
		tx.TransferStatus = status
		tx.LastStatusChange = time.Now().UTC()
	}
	return nil
}

func (s *settlementRepoStub) MarkTransferredToDestination(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	tx := s.transactionByID(transactionID)
	if tx == nil || tx.TransferredToDestination {
		return false, nil
	}
	tx.TransferredToDestination = true
	return true, nil
}

func (s *settlementRepoStub) MarkWithheldReconciledForTransaction(ctx context.Context, transactionID uuid.UUID, at time.Time) (int64, error) {
	var closed int64
	for i := range s.withheld {
		if s.withheld[i].TransactionID == transactionID && !s.withheld[i].HasBeenReconciled {
			s.withheld[i].HasBeenReconciled = true
			s.withheld[i].ReconciledAt = &at
			closed++
		}
	}
	return closed, nil
}

func (s *settlementRepoStub) CountUnreconciledWithheld(ctx context.Context, transactionID uuid.UUID) (int, error) {
	count := 0
	for i := range s.withheld {
		if s.withheld[i].TransactionID == transactionID && !s.withheld[i].HasBeenReconciled {
			count++
		}
	}
	return count, nil
}

func (s *settlementRepoStub) ListWithheldRetryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]domain.WithheldRetryCandidate, error) {
	latest := make(map[uuid.UUID]domain.WithheldTransaction)
	for _, rec := range s.withheld {
		if rec.HasBeenReconciled {
			continue
		}
		if prev, ok := latest[rec.TransactionID]; !ok || rec.CreatedAt.After(prev.CreatedAt) {
			latest[rec.TransactionID] = rec
		}
	}
	var candidates []domain.WithheldRetryCandidate
	for _, rec := range latest {
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		candidates = append(candidates, domain.WithheldRetryCandidate{
			WithheldID:    rec.ID,
			TransactionID: rec.TransactionID,
			AmountDue:     rec.AmountDue,
			LastAttemptAt: rec.CreatedAt,
		})
		if limit > 0 && len(candidates) >= limit {
			break
		}
	}
	return candidates, nil
}

// vendorExpenseFixture wires one active vendor-webhook expense with two
// split-evenly agreements into the stub, accounts included.
func vendorExpenseFixture(repo *settlementRepoStub) *domain.ExpenseAggregate {
	ownerID := uuid.New()
	sourceAccountID := uuid.New()
	destAccountID := uuid.New()
	vendor := "netflix"

	expense := domain.SharedExpense{
		ID:                        uuid.New(),
		Type:                      domain.ExpenseTypeVendorWebhook,
		OwnerUserID:               ownerID,
		OwnerSourceAccountID:      sourceAccountID,
		OwnerDestinationAccountID: destAccountID,
		VendorIdentity:            &vendor,
		IsActive:                  true,
	}

	var agreements []domain.UserAgreement
	for i := 0; i < 2; i++ {
		payerAccountID := uuid.New()
		userID := uuid.New()
		repo.accounts[payerAccountID] = &domain.Account{ID: payerAccountID, UserID: userID, ProcessorAccountRef: fmt.Sprintf("acct_payer_%d", i)}
		agreements = append(agreements, domain.UserAgreement{
			ID:               uuid.New(),
			ExpenseID:        expense.ID,
			UserID:           userID,
			ContributionType: domain.ContributionSplitEvenly,
			IsActive:         true,
			PaymentAccountID: &payerAccountID,
		})
	}
	repo.accounts[destAccountID] = &domain.Account{ID: destAccountID, UserID: ownerID, ProcessorAccountRef: "acct_owner"}

	aggregate := &domain.ExpenseAggregate{Expense: expense, Agreements: agreements}
	repo.aggregates[expense.ID] = aggregate
	repo.vendorMatches = []domain.SharedExpense{expense}
	return aggregate
}

func TestHandleObservedTransaction_CreatesPerAgreementTransactions(t *testing.T) {
	repo := newSettlementRepoStub()
	aggregate := vendorExpenseFixture(repo)
	transfers := &transferClientStub{}
	service := NewService(repo, transfers, nil, Options{})

	event := domain.ObservedTransactionEvent{
		AccountID:      aggregate.Expense.OwnerSourceAccountID,
		Amount:         900,
		VendorIdentity: "netflix",
		TransactionID:  "obs_900",
	}

	created, err := service.HandleObservedTransaction(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 2 {
		t.Fatalf("expected 2 transactions, got %d", created)
	}
	// Two participants plus the owner: 900 three ways is 300 each.
	for _, tx := range repo.transactions {
		if tx.Amount != 300 {
			t.Fatalf("expected share of 300, got %d", tx.Amount)
		}
		if tx.DestinationAccountID != aggregate.Expense.OwnerDestinationAccountID {
			t.Fatal("settlements must land in the owner's destination account")
		}
	}
	if len(transfers.initiateCalls) != 2 {
		t.Fatalf("expected 2 transfer initiations, got %d", len(transfers.initiateCalls))
	}
}

func TestHandleObservedTransaction_RedeliveryCreatesNothing(t *testing.T) {
	repo := newSettlementRepoStub()
	aggregate := vendorExpenseFixture(repo)
	transfers := &transferClientStub{}
	service := NewService(repo, transfers, nil, Options{})

	event := domain.ObservedTransactionEvent{
		AccountID:      aggregate.Expense.OwnerSourceAccountID,
		Amount:         900,
		VendorIdentity: "netflix",
		TransactionID:  "obs_900",
	}

	if _, err := service.HandleObservedTransaction(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	created, err := service.HandleObservedTransaction(context.Background(), event)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if created != 0 {
		t.Fatalf("redelivery must create nothing, got %d", created)
	}
	if len(repo.transactions) != 2 {
		t.Fatalf("expected 2 transactions total, got %d", len(repo.transactions))
	}
	if len(transfers.initiateCalls) != 2 {
		t.Fatalf("redelivery must not re-initiate transfers, got %d calls", len(transfers.initiateCalls))
	}
}

func TestHandleObservedTransaction_RefundReversesDirection(t *testing.T) {
	repo := newSettlementRepoStub()
	aggregate := vendorExpenseFixture(repo)
	service := NewService(repo, &transferClientStub{}, nil, Options{})

	event := domain.ObservedTransactionEvent{
		AccountID:      aggregate.Expense.OwnerSourceAccountID,
		Amount:         -900,
		VendorIdentity: "netflix",
		TransactionID:  "obs_refund",
	}

	created, err := service.HandleObservedTransaction(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 2 {
		t.Fatalf("expected 2 refund transactions, got %d", created)
	}
	for _, tx := range repo.transactions {
		if tx.Amount != 300 {
			t.Fatalf("refund amounts are stored positive, got %d", tx.Amount)
		}
		if tx.SourceAccountID != aggregate.Expense.OwnerDestinationAccountID {
			t.Fatal("a refund must be funded from the owner's account")
		}
	}
}

func TestHandleObservedTransaction_NoMatchIsQuiet(t *testing.T) {
	repo := newSettlementRepoStub()
	service := NewService(repo, &transferClientStub{}, nil, Options{})

	created, err := service.HandleObservedTransaction(context.Background(), domain.ObservedTransactionEvent{
		AccountID:      uuid.New(),
		Amount:         500,
		VendorIdentity: "unknown-vendor",
		TransactionID:  "obs_nomatch",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected no transactions, got %d", created)
	}
}

func TestHandleObservedTransaction_FailedInitiationWithholds(t *testing.T) {
	repo := newSettlementRepoStub()
	aggregate := vendorExpenseFixture(repo)
	transfers := &transferClientStub{
		initiateErr: &transferclient.ErrorResponse{
			Errors: []transferclient.APIError{{Code: "insufficient_funds"}},
		},
		balance: 120,
	}
	service := NewService(repo, transfers, nil, Options{})

	created, err := service.HandleObservedTransaction(context.Background(), domain.ObservedTransactionEvent{
		AccountID:      aggregate.Expense.OwnerSourceAccountID,
		Amount:         900,
		VendorIdentity: "netflix",
		TransactionID:  "obs_nsf",
	})
	if err != nil {
		t.Fatalf("creation itself must survive initiation failures: %v", err)
	}
	if created != 2 {
		t.Fatalf("expected 2 transactions, got %d", created)
	}
	if len(repo.withheld) != 2 {
		t.Fatalf("expected 2 withheld records, got %d", len(repo.withheld))
	}
	for _, rec := range repo.withheld {
		if rec.Reason != domain.WithholdingInsufficientFunds {
			t.Fatalf("expected insufficient_funds, got %s", rec.Reason)
		}
		if rec.FundsAvailable == nil || *rec.FundsAvailable != 120 {
			t.Fatal("expected the payer's available balance to be captured")
		}
	}
}

func TestSettleDueRecurringExpenses_UsesStoredContributionValues(t *testing.T) {
	repo := newSettlementRepoStub()
	due := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	ownerID := uuid.New()
	destAccountID := uuid.New()
	payerAccountID := uuid.New()
	payerID := uuid.New()

	expense := domain.SharedExpense{
		ID:                        uuid.New(),
		Type:                      domain.ExpenseTypeRecurring,
		OwnerUserID:               ownerID,
		OwnerDestinationAccountID: destAccountID,
		IsActive:                  true,
		IntervalUnit:              domain.IntervalMonths,
		Frequency:                 1,
		NextPaymentDate:           &due,
	}
	repo.aggregates[expense.ID] = &domain.ExpenseAggregate{
		Expense: expense,
		Agreements: []domain.UserAgreement{{
			ID:                uuid.New(),
			ExpenseID:         expense.ID,
			UserID:            payerID,
			ContributionType:  domain.ContributionFixed,
			ContributionValue: int64Ptr(2500),
			IsActive:          true,
			PaymentAccountID:  &payerAccountID,
		}},
	}
	repo.dueExpenses = []domain.SharedExpense{expense}
	repo.accounts[payerAccountID] = &domain.Account{ID: payerAccountID, UserID: payerID, ProcessorAccountRef: "acct_payer"}
	repo.accounts[destAccountID] = &domain.Account{ID: destAccountID, UserID: ownerID, ProcessorAccountRef: "acct_owner"}

	transfers := &transferClientStub{}
	service := NewService(repo, transfers, nil, Options{})

	created, err := service.SettleDueRecurringExpenses(context.Background(), due)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected 1 transaction, got %d", created)
	}
	for _, tx := range repo.transactions {
		if tx.Amount != 2500 {
			t.Fatalf("recurring settlements owe the stored value outright, got %d", tx.Amount)
		}
		if tx.ScheduledFor == nil || !tx.ScheduledFor.Equal(due) {
			t.Fatal("recurring transactions must be keyed on the schedule date")
		}
	}

	// A rerun of the sweep finds the same rows and creates nothing.
	createdAgain, err := service.SettleDueRecurringExpenses(context.Background(), due)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if createdAgain != 0 {
		t.Fatalf("sweep rerun must be idempotent, created %d", createdAgain)
	}
	if len(transfers.initiateCalls) != 1 {
		t.Fatalf("expected 1 initiation, got %d", len(transfers.initiateCalls))
	}
}

func TestCreateSharedExpense_Validation(t *testing.T) {
	repo := newSettlementRepoStub()
	ownerID := uuid.New()
	destAccountID := uuid.New()
	repo.accounts[destAccountID] = &domain.Account{ID: destAccountID, UserID: ownerID}

	service := NewService(repo, &transferClientStub{}, nil, Options{})
	participantID := uuid.New()
	first := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	validVendor := CreateExpenseParams{
		Type:                      domain.ExpenseTypeVendorWebhook,
		OwnerUserID:               ownerID,
		OwnerSourceAccountID:      uuid.New(),
		OwnerDestinationAccountID: destAccountID,
		VendorIdentity:            "spotify",
		Participants: []ParticipantSpec{{
			UserID:           &participantID,
			ContributionType: domain.ContributionSplitEvenly,
		}},
	}

	cases := []struct {
		name    string
		mutate  func(*CreateExpenseParams)
		wantErr error
	}{
		{
			name:    "vendor identity required",
			mutate:  func(p *CreateExpenseParams) { p.VendorIdentity = "  " },
			wantErr: ErrVendorIdentityRequired,
		},
		{
			name: "recurring needs schedule",
			mutate: func(p *CreateExpenseParams) {
				p.Type = domain.ExpenseTypeRecurring
				p.Participants[0].ContributionType = domain.ContributionFixed
				p.Participants[0].ContributionValue = int64Ptr(100)
			},
			wantErr: ErrScheduleRequired,
		},
		{
			name: "recurring rejects split evenly",
			mutate: func(p *CreateExpenseParams) {
				p.Type = domain.ExpenseTypeRecurring
				p.IntervalUnit = domain.IntervalMonths
				p.Frequency = 1
				p.FirstChargeDate = &first
			},
			wantErr: ErrInvalidContribution,
		},
		{
			name: "end date before first charge",
			mutate: func(p *CreateExpenseParams) {
				p.Type = domain.ExpenseTypeRecurring
				p.IntervalUnit = domain.IntervalMonths
				p.Frequency = 1
				p.FirstChargeDate = &first
				before := first.AddDate(0, 0, -1)
				p.EndDate = &before
				p.Participants[0].ContributionType = domain.ContributionFixed
				p.Participants[0].ContributionValue = int64Ptr(100)
			},
			wantErr: ErrScheduleRequired,
		},
		{
			name: "percentage out of range",
			mutate: func(p *CreateExpenseParams) {
				p.Participants[0].ContributionType = domain.ContributionPercentage
				p.Participants[0].ContributionValue = int64Ptr(150)
			},
			wantErr: ErrInvalidContribution,
		},
		{
			name: "percentages oversubscribed",
			mutate: func(p *CreateExpenseParams) {
				other := uuid.New()
				p.Participants[0].ContributionType = domain.ContributionPercentage
				p.Participants[0].ContributionValue = int64Ptr(60)
				p.Participants = append(p.Participants, ParticipantSpec{
					UserID:            &other,
					ContributionType:  domain.ContributionPercentage,
					ContributionValue: int64Ptr(60),
				})
			},
			wantErr: ErrPercentageOversubscribed,
		},
		{
			name:    "no participants",
			mutate:  func(p *CreateExpenseParams) { p.Participants = nil },
			wantErr: ErrNoParticipants,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := validVendor
			params.Participants = append([]ParticipantSpec(nil), validVendor.Participants...)
			tc.mutate(&params)
			if _, err := service.CreateSharedExpense(context.Background(), params); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateSharedExpense_RejectsDuplicateVendor(t *testing.T) {
	repo := newSettlementRepoStub()
	repo.hasVendor = true
	ownerID := uuid.New()
	destAccountID := uuid.New()
	repo.accounts[destAccountID] = &domain.Account{ID: destAccountID, UserID: ownerID}
	service := NewService(repo, &transferClientStub{}, nil, Options{})
	participantID := uuid.New()

	_, err := service.CreateSharedExpense(context.Background(), CreateExpenseParams{
		Type:                      domain.ExpenseTypeVendorWebhook,
		OwnerUserID:               ownerID,
		OwnerDestinationAccountID: destAccountID,
		VendorIdentity:            "spotify",
		Participants: []ParticipantSpec{{
			UserID:           &participantID,
			ContributionType: domain.ContributionSplitEvenly,
		}},
	})
	if !errors.Is(err, ErrDuplicateVendorExpense) {
		t.Fatalf("expected ErrDuplicateVendorExpense, got %v", err)
	}
}

func TestCreateSharedExpense_RejectsForeignDestinationAccount(t *testing.T) {
	repo := newSettlementRepoStub()
	destAccountID := uuid.New()
	repo.accounts[destAccountID] = &domain.Account{ID: destAccountID, UserID: uuid.New()}
	service := NewService(repo, &transferClientStub{}, nil, Options{})
	participantID := uuid.New()

	_, err := service.CreateSharedExpense(context.Background(), CreateExpenseParams{
		Type:                      domain.ExpenseTypeVendorWebhook,
		OwnerUserID:               uuid.New(),
		OwnerDestinationAccountID: destAccountID,
		VendorIdentity:            "spotify",
		Participants: []ParticipantSpec{{
			UserID:           &participantID,
			ContributionType: domain.ContributionSplitEvenly,
		}},
	})
	if !errors.Is(err, ErrAccountOwnershipMismatch) {
		t.Fatalf("expected ErrAccountOwnershipMismatch, got %v", err)
	}
}

func TestCreateSharedExpense_RecurringSetsScheduleCursor(t *testing.T) {
	repo := newSettlementRepoStub()
	ownerID := uuid.New()
	destAccountID := uuid.New()
	repo.accounts[destAccountID] = &domain.Account{ID: destAccountID, UserID: ownerID}
	service := NewService(repo, &transferClientStub{}, nil, Options{})
	participantID := uuid.New()
	first := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

	aggregate, err := service.CreateSharedExpense(context.Background(), CreateExpenseParams{
		Type:                      domain.ExpenseTypeRecurring,
		OwnerUserID:               ownerID,
		OwnerDestinationAccountID: destAccountID,
		IntervalUnit:              domain.IntervalMonths,
		Frequency:                 1,
		FirstChargeDate:           &first,
		Participants: []ParticipantSpec{{
			UserID:            &participantID,
			ContributionType:  domain.ContributionFixed,
			ContributionValue: int64Ptr(4000),
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aggregate.Expense.NextPaymentDate == nil || !aggregate.Expense.NextPaymentDate.Equal(first) {
		t.Fatal("the schedule cursor must start at the first charge date")
	}
	if !aggregate.Expense.IsPending {
		t.Fatal("a new expense starts pending until every participant accepts")
	}
}

func TestCreateSharedExpense_EmailParticipantBecomesInvite(t *testing.T) {
	repo := newSettlementRepoStub()
	ownerID := uuid.New()
	destAccountID := uuid.New()
	repo.accounts[destAccountID] = &domain.Account{ID: destAccountID, UserID: ownerID}
	service := NewService(repo, &transferClientStub{}, nil, Options{})

	aggregate, err := service.CreateSharedExpense(context.Background(), CreateExpenseParams{
		Type:                      domain.ExpenseTypeVendorWebhook,
		OwnerUserID:               ownerID,
		OwnerDestinationAccountID: destAccountID,
		VendorIdentity:            "hulu",
		Participants: []ParticipantSpec{{
			Email:            "  Friend@Example.COM ",
			ContributionType: domain.ContributionSplitEvenly,
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(aggregate.Agreements) != 0 || len(aggregate.Invites) != 1 {
		t.Fatalf("expected 0 agreements and 1 invite, got %d and %d", len(aggregate.Agreements), len(aggregate.Invites))
	}
	if aggregate.Invites[0].Email != "friend@example.com" {
		t.Fatalf("invite emails are normalized, got %q", aggregate.Invites[0].Email)
	}
}

type agreementRepoStub struct {
	store.Repository

	agreement *domain.UserAgreement
	account   *domain.Account
	accepted  bool
}

func (s *agreementRepoStub) FindAgreementByID(ctx context.Context, agreementID uuid.UUID) (*domain.UserAgreement, error) {
	if s.agreement == nil {
		return nil, store.ErrAgreementNotFound
	}
	return s.agreement, nil
}

func (s *agreementRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	if s.account == nil {
		return nil, store.ErrAccountNotFound
	}
	return s.account, nil
}

func (s *agreementRepoStub) AcceptAgreement(ctx context.Context, agreementID uuid.UUID, paymentAccountID uuid.UUID, at time.Time) error {
	s.accepted = true
	return nil
}

func TestAcceptAgreement_ChecksOwnershipAndAccountType(t *testing.T) {
	userID := uuid.New()
	accountID := uuid.New()

	t.Run("accepts with a depository account", func(t *testing.T) {
		repo := &agreementRepoStub{
			agreement: &domain.UserAgreement{ID: uuid.New(), UserID: userID, IsPending: true},
			account:   &domain.Account{ID: accountID, UserID: userID, Type: domain.AccountTypeDepository},
		}
		service := NewService(repo, &transferClientStub{}, nil, Options{})
		if err := service.AcceptAgreement(context.Background(), repo.agreement.ID, userID, accountID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !repo.accepted {
			t.Fatal("expected the acceptance to persist")
		}
	})

	t.Run("rejects someone else's agreement", func(t *testing.T) {
		repo := &agreementRepoStub{
			agreement: &domain.UserAgreement{ID: uuid.New(), UserID: uuid.New(), IsPending: true},
			account:   &domain.Account{ID: accountID, UserID: userID, Type: domain.AccountTypeDepository},
		}
		service := NewService(repo, &transferClientStub{}, nil, Options{})
		if err := service.AcceptAgreement(context.Background(), repo.agreement.ID, userID, accountID); !errors.Is(err, ErrNotAgreementOwner) {
			t.Fatalf("expected ErrNotAgreementOwner, got %v", err)
		}
	})

	t.Run("rejects someone else's account", func(t *testing.T) {
		repo := &agreementRepoStub{
			agreement: &domain.UserAgreement{ID: uuid.New(), UserID: userID, IsPending: true},
			account:   &domain.Account{ID: accountID, UserID: uuid.New(), Type: domain.AccountTypeDepository},
		}
		service := NewService(repo, &transferClientStub{}, nil, Options{})
		if err := service.AcceptAgreement(context.Background(), repo.agreement.ID, userID, accountID); !errors.Is(err, ErrAccountOwnershipMismatch) {
			t.Fatalf("expected ErrAccountOwnershipMismatch, got %v", err)
		}
	})

	t.Run("rejects a credit account", func(t *testing.T) {
		repo := &agreementRepoStub{
			agreement: &domain.UserAgreement{ID: uuid.New(), UserID: userID, IsPending: true},
			account:   &domain.Account{ID: accountID, UserID: userID, Type: domain.AccountTypeCredit},
		}
		service := NewService(repo, &transferClientStub{}, nil, Options{})
		if err := service.AcceptAgreement(context.Background(), repo.agreement.ID, userID, accountID); !errors.Is(err, ErrAccountNotDepository) {
			t.Fatalf("expected ErrAccountNotDepository, got %v", err)
		}
		if repo.accepted {
			t.Fatal("a credit account must not be accepted")
		}
	})
}

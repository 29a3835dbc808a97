package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/splitwell/settlement-service/internal/domain"
	"github.com/splitwell/settlement-service/internal/store"
	"github.com/splitwell/settlement-service/pkg/transferclient"
)

// transferClientStub satisfies TransferClient for tests. Each initiation
// returns initiateErr when set, otherwise a synthetic transfer id.
type transferClientStub struct {
	initiateCalls []transferclient.TransferRequest
	initiateErr   error
	balance       int64
}

func (c *transferClientStub) InitiateTransfer(ctx context.Context, transfer transferclient.TransferRequest) (*transferclient.TransferResponse, error) {
	c.initiateCalls = append(c.initiateCalls, transfer)
	if c.initiateErr != nil {
		return nil, c.initiateErr
	}
	resp := &transferclient.TransferResponse{}
	resp.Data.ID = "tr_" + uuid.NewString()
	resp.Data.Attributes.Status = "pending"
	return resp, nil
}

func (c *transferClientStub) GetAccountBalance(ctx context.Context, accountRef string) (*transferclient.BalanceResponse, error) {
	resp := &transferclient.BalanceResponse{}
	resp.Data.AvailableBalance = c.balance
	return resp, nil
}

type reconcilerRepoStub struct {
	store.Repository

	candidates   []domain.WithheldRetryCandidate
	transactions map[uuid.UUID]*domain.SettlementTransaction
	accounts     map[uuid.UUID]*domain.Account

	requestedCutoff time.Time
	requestedLimit  int

	attemptsBumped  []uuid.UUID
	transferIDsSet  []string
	reconciledCalls int
	withheldCreated int
}

func (s *reconcilerRepoStub) ListWithheldRetryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]domain.WithheldRetryCandidate, error) {
	s.requestedCutoff = cutoff
	s.requestedLimit = limit
	out := make([]domain.WithheldRetryCandidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		if c.LastAttemptAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *reconcilerRepoStub) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.SettlementTransaction, error) {
	tx, ok := s.transactions[transactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return tx, nil
}

func (s *reconcilerRepoStub) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

func (s *reconcilerRepoStub) IncrementTransactionAttempts(ctx context.Context, transactionID uuid.UUID) error {
	s.attemptsBumped = append(s.attemptsBumped, transactionID)
	return nil
}

func (s *reconcilerRepoStub) AttachTransferID(ctx context.Context, transactionID uuid.UUID, transferID string) error {
	s.transferIDsSet = append(s.transferIDsSet, transferID)
	return nil
}

func (s *reconcilerRepoStub) MarkWithheldReconciledForTransaction(ctx context.Context, transactionID uuid.UUID, at time.Time) (int64, error) {
	s.reconciledCalls++
	return 1, nil
}

func (s *reconcilerRepoStub) CreateWithheldTransaction(ctx context.Context, rec *domain.WithheldTransaction) error {
	s.withheldCreated++
	return nil
}

func newReconcilerFixture(lastAttempt time.Time) (*reconcilerRepoStub, *domain.SettlementTransaction) {
	sourceAccountID := uuid.New()
	destAccountID := uuid.New()
	tx := &domain.SettlementTransaction{
		ID:                   uuid.New(),
		ExpenseID:            uuid.New(),
		AgreementID:          uuid.New(),
		SourceAccountID:      sourceAccountID,
		DestinationAccountID: destAccountID,
		Amount:               1200,
		IdempotencyToken:     uuid.New(),
		TransferStatus:       domain.TransferStatusFailed,
	}
	repo := &reconcilerRepoStub{
		candidates: []domain.WithheldRetryCandidate{{
			WithheldID:    uuid.New(),
			TransactionID: tx.ID,
			AmountDue:     tx.Amount,
			LastAttemptAt: lastAttempt,
		}},
		transactions: map[uuid.UUID]*domain.SettlementTransaction{tx.ID: tx},
		accounts: map[uuid.UUID]*domain.Account{
			sourceAccountID: {ID: sourceAccountID, ProcessorAccountRef: "acct_src"},
			destAccountID:   {ID: destAccountID, ProcessorAccountRef: "acct_dst"},
		},
	}
	return repo, tx
}

func TestReconcileWithheld_RetriesAfterCooldown(t *testing.T) {
	repo, tx := newReconcilerFixture(time.Now().UTC().Add(-48 * time.Hour))
	transfers := &transferClientStub{}
	service := NewService(repo, transfers, nil, Options{RetryCooldown: 24 * time.Hour})

	summary, err := service.ReconcileWithheldTransactions(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Retried != 1 {
		t.Fatalf("expected 1 retry, got %+v", summary)
	}
	if len(transfers.initiateCalls) != 1 {
		t.Fatalf("expected one initiation, got %d", len(transfers.initiateCalls))
	}
	if transfers.initiateCalls[0].IdempotencyKey != tx.IdempotencyToken.String() {
		t.Fatal("retries must reuse the transaction's idempotency token")
	}
	if len(repo.transferIDsSet) != 1 {
		t.Fatal("a successful retry must record the new transfer id")
	}
}

func TestReconcileWithheld_RespectsCooldown(t *testing.T) {
	repo, _ := newReconcilerFixture(time.Now().UTC().Add(-1 * time.Hour))
	transfers := &transferClientStub{}
	service := NewService(repo, transfers, nil, Options{RetryCooldown: 24 * time.Hour})

	summary, err := service.ReconcileWithheldTransactions(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Candidates != 0 || summary.Retried != 0 {
		t.Fatalf("a failure inside the cooldown must not retry: %+v", summary)
	}
	if len(transfers.initiateCalls) != 0 {
		t.Fatal("no initiation expected inside the cooldown")
	}
}

func TestReconcileWithheld_ClosesBooksOnSettledTransaction(t *testing.T) {
	repo, tx := newReconcilerFixture(time.Now().UTC().Add(-48 * time.Hour))
	tx.TransferredToDestination = true
	transfers := &transferClientStub{}
	service := NewService(repo, transfers, nil, Options{RetryCooldown: 24 * time.Hour})

	summary, err := service.ReconcileWithheldTransactions(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.AlreadySettled != 1 {
		t.Fatalf("expected already-settled bookkeeping, got %+v", summary)
	}
	if repo.reconciledCalls != 1 {
		t.Fatal("expected the withheld records to be reconciled")
	}
	if len(transfers.initiateCalls) != 0 {
		t.Fatal("a settled transaction must not be retried")
	}
}

func TestReconcileWithheld_SkipsInFlightTransfer(t *testing.T) {
	repo, tx := newReconcilerFixture(time.Now().UTC().Add(-48 * time.Hour))
	inFlight := "tr_pending"
	tx.TransferStatus = domain.TransferStatusPending
	tx.TransferID = &inFlight
	transfers := &transferClientStub{}
	service := NewService(repo, transfers, nil, Options{RetryCooldown: 24 * time.Hour})

	summary, err := service.ReconcileWithheldTransactions(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("expected the in-flight transfer to be skipped, got %+v", summary)
	}
	if len(transfers.initiateCalls) != 0 {
		t.Fatal("an in-flight transfer must not be re-initiated")
	}
}

func TestReconcileWithheld_FailedRetryRecordsNewWithholding(t *testing.T) {
	repo, _ := newReconcilerFixture(time.Now().UTC().Add(-48 * time.Hour))
	transfers := &transferClientStub{
		initiateErr: &transferclient.ErrorResponse{
			Errors: []transferclient.APIError{{Code: "insufficient_funds", Title: "Insufficient funds"}},
		},
	}
	service := NewService(repo, transfers, nil, Options{RetryCooldown: 24 * time.Hour})

	summary, err := service.ReconcileWithheldTransactions(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("expected a failed retry, got %+v", summary)
	}
	if repo.withheldCreated != 1 {
		t.Fatal("a failed retry must persist a fresh withheld record")
	}
}

func TestReconcileWithheld_ClampsLimit(t *testing.T) {
	repo, _ := newReconcilerFixture(time.Now().UTC().Add(-48 * time.Hour))
	service := NewService(repo, &transferClientStub{}, nil, Options{RetryCooldown: 24 * time.Hour, WithheldRetryLimit: 50})

	if _, err := service.ReconcileWithheldTransactions(context.Background(), 10_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.requestedLimit != 50 {
		t.Fatalf("expected limit clamped to 50, got %d", repo.requestedLimit)
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		code string
		want domain.WithholdingReason
	}{
		{"insufficient_funds", domain.WithholdingInsufficientFunds},
		{"nsf", domain.WithholdingInsufficientFunds},
		{"funding_source_not_found", domain.WithholdingFundingSourceNotFound},
		{"invalid_funding_source", domain.WithholdingFundingSourceInvalid},
		{"receiver_not_verified", domain.WithholdingDestinationUnverified},
		{"sender_restricted", domain.WithholdingSenderRestricted},
		{"receiver_restricted", domain.WithholdingReceiverRestricted},
		{"access_revoked", domain.WithholdingInvalidAccessToken},
		{"forbidden", domain.WithholdingForbidden},
		{"balance_unavailable", domain.WithholdingBalanceUnavailable},
		{"transfer_metadata_unsupported", domain.WithholdingMetadataUnsupported},
		{"something_new", domain.WithholdingUnknown},
		{"", domain.WithholdingUnknown},
	}
	for _, tc := range cases {
		if got := classifyFailure(tc.code); got != tc.want {
			t.Errorf("classifyFailure(%q) = %s, want %s", tc.code, got, tc.want)
		}
	}
}

/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/splitwell/settlement-service/internal/app"
	"github.com/splitwell/settlement-service/internal/domain"
	"github.com/splitwell/settlement-service/internal/store"
)

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service *app.Service
}

func NewSettlementHandlers(service *app.Service) *SettlementHandlers {
	return &SettlementHandlers{service: service}
}

// participantRequest mirrors one participant entry in the create-expense body.
// Exactly one of user_id and email must be set: known users get an agreement
// row, unknown emails get an invite.
type participantRequest struct {
	UserID            *string `json:"user_id,omitempty"`
	Email             string  `json:"email,omitempty"`
	ContributionType  string  `json:"contribution_type"`
	ContributionValue *int64  `json:"contribution_value,omitempty"`
}

type createExpenseRequest struct {
	Type                      string               `json:"type"`
	OwnerSourceAccountID      string               `json:"owner_source_account_id"`
	OwnerDestinationAccountID string               `json:"owner_destination_account_id"`
	VendorIdentity            string               `json:"vendor_identity,omitempty"`
	IntervalUnit              string               `json:"interval_unit,omitempty"`
	Frequency                 int                  `json:"frequency,omitempty"`
	FirstChargeDate           *time.Time           `json:"first_charge_date,omitempty"`
	EndDate                   *time.Time           `json:"end_date,omitempty"`
	Participants              []participantRequest `json:"participants"`
}

type acceptAgreementRequest struct {
	PaymentAccountID string `json:"payment_account_id"`
}

type expenseResponse struct {
	Expense    domain.SharedExpense   `json:"expense"`
	Agreements []domain.UserAgreement `json:"agreements"`
	Invites    []domain.ExpenseInvite `json:"invites"`
	// The owner holds no agreement row; their percentage is the remainder.
	OwnerPercentageShare int64 `json:"owner_percentage_share"`
}

func buildExpenseResponse(aggregate *domain.ExpenseAggregate) expenseResponse {
	resp := expenseResponse{
		Expense:              aggregate.Expense,
		Agreements:           aggregate.Agreements,
		Invites:              aggregate.Invites,
		OwnerPercentageShare: app.OwnerPercentageForAggregate(aggregate),
	}
	if resp.Agreements == nil {
		resp.Agreements = []domain.UserAgreement{}
	}
	if resp.Invites == nil {
		resp.Invites = []domain.ExpenseInvite{}
	}
	return resp
}

// CreateExpenseHandler handles requests to register a new shared expense.
func (h *SettlementHandlers) CreateExpenseHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := GetRequestUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req createExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_expense outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	params, err := buildCreateExpenseParams(ownerID, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	aggregate, err := h.service.CreateSharedExpense(r.Context(), params)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_expense outcome=failed owner_id=%s err=%v", ownerID, err)
		switch {
		case errors.Is(err, store.ErrAccountNotFound):
			http.Error(w, "Account not found", http.StatusNotFound)
		case errors.Is(err, app.ErrDuplicateVendorExpense):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, app.ErrVendorIdentityRequired),
			errors.Is(err, app.ErrNoParticipants),
			errors.Is(err, app.ErrScheduleRequired),
			errors.Is(err, app.ErrInvalidContribution),
			errors.Is(err, app.ErrPercentageOversubscribed),
			errors.Is(err, app.ErrAccountOwnershipMismatch):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	log.Printf("level=info component=api endpoint=create_expense outcome=created expense_id=%s owner_id=%s participants=%d", aggregate.Expense.ID, ownerID, len(req.Participants))
	h.writeJSON(w, http.StatusCreated, buildExpenseResponse(aggregate))
}

func buildCreateExpenseParams(ownerID uuid.UUID, req createExpenseRequest) (app.CreateExpenseParams, error) {
	sourceAccountID, err := uuid.Parse(req.OwnerSourceAccountID)
	if err != nil {
		return app.CreateExpenseParams{}, fmt.Errorf("invalid owner_source_account_id")
	}
	destinationAccountID, err := uuid.Parse(req.OwnerDestinationAccountID)
	if err != nil {
		return app.CreateExpenseParams{}, fmt.Errorf("invalid owner_destination_account_id")
	}

	participants := make([]app.ParticipantSpec, 0, len(req.Participants))
	for i, p := range req.Participants {
		spec := app.ParticipantSpec{
			Email:             p.Email,
			ContributionType:  domain.ContributionType(p.ContributionType),
			ContributionValue: p.ContributionValue,
		}
		if p.UserID != nil {
			userID, err := uuid.Parse(*p.UserID)
			if err != nil {
				return app.CreateExpenseParams{}, fmt.Errorf("invalid user_id for participant %d", i)
			}
			spec.UserID = &userID
		}
		participants = append(participants, spec)
	}

	return app.CreateExpenseParams{
		Type:                      domain.ExpenseType(req.Type),
		OwnerUserID:               ownerID,
		OwnerSourceAccountID:      sourceAccountID,
		OwnerDestinationAccountID: destinationAccountID,
		VendorIdentity:            req.VendorIdentity,
		IntervalUnit:              domain.IntervalUnit(req.IntervalUnit),
		Frequency:                 req.Frequency,
		FirstChargeDate:           req.FirstChargeDate,
		EndDate:                   req.EndDate,
		Participants:              participants,
	}, nil
}

// GetExpenseHandler returns a shared expense together with its agreements and invites.
func (h *SettlementHandlers) GetExpenseHandler(w http.ResponseWriter, r *http.Request) {
	expenseID, err := uuid.Parse(chi.URLParam(r, "expenseID"))
	if err != nil {
		http.Error(w, "Invalid expense ID", http.StatusBadRequest)
		return
	}

	aggregate, err := h.service.GetExpense(r.Context(), expenseID)
	if err != nil {
		if errors.Is(err, store.ErrExpenseNotFound) {
			http.Error(w, "Expense not found", http.StatusNotFound)
			return
		}
		log.Printf("level=error component=api endpoint=get_expense outcome=failed expense_id=%s err=%v", expenseID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, buildExpenseResponse(aggregate))
}

// AcceptAgreementHandler records a participant's acceptance of their agreement
// and designates the account their share will be pulled from.
func (h *SettlementHandlers) AcceptAgreementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetRequestUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}
	agreementID, err := uuid.Parse(chi.URLParam(r, "agreementID"))
	if err != nil {
		http.Error(w, "Invalid agreement ID", http.StatusBadRequest)
		return
	}

	var req acceptAgreementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	paymentAccountID, err := uuid.Parse(req.PaymentAccountID)
	if err != nil {
		http.Error(w, "Invalid payment_account_id", http.StatusBadRequest)
		return
	}

	if err := h.service.AcceptAgreement(r.Context(), agreementID, userID, paymentAccountID); err != nil {
		log.Printf("level=warn component=api endpoint=accept_agreement outcome=failed agreement_id=%s user_id=%s err=%v", agreementID, userID, err)
		switch {
		case errors.Is(err, store.ErrAgreementNotFound), errors.Is(err, store.ErrAccountNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, store.ErrAgreementNotPending):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, app.ErrAccountNotDepository):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, app.ErrNotAgreementOwner), errors.Is(err, app.ErrAccountOwnershipMismatch):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// DeclineAgreementHandler records a participant's refusal; the expense stays
// pending until the owner removes or replaces them.
func (h *SettlementHandlers) DeclineAgreementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetRequestUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}
	agreementID, err := uuid.Parse(chi.URLParam(r, "agreementID"))
	if err != nil {
		http.Error(w, "Invalid agreement ID", http.StatusBadRequest)
		return
	}

	if err := h.service.DeclineAgreement(r.Context(), agreementID, userID); err != nil {
		switch {
		case errors.Is(err, store.ErrAgreementNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, store.ErrAgreementNotPending):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, app.ErrNotAgreementOwner):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			log.Printf("level=error component=api endpoint=decline_agreement outcome=failed agreement_id=%s err=%v", agreementID, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

// ConvertInviteHandler converts an email invite into a pending agreement once
// the invited address signs up and calls this with their new user identity.
func (h *SettlementHandlers) ConvertInviteHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetRequestUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}
	inviteID, err := uuid.Parse(chi.URLParam(r, "inviteID"))
	if err != nil {
		http.Error(w, "Invalid invite ID", http.StatusBadRequest)
		return
	}

	agreement, err := h.service.ConvertInvite(r.Context(), inviteID, userID)
	if err != nil {
		if errors.Is(err, store.ErrInviteNotFound) {
			http.Error(w, "Invite not found or already converted", http.StatusNotFound)
			return
		}
		log.Printf("level=error component=api endpoint=convert_invite outcome=failed invite_id=%s err=%v", inviteID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, agreement)
}

// DeactivateExpenseHandler shuts down an expense at the owner's request. No
// further settlement cycles run after this, but in-flight transfers complete.
func (h *SettlementHandlers) DeactivateExpenseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetRequestUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}
	expenseID, err := uuid.Parse(chi.URLParam(r, "expenseID"))
	if err != nil {
		http.Error(w, "Invalid expense ID", http.StatusBadRequest)
		return
	}

	if err := h.service.DeactivateExpense(r.Context(), expenseID, userID); err != nil {
		switch {
		case errors.Is(err, store.ErrExpenseNotFound):
			http.Error(w, "Expense not found", http.StatusNotFound)
		case errors.Is(err, app.ErrNotAgreementOwner):
			http.Error(w, err.Error(), http.StatusForbidden)
		default:
			log.Printf("level=error component=api endpoint=deactivate_expense outcome=failed expense_id=%s err=%v", expenseID, err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// ObservedTransactionWebhookHandler ingests vendor charge notifications from
// the account activity feed. Signature verification happens in middleware.
func (h *SettlementHandlers) ObservedTransactionWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.ObservedTransactionEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Printf("level=warn component=api endpoint=observed_transaction outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if event.TransactionID == "" {
		http.Error(w, "transaction_id is required", http.StatusBadRequest)
		return
	}

	created, err := h.service.HandleObservedTransaction(r.Context(), event)
	if err != nil {
		log.Printf("level=error component=api endpoint=observed_transaction outcome=failed observed_tx_id=%s err=%v", event.TransactionID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"transactions_created": created})
}

// TransferStatusWebhookHandler ingests transfer lifecycle events delivered over
// HTTP. The same events also arrive on the message queue; both paths converge
// on ApplyTransferStatus, which dedupes by processor event ID.
func (h *SettlementHandlers) TransferStatusWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.TransferStatusEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Printf("level=warn component=api endpoint=transfer_status outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if event.ProcessorEventID == "" || event.TransferID == "" {
		http.Error(w, "event_id and transfer_id are required", http.StatusBadRequest)
		return
	}

	if err := h.service.ApplyTransferStatus(r.Context(), event); err != nil {
		if errors.Is(err, app.ErrUnknownTransferStatus) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("level=error component=api endpoint=transfer_status outcome=failed event_id=%s err=%v", event.ProcessorEventID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// RunDueSettlementsHandler triggers the recurring settlement sweep on demand.
// The cron scheduler runs the same sweep; this endpoint exists for operators.
func (h *SettlementHandlers) RunDueSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "Invalid as_of timestamp, expected RFC3339", http.StatusBadRequest)
			return
		}
		asOf = parsed
	}

	created, err := h.service.SettleDueRecurringExpenses(r.Context(), asOf)
	if err != nil {
		log.Printf("level=error component=api endpoint=run_due outcome=failed err=%v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"as_of":                asOf,
		"transactions_created": created,
	})
}

// ReconcileWithheldHandler triggers the withheld retry sweep on demand.
func (h *SettlementHandlers) ReconcileWithheldHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	summary, err := h.service.ReconcileWithheldTransactions(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile_withheld outcome=failed err=%v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// UpcomingExpensesHandler lists recurring expenses due within the reminder
// lookahead window.
func (h *SettlementHandlers) UpcomingExpensesHandler(w http.ResponseWriter, r *http.Request) {
	from := time.Now().UTC()
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "Invalid from timestamp, expected RFC3339", http.StatusBadRequest)
			return
		}
		from = parsed
	}

	expenses, err := h.service.ListUpcomingExpenses(r.Context(), from)
	if err != nil {
		log.Printf("level=error component=api endpoint=upcoming_expenses outcome=failed err=%v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if expenses == nil {
		expenses = []domain.SharedExpense{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"expenses": expenses})
}

// RemoveUserDataHandler anonymizes a departed user's participation records.
// Settlement history is preserved under a placeholder identity.
func (h *SettlementHandlers) RemoveUserDataHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	affected, err := h.service.RemoveUserData(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=remove_user_data outcome=failed user_id=%s err=%v", userID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	log.Printf("level=info component=api endpoint=remove_user_data outcome=done user_id=%s rows_affected=%d", userID, affected)
	h.writeJSON(w, http.StatusOK, map[string]int64{"rows_affected": affected})
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

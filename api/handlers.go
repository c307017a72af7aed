/*
handlers.go - HTTP API handlers for the studio commerce engine

PURPOSE:
  Exposes booking, cancellation and refund operations over REST. Handles
  HTTP request/response, JSON serialization and validation, and delegates
  to booking.Coordinator.

ENDPOINTS:
  Occurrences:
    POST   /api/occurrences                          Create occurrence
    GET    /api/occurrences/{id}                     Get occurrence
    GET    /api/occurrences/{id}/payment-options     Instruments for ?customer_id=
    POST   /api/occurrences/{id}/bookings            Book (confirmed or waitlisted)
    POST   /api/occurrences/{id}/cancel              Cancel class, refund everyone
    POST   /api/occurrences/cancel                   Bulk cancellation

  Registrations:
    GET    /api/registrations/{id}                   Registration with orders
    POST   /api/registrations/{id}/cancel            Cancel through the refund policy
    GET    /api/registrations/{id}/refund-quote      Preview, no side effects

  Instruments:
    GET    /api/wallets/{org}/{customer}             Balance and ledger
    POST   /api/wallets/{org}/{customer}/credits     Top up (idempotent by reference_id)
    POST   /api/passes                               Issue a class pass
    POST   /api/memberships                          Create or replace a membership

  Scenarios (demo only):
    GET    /api/scenarios                            List demo scenarios
    POST   /api/scenarios/load                       Seed a scenario

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from the
  studio sentinel errors (see statusFor):
  - 400: Validation errors, currency mismatch
  - 404: Resource not found
  - 409: Capacity, duplicates, insufficient instruments, out-of-order steps
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Callers are expected to sit behind the studio's
  gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/booking"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the handlers need from a backend: the transactional store
// plus catalog seeding.
type Store interface {
	studio.TxStore
	studio.Catalog
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *booking.Coordinator
	Store       Store
	// Currency is used when a request omits one.
	Currency string
	Logger   *slog.Logger
	// Scenarios mounts the demo scenario routes.
	Scenarios bool
	// Now anchors demo scenario times; nil means time.Now.
	Now func() time.Time

	validate *validator.Validate
}

func NewHandler(coord *booking.Coordinator, store Store, currency string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Coordinator: coord,
		Store:       store,
		Currency:    currency,
		Logger:      logger,
		validate:    validator.New(),
	}
}

// =============================================================================
// OCCURRENCE HANDLERS
// =============================================================================

// CreateOccurrence schedules a class.
// POST /api/occurrences
func (h *Handler) CreateOccurrence(w http.ResponseWriter, r *http.Request) {
	var req CreateOccurrenceRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	price, _ := decimal.NewFromString(req.Price)
	if price.IsNegative() {
		writeError(w, http.StatusBadRequest, "Price must not be negative", nil)
		return
	}

	occ := studio.ClassOccurrence{
		ID:               studio.OccurrenceID(req.ID),
		OrgID:            studio.OrgID(req.OrgID),
		ClassTypeID:      req.ClassTypeID,
		Title:            req.Title,
		StartsAt:         req.StartsAt.UTC(),
		EndsAt:           req.EndsAt.UTC(),
		Capacity:         req.Capacity,
		WaitlistCapacity: req.WaitlistCapacity,
		Price:            studio.Money{Amount: price, Currency: h.currency(req.Currency)},
	}
	if occ.ID == "" {
		occ.ID = studio.OccurrenceID(uuid.NewString())
	}
	if err := h.Store.CreateOccurrence(r.Context(), occ); err != nil {
		h.fail(w, r, "Failed to create occurrence", err)
		return
	}

	created, err := h.Store.GetOccurrence(r.Context(), occ.ID)
	if err != nil {
		h.fail(w, r, "Failed to load occurrence", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOccurrenceDTO(created))
}

// GetOccurrence returns one occurrence with live counts.
// GET /api/occurrences/{id}
func (h *Handler) GetOccurrence(w http.ResponseWriter, r *http.Request) {
	occ, err := h.Store.GetOccurrence(r.Context(), studio.OccurrenceID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get occurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, toOccurrenceDTO(occ))
}

// GetPaymentOptions lists every instrument with its availability.
// GET /api/occurrences/{id}/payment-options?customer_id=
func (h *Handler) GetPaymentOptions(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customer_id")
	if customerID == "" {
		writeError(w, http.StatusBadRequest, "customer_id is required", nil)
		return
	}
	opts, err := h.Coordinator.PaymentOptions(r.Context(),
		studio.OccurrenceID(chi.URLParam(r, "id")), studio.CustomerID(customerID))
	if err != nil {
		h.fail(w, r, "Failed to evaluate payment options", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentOptionDTOs(opts))
}

// CreateBooking walks the booking flow: slot, customer, instrument, confirm.
// POST /api/occurrences/{id}/bookings
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	ctx := r.Context()

	flow, err := h.Coordinator.StartFlow(ctx, studio.OccurrenceID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Occurrence is not bookable", err)
		return
	}
	if err := flow.SelectCustomer(ctx, studio.CustomerID(req.CustomerID)); err != nil {
		h.fail(w, r, "Failed to select customer", err)
		return
	}
	if err := flow.ChoosePaymentMethod(ctx, studio.PaymentMethod(req.PaymentMethod), studio.PassID(req.PassID)); err != nil {
		h.fail(w, r, "Payment method not available", err)
		return
	}
	res, err := flow.Confirm(ctx, req.Notes)
	if err != nil {
		h.fail(w, r, "Booking failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, BookingDTO{
		Registration:     toRegistrationDTO(&res.Registration),
		Waitlisted:       res.Waitlisted,
		WaitlistPosition: res.WaitlistPosition,
	})
}

// CancelOccurrence cancels a class and refunds every active registration.
// POST /api/occurrences/{id}/cancel
func (h *Handler) CancelOccurrence(w http.ResponseWriter, r *http.Request) {
	var req CancelOccurrenceRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	res, err := h.Coordinator.CancelClassOccurrence(r.Context(),
		studio.OccurrenceID(chi.URLParam(r, "id")), req.Reason, req.NotifyCustomers)
	if err != nil {
		h.fail(w, r, "Failed to cancel occurrence", err)
		return
	}
	writeJSON(w, http.StatusOK, toCancellationResultDTO(res))
}

// BulkCancelOccurrences cancels several classes; failures are reported per
// occurrence and do not stop the batch.
// POST /api/occurrences/cancel
func (h *Handler) BulkCancelOccurrences(w http.ResponseWriter, r *http.Request) {
	var req BulkCancelRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	ids := make([]studio.OccurrenceID, len(req.OccurrenceIDs))
	for i, id := range req.OccurrenceIDs {
		ids[i] = studio.OccurrenceID(id)
	}

	res, err := h.Coordinator.ProcessBulkCancellations(r.Context(), ids, req.Reason, req.NotifyCustomers)
	if err != nil {
		h.fail(w, r, "Bulk cancellation interrupted", err)
		return
	}

	dto := BulkResultDTO{
		Successful:  res.Successful,
		Failed:      res.Failed,
		Failures:    toFailureDTOs(res.Failures),
		Occurrences: make([]CancellationResultDTO, 0, len(res.Occurrences)),
	}
	for i := range res.Occurrences {
		dto.Occurrences = append(dto.Occurrences, toCancellationResultDTO(&res.Occurrences[i]))
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// REGISTRATION HANDLERS
// =============================================================================

// GetRegistration returns a registration with its charge and refund orders.
// GET /api/registrations/{id}
func (h *Handler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	id := studio.RegistrationID(chi.URLParam(r, "id"))
	reg, err := h.Store.GetRegistration(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get registration", err)
		return
	}
	orders, err := h.Store.ListOrders(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to list orders", err)
		return
	}
	dto := toRegistrationDTO(reg)
	dto.Orders = toOrderDTOs(orders)
	writeJSON(w, http.StatusOK, dto)
}

// CancelRegistration applies the refund policy and cancels. A repeated call
// moves no money and returns an empty breakdown flagged already_cancelled.
// POST /api/registrations/{id}/cancel
func (h *Handler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	var req CancelRegistrationRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	t, err := studio.ParseCancellationType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cancellation type", err)
		return
	}

	out, err := h.Coordinator.ProcessAutomaticRefund(r.Context(), studio.RegistrationID(chi.URLParam(r, "id")), t)
	if err != nil {
		h.fail(w, r, "Cancellation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundOutcomeDTO(*out))
}

// GetRefundQuote previews the breakdown a cancellation would produce now.
// GET /api/registrations/{id}/refund-quote?type=customer_cancellation
func (h *Handler) GetRefundQuote(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	if typ == "" {
		typ = string(studio.CustomerCancellation)
	}
	t, err := studio.ParseCancellationType(typ)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cancellation type", err)
		return
	}

	b, err := h.Coordinator.QuoteRefund(r.Context(), studio.RegistrationID(chi.URLParam(r, "id")), t)
	if err != nil {
		h.fail(w, r, "Failed to quote refund", err)
		return
	}
	writeJSON(w, http.StatusOK, toBreakdownDTO(*b))
}

// =============================================================================
// INSTRUMENT HANDLERS
// =============================================================================

// GetWallet returns the balance and its ledger.
// GET /api/wallets/{org}/{customer}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	customerID := studio.CustomerID(chi.URLParam(r, "customer"))
	orgID := studio.OrgID(chi.URLParam(r, "org"))

	wallet, err := h.Store.GetWallet(r.Context(), customerID, orgID)
	if err != nil {
		h.fail(w, r, "Failed to get wallet", err)
		return
	}
	h.writeWallet(w, r, http.StatusOK, wallet)
}

// CreditWallet tops up a wallet.
// POST /api/wallets/{org}/{customer}/credits
func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	var req WalletCreditRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	amount, _ := decimal.NewFromString(req.Amount)

	wallet, err := h.Store.AddWalletCredit(r.Context(), studio.WalletMutation{
		CustomerID:    studio.CustomerID(chi.URLParam(r, "customer")),
		OrgID:         studio.OrgID(chi.URLParam(r, "org")),
		Amount:        studio.Money{Amount: amount, Currency: h.currency(req.Currency)},
		Reason:        studio.ReasonTopUp,
		ReferenceType: studio.ReferenceManual,
		ReferenceID:   req.ReferenceID,
	})
	if err != nil {
		h.fail(w, r, "Failed to credit wallet", err)
		return
	}
	h.writeWallet(w, r, http.StatusCreated, wallet)
}

func (h *Handler) writeWallet(w http.ResponseWriter, r *http.Request, status int, wallet *studio.Wallet) {
	entries, err := h.Store.WalletEntries(r.Context(), wallet.CustomerID, wallet.OrgID)
	if err != nil {
		h.fail(w, r, "Failed to list wallet entries", err)
		return
	}
	dto := WalletDTO{
		CustomerID: string(wallet.CustomerID),
		OrgID:      string(wallet.OrgID),
		Balance:    toMoneyDTO(wallet.Balance),
		Entries:    make([]WalletEntryDTO, len(entries)),
	}
	for i, e := range entries {
		dto.Entries[i] = WalletEntryDTO{
			Delta:         toMoneyDTO(e.Delta),
			Reason:        e.Reason,
			ReferenceType: e.ReferenceType,
			ReferenceID:   e.ReferenceID,
			CreatedAt:     e.CreatedAt,
		}
	}
	writeJSON(w, status, dto)
}

// CreatePass issues a pass with all credits remaining.
// POST /api/passes
func (h *Handler) CreatePass(w http.ResponseWriter, r *http.Request) {
	var req CreatePassRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	p := studio.Pass{
		ID:               studio.PassID(req.ID),
		CustomerID:       studio.CustomerID(req.CustomerID),
		OrgID:            studio.OrgID(req.OrgID),
		Name:             req.Name,
		TotalCredits:     req.Credits,
		RemainingCredits: req.Credits,
		ValidFrom:        req.ValidFrom.UTC(),
		ValidUntil:       req.ValidUntil.UTC(),
		ClassTypeIDs:     req.ClassTypeIDs,
	}
	if p.ID == "" {
		p.ID = studio.PassID(uuid.NewString())
	}
	if err := h.Store.CreatePass(r.Context(), p); err != nil {
		h.fail(w, r, "Failed to create pass", err)
		return
	}
	writeJSON(w, http.StatusCreated, PassDTO{
		ID:               string(p.ID),
		CustomerID:       string(p.CustomerID),
		OrgID:            string(p.OrgID),
		Name:             p.Name,
		TotalCredits:     p.TotalCredits,
		RemainingCredits: p.RemainingCredits,
		ValidFrom:        p.ValidFrom,
		ValidUntil:       p.ValidUntil,
		ClassTypeIDs:     p.ClassTypeIDs,
	})
}

// CreateMembership creates or replaces the customer's membership.
// POST /api/memberships
func (h *Handler) CreateMembership(w http.ResponseWriter, r *http.Request) {
	var req CreateMembershipRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	m := studio.Membership{
		ID:           studio.MembershipID(req.ID),
		CustomerID:   studio.CustomerID(req.CustomerID),
		OrgID:        studio.OrgID(req.OrgID),
		Status:       studio.MembershipStatus(req.Status),
		ValidUntil:   req.ValidUntil.UTC(),
		ClassTypeIDs: req.ClassTypeIDs,
	}
	if m.ID == "" {
		m.ID = studio.MembershipID(uuid.NewString())
	}
	if m.Status == "" {
		m.Status = studio.MembershipActive
	}
	if err := h.Store.CreateMembership(r.Context(), m); err != nil {
		h.fail(w, r, "Failed to create membership", err)
		return
	}
	writeJSON(w, http.StatusCreated, MembershipDTO{
		ID:           string(m.ID),
		CustomerID:   string(m.CustomerID),
		OrgID:        string(m.OrgID),
		Status:       string(m.Status),
		ValidUntil:   m.ValidUntil,
		ClassTypeIDs: m.ClassTypeIDs,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) currency(c string) string {
	if c == "" {
		return h.Currency
	}
	return c
}

// decodeRequest reads and validates a JSON body. On failure it has already
// written the 400 response.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			err = fmt.Errorf("field %s failed %q", fe.Field(), fe.Tag())
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case studio.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, studio.ErrValidation), errors.Is(err, studio.ErrCurrencyMismatch):
		return http.StatusBadRequest
	case studio.IsClientError(err),
		errors.Is(err, studio.ErrAlreadyCancelled),
		errors.Is(err, booking.ErrInvalidTransition),
		studio.IsRetryable(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.LogAttrs(r.Context(), slog.LevelError, message,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

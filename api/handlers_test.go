/*
handlers_test.go - HTTP tests for the studio API

Tests run the full router against the in-memory store with a fixed clock:
- booking through the flow (wallet, card, pass, waitlist)
- refund quote and customer cancellation, including retries
- class and bulk cancellation
- error status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/booking"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

type testServer struct {
	t      *testing.T
	now    time.Time
	store  *store.Memory
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{t: t, now: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return ts.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ts.store = store.NewMemory(store.WithClock(clock))
	coord := booking.NewCoordinator(ts.store,
		studio.DefaultRefundPolicy(studio.DefaultProcessingFee), logger, booking.WithClock(clock))
	h := NewHandler(coord, ts.store, "CHF", logger)
	h.Scenarios = true
	h.Now = clock
	ts.router = NewRouter(h, []string{"*"})
	return ts
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// class creates an occurrence starting in `lead` with the given seats.
func (ts *testServer) class(id string, lead time.Duration, price string, capacity, waitlist int) {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/occurrences", CreateOccurrenceRequest{
		ID:               id,
		OrgID:            "org-1",
		ClassTypeID:      "yoga",
		Title:            "Morning Flow",
		StartsAt:         ts.now.Add(lead),
		EndsAt:           ts.now.Add(lead + time.Hour),
		Capacity:         capacity,
		WaitlistCapacity: waitlist,
		Price:            price,
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (ts *testServer) book(occID, customer, method string) *httptest.ResponseRecorder {
	ts.t.Helper()
	return ts.do(http.MethodPost, "/api/occurrences/"+occID+"/bookings", CreateBookingRequest{
		CustomerID:    customer,
		PaymentMethod: method,
	})
}

func TestCreateOccurrence(t *testing.T) {
	ts := newTestServer(t)
	ts.class("occ-1", 30*time.Hour, "20", 10, 0)

	rec := ts.do(http.MethodGet, "/api/occurrences/occ-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	occ := decode[OccurrenceDTO](t, rec)
	assert.Equal(t, "scheduled", occ.Status)
	assert.Equal(t, MoneyDTO{Amount: "20.00", Currency: "CHF"}, occ.Price)

	rec = ts.do(http.MethodPost, "/api/occurrences", CreateOccurrenceRequest{
		OrgID: "org-1", Title: "Backwards", StartsAt: ts.now.Add(2 * time.Hour), EndsAt: ts.now.Add(time.Hour), Price: "10",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/occurrences/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBooking_WalletThenWaitlist(t *testing.T) {
	// GIVEN: one seat, one waitlist slot, alice has 50 CHF
	ts := newTestServer(t)
	ts.class("occ-1", 30*time.Hour, "20", 1, 1)
	rec := ts.do(http.MethodPost, "/api/wallets/org-1/alice/credits", WalletCreditRequest{Amount: "50", ReferenceID: "topup-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/occurrences/occ-1/payment-options?customer_id=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	opts := decode[[]PaymentOptionDTO](t, rec)
	require.Len(t, opts, 5)
	assert.Equal(t, "wallet", opts[1].Method)
	assert.True(t, opts[1].Available)
	assert.Equal(t, "50.00", opts[1].WalletBalance.Amount)

	// WHEN: alice pays from the wallet, bob by card
	rec = ts.book("occ-1", "alice", "wallet")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	alice := decode[BookingDTO](t, rec)

	rec = ts.book("occ-1", "bob", "card")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bob := decode[BookingDTO](t, rec)

	// THEN
	assert.Equal(t, "confirmed", alice.Registration.Status)
	assert.Equal(t, "20.00", alice.Registration.AmountPaid.Amount)
	assert.True(t, bob.Waitlisted)
	assert.Equal(t, "1st on the waitlist", bob.WaitlistPosition)

	rec = ts.do(http.MethodGet, "/api/wallets/org-1/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wallet := decode[WalletDTO](t, rec)
	assert.Equal(t, "30.00", wallet.Balance.Amount)
	require.Len(t, wallet.Entries, 2)
	assert.Equal(t, "-20.00", wallet.Entries[1].Delta.Amount)

	// Class and waitlist are both full now.
	rec = ts.book("occ-1", "carol", "card")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBooking_Errors(t *testing.T) {
	ts := newTestServer(t)
	ts.class("occ-1", 30*time.Hour, "20", 5, 0)
	ts.class("started", -time.Minute, "20", 5, 0)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown occurrence", "/api/occurrences/nope/bookings", CreateBookingRequest{CustomerID: "a", PaymentMethod: "card"}, http.StatusNotFound},
		{"malformed body", "/api/occurrences/occ-1/bookings", `{"customer_id":`, http.StatusBadRequest},
		{"unknown method", "/api/occurrences/occ-1/bookings", CreateBookingRequest{CustomerID: "a", PaymentMethod: "cash"}, http.StatusBadRequest},
		{"missing customer", "/api/occurrences/occ-1/bookings", CreateBookingRequest{PaymentMethod: "card"}, http.StatusBadRequest},
		{"no membership", "/api/occurrences/occ-1/bookings", CreateBookingRequest{CustomerID: "a", PaymentMethod: "membership"}, http.StatusConflict},
		{"empty wallet", "/api/occurrences/occ-1/bookings", CreateBookingRequest{CustomerID: "a", PaymentMethod: "wallet"}, http.StatusConflict},
		{"class started", "/api/occurrences/started/bookings", CreateBookingRequest{CustomerID: "a", PaymentMethod: "card"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}

	require.Equal(t, http.StatusCreated, ts.book("occ-1", "dana", "card").Code)
	assert.Equal(t, http.StatusConflict, ts.book("occ-1", "dana", "card").Code)
}

func TestBooking_PassAndMembership(t *testing.T) {
	ts := newTestServer(t)
	ts.class("occ-1", 30*time.Hour, "20", 5, 0)

	rec := ts.do(http.MethodPost, "/api/passes", CreatePassRequest{
		CustomerID: "erin", OrgID: "org-1", Name: "10 classes", Credits: 10,
		ValidFrom: ts.now.Add(-time.Hour), ValidUntil: ts.now.Add(30 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pass := decode[PassDTO](t, rec)
	assert.NotEmpty(t, pass.ID)

	rec = ts.book("occ-1", "erin", "pass")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[BookingDTO](t, rec)
	assert.Equal(t, pass.ID, res.Registration.PassID)
	assert.Equal(t, "0.00", res.Registration.AmountPaid.Amount)

	rec = ts.do(http.MethodPost, "/api/memberships", CreateMembershipRequest{
		CustomerID: "finn", OrgID: "org-1", ValidUntil: ts.now.Add(90 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "active", decode[MembershipDTO](t, rec).Status)

	rec = ts.book("occ-1", "finn", "membership")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestBooking_PassIDOfAnotherCustomer(t *testing.T) {
	ts := newTestServer(t)
	ts.class("occ-1", 30*time.Hour, "20", 5, 0)
	for _, c := range []string{"alice", "bob"} {
		rec := ts.do(http.MethodPost, "/api/passes", CreatePassRequest{
			ID: "pass-" + c, CustomerID: c, OrgID: "org-1", Name: "5 classes", Credits: 5,
			ValidFrom: ts.now.Add(-time.Hour), ValidUntil: ts.now.Add(30 * 24 * time.Hour),
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := ts.do(http.MethodPost, "/api/occurrences/occ-1/bookings", CreateBookingRequest{
		CustomerID: "alice", PaymentMethod: "pass", PassID: "pass-bob",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	bobs, err := ts.store.ListPasses(context.Background(), "bob", "org-1")
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, 5, bobs[0].RemainingCredits)
}

func TestCancelRegistration_QuoteThenCancel(t *testing.T) {
	// GIVEN: a 20 CHF card booking, cancelled 15h before class
	ts := newTestServer(t)
	ts.class("occ-1", 15*time.Hour, "20", 5, 0)
	rec := ts.book("occ-1", "alice", "card")
	require.Equal(t, http.StatusCreated, rec.Code)
	regID := decode[BookingDTO](t, rec).Registration.ID

	// WHEN: quoting
	rec = ts.do(http.MethodGet, "/api/registrations/"+regID+"/refund-quote", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	quote := decode[RefundBreakdownDTO](t, rec)

	// THEN: partial tier, fee off the cash part
	assert.Equal(t, studio.TierPartial, quote.Tier)
	assert.Equal(t, "7.50", quote.RefundAmount.Amount)
	assert.Equal(t, "10.00", quote.CreditAmount.Amount)
	assert.Equal(t, "2.50", quote.ProcessingFee.Amount)

	// WHEN: cancelling twice
	rec = ts.do(http.MethodPost, "/api/registrations/"+regID+"/cancel", CancelRegistrationRequest{Type: "customer_cancellation"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[RefundOutcomeDTO](t, rec)
	rec = ts.do(http.MethodPost, "/api/registrations/"+regID+"/cancel", CancelRegistrationRequest{Type: "customer_cancellation"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[RefundOutcomeDTO](t, rec)

	// THEN: one refund, recorded once
	assert.False(t, first.AlreadyCancelled)
	assert.Equal(t, quote, first.Breakdown)
	assert.True(t, second.AlreadyCancelled)
	assert.Empty(t, second.Breakdown.Tier, "a repeat carries no breakdown")

	rec = ts.do(http.MethodGet, "/api/registrations/"+regID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reg := decode[RegistrationDTO](t, rec)
	assert.Equal(t, "cancelled", reg.Status)
	require.Len(t, reg.Orders, 2)
	assert.Equal(t, "charge", reg.Orders[0].Kind)
	assert.Equal(t, "refund", reg.Orders[1].Kind)
	assert.Equal(t, "-7.50", reg.Orders[1].Amount.Amount)

	rec = ts.do(http.MethodGet, "/api/wallets/org-1/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10.00", decode[WalletDTO](t, rec).Balance.Amount)
}

func TestCancelRegistration_Errors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/registrations/nope/cancel", CancelRegistrationRequest{Type: "customer_cancellation"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/api/registrations/nope/cancel", CancelRegistrationRequest{Type: "because"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/registrations/nope/refund-quote?type=because", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelOccurrence(t *testing.T) {
	// GIVEN: two card bookings, class 3h away
	ts := newTestServer(t)
	ts.class("occ-1", 3*time.Hour, "30", 5, 0)
	require.Equal(t, http.StatusCreated, ts.book("occ-1", "alice", "card").Code)
	require.Equal(t, http.StatusCreated, ts.book("occ-1", "bob", "card").Code)

	// WHEN
	rec := ts.do(http.MethodPost, "/api/occurrences/occ-1/cancel", CancelOccurrenceRequest{Reason: "instructor sick"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[CancellationResultDTO](t, rec)

	// THEN: operator tier, everyone refunded in full
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 0, res.Failed)
	require.Len(t, res.Refunds, 2)
	for _, r := range res.Refunds {
		assert.Equal(t, studio.TierOperator, r.Breakdown.Tier)
		assert.Equal(t, "30.00", r.Breakdown.RefundAmount.Amount)
	}

	rec = ts.do(http.MethodGet, "/api/occurrences/occ-1", nil)
	occ := decode[OccurrenceDTO](t, rec)
	assert.Equal(t, "cancelled", occ.Status)
	assert.Equal(t, "instructor sick", occ.CancellationReason)
	assert.Equal(t, 0, occ.BookedCount)

	assert.Equal(t, http.StatusConflict, ts.book("occ-1", "carol", "card").Code)

	rec = ts.do(http.MethodPost, "/api/occurrences/occ-1/cancel", CancelOccurrenceRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBulkCancelOccurrences(t *testing.T) {
	ts := newTestServer(t)
	ts.class("occ-1", 48*time.Hour, "25", 5, 0)
	require.Equal(t, http.StatusCreated, ts.book("occ-1", "alice", "card").Code)

	rec := ts.do(http.MethodPost, "/api/occurrences/cancel", BulkCancelRequest{
		OccurrenceIDs: []string{"occ-1", "ghost"},
		Reason:        "studio closed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[BulkResultDTO](t, rec)

	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "ghost", res.Failures[0].ID)

	rec = ts.do(http.MethodPost, "/api/occurrences/cancel", BulkCancelRequest{Reason: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreditWallet(t *testing.T) {
	ts := newTestServer(t)
	path := "/api/wallets/org-1/alice/credits"

	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, path, WalletCreditRequest{Amount: "15.50", ReferenceID: "r1"}).Code)
	assert.Equal(t, http.StatusConflict, ts.do(http.MethodPost, path, WalletCreditRequest{Amount: "15.50", ReferenceID: "r1"}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, path, WalletCreditRequest{Amount: "0", ReferenceID: "r2"}).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodPost, path, WalletCreditRequest{Amount: "5", Currency: "EUR", ReferenceID: "r3"}).Code)

	rec := ts.do(http.MethodGet, "/api/wallets/org-1/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "15.50", decode[WalletDTO](t, rec).Balance.Amount)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/wallets/org-1/nobody", nil).Code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

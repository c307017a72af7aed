package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/store/sqlite"
	"github.com/warp/studio-engine/studio"
)

var now = time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)

func chf(s string) studio.Money { return studio.MustMoney(s, "CHF") }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:", sqlite.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedClass(t *testing.T, s *sqlite.Store, capacity, waitlist int) {
	t.Helper()
	require.NoError(t, s.CreateOccurrence(context.Background(), studio.ClassOccurrence{
		ID:               "occ-1",
		OrgID:            "org-1",
		ClassTypeID:      "spin",
		Title:            "Morning Spin",
		StartsAt:         now.Add(24 * time.Hour),
		EndsAt:           now.Add(25 * time.Hour),
		Capacity:         capacity,
		WaitlistCapacity: waitlist,
		Price:            chf("30.00"),
	}))
}

func book(s *sqlite.Store, customer studio.CustomerID, method studio.PaymentMethod) (*studio.Registration, error) {
	return s.CreateBookingTransaction(context.Background(), studio.BookingRequest{
		OccurrenceID:  "occ-1",
		CustomerID:    customer,
		OrgID:         "org-1",
		PaymentMethod: method,
		Amount:        chf("30.00"),
	})
}

func credit(ref string, amount string) studio.WalletMutation {
	return studio.WalletMutation{
		CustomerID:    "cust-1",
		OrgID:         "org-1",
		Amount:        chf(amount),
		Reason:        studio.ReasonTopUp,
		ReferenceType: studio.ReferenceManual,
		ReferenceID:   ref,
	}
}

func TestOccurrence_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedClass(t, s, 12, 3)

	occ, err := s.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)

	assert.Equal(t, "Morning Spin", occ.Title)
	assert.Equal(t, studio.OccurrenceScheduled, occ.Status)
	assert.True(t, occ.StartsAt.Equal(now.Add(24*time.Hour)))
	assert.True(t, occ.Price.Equal(chf("30")))
	assert.Equal(t, 3, occ.WaitlistCapacity)

	_, err = s.GetOccurrence(ctx, "missing")
	assert.ErrorIs(t, err, studio.ErrOccurrenceNotFound)
}

func TestBooking_WalletSeatAndWaitlist(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedClass(t, s, 1, 1)
	_, err := s.AddWalletCredit(ctx, credit("seed", "45.00"))
	require.NoError(t, err)

	reg, err := book(s, "cust-1", studio.PaymentWallet)
	require.NoError(t, err)
	assert.Equal(t, studio.RegistrationConfirmed, reg.Status)

	w, err := s.GetWallet(ctx, "cust-1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "15.00", w.Balance.Amount.StringFixed(2))

	waiting, err := book(s, "cust-2", studio.PaymentCard)
	require.NoError(t, err)
	assert.Equal(t, studio.RegistrationWaitlisted, waiting.Status)
	assert.Equal(t, 1, waiting.WaitlistPriority)

	_, err = book(s, "cust-3", studio.PaymentCard)
	assert.ErrorIs(t, err, studio.ErrCapacityExceeded)

	_, err = book(s, "cust-1", studio.PaymentCard)
	assert.ErrorIs(t, err, studio.ErrAlreadyBooked)

	stored, err := s.GetRegistration(ctx, reg.ID)
	require.NoError(t, err)
	assert.True(t, stored.AmountPaid.Equal(chf("30")))
	assert.Equal(t, studio.PaymentWallet, stored.PaymentMethod)
}

func TestBooking_InsufficientWalletRollsBackSeat(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedClass(t, s, 1, 0)
	_, err := s.AddWalletCredit(ctx, credit("seed", "5.00"))
	require.NoError(t, err)

	_, err = book(s, "cust-1", studio.PaymentWallet)
	assert.ErrorIs(t, err, studio.ErrPaymentInstrumentInsufficient)

	occ, err := s.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)
	assert.Equal(t, 0, occ.BookedCount)
	entries, err := s.WalletEntries(ctx, "cust-1", "org-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBooking_ConcurrentLastSeat(t *testing.T) {
	s := newStore(t)
	seedClass(t, s, 1, 0)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, c := range []studio.CustomerID{"a", "b", "c", "d", "e", "f", "g", "h"} {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := book(s, c, studio.PaymentCard); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestWallet_IdempotencyAndCurrency(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.AddWalletCredit(ctx, credit("ref-1", "10.00"))
	require.NoError(t, err)
	_, err = s.AddWalletCredit(ctx, credit("ref-1", "10.00"))
	assert.ErrorIs(t, err, studio.ErrDuplicateIdempotencyKey)

	eur := credit("ref-2", "1.00")
	eur.Amount = studio.MustMoney("1", "EUR")
	_, err = s.AddWalletCredit(ctx, eur)
	assert.ErrorIs(t, err, studio.ErrCurrencyMismatch)

	w, err := s.GetWallet(ctx, "cust-1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, "10.00", w.Balance.Amount.StringFixed(2))

	entries, err := s.WalletEntries(ctx, "cust-1", "org-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = s.GetWallet(ctx, "nobody", "org-1")
	assert.ErrorIs(t, err, studio.ErrWalletNotFound)
}

func TestPass_UseAndRefund(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedClass(t, s, 5, 0)
	require.NoError(t, s.CreatePass(ctx, studio.Pass{
		ID: "pass-1", CustomerID: "cust-1", OrgID: "org-1", Name: "10er",
		TotalCredits: 10, RemainingCredits: 1,
		ValidFrom: now.AddDate(0, -1, 0), ValidUntil: now.AddDate(0, 1, 0),
		ClassTypeIDs: []string{"spin"},
	}))

	reg, err := s.CreateBookingTransaction(ctx, studio.BookingRequest{
		OccurrenceID: "occ-1", CustomerID: "cust-1", OrgID: "org-1",
		PaymentMethod: studio.PaymentPass, PassID: "pass-1", Amount: chf("0"),
	})
	require.NoError(t, err)
	assert.Equal(t, studio.PassID("pass-1"), reg.PassID)

	passes, err := s.ListPasses(ctx, "cust-1", "org-1")
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, 0, passes[0].RemainingCredits)
	assert.Equal(t, []string{"spin"}, passes[0].ClassTypeIDs)

	p, err := s.RefundPassCredit(ctx, "pass-1", "occ-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.RemainingCredits)

	_, err = s.RefundPassCredit(ctx, "pass-1", "occ-1")
	assert.ErrorIs(t, err, studio.ErrPassAlreadyRefunded)
	_, err = s.UsePassCredit(ctx, "pass-1", "occ-1")
	assert.ErrorIs(t, err, studio.ErrPassAlreadyUsed)
}

func TestWithTx_Rollback(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedClass(t, s, 5, 0)
	reg, err := book(s, "cust-1", studio.PaymentCard)
	require.NoError(t, err)
	boom := errors.New("boom")

	err = s.WithTx(ctx, func(tx studio.Store) error {
		if err := tx.CreateRefundOrder(ctx, studio.Order{
			OrgID: "org-1", CustomerID: "cust-1", RegistrationID: reg.ID,
			Status: studio.OrderPending, PaymentMethod: studio.PaymentCard, Amount: chf("-30"),
		}); err != nil {
			return err
		}
		if err := tx.UpdateRegistrationStatus(ctx, reg.ID, studio.RegistrationCancelled, "x"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	orders, err := s.ListOrders(ctx, reg.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1, "only the charge order survives")
	assert.Equal(t, studio.OrderCharge, orders[0].Kind)

	got, err := s.GetRegistration(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, studio.RegistrationConfirmed, got.Status)
	assert.Nil(t, got.CancelledAt)
}

func TestRegistration_CancelReleasesSeatOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedClass(t, s, 2, 0)
	reg, err := book(s, "cust-1", studio.PaymentCard)
	require.NoError(t, err)

	require.NoError(t, s.UpdateRegistrationStatus(ctx, reg.ID, studio.RegistrationCancelled, "customer_cancellation"))
	assert.ErrorIs(t, s.UpdateRegistrationStatus(ctx, reg.ID, studio.RegistrationCancelled, ""), studio.ErrAlreadyCancelled)

	occ, _ := s.GetOccurrence(ctx, "occ-1")
	assert.Equal(t, 0, occ.BookedCount)

	got, err := s.GetRegistration(ctx, reg.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CancelledAt)
	assert.Equal(t, "customer_cancellation", got.Notes)

	active, err := s.ListRegistrations(ctx, "occ-1", studio.ActiveRegistrationStatuses...)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Rebooking after cancelling is allowed.
	_, err = book(s, "cust-1", studio.PaymentCard)
	assert.NoError(t, err)
}

func TestRefundOrder_Unique(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	o := studio.Order{OrgID: "org-1", CustomerID: "cust-1", RegistrationID: "reg-1",
		Status: studio.OrderPending, PaymentMethod: studio.PaymentCard, Amount: chf("-12.50")}

	require.NoError(t, s.CreateRefundOrder(ctx, o))
	assert.ErrorIs(t, s.CreateRefundOrder(ctx, o), studio.ErrDuplicateIdempotencyKey)
}

func TestMembership_Upsert(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ms, err := s.GetMembership(ctx, "cust-1", "org-1")
	require.NoError(t, err)
	assert.Nil(t, ms)

	require.NoError(t, s.CreateMembership(ctx, studio.Membership{
		CustomerID: "cust-1", OrgID: "org-1", Status: studio.MembershipPaused, ValidUntil: now.AddDate(1, 0, 0),
	}))
	require.NoError(t, s.CreateMembership(ctx, studio.Membership{
		CustomerID: "cust-1", OrgID: "org-1", Status: studio.MembershipActive, ValidUntil: now.AddDate(1, 0, 0),
	}))

	ms, err = s.GetMembership(ctx, "cust-1", "org-1")
	require.NoError(t, err)
	assert.Equal(t, studio.MembershipActive, ms.Status)
	assert.Nil(t, ms.ClassTypeIDs)
}

func TestPass_ForeignPassRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedClass(t, s, 5, 0)
	require.NoError(t, s.CreatePass(ctx, studio.Pass{
		ID: "pass-bob", CustomerID: "bob", OrgID: "org-1", Name: "5er",
		TotalCredits: 5, RemainingCredits: 5,
		ValidFrom: now.AddDate(0, -1, 0), ValidUntil: now.AddDate(0, 1, 0),
	}))

	_, err := s.CreateBookingTransaction(ctx, studio.BookingRequest{
		OccurrenceID: "occ-1", CustomerID: "alice", OrgID: "org-1",
		PaymentMethod: studio.PaymentPass, PassID: "pass-bob", Amount: chf("0"),
	})
	assert.ErrorIs(t, err, studio.ErrPaymentInstrumentInsufficient)

	passes, err := s.ListPasses(ctx, "bob", "org-1")
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, 5, passes[0].RemainingCredits)
	occ, err := s.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)
	assert.Equal(t, 0, occ.BookedCount)
}

func TestBooking_WaitlistPriorityNotReused(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedClass(t, s, 1, 5)

	_, err := book(s, "a", studio.PaymentCard)
	require.NoError(t, err)
	w1, err := book(s, "w1", studio.PaymentCard)
	require.NoError(t, err)
	w2, err := book(s, "w2", studio.PaymentCard)
	require.NoError(t, err)
	require.NoError(t, s.UpdateRegistrationStatus(ctx, w1.ID, studio.RegistrationCancelled, "changed plans"))

	w3, err := book(s, "w3", studio.PaymentCard)
	require.NoError(t, err)

	assert.Equal(t, 2, w2.WaitlistPriority)
	assert.Equal(t, 3, w3.WaitlistPriority)
}

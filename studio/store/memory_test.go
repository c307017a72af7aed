package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

var now = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func chf(s string) studio.Money { return studio.MustMoney(s, "CHF") }

func newStore(t *testing.T) *store.Memory {
	t.Helper()
	return store.NewMemory(store.WithClock(func() time.Time { return now }))
}

func seedClass(t *testing.T, m *store.Memory, capacity, waitlist int) studio.ClassOccurrence {
	t.Helper()
	occ := studio.ClassOccurrence{
		ID:               "occ-1",
		OrgID:            "org-1",
		ClassTypeID:      "yoga",
		StartsAt:         now.Add(48 * time.Hour),
		EndsAt:           now.Add(49 * time.Hour),
		Capacity:         capacity,
		WaitlistCapacity: waitlist,
		Price:            chf("30.00"),
	}
	require.NoError(t, m.CreateOccurrence(context.Background(), occ))
	return occ
}

func topUp(t *testing.T, m *store.Memory, customer studio.CustomerID, amount string) {
	t.Helper()
	_, err := m.AddWalletCredit(context.Background(), studio.WalletMutation{
		CustomerID:    customer,
		OrgID:         "org-1",
		Amount:        chf(amount),
		Reason:        studio.ReasonTopUp,
		ReferenceType: studio.ReferenceManual,
		ReferenceID:   "seed-" + string(customer),
	})
	require.NoError(t, err)
}

func book(m *store.Memory, customer studio.CustomerID, method studio.PaymentMethod) (*studio.Registration, error) {
	return m.CreateBookingTransaction(context.Background(), studio.BookingRequest{
		OccurrenceID:  "occ-1",
		CustomerID:    customer,
		OrgID:         "org-1",
		PaymentMethod: method,
		Amount:        chf("30.00"),
	})
}

// =============================================================================
// BOOKING TRANSACTION
// =============================================================================

func TestCreateBookingTransaction_WalletChargedAndSeatTaken(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	seedClass(t, m, 2, 0)
	topUp(t, m, "cust-1", "50.00")

	reg, err := book(m, "cust-1", studio.PaymentWallet)
	require.NoError(t, err)

	assert.Equal(t, studio.RegistrationConfirmed, reg.Status)
	assert.True(t, reg.AmountPaid.Equal(chf("30.00")))

	w, err := m.GetWallet(ctx, "cust-1", "org-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(chf("20.00")), "balance %s", w.Balance)

	occ, err := m.GetOccurrence(ctx, "occ-1")
	require.NoError(t, err)
	assert.Equal(t, 1, occ.BookedCount)

	_, err = book(m, "cust-1", studio.PaymentCard)
	assert.ErrorIs(t, err, studio.ErrAlreadyBooked)
}

func TestCreateBookingTransaction_InsufficientWalletLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	seedClass(t, m, 2, 0)
	topUp(t, m, "cust-1", "10.00")

	_, err := book(m, "cust-1", studio.PaymentWallet)

	var insufficient *studio.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "10.00", insufficient.Available)

	regs, err := m.ListRegistrations(ctx, "occ-1")
	require.NoError(t, err)
	assert.Empty(t, regs)
	occ, _ := m.GetOccurrence(ctx, "occ-1")
	assert.Equal(t, 0, occ.BookedCount)
}

func TestCreateBookingTransaction_WaitlistThenFull(t *testing.T) {
	m := newStore(t)
	seedClass(t, m, 1, 2)

	first, err := book(m, "cust-1", studio.PaymentCard)
	require.NoError(t, err)
	assert.Equal(t, studio.RegistrationConfirmed, first.Status)

	second, err := book(m, "cust-2", studio.PaymentCard)
	require.NoError(t, err)
	assert.Equal(t, studio.RegistrationWaitlisted, second.Status)
	assert.Equal(t, 1, second.WaitlistPriority)
	assert.True(t, second.AutoPromote)
	assert.True(t, second.AmountPaid.IsZero(), "waitlisted bookings are not charged")

	third, err := book(m, "cust-3", studio.PaymentCard)
	require.NoError(t, err)
	assert.Equal(t, 2, third.WaitlistPriority)

	_, err = book(m, "cust-4", studio.PaymentCard)
	assert.ErrorIs(t, err, studio.ErrCapacityExceeded)
}

func TestCreateBookingTransaction_NotBookable(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	seedClass(t, m, 5, 0)
	require.NoError(t, m.UpdateOccurrenceStatus(ctx, "occ-1", studio.OccurrenceCancelled, "flooded"))

	_, err := book(m, "cust-1", studio.PaymentCard)
	assert.ErrorIs(t, err, studio.ErrOccurrenceNotBookable)

	_, err = m.CreateBookingTransaction(ctx, studio.BookingRequest{OccurrenceID: "missing"})
	assert.ErrorIs(t, err, studio.ErrOccurrenceNotFound)
}

func TestCreateBookingTransaction_ConcurrentLastSeat(t *testing.T) {
	// GIVEN: one seat, no waitlist, many customers racing
	m := newStore(t)
	seedClass(t, m, 1, 0)

	const racers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		confirmed int
		rejected  int
	)
	for i := 0; i < racers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := book(m, studio.CustomerID("cust-"+string(rune('a'+i))), studio.PaymentCard)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				confirmed++
			case errors.Is(err, studio.ErrCapacityExceeded):
				rejected++
			}
		}()
	}
	wg.Wait()

	// THEN: exactly one wins
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, racers-1, rejected)
	occ, _ := m.GetOccurrence(context.Background(), "occ-1")
	assert.Equal(t, 1, occ.BookedCount)
}

// =============================================================================
// WALLET / PASS / ORDERS
// =============================================================================

func TestWalletMutation_DuplicateKeyRejected(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	mut := studio.WalletMutation{
		CustomerID:    "cust-1",
		OrgID:         "org-1",
		Amount:        chf("12.00"),
		Reason:        studio.ReasonCancellationCredit,
		ReferenceType: studio.ReferenceRegistration,
		ReferenceID:   "reg-1",
	}

	_, err := m.AddWalletCredit(ctx, mut)
	require.NoError(t, err)
	_, err = m.AddWalletCredit(ctx, mut)
	assert.ErrorIs(t, err, studio.ErrDuplicateIdempotencyKey)

	entries, err := m.WalletEntries(ctx, "cust-1", "org-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, mut.IdempotencyKey(), entries[0].IdempotencyKey)

	mut.ReferenceID = "reg-2"
	mut.Amount = studio.MustMoney("1", "EUR")
	_, err = m.AddWalletCredit(ctx, mut)
	assert.ErrorIs(t, err, studio.ErrCurrencyMismatch)

	mut.Amount = chf("0")
	_, err = m.AddWalletCredit(ctx, mut)
	assert.ErrorIs(t, err, studio.ErrValidation)
}

func TestPassCredit_UseAndRefundOncePerOccurrence(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	seedClass(t, m, 5, 0)
	require.NoError(t, m.CreatePass(ctx, studio.Pass{
		ID: "pass-1", CustomerID: "cust-1", OrgID: "org-1",
		TotalCredits: 3, RemainingCredits: 3,
		ValidFrom: now.AddDate(0, -1, 0), ValidUntil: now.AddDate(0, 2, 0),
	}))

	_, err := m.RefundPassCredit(ctx, "pass-1", "occ-1")
	assert.ErrorIs(t, err, studio.ErrPassNotUsed)

	p, err := m.UsePassCredit(ctx, "pass-1", "occ-1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.RemainingCredits)

	_, err = m.UsePassCredit(ctx, "pass-1", "occ-1")
	assert.ErrorIs(t, err, studio.ErrPassAlreadyUsed)

	p, err = m.RefundPassCredit(ctx, "pass-1", "occ-1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.RemainingCredits)

	_, err = m.RefundPassCredit(ctx, "pass-1", "occ-1")
	assert.ErrorIs(t, err, studio.ErrPassAlreadyRefunded)

	_, err = m.UsePassCredit(ctx, "missing", "occ-1")
	assert.ErrorIs(t, err, studio.ErrPassNotFound)
}

func TestCreateRefundOrder_OnePerRegistration(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	o := studio.Order{RegistrationID: "reg-1", Amount: chf("-30.00"), Status: studio.OrderPending}

	require.NoError(t, m.CreateRefundOrder(ctx, o))
	assert.ErrorIs(t, m.CreateRefundOrder(ctx, o), studio.ErrDuplicateIdempotencyKey)

	orders, err := m.ListOrders(ctx, "reg-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, studio.OrderRefund, orders[0].Kind)
	assert.NotEmpty(t, orders[0].ID)
}

// =============================================================================
// TRANSACTIONS / STATUS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	topUp(t, m, "cust-1", "10.00")
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s studio.Store) error {
		if _, err := s.AddWalletCredit(ctx, studio.WalletMutation{
			CustomerID: "cust-1", OrgID: "org-1", Amount: chf("5.00"),
			Reason: studio.ReasonCancellationCredit, ReferenceType: studio.ReferenceRegistration, ReferenceID: "reg-9",
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := m.GetWallet(ctx, "cust-1", "org-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(chf("10.00")))
	entries, _ := m.WalletEntries(ctx, "cust-1", "org-1")
	assert.Len(t, entries, 1)
}

func TestUpdateRegistrationStatus_ReleasesSeat(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	seedClass(t, m, 1, 1)

	confirmed, err := book(m, "cust-1", studio.PaymentCard)
	require.NoError(t, err)
	waitlisted, err := book(m, "cust-2", studio.PaymentCard)
	require.NoError(t, err)

	require.NoError(t, m.UpdateRegistrationStatus(ctx, confirmed.ID, studio.RegistrationCancelled, "customer asked"))
	require.NoError(t, m.UpdateRegistrationStatus(ctx, waitlisted.ID, studio.RegistrationCancelled, ""))

	occ, _ := m.GetOccurrence(ctx, "occ-1")
	assert.Equal(t, 0, occ.BookedCount)
	assert.Equal(t, 0, occ.WaitlistCount)

	reg, err := m.GetRegistration(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.NotNil(t, reg.CancelledAt)
	assert.Contains(t, reg.Notes, "customer asked")

	err = m.UpdateRegistrationStatus(ctx, confirmed.ID, studio.RegistrationCancelled, "")
	assert.ErrorIs(t, err, studio.ErrAlreadyCancelled)
}

func TestListEndedOccurrences(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	seedClass(t, m, 1, 0)

	ended, err := m.ListEndedOccurrences(ctx, now.Add(50*time.Hour))
	require.NoError(t, err)
	assert.Len(t, ended, 1)

	ended, err = m.ListEndedOccurrences(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, ended)

	ms, err := m.GetMembership(ctx, "cust-1", "org-1")
	assert.NoError(t, err)
	assert.Nil(t, ms)
}

func TestCreateBookingTransaction_ForeignPassRejected(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	seedClass(t, m, 5, 0)
	require.NoError(t, m.CreatePass(ctx, studio.Pass{
		ID: "pass-bob", CustomerID: "bob", OrgID: "org-1",
		TotalCredits: 5, RemainingCredits: 5,
		ValidFrom: now.AddDate(0, -1, 0), ValidUntil: now.AddDate(0, 2, 0),
	}))

	_, err := m.CreateBookingTransaction(ctx, studio.BookingRequest{
		OccurrenceID: "occ-1", CustomerID: "alice", OrgID: "org-1",
		PaymentMethod: studio.PaymentPass, PassID: "pass-bob", Amount: chf("0"),
	})
	assert.ErrorIs(t, err, studio.ErrPaymentInstrumentInsufficient)

	passes, err := m.ListPasses(ctx, "bob", "org-1")
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, 5, passes[0].RemainingCredits)
	occ, _ := m.GetOccurrence(ctx, "occ-1")
	assert.Equal(t, 0, occ.BookedCount)
}

func TestCreateBookingTransaction_WaitlistPriorityNotReused(t *testing.T) {
	ctx := context.Background()
	m := newStore(t)
	seedClass(t, m, 1, 5)

	_, err := book(m, "a", studio.PaymentCard)
	require.NoError(t, err)
	w1, err := book(m, "w1", studio.PaymentCard)
	require.NoError(t, err)
	w2, err := book(m, "w2", studio.PaymentCard)
	require.NoError(t, err)
	require.NoError(t, m.UpdateRegistrationStatus(ctx, w1.ID, studio.RegistrationCancelled, "changed plans"))

	w3, err := book(m, "w3", studio.PaymentCard)
	require.NoError(t, err)

	assert.Equal(t, 2, w2.WaitlistPriority)
	assert.Equal(t, 3, w3.WaitlistPriority)
	occ, _ := m.GetOccurrence(ctx, "occ-1")
	assert.Equal(t, 2, occ.WaitlistCount)
}

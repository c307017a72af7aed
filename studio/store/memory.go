// Package store provides an in-memory studio.TxStore.
package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes every operation behind one mutex. Multi-step writes run
// against a snapshot that is restored on error.
type Memory struct {
	mu sync.Mutex
	st *state
}

type walletKey struct {
	CustomerID studio.CustomerID
	OrgID      studio.OrgID
}

type passUseKey struct {
	PassID       studio.PassID
	OccurrenceID studio.OccurrenceID
}

type passUse struct {
	refunded bool
}

type state struct {
	now func() time.Time

	occurrences   map[studio.OccurrenceID]studio.ClassOccurrence
	registrations map[studio.RegistrationID]studio.Registration
	regOrder      []studio.RegistrationID
	wallets       map[walletKey]studio.Wallet
	walletEntries []studio.WalletEntry
	idempotency   map[string]bool
	passes        map[studio.PassID]studio.Pass
	passUses      map[passUseKey]passUse
	memberships   map[walletKey]studio.Membership
	orders        []studio.Order
	refundOrders  map[studio.RegistrationID]bool
}

type Option func(*Memory)

// WithClock overrides time.Now, used for booking cut-offs and timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.st.now = now }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{st: &state{
		now:           time.Now,
		occurrences:   make(map[studio.OccurrenceID]studio.ClassOccurrence),
		registrations: make(map[studio.RegistrationID]studio.Registration),
		wallets:       make(map[walletKey]studio.Wallet),
		idempotency:   make(map[string]bool),
		passes:        make(map[studio.PassID]studio.Pass),
		passUses:      make(map[passUseKey]passUse),
		memberships:   make(map[walletKey]studio.Membership),
		refundOrders:  make(map[studio.RegistrationID]bool),
	}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(studio.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	return &state{
		now:           s.now,
		occurrences:   maps.Clone(s.occurrences),
		registrations: maps.Clone(s.registrations),
		regOrder:      slices.Clone(s.regOrder),
		wallets:       maps.Clone(s.wallets),
		walletEntries: slices.Clone(s.walletEntries),
		idempotency:   maps.Clone(s.idempotency),
		passes:        maps.Clone(s.passes),
		passUses:      maps.Clone(s.passUses),
		memberships:   maps.Clone(s.memberships),
		orders:        slices.Clone(s.orders),
		refundOrders:  maps.Clone(s.refundOrders),
	}
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) read(fn func(*state)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.st)
}

func (m *Memory) CreateBookingTransaction(ctx context.Context, req studio.BookingRequest) (reg *studio.Registration, err error) {
	err = m.WithTx(ctx, func(s studio.Store) error {
		var e error
		reg, e = s.CreateBookingTransaction(ctx, req)
		return e
	})
	return reg, err
}

func (m *Memory) AddWalletCredit(ctx context.Context, mut studio.WalletMutation) (w *studio.Wallet, err error) {
	err = m.WithTx(ctx, func(s studio.Store) error {
		var e error
		w, e = s.AddWalletCredit(ctx, mut)
		return e
	})
	return w, err
}

func (m *Memory) DeductWalletCredit(ctx context.Context, mut studio.WalletMutation) (w *studio.Wallet, err error) {
	err = m.WithTx(ctx, func(s studio.Store) error {
		var e error
		w, e = s.DeductWalletCredit(ctx, mut)
		return e
	})
	return w, err
}

func (m *Memory) UsePassCredit(ctx context.Context, passID studio.PassID, occurrenceID studio.OccurrenceID) (p *studio.Pass, err error) {
	err = m.WithTx(ctx, func(s studio.Store) error {
		var e error
		p, e = s.UsePassCredit(ctx, passID, occurrenceID)
		return e
	})
	return p, err
}

func (m *Memory) RefundPassCredit(ctx context.Context, passID studio.PassID, occurrenceID studio.OccurrenceID) (p *studio.Pass, err error) {
	err = m.WithTx(ctx, func(s studio.Store) error {
		var e error
		p, e = s.RefundPassCredit(ctx, passID, occurrenceID)
		return e
	})
	return p, err
}

func (m *Memory) CreateRefundOrder(ctx context.Context, o studio.Order) error {
	return m.WithTx(ctx, func(s studio.Store) error { return s.CreateRefundOrder(ctx, o) })
}

func (m *Memory) UpdateOccurrenceStatus(ctx context.Context, id studio.OccurrenceID, status studio.OccurrenceStatus, reason string) error {
	return m.WithTx(ctx, func(s studio.Store) error { return s.UpdateOccurrenceStatus(ctx, id, status, reason) })
}

func (m *Memory) UpdateRegistrationStatus(ctx context.Context, id studio.RegistrationID, status studio.RegistrationStatus, note string) error {
	return m.WithTx(ctx, func(s studio.Store) error { return s.UpdateRegistrationStatus(ctx, id, status, note) })
}

func (m *Memory) GetOccurrence(ctx context.Context, id studio.OccurrenceID) (o *studio.ClassOccurrence, err error) {
	m.read(func(s *state) { o, err = s.GetOccurrence(ctx, id) })
	return o, err
}

func (m *Memory) GetRegistration(ctx context.Context, id studio.RegistrationID) (r *studio.Registration, err error) {
	m.read(func(s *state) { r, err = s.GetRegistration(ctx, id) })
	return r, err
}

func (m *Memory) ListRegistrations(ctx context.Context, occurrenceID studio.OccurrenceID, statuses ...studio.RegistrationStatus) (regs []studio.Registration, err error) {
	m.read(func(s *state) { regs, err = s.ListRegistrations(ctx, occurrenceID, statuses...) })
	return regs, err
}

func (m *Memory) GetWallet(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) (w *studio.Wallet, err error) {
	m.read(func(s *state) { w, err = s.GetWallet(ctx, customerID, orgID) })
	return w, err
}

func (m *Memory) WalletEntries(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) (es []studio.WalletEntry, err error) {
	m.read(func(s *state) { es, err = s.WalletEntries(ctx, customerID, orgID) })
	return es, err
}

func (m *Memory) ListPasses(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) (ps []studio.Pass, err error) {
	m.read(func(s *state) { ps, err = s.ListPasses(ctx, customerID, orgID) })
	return ps, err
}

func (m *Memory) GetMembership(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) (ms *studio.Membership, err error) {
	m.read(func(s *state) { ms, err = s.GetMembership(ctx, customerID, orgID) })
	return ms, err
}

func (m *Memory) ListOrders(ctx context.Context, registrationID studio.RegistrationID) (orders []studio.Order, err error) {
	m.read(func(s *state) { orders, err = s.ListOrders(ctx, registrationID) })
	return orders, err
}

func (m *Memory) ListEndedOccurrences(ctx context.Context, before time.Time) (occs []studio.ClassOccurrence, err error) {
	m.read(func(s *state) { occs, err = s.ListEndedOccurrences(ctx, before) })
	return occs, err
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) CreateOccurrence(_ context.Context, o studio.ClassOccurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = studio.OccurrenceID(uuid.NewString())
	}
	if o.Status == "" {
		o.Status = studio.OccurrenceScheduled
	}
	now := m.st.now()
	o.CreatedAt, o.UpdatedAt = now, now
	m.st.occurrences[o.ID] = o
	return nil
}

func (m *Memory) CreatePass(_ context.Context, p studio.Pass) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = studio.PassID(uuid.NewString())
	}
	m.st.passes[p.ID] = p
	return nil
}

func (m *Memory) CreateMembership(_ context.Context, ms studio.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms.ID == "" {
		ms.ID = studio.MembershipID(uuid.NewString())
	}
	m.st.memberships[walletKey{ms.CustomerID, ms.OrgID}] = ms
	return nil
}

// =============================================================================
// UNLOCKED STATE OPERATIONS (studio.Store inside WithTx)
// =============================================================================

func (s *state) CreateBookingTransaction(ctx context.Context, req studio.BookingRequest) (*studio.Registration, error) {
	occ, ok := s.occurrences[req.OccurrenceID]
	if !ok {
		return nil, studio.ErrOccurrenceNotFound
	}
	now := s.now()
	if !occ.Bookable(now) {
		return nil, studio.ErrOccurrenceNotBookable
	}
	for _, r := range s.registrations {
		if r.OccurrenceID == req.OccurrenceID && r.CustomerID == req.CustomerID && r.Status.IsActive() {
			return nil, studio.ErrAlreadyBooked
		}
	}

	reg := studio.Registration{
		ID:            studio.RegistrationID(uuid.NewString()),
		OccurrenceID:  req.OccurrenceID,
		CustomerID:    req.CustomerID,
		OrgID:         req.OrgID,
		PaymentMethod: req.PaymentMethod,
		PassID:        req.PassID,
		AmountPaid:    req.Amount.Zero(),
		Notes:         req.Notes,
		BookedAt:      now,
	}

	switch {
	case occ.HasSeat():
		if err := s.charge(ctx, &reg, req); err != nil {
			return nil, err
		}
		reg.Status = studio.RegistrationConfirmed
		occ.BookedCount++
	case occ.WaitlistOpen():
		reg.Status = studio.RegistrationWaitlisted
		reg.WaitlistPriority = s.nextWaitlistPriority(occ.ID)
		reg.AutoPromote = true
		occ.WaitlistCount++
	default:
		return nil, studio.ErrCapacityExceeded
	}

	occ.UpdatedAt = now
	s.occurrences[occ.ID] = occ
	s.registrations[reg.ID] = reg
	s.regOrder = append(s.regOrder, reg.ID)
	return &reg, nil
}

// nextWaitlistPriority follows join order. Priorities of cancelled entries are
// never handed out again.
func (s *state) nextWaitlistPriority(id studio.OccurrenceID) int {
	highest := 0
	for _, r := range s.registrations {
		if r.OccurrenceID == id && r.WaitlistPriority > highest {
			highest = r.WaitlistPriority
		}
	}
	return highest + 1
}

func (s *state) charge(ctx context.Context, reg *studio.Registration, req studio.BookingRequest) error {
	switch req.PaymentMethod {
	case studio.PaymentWallet:
		if _, err := s.DeductWalletCredit(ctx, studio.WalletMutation{
			CustomerID:    req.CustomerID,
			OrgID:         req.OrgID,
			Amount:        req.Amount,
			Reason:        studio.ReasonBookingPayment,
			ReferenceType: studio.ReferenceRegistration,
			ReferenceID:   string(reg.ID),
		}); err != nil {
			return err
		}
		reg.AmountPaid = req.Amount
	case studio.PaymentPass:
		p, ok := s.passes[req.PassID]
		if !ok {
			return studio.ErrPassNotFound
		}
		if err := studio.CheckPassOwner(&p, req.CustomerID, req.OrgID); err != nil {
			return err
		}
		if _, err := s.UsePassCredit(ctx, req.PassID, req.OccurrenceID); err != nil {
			return err
		}
	case studio.PaymentCard, studio.PaymentMobileWallet:
		s.orders = append(s.orders, studio.Order{
			ID:             studio.OrderID(uuid.NewString()),
			OrgID:          req.OrgID,
			CustomerID:     req.CustomerID,
			RegistrationID: reg.ID,
			Kind:           studio.OrderCharge,
			Status:         studio.OrderPending,
			PaymentMethod:  req.PaymentMethod,
			Amount:         req.Amount,
			CreatedAt:      s.now(),
		})
		reg.AmountPaid = req.Amount
	case studio.PaymentMembership:
	default:
		return studio.ErrValidation
	}
	return nil
}

func (s *state) AddWalletCredit(_ context.Context, m studio.WalletMutation) (*studio.Wallet, error) {
	return s.applyWallet(m, m.Amount)
}

func (s *state) DeductWalletCredit(_ context.Context, m studio.WalletMutation) (*studio.Wallet, error) {
	w, ok := s.wallets[walletKey{m.CustomerID, m.OrgID}]
	if !ok || w.Balance.LessThan(m.Amount) {
		available := "0.00"
		if ok {
			available = w.Balance.Amount.StringFixed(2)
		}
		return nil, &studio.InsufficientFundsError{
			CustomerID: m.CustomerID,
			OrgID:      m.OrgID,
			Method:     studio.PaymentWallet,
			Available:  available,
			Requested:  m.Amount.Amount.StringFixed(2),
		}
	}
	return s.applyWallet(m, m.Amount.Neg())
}

func (s *state) applyWallet(m studio.WalletMutation, delta studio.Money) (*studio.Wallet, error) {
	if !m.Amount.IsPositive() {
		return nil, studio.ErrValidation
	}
	key := m.IdempotencyKey()
	if s.idempotency[key] {
		return nil, studio.ErrDuplicateIdempotencyKey
	}

	k := walletKey{m.CustomerID, m.OrgID}
	w, ok := s.wallets[k]
	if !ok {
		w = studio.Wallet{CustomerID: m.CustomerID, OrgID: m.OrgID, Balance: studio.ZeroMoney(m.Amount.Currency)}
	}
	if w.Balance.Currency != m.Amount.Currency {
		return nil, studio.ErrCurrencyMismatch
	}

	now := s.now()
	w.Balance = w.Balance.Add(delta)
	w.UpdatedAt = now
	s.wallets[k] = w
	s.idempotency[key] = true
	s.walletEntries = append(s.walletEntries, studio.WalletEntry{
		ID:             uuid.NewString(),
		CustomerID:     m.CustomerID,
		OrgID:          m.OrgID,
		Delta:          delta,
		Reason:         m.Reason,
		ReferenceType:  m.ReferenceType,
		ReferenceID:    m.ReferenceID,
		IdempotencyKey: key,
		CreatedAt:      now,
	})
	return &w, nil
}

func (s *state) UsePassCredit(_ context.Context, passID studio.PassID, occurrenceID studio.OccurrenceID) (*studio.Pass, error) {
	p, ok := s.passes[passID]
	if !ok {
		return nil, studio.ErrPassNotFound
	}
	k := passUseKey{passID, occurrenceID}
	if _, used := s.passUses[k]; used {
		return nil, studio.ErrPassAlreadyUsed
	}
	occ, ok := s.occurrences[occurrenceID]
	if !ok {
		return nil, studio.ErrOccurrenceNotFound
	}
	if p.RemainingCredits <= 0 || !p.ValidAt(s.now()) || !p.Covers(occ.ClassTypeID) {
		return nil, &studio.InsufficientFundsError{
			CustomerID: p.CustomerID,
			OrgID:      p.OrgID,
			Method:     studio.PaymentPass,
			Available:  strconv.Itoa(p.RemainingCredits),
			Requested:  "1",
		}
	}
	p.RemainingCredits--
	s.passes[passID] = p
	s.passUses[k] = passUse{}
	return &p, nil
}

func (s *state) RefundPassCredit(_ context.Context, passID studio.PassID, occurrenceID studio.OccurrenceID) (*studio.Pass, error) {
	p, ok := s.passes[passID]
	if !ok {
		return nil, studio.ErrPassNotFound
	}
	k := passUseKey{passID, occurrenceID}
	use, used := s.passUses[k]
	if !used {
		return nil, studio.ErrPassNotUsed
	}
	if use.refunded {
		return nil, studio.ErrPassAlreadyRefunded
	}
	if p.RemainingCredits < p.TotalCredits {
		p.RemainingCredits++
	}
	s.passes[passID] = p
	s.passUses[k] = passUse{refunded: true}
	return &p, nil
}

func (s *state) CreateRefundOrder(_ context.Context, o studio.Order) error {
	if s.refundOrders[o.RegistrationID] {
		return studio.ErrDuplicateIdempotencyKey
	}
	if o.ID == "" {
		o.ID = studio.OrderID(uuid.NewString())
	}
	o.Kind = studio.OrderRefund
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	s.orders = append(s.orders, o)
	s.refundOrders[o.RegistrationID] = true
	return nil
}

func (s *state) GetOccurrence(_ context.Context, id studio.OccurrenceID) (*studio.ClassOccurrence, error) {
	o, ok := s.occurrences[id]
	if !ok {
		return nil, studio.ErrOccurrenceNotFound
	}
	return &o, nil
}

func (s *state) UpdateOccurrenceStatus(_ context.Context, id studio.OccurrenceID, status studio.OccurrenceStatus, reason string) error {
	o, ok := s.occurrences[id]
	if !ok {
		return studio.ErrOccurrenceNotFound
	}
	if o.Status == studio.OccurrenceCancelled && status != studio.OccurrenceCancelled {
		return studio.ErrValidation
	}
	o.Status = status
	if reason != "" {
		o.CancellationReason = reason
	}
	o.UpdatedAt = s.now()
	s.occurrences[id] = o
	return nil
}

func (s *state) GetRegistration(_ context.Context, id studio.RegistrationID) (*studio.Registration, error) {
	r, ok := s.registrations[id]
	if !ok {
		return nil, studio.ErrRegistrationNotFound
	}
	return &r, nil
}

func (s *state) ListRegistrations(_ context.Context, occurrenceID studio.OccurrenceID, statuses ...studio.RegistrationStatus) ([]studio.Registration, error) {
	var result []studio.Registration
	for _, id := range s.regOrder {
		r := s.registrations[id]
		if r.OccurrenceID != occurrenceID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, r.Status) {
			continue
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *state) UpdateRegistrationStatus(_ context.Context, id studio.RegistrationID, status studio.RegistrationStatus, note string) error {
	r, ok := s.registrations[id]
	if !ok {
		return studio.ErrRegistrationNotFound
	}
	if r.Status.IsTerminal() {
		return studio.ErrAlreadyCancelled
	}

	now := s.now()
	if status.IsTerminal() {
		if occ, ok := s.occurrences[r.OccurrenceID]; ok {
			switch r.Status {
			case studio.RegistrationConfirmed, studio.RegistrationPending:
				occ.BookedCount--
			case studio.RegistrationWaitlisted:
				occ.WaitlistCount--
			}
			occ.UpdatedAt = now
			s.occurrences[occ.ID] = occ
		}
		r.CancelledAt = &now
	}
	r.Status = status
	if note != "" {
		if r.Notes != "" {
			r.Notes += "\n"
		}
		r.Notes += note
	}
	s.registrations[id] = r
	return nil
}

func (s *state) GetWallet(_ context.Context, customerID studio.CustomerID, orgID studio.OrgID) (*studio.Wallet, error) {
	w, ok := s.wallets[walletKey{customerID, orgID}]
	if !ok {
		return nil, studio.ErrWalletNotFound
	}
	return &w, nil
}

func (s *state) WalletEntries(_ context.Context, customerID studio.CustomerID, orgID studio.OrgID) ([]studio.WalletEntry, error) {
	var result []studio.WalletEntry
	for _, e := range s.walletEntries {
		if e.CustomerID == customerID && e.OrgID == orgID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *state) ListPasses(_ context.Context, customerID studio.CustomerID, orgID studio.OrgID) ([]studio.Pass, error) {
	var result []studio.Pass
	for _, p := range s.passes {
		if p.CustomerID == customerID && p.OrgID == orgID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ValidUntil.Before(result[j].ValidUntil) })
	return result, nil
}

// GetMembership returns nil without error when the customer has none.
func (s *state) GetMembership(_ context.Context, customerID studio.CustomerID, orgID studio.OrgID) (*studio.Membership, error) {
	ms, ok := s.memberships[walletKey{customerID, orgID}]
	if !ok {
		return nil, nil
	}
	return &ms, nil
}

func (s *state) ListOrders(_ context.Context, registrationID studio.RegistrationID) ([]studio.Order, error) {
	var result []studio.Order
	for _, o := range s.orders {
		if o.RegistrationID == registrationID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (s *state) ListEndedOccurrences(_ context.Context, before time.Time) ([]studio.ClassOccurrence, error) {
	var result []studio.ClassOccurrence
	for _, o := range s.occurrences {
		if o.Status == studio.OccurrenceScheduled && o.EndsAt.Before(before) {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EndsAt.Before(result[j].EndsAt) })
	return result, nil
}

/*
Package booking drives a registration from slot selection to a committed
booking, and unwinds it through the refund policy on cancellation.

FLOW:
  slot_selected -> customer_selected -> payment_method_chosen -> confirmed | waitlisted
  confirmed | waitlisted -> cancelled

ATOMICITY:
  The coordinator does not lock anything itself. Capacity re-check, charge and
  insert happen inside studio.Store.CreateBookingTransaction; cancellation
  (credit + refund order + status) runs inside one studio.TxStore.WithTx.

RETRIES:
  Nothing here retries a money-moving call. ProcessAutomaticRefund is keyed by
  registration id, so callers may retry it explicitly.
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/studio-engine/studio"
)

type Coordinator struct {
	store       studio.TxStore
	policy      studio.RefundPolicy
	orgPolicies map[studio.OrgID]studio.RefundPolicy
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithOrgPolicy overrides the default refund policy for one organization.
func WithOrgPolicy(orgID studio.OrgID, p studio.RefundPolicy) Option {
	return func(c *Coordinator) { c.orgPolicies[orgID] = p }
}

func NewCoordinator(store studio.TxStore, policy studio.RefundPolicy, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:       store,
		policy:      policy,
		orgPolicies: make(map[studio.OrgID]studio.RefundPolicy),
		notifier:    nopNotifier{},
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PolicyFor returns the refund policy in force for an organization.
func (c *Coordinator) PolicyFor(orgID studio.OrgID) studio.RefundPolicy {
	if p, ok := c.orgPolicies[orgID]; ok {
		return p
	}
	return c.policy
}

// =============================================================================
// PAYMENT OPTIONS
// =============================================================================

// PaymentOptions reads current balances and evaluates every instrument for
// the occurrence. Nothing is cached between calls.
func (c *Coordinator) PaymentOptions(ctx context.Context, occurrenceID studio.OccurrenceID, customerID studio.CustomerID) ([]studio.PaymentOption, error) {
	occ, err := c.store.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return nil, &BookingError{Op: "payment options", OccurrenceID: occurrenceID, CustomerID: customerID, Err: err}
	}
	return c.paymentOptions(ctx, occ, customerID)
}

func (c *Coordinator) paymentOptions(ctx context.Context, occ *studio.ClassOccurrence, customerID studio.CustomerID) ([]studio.PaymentOption, error) {
	wallet, err := c.store.GetWallet(ctx, customerID, occ.OrgID)
	if err != nil && !errors.Is(err, studio.ErrWalletNotFound) {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	passes, err := c.store.ListPasses(ctx, customerID, occ.OrgID)
	if err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	membership, err := c.store.GetMembership(ctx, customerID, occ.OrgID)
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return studio.EvaluatePaymentOptions(occ, studio.Instruments{
		Wallet:     wallet,
		Passes:     passes,
		Membership: membership,
	}, c.now()), nil
}

// =============================================================================
// BOOKING
// =============================================================================

type BookingInput struct {
	OccurrenceID  studio.OccurrenceID
	CustomerID    studio.CustomerID
	PaymentMethod studio.PaymentMethod
	// PassID is optional; the compatible pass expiring first is used if empty.
	PassID studio.PassID
	Notes  string
}

type BookingResult struct {
	Registration     studio.Registration
	Waitlisted       bool
	WaitlistPosition string
}

// ProcessBooking validates the chosen instrument against current balances and
// commits the booking through the store's atomic booking transaction. A full
// class with waitlist room yields a waitlisted registration, not an error.
func (c *Coordinator) ProcessBooking(ctx context.Context, in BookingInput) (*BookingResult, error) {
	fail := func(err error) (*BookingResult, error) {
		return nil, &BookingError{Op: "book", OccurrenceID: in.OccurrenceID, CustomerID: in.CustomerID, Err: err}
	}
	if in.CustomerID == "" {
		return fail(fmt.Errorf("%w: customer is required", studio.ErrValidation))
	}

	occ, err := c.store.GetOccurrence(ctx, in.OccurrenceID)
	if err != nil {
		return fail(err)
	}
	if !occ.Bookable(c.now()) {
		return fail(studio.ErrOccurrenceNotBookable)
	}

	opts, err := c.paymentOptions(ctx, occ, in.CustomerID)
	if err != nil {
		return fail(err)
	}
	opt, ok := studio.FindOption(opts, in.PaymentMethod)
	if !ok {
		return fail(fmt.Errorf("%w: unknown payment method %q", studio.ErrValidation, in.PaymentMethod))
	}
	if !opt.Available {
		return fail(fmt.Errorf("%w: %s", studio.ErrPaymentInstrumentInsufficient, opt.Reason))
	}

	req := studio.BookingRequest{
		OccurrenceID:  occ.ID,
		CustomerID:    in.CustomerID,
		OrgID:         occ.OrgID,
		PaymentMethod: in.PaymentMethod,
		Amount:        occ.Price,
		Notes:         in.Notes,
	}
	switch in.PaymentMethod {
	case studio.PaymentPass:
		req.PassID = opt.PassID
		if in.PassID != "" {
			passes, err := c.store.ListPasses(ctx, in.CustomerID, occ.OrgID)
			if err != nil {
				return fail(fmt.Errorf("list passes: %w", err))
			}
			if _, err := studio.UsablePass(passes, in.PassID, occ, c.now()); err != nil {
				return fail(err)
			}
			req.PassID = in.PassID
		}
		req.Amount = occ.Price.Zero()
	case studio.PaymentMembership:
		req.Amount = occ.Price.Zero()
	}

	reg, err := c.store.CreateBookingTransaction(ctx, req)
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "booking failed",
			slog.String("occurrence_id", string(occ.ID)),
			slog.String("customer_id", string(in.CustomerID)),
			slog.String("payment_method", string(in.PaymentMethod)),
			slog.String("error", err.Error()),
		)
		return fail(err)
	}

	result := &BookingResult{
		Registration: *reg,
		Waitlisted:   reg.Status == studio.RegistrationWaitlisted,
	}
	if result.Waitlisted {
		result.WaitlistPosition = studio.FormatWaitlistPosition(c.waitlistPosition(ctx, reg))
	}

	c.logger.LogAttrs(ctx, slog.LevelInfo, "booking committed",
		slog.String("registration_id", string(reg.ID)),
		slog.String("occurrence_id", string(occ.ID)),
		slog.String("customer_id", string(in.CustomerID)),
		slog.String("status", string(reg.Status)),
	)
	c.notifier.NotifyBookingCreated(ctx, *reg, *occ)

	return result, nil
}

// waitlistPosition counts active waitlisted entries at or ahead of reg.
// Priorities keep join order but are not dense once entries cancel.
func (c *Coordinator) waitlistPosition(ctx context.Context, reg *studio.Registration) int {
	waiting, err := c.store.ListRegistrations(ctx, reg.OccurrenceID, studio.RegistrationWaitlisted)
	if err != nil {
		return reg.WaitlistPriority
	}
	pos := 0
	for _, w := range waiting {
		if w.WaitlistPriority <= reg.WaitlistPriority {
			pos++
		}
	}
	return pos
}

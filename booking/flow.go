package booking

import (
	"context"
	"fmt"

	"github.com/warp/studio-engine/studio"
)

type FlowState string

const (
	StateSlotSelected        FlowState = "slot_selected"
	StateCustomerSelected    FlowState = "customer_selected"
	StatePaymentMethodChosen FlowState = "payment_method_chosen"
	StateConfirmed           FlowState = "confirmed"
	StateWaitlisted          FlowState = "waitlisted"
	StateCancelled           FlowState = "cancelled"
)

// Flow walks one booking through its steps. A Flow is not safe for
// concurrent use; every call that touches balances goes back to the store.
type Flow struct {
	c     *Coordinator
	state FlowState

	occurrence studio.ClassOccurrence
	customerID studio.CustomerID
	method     studio.PaymentMethod
	passID     studio.PassID
	options    []studio.PaymentOption

	result  *BookingResult
	outcome *RefundOutcome
}

// StartFlow selects the slot. The occurrence must currently accept bookings.
func (c *Coordinator) StartFlow(ctx context.Context, occurrenceID studio.OccurrenceID) (*Flow, error) {
	occ, err := c.store.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return nil, &BookingError{Op: "start flow", OccurrenceID: occurrenceID, Err: err}
	}
	if !occ.Bookable(c.now()) {
		return nil, &BookingError{Op: "start flow", OccurrenceID: occurrenceID, Err: studio.ErrOccurrenceNotBookable}
	}
	return &Flow{c: c, state: StateSlotSelected, occurrence: *occ}, nil
}

func (f *Flow) State() FlowState { return f.state }

func (f *Flow) Occurrence() studio.ClassOccurrence { return f.occurrence }

// Options returns the payment options computed at the last step that read them.
func (f *Flow) Options() []studio.PaymentOption { return f.options }

func (f *Flow) Result() *BookingResult { return f.result }

func (f *Flow) Outcome() *RefundOutcome { return f.outcome }

func (f *Flow) transition(from ...FlowState) error {
	for _, s := range from {
		if f.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: from %s", ErrInvalidTransition, f.state)
}

// SelectCustomer may be repeated until a payment method is chosen.
func (f *Flow) SelectCustomer(ctx context.Context, customerID studio.CustomerID) error {
	if err := f.transition(StateSlotSelected, StateCustomerSelected); err != nil {
		return err
	}
	if customerID == "" {
		return fmt.Errorf("%w: customer is required", studio.ErrValidation)
	}
	opts, err := f.c.paymentOptions(ctx, &f.occurrence, customerID)
	if err != nil {
		return err
	}
	f.customerID = customerID
	f.options = opts
	f.state = StateCustomerSelected
	return nil
}

// ChoosePaymentMethod recomputes the options against current balances and
// rejects an unavailable instrument. It may be repeated before Confirm.
func (f *Flow) ChoosePaymentMethod(ctx context.Context, method studio.PaymentMethod, passID studio.PassID) error {
	if err := f.transition(StateCustomerSelected, StatePaymentMethodChosen); err != nil {
		return err
	}
	opts, err := f.c.paymentOptions(ctx, &f.occurrence, f.customerID)
	if err != nil {
		return err
	}
	f.options = opts

	opt, ok := studio.FindOption(opts, method)
	if !ok {
		return fmt.Errorf("%w: unknown payment method %q", studio.ErrValidation, method)
	}
	if !opt.Available {
		return fmt.Errorf("%w: %s", studio.ErrPaymentInstrumentInsufficient, opt.Reason)
	}
	if method == studio.PaymentPass && passID != "" {
		passes, err := f.c.store.ListPasses(ctx, f.customerID, f.occurrence.OrgID)
		if err != nil {
			return fmt.Errorf("list passes: %w", err)
		}
		if _, err := studio.UsablePass(passes, passID, &f.occurrence, f.c.now()); err != nil {
			return err
		}
	}
	f.method = method
	f.passID = passID
	f.state = StatePaymentMethodChosen
	return nil
}

// Confirm commits the booking. The flow ends confirmed or waitlisted
// depending on capacity at commit time.
func (f *Flow) Confirm(ctx context.Context, notes string) (*BookingResult, error) {
	if err := f.transition(StatePaymentMethodChosen); err != nil {
		return nil, err
	}
	res, err := f.c.ProcessBooking(ctx, BookingInput{
		OccurrenceID:  f.occurrence.ID,
		CustomerID:    f.customerID,
		PaymentMethod: f.method,
		PassID:        f.passID,
		Notes:         notes,
	})
	if err != nil {
		return nil, err
	}
	f.result = res
	f.state = StateConfirmed
	if res.Waitlisted {
		f.state = StateWaitlisted
	}
	return res, nil
}

// Cancel unwinds a committed booking through the refund policy.
func (f *Flow) Cancel(ctx context.Context, t studio.CancellationType) (*RefundOutcome, error) {
	if err := f.transition(StateConfirmed, StateWaitlisted); err != nil {
		return nil, err
	}
	out, err := f.c.ProcessAutomaticRefund(ctx, f.result.Registration.ID, t)
	if err != nil {
		return nil, err
	}
	f.outcome = out
	f.state = StateCancelled
	return out, nil
}

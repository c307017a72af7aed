package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/studio-engine/studio"
)

// RefundOutcome is the result of cancelling one registration.
type RefundOutcome struct {
	RegistrationID studio.RegistrationID
	Breakdown      studio.RefundBreakdown
	// AlreadyCancelled marks a retried cancellation; nothing was applied.
	AlreadyCancelled bool
	PassRefunded     bool
}

// Failure is one item a batch could not process.
type Failure struct {
	ID  string
	Err error
}

type CancellationResult struct {
	OccurrenceID studio.OccurrenceID
	Successful   int
	Failed       int
	Failures     []Failure
	Refunds      []RefundOutcome
}

type BulkResult struct {
	Successful  int
	Failed      int
	Failures    []Failure
	Occurrences []CancellationResult
}

// =============================================================================
// SINGLE REGISTRATION
// =============================================================================

// QuoteRefund previews the breakdown for cancelling a registration now.
// Nothing is written.
func (c *Coordinator) QuoteRefund(ctx context.Context, registrationID studio.RegistrationID, t studio.CancellationType) (*studio.RefundBreakdown, error) {
	reg, err := c.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, &BookingError{Op: "quote refund", RegistrationID: registrationID, Err: err}
	}
	occ, err := c.store.GetOccurrence(ctx, reg.OccurrenceID)
	if err != nil {
		return nil, &BookingError{Op: "quote refund", RegistrationID: registrationID, Err: err}
	}
	b := c.breakdown(reg, occ, t)
	return &b, nil
}

func (c *Coordinator) breakdown(reg *studio.Registration, occ *studio.ClassOccurrence, t studio.CancellationType) studio.RefundBreakdown {
	original := reg.AmountPaid
	if original.Currency == "" {
		original = occ.Price.Zero()
	}
	// Only confirmed seats were charged.
	if reg.Status != studio.RegistrationConfirmed {
		original = original.Zero()
	}
	return c.PolicyFor(reg.OrgID).Calculate(original, occ.StartsAt, c.now(), t)
}

// ProcessAutomaticRefund cancels a registration and applies the refund policy.
// The wallet credit, refund order and status change commit together or not at
// all. Repeating the call for the same registration is a no-op reported via
// RefundOutcome.AlreadyCancelled.
func (c *Coordinator) ProcessAutomaticRefund(ctx context.Context, registrationID studio.RegistrationID, t studio.CancellationType) (*RefundOutcome, error) {
	outcome := &RefundOutcome{RegistrationID: registrationID}
	var (
		reg studio.Registration
		occ studio.ClassOccurrence
	)

	err := c.store.WithTx(ctx, func(tx studio.Store) error {
		r, err := tx.GetRegistration(ctx, registrationID)
		if err != nil {
			return err
		}
		if r.Status.IsTerminal() {
			return studio.ErrAlreadyCancelled
		}
		if r.Status == studio.RegistrationAttended || r.Status == studio.RegistrationNoShow {
			return fmt.Errorf("%w: registration is %s", studio.ErrValidation, r.Status)
		}
		o, err := tx.GetOccurrence(ctx, r.OccurrenceID)
		if err != nil {
			return err
		}
		if err := validateRegistration(r, o); err != nil {
			return err
		}
		reg, occ = *r, *o

		b := c.breakdown(r, o, t)
		outcome.Breakdown = b
		return c.applyRefund(ctx, tx, r, o, b, outcome)
	})

	switch {
	case errors.Is(err, studio.ErrAlreadyCancelled), errors.Is(err, studio.ErrDuplicateIdempotencyKey):
		c.logger.LogAttrs(ctx, slog.LevelInfo, "cancellation already applied",
			slog.String("registration_id", string(registrationID)),
		)
		return &RefundOutcome{RegistrationID: registrationID, AlreadyCancelled: true}, nil
	case err != nil:
		c.logger.LogAttrs(ctx, slog.LevelError, "cancellation failed",
			slog.String("registration_id", string(registrationID)),
			slog.String("cancellation_type", string(t)),
			slog.String("error", err.Error()),
		)
		return nil, &BookingError{Op: "cancel", RegistrationID: registrationID, OccurrenceID: reg.OccurrenceID, CustomerID: reg.CustomerID, Err: err}
	}

	c.logger.LogAttrs(ctx, slog.LevelInfo, "registration cancelled",
		slog.String("registration_id", string(reg.ID)),
		slog.String("occurrence_id", string(occ.ID)),
		slog.String("cancellation_type", string(t)),
		slog.String("tier", outcome.Breakdown.Tier),
		slog.String("refund", outcome.Breakdown.RefundAmount.String()),
		slog.String("credit", outcome.Breakdown.CreditAmount.String()),
	)
	return outcome, nil
}

func validateRegistration(r *studio.Registration, o *studio.ClassOccurrence) error {
	if r.AmountPaid.IsNegative() {
		return fmt.Errorf("%w: negative amount paid", studio.ErrValidation)
	}
	if r.AmountPaid.IsPositive() && r.AmountPaid.Currency != o.Price.Currency {
		return fmt.Errorf("%w: paid in %s, class priced in %s", studio.ErrCurrencyMismatch, r.AmountPaid.Currency, o.Price.Currency)
	}
	if r.PaymentMethod == studio.PaymentPass && r.Status == studio.RegistrationConfirmed && r.PassID == "" {
		return fmt.Errorf("%w: pass registration without pass", studio.ErrValidation)
	}
	return nil
}

func (c *Coordinator) applyRefund(ctx context.Context, tx studio.Store, r *studio.Registration, o *studio.ClassOccurrence, b studio.RefundBreakdown, outcome *RefundOutcome) error {
	if r.Status == studio.RegistrationConfirmed && r.PaymentMethod == studio.PaymentPass && !b.Forfeited {
		if _, err := tx.RefundPassCredit(ctx, r.PassID, o.ID); err != nil {
			return fmt.Errorf("refund pass credit: %w", err)
		}
		outcome.PassRefunded = true
	}

	if b.CreditAmount.IsPositive() {
		if _, err := tx.AddWalletCredit(ctx, studio.WalletMutation{
			CustomerID:    r.CustomerID,
			OrgID:         r.OrgID,
			Amount:        b.CreditAmount,
			Reason:        studio.ReasonCancellationCredit,
			ReferenceType: studio.ReferenceRegistration,
			ReferenceID:   string(r.ID),
		}); err != nil {
			return fmt.Errorf("add wallet credit: %w", err)
		}
	}

	if b.RefundAmount.IsPositive() {
		status := studio.OrderPending
		if r.PaymentMethod == studio.PaymentWallet {
			status = studio.OrderCompleted
		}
		if err := tx.CreateRefundOrder(ctx, studio.Order{
			OrgID:          r.OrgID,
			CustomerID:     r.CustomerID,
			RegistrationID: r.ID,
			Kind:           studio.OrderRefund,
			Status:         status,
			PaymentMethod:  r.PaymentMethod,
			Amount:         b.RefundAmount.Neg(),
			Note:           string(b.CancellationType),
		}); err != nil {
			return fmt.Errorf("create refund order: %w", err)
		}
		if r.PaymentMethod == studio.PaymentWallet {
			if _, err := tx.AddWalletCredit(ctx, studio.WalletMutation{
				CustomerID:    r.CustomerID,
				OrgID:         r.OrgID,
				Amount:        b.RefundAmount,
				Reason:        studio.ReasonCancellationRefund,
				ReferenceType: studio.ReferenceRegistration,
				ReferenceID:   string(r.ID),
			}); err != nil {
				return fmt.Errorf("return wallet payment: %w", err)
			}
		}
	}

	note := fmt.Sprintf("cancelled: %s (%s tier)", b.CancellationType, b.Tier)
	if err := tx.UpdateRegistrationStatus(ctx, r.ID, studio.RegistrationCancelled, note); err != nil {
		return fmt.Errorf("update registration: %w", err)
	}
	return nil
}

// =============================================================================
// OCCURRENCE CASCADE
// =============================================================================

// CancelClassOccurrence cancels the class and refunds every active
// registration through the instructor-cancellation path. Registrations are
// processed independently; one failure does not stop the rest.
func (c *Coordinator) CancelClassOccurrence(ctx context.Context, occurrenceID studio.OccurrenceID, reason string, notifyCustomers bool) (*CancellationResult, error) {
	occ, err := c.store.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return nil, &BookingError{Op: "cancel occurrence", OccurrenceID: occurrenceID, Err: err}
	}
	if occ.Status == studio.OccurrenceCompleted {
		return nil, &BookingError{Op: "cancel occurrence", OccurrenceID: occurrenceID, Err: fmt.Errorf("%w: occurrence already completed", studio.ErrValidation)}
	}
	if err := c.store.UpdateOccurrenceStatus(ctx, occurrenceID, studio.OccurrenceCancelled, reason); err != nil {
		return nil, &BookingError{Op: "cancel occurrence", OccurrenceID: occurrenceID, Err: err}
	}
	occ.Status = studio.OccurrenceCancelled

	regs, err := c.store.ListRegistrations(ctx, occurrenceID, studio.ActiveRegistrationStatuses...)
	if err != nil {
		return nil, &BookingError{Op: "cancel occurrence", OccurrenceID: occurrenceID, Err: err}
	}

	result := &CancellationResult{OccurrenceID: occurrenceID}
	for _, reg := range regs {
		outcome, err := c.ProcessAutomaticRefund(ctx, reg.ID, studio.InstructorCancellation)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, Failure{ID: string(reg.ID), Err: err})
			continue
		}
		result.Successful++
		result.Refunds = append(result.Refunds, *outcome)
		if notifyCustomers && !outcome.AlreadyCancelled {
			if cur, err := c.store.GetRegistration(ctx, reg.ID); err == nil {
				reg = *cur
			}
			c.notifier.NotifyRegistrationCancelled(ctx, reg, *occ, outcome.Breakdown)
		}
	}

	c.logger.LogAttrs(ctx, slog.LevelInfo, "occurrence cancelled",
		slog.String("occurrence_id", string(occurrenceID)),
		slog.String("reason", reason),
		slog.Int("successful", result.Successful),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// ProcessBulkCancellations cancels several occurrences. An occurrence counts
// as failed if it could not be cancelled or any of its registrations failed.
func (c *Coordinator) ProcessBulkCancellations(ctx context.Context, occurrenceIDs []studio.OccurrenceID, reason string, notifyCustomers bool) (*BulkResult, error) {
	result := &BulkResult{}
	for _, id := range occurrenceIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := c.CancelClassOccurrence(ctx, id, reason, notifyCustomers)
		switch {
		case err != nil:
			result.Failed++
			result.Failures = append(result.Failures, Failure{ID: string(id), Err: err})
			continue
		case res.Failed > 0:
			result.Failed++
			result.Failures = append(result.Failures, Failure{
				ID:  string(id),
				Err: fmt.Errorf("%d of %d registrations failed: %w", res.Failed, res.Failed+res.Successful, res.Failures[0].Err),
			})
		default:
			result.Successful++
		}
		result.Occurrences = append(result.Occurrences, *res)
	}
	return result, nil
}

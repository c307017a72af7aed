package studio

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// PaymentOption describes one instrument the customer could pay with.
type PaymentOption struct {
	Method    PaymentMethod
	Available bool
	// Reason explains why an instrument is unavailable.
	Reason string

	PassID           PassID
	RemainingCredits int
	WalletBalance    Money
}

// Instruments is a point-in-time read of a customer's balances within one org.
type Instruments struct {
	Wallet     *Wallet
	Passes     []Pass
	Membership *Membership
}

// EvaluatePaymentOptions computes instrument availability for occ at now.
// Results are derived from the balances passed in and must not be cached
// across selections.
func EvaluatePaymentOptions(occ *ClassOccurrence, in Instruments, now time.Time) []PaymentOption {
	opts := make([]PaymentOption, 0, 5)

	membership := PaymentOption{Method: PaymentMembership}
	switch m := in.Membership; {
	case m == nil:
		membership.Reason = "no membership"
	case m.Status != MembershipActive:
		membership.Reason = "membership " + string(m.Status)
	case !now.Before(m.ValidUntil):
		membership.Reason = "membership expired"
	case !m.Covers(occ.ClassTypeID):
		membership.Reason = "membership does not cover this class"
	default:
		membership.Available = true
	}
	opts = append(opts, membership)

	wallet := PaymentOption{Method: PaymentWallet, WalletBalance: occ.Price.Zero()}
	if in.Wallet != nil {
		wallet.WalletBalance = in.Wallet.Balance
	}
	switch {
	case in.Wallet != nil && in.Wallet.Balance.Currency != "" && in.Wallet.Balance.Currency != occ.Price.Currency:
		wallet.Reason = "wallet currency differs from class price"
	case wallet.WalletBalance.LessThan(occ.Price):
		wallet.Reason = fmt.Sprintf("wallet balance %s is below price %s", wallet.WalletBalance.Amount.StringFixed(2), occ.Price)
	default:
		wallet.Available = true
	}
	opts = append(opts, wallet)

	pass := PaymentOption{Method: PaymentPass}
	if p := SelectPass(in.Passes, occ, now); p != nil {
		pass.Available = true
		pass.PassID = p.ID
		pass.RemainingCredits = p.RemainingCredits
	} else {
		pass.Reason = "no compatible pass with remaining credits"
	}
	opts = append(opts, pass)

	opts = append(opts,
		PaymentOption{Method: PaymentMobileWallet, Available: true},
		PaymentOption{Method: PaymentCard, Available: true},
	)
	return opts
}

// SelectPass returns the compatible pass expiring first, or nil.
func SelectPass(passes []Pass, occ *ClassOccurrence, now time.Time) *Pass {
	var compatible []Pass
	for _, p := range passes {
		if p.OrgID == occ.OrgID && p.RemainingCredits > 0 && p.ValidAt(now) && p.Covers(occ.ClassTypeID) {
			compatible = append(compatible, p)
		}
	}
	if len(compatible) == 0 {
		return nil
	}
	sort.Slice(compatible, func(i, j int) bool { return compatible[i].ValidUntil.Before(compatible[j].ValidUntil) })
	return &compatible[0]
}

// CheckPassOwner rejects a pass that belongs to another customer or org.
func CheckPassOwner(p *Pass, customerID CustomerID, orgID OrgID) error {
	if p.CustomerID != customerID || p.OrgID != orgID {
		return fmt.Errorf("%w: pass %s is not held by customer %s", ErrPaymentInstrumentInsufficient, p.ID, customerID)
	}
	return nil
}

// UsablePass finds id among the customer's passes and checks it can pay
// for occ at now.
func UsablePass(passes []Pass, id PassID, occ *ClassOccurrence, now time.Time) (*Pass, error) {
	for i := range passes {
		p := &passes[i]
		if p.ID != id {
			continue
		}
		switch {
		case p.OrgID != occ.OrgID:
			return nil, fmt.Errorf("%w: pass %s belongs to another organization", ErrPaymentInstrumentInsufficient, id)
		case !p.ValidAt(now):
			return nil, fmt.Errorf("%w: pass %s is not valid at %s", ErrPaymentInstrumentInsufficient, id, now.Format(time.RFC3339))
		case p.RemainingCredits <= 0:
			return nil, fmt.Errorf("%w: pass %s has no credits left", ErrPaymentInstrumentInsufficient, id)
		case !p.Covers(occ.ClassTypeID):
			return nil, fmt.Errorf("%w: pass %s does not cover class type %q", ErrPaymentInstrumentInsufficient, id, occ.ClassTypeID)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: pass %s is not held by the customer", ErrPaymentInstrumentInsufficient, id)
}

// FindOption returns the option for method.
func FindOption(opts []PaymentOption, method PaymentMethod) (PaymentOption, bool) {
	for _, o := range opts {
		if o.Method == method {
			return o, true
		}
	}
	return PaymentOption{}, false
}

// FormatWaitlistPosition renders a 1-based waitlist priority for display.
func FormatWaitlistPosition(priority int) string {
	if priority <= 0 {
		return "not on the waitlist"
	}
	suffix := "th"
	switch priority % 100 {
	case 11, 12, 13:
	default:
		switch priority % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(priority) + suffix + " on the waitlist"
}

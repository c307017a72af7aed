/*
Package studio provides the core commerce model for a multi-tenant studio.

PURPOSE:
  Holds the types shared by the booking coordinator and the storage
  implementations: class occurrences, registrations, wallets, passes,
  memberships and payment/refund orders. Money is always decimal with an
  explicit currency; balances are scoped to (customer, organization).

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amount + ISO currency code
  - ClassOccurrence: one concrete scheduled session
  - Registration: a customer's claim on one occurrence
  - Wallet / WalletEntry: cash-equivalent balance and its append-only ledger
  - Pass / Membership: prepaid instruments
  - Order: charge or refund record (refunds are negative)

DESIGN PRINCIPLES:
  1. Balances change only through atomic store operations (see store.go)
  2. Precision: decimal.Decimal, rounded to cents at the edges
  3. Corrections are compensating records, never edits of the original payment
  4. Every ledger write carries a reference and an idempotency key

SEE ALSO:
  - refund.go: cancellation policy engine
  - payment.go: payment instrument availability
  - store.go: persistence contracts
*/
package studio

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

type Money struct {
	Amount   decimal.Decimal
	Currency string
}

func NewMoney(amount float64, currency string) Money {
	return Money{Amount: decimal.NewFromFloat(amount), Currency: currency}
}

// MustMoney parses a decimal string. Invalid input yields zero.
func MustMoney(s, currency string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{Amount: decimal.Zero, Currency: currency}
	}
	return Money{Amount: d, Currency: currency}
}

func ZeroMoney(currency string) Money { return Money{Amount: decimal.Zero, Currency: currency} }

func (m Money) Zero() Money                 { return Money{Amount: decimal.Zero, Currency: m.Currency} }
func (m Money) Add(o Money) Money           { return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency} }
func (m Money) Sub(o Money) Money           { return Money{Amount: m.Amount.Sub(o.Amount), Currency: m.Currency} }
func (m Money) Mul(f decimal.Decimal) Money { return Money{Amount: m.Amount.Mul(f), Currency: m.Currency} }
func (m Money) Neg() Money                  { return Money{Amount: m.Amount.Neg(), Currency: m.Currency} }
func (m Money) IsZero() bool                { return m.Amount.IsZero() }
func (m Money) IsPositive() bool            { return m.Amount.IsPositive() }
func (m Money) IsNegative() bool            { return m.Amount.IsNegative() }
func (m Money) LessThan(o Money) bool       { return m.Amount.LessThan(o.Amount) }
func (m Money) GreaterThan(o Money) bool    { return m.Amount.GreaterThan(o.Amount) }
func (m Money) Equal(o Money) bool          { return m.Currency == o.Currency && m.Amount.Equal(o.Amount) }

// RoundCents rounds half away from zero to two decimal places.
func (m Money) RoundCents() Money { return Money{Amount: m.Amount.Round(2), Currency: m.Currency} }

// FloorZero clamps negative amounts to zero.
func (m Money) FloorZero() Money {
	if m.Amount.IsNegative() {
		return m.Zero()
	}
	return m
}

func (m Money) String() string { return m.Amount.StringFixed(2) + " " + m.Currency }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	OrgID          string
	CustomerID     string
	OccurrenceID   string
	RegistrationID string
	PassID         string
	MembershipID   string
	OrderID        string
)

// =============================================================================
// CLASS OCCURRENCE
// =============================================================================

type OccurrenceStatus string

const (
	OccurrenceScheduled OccurrenceStatus = "scheduled"
	OccurrenceCancelled OccurrenceStatus = "cancelled"
	OccurrenceCompleted OccurrenceStatus = "completed"
)

type ClassOccurrence struct {
	ID          OccurrenceID
	OrgID       OrgID
	ClassTypeID string
	Title       string
	StartsAt    time.Time
	EndsAt      time.Time

	Capacity      int
	BookedCount   int
	WaitlistCount int
	// WaitlistCapacity of zero disables the waitlist.
	WaitlistCapacity int

	Price  Money
	Status OccurrenceStatus

	CancellationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (o *ClassOccurrence) HasSeat() bool { return o.BookedCount < o.Capacity }

func (o *ClassOccurrence) WaitlistOpen() bool { return o.WaitlistCount < o.WaitlistCapacity }

// Bookable reports whether new registrations may be taken at now.
func (o *ClassOccurrence) Bookable(now time.Time) bool {
	return o.Status == OccurrenceScheduled && now.Before(o.StartsAt)
}

// =============================================================================
// REGISTRATION
// =============================================================================

type RegistrationStatus string

const (
	RegistrationPending    RegistrationStatus = "pending"
	RegistrationConfirmed  RegistrationStatus = "confirmed"
	RegistrationWaitlisted RegistrationStatus = "waitlisted"
	RegistrationCancelled  RegistrationStatus = "cancelled"
	RegistrationNoShow     RegistrationStatus = "no_show"
	RegistrationRefunded   RegistrationStatus = "refunded"
	RegistrationAttended   RegistrationStatus = "attended"
)

// ActiveRegistrationStatuses hold a seat or a waitlist slot.
var ActiveRegistrationStatuses = []RegistrationStatus{
	RegistrationPending, RegistrationConfirmed, RegistrationWaitlisted,
}

// IsTerminal reports whether the status forbids further mutation.
func (s RegistrationStatus) IsTerminal() bool {
	return s == RegistrationCancelled || s == RegistrationRefunded
}

func (s RegistrationStatus) IsActive() bool {
	return slices.Contains(ActiveRegistrationStatuses, s)
}

type PaymentMethod string

const (
	PaymentMembership   PaymentMethod = "membership"
	PaymentWallet       PaymentMethod = "wallet"
	PaymentPass         PaymentMethod = "pass"
	PaymentMobileWallet PaymentMethod = "mobile_wallet"
	PaymentCard         PaymentMethod = "card"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case PaymentMembership, PaymentWallet, PaymentPass, PaymentMobileWallet, PaymentCard:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown payment method %q", ErrValidation, s)
}

type Registration struct {
	ID            RegistrationID
	OccurrenceID  OccurrenceID
	CustomerID    CustomerID
	OrgID         OrgID
	Status        RegistrationStatus
	PaymentMethod PaymentMethod
	PassID        PassID
	AmountPaid    Money

	WaitlistPriority int
	AutoPromote      bool

	Notes       string
	BookedAt    time.Time
	CancelledAt *time.Time
}

// =============================================================================
// WALLET
// =============================================================================

type Wallet struct {
	CustomerID CustomerID
	OrgID      OrgID
	Balance    Money
	UpdatedAt  time.Time
}

// Reference types for wallet entries and orders.
const (
	ReferenceRegistration = "registration"
	ReferenceOccurrence   = "occurrence"
	ReferenceManual       = "manual"
)

// Wallet entry reasons.
const (
	ReasonCancellationCredit = "cancellation credit"
	ReasonCancellationRefund = "cancellation refund"
	ReasonBookingPayment     = "booking payment"
	ReasonTopUp              = "top up"
)

// WalletMutation is the input of AddWalletCredit / DeductWalletCredit.
type WalletMutation struct {
	CustomerID    CustomerID
	OrgID         OrgID
	Amount        Money
	Reason        string
	ReferenceType string
	ReferenceID   string
}

// IdempotencyKey identifies the mutation for duplicate rejection.
// The same reason against the same reference can only be applied once.
func (m WalletMutation) IdempotencyKey() string {
	return fmt.Sprintf("wallet:%s:%s:%s:%s", m.OrgID, m.Reason, m.ReferenceType, m.ReferenceID)
}

// WalletEntry is one append-only wallet ledger row.
type WalletEntry struct {
	ID             string
	CustomerID     CustomerID
	OrgID          OrgID
	Delta          Money
	Reason         string
	ReferenceType  string
	ReferenceID    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// PASS / MEMBERSHIP
// =============================================================================

type Pass struct {
	ID               PassID
	CustomerID       CustomerID
	OrgID            OrgID
	Name             string
	TotalCredits     int
	RemainingCredits int
	ValidFrom        time.Time
	ValidUntil       time.Time
	// ClassTypeIDs restricts usable classes; empty means all.
	ClassTypeIDs []string
}

func (p *Pass) Covers(classTypeID string) bool {
	return len(p.ClassTypeIDs) == 0 || slices.Contains(p.ClassTypeIDs, classTypeID)
}

func (p *Pass) ValidAt(t time.Time) bool {
	return !t.Before(p.ValidFrom) && t.Before(p.ValidUntil)
}

type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "active"
	MembershipPaused  MembershipStatus = "paused"
	MembershipExpired MembershipStatus = "expired"
)

type Membership struct {
	ID           MembershipID
	CustomerID   CustomerID
	OrgID        OrgID
	Status       MembershipStatus
	ValidUntil   time.Time
	ClassTypeIDs []string
}

func (m *Membership) Covers(classTypeID string) bool {
	return len(m.ClassTypeIDs) == 0 || slices.Contains(m.ClassTypeIDs, classTypeID)
}

// =============================================================================
// ORDER - charge and refund records
// =============================================================================

type OrderKind string

const (
	OrderCharge OrderKind = "charge"
	OrderRefund OrderKind = "refund"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
)

type Order struct {
	ID             OrderID
	OrgID          OrgID
	CustomerID     CustomerID
	RegistrationID RegistrationID
	Kind           OrderKind
	Status         OrderStatus
	PaymentMethod  PaymentMethod
	// Amount is negative for refunds.
	Amount    Money
	Note      string
	CreatedAt time.Time
}

// =============================================================================
// BOOKING REQUEST - input of the atomic booking commit
// =============================================================================

type BookingRequest struct {
	OccurrenceID  OccurrenceID
	CustomerID    CustomerID
	OrgID         OrgID
	PaymentMethod PaymentMethod
	PassID        PassID
	Amount        Money
	Notes         string
}

/*
store.go - Persistence contracts for the commerce core

PURPOSE:
  The booking coordinator never touches balances directly. It calls the
  narrow, all-or-nothing primitives below; each implementation (memory,
  SQLite, PostgreSQL) guarantees their atomicity.

KEY INTERFACES:
  Store:   atomic booking commit, wallet/pass mutations, status updates, reads
  TxStore: Store + WithTx for multi-step units (cancellation + credit + refund)
  Catalog: seeding of occurrences, passes and memberships

NO READ-MODIFY-WRITE:
  Wallet balances and pass credits change only via AddWalletCredit,
  DeductWalletCredit, UsePassCredit and RefundPassCredit. Implementations
  apply the delta inside the storage engine, never by writing back a value
  computed in Go from an earlier read.

IDEMPOTENCY:
  Wallet mutations are keyed by WalletMutation.IdempotencyKey(); refund orders
  are unique per registration; pass use/refund is unique per (pass, occurrence).
  Duplicates return ErrDuplicateIdempotencyKey / ErrPassAlreadyUsed /
  ErrPassAlreadyRefunded.

IMPLEMENTATIONS:
  - studio/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL
*/
package studio

import (
	"context"
	"time"
)

type Store interface {
	// CreateBookingTransaction re-checks capacity, charges the instrument for
	// a confirmed seat, inserts the registration and decides confirmed vs
	// waitlisted, all in one unit.
	CreateBookingTransaction(ctx context.Context, req BookingRequest) (*Registration, error)

	AddWalletCredit(ctx context.Context, m WalletMutation) (*Wallet, error)
	DeductWalletCredit(ctx context.Context, m WalletMutation) (*Wallet, error)

	UsePassCredit(ctx context.Context, passID PassID, occurrenceID OccurrenceID) (*Pass, error)
	RefundPassCredit(ctx context.Context, passID PassID, occurrenceID OccurrenceID) (*Pass, error)

	// CreateRefundOrder records a compensating negative order. At most one
	// refund order exists per registration.
	CreateRefundOrder(ctx context.Context, o Order) error

	GetOccurrence(ctx context.Context, id OccurrenceID) (*ClassOccurrence, error)
	UpdateOccurrenceStatus(ctx context.Context, id OccurrenceID, status OccurrenceStatus, reason string) error

	GetRegistration(ctx context.Context, id RegistrationID) (*Registration, error)
	ListRegistrations(ctx context.Context, occurrenceID OccurrenceID, statuses ...RegistrationStatus) ([]Registration, error)
	// UpdateRegistrationStatus also releases the seat or waitlist slot when an
	// active registration becomes cancelled.
	UpdateRegistrationStatus(ctx context.Context, id RegistrationID, status RegistrationStatus, note string) error

	GetWallet(ctx context.Context, customerID CustomerID, orgID OrgID) (*Wallet, error)
	WalletEntries(ctx context.Context, customerID CustomerID, orgID OrgID) ([]WalletEntry, error)
	ListPasses(ctx context.Context, customerID CustomerID, orgID OrgID) ([]Pass, error)
	GetMembership(ctx context.Context, customerID CustomerID, orgID OrgID) (*Membership, error)
	ListOrders(ctx context.Context, registrationID RegistrationID) ([]Order, error)

	// ListEndedOccurrences returns scheduled occurrences whose EndsAt is before t.
	ListEndedOccurrences(ctx context.Context, before time.Time) ([]ClassOccurrence, error)
}

// TxStore wraps Store with transaction support.
// If fn returns an error every write made through the provided Store is
// rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

type Catalog interface {
	CreateOccurrence(ctx context.Context, o ClassOccurrence) error
	CreatePass(ctx context.Context, p Pass) error
	CreateMembership(ctx context.Context, m Membership) error
}

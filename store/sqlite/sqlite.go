/*
Package sqlite provides a SQLite-backed implementation of studio.TxStore.

PURPOSE:
  Persists occurrences, registrations, wallets, passes, memberships and
  orders. Used for single-node deployments and for store-level tests with
  ":memory:". The PostgreSQL store (store/postgres) follows the same schema.

INTERFACES IMPLEMENTED:
  studio.Store:   atomic booking, wallet/pass mutations, reads
  studio.TxStore: WithTx for multi-step cancellation units
  studio.Catalog: seeding

LEDGER RULES:
  - wallet_entries is append-only; idempotency_key is UNIQUE
  - wallet balances are integer cents changed by SQL deltas
    (balance_cents = balance_cents + ?), never by writing back a Go value
  - DeductWalletCredit is a conditional UPDATE (balance_cents >= ?)
  - one refund order per registration (partial unique index)
  - one active registration per (occurrence, customer) (partial unique index)

CONCURRENCY:
  One writer at a time: WithTx holds a mutex and the pool is capped at a
  single connection, so booking transactions are serialized. SQLITE_BUSY and
  SQLITE_LOCKED surface as studio.ErrConcurrentModification.

USAGE:
  store, err := sqlite.New("./data/studio.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coord := booking.NewCoordinator(store, policy, logger)

SEE ALSO:
  - studio/store.go: interface definitions
  - studio/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/studio"
)

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements studio.TxStore and studio.Catalog using SQLite.
type Store struct {
	*conn
	db *sql.DB
	mu sync.Mutex
}

type Option func(*Store)

// WithClock overrides time.Now, used for booking cut-offs and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.conn.now = now }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, conn: &conn{q: db, now: time.Now}}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS occurrences (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	class_type_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	starts_at TEXT NOT NULL,
	ends_at TEXT NOT NULL,
	capacity INTEGER NOT NULL,
	booked_count INTEGER NOT NULL DEFAULT 0,
	waitlist_count INTEGER NOT NULL DEFAULT 0,
	waitlist_capacity INTEGER NOT NULL DEFAULT 0,
	price TEXT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'scheduled',
	cancellation_reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (booked_count >= 0 AND waitlist_count >= 0)
);

CREATE INDEX IF NOT EXISTS idx_occurrences_status_ends
	ON occurrences(status, ends_at);

CREATE TABLE IF NOT EXISTS registrations (
	id TEXT PRIMARY KEY,
	occurrence_id TEXT NOT NULL REFERENCES occurrences(id),
	customer_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	status TEXT NOT NULL,
	payment_method TEXT NOT NULL,
	pass_id TEXT NOT NULL DEFAULT '',
	amount_paid TEXT NOT NULL,
	currency TEXT NOT NULL,
	waitlist_priority INTEGER NOT NULL DEFAULT 0,
	auto_promote BOOLEAN NOT NULL DEFAULT FALSE,
	notes TEXT NOT NULL DEFAULT '',
	booked_at TEXT NOT NULL,
	cancelled_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_registrations_occurrence
	ON registrations(occurrence_id, status);

-- One live claim per customer per class
CREATE UNIQUE INDEX IF NOT EXISTS idx_registrations_active
	ON registrations(occurrence_id, customer_id)
	WHERE status IN ('pending', 'confirmed', 'waitlisted');

CREATE TABLE IF NOT EXISTS wallets (
	customer_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	balance_cents INTEGER NOT NULL DEFAULT 0,
	currency TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (customer_id, org_id),
	CHECK (balance_cents >= 0)
);

-- Append-only
CREATE TABLE IF NOT EXISTS wallet_entries (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	delta TEXT NOT NULL,
	currency TEXT NOT NULL,
	reason TEXT NOT NULL,
	reference_type TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wallet_entries_owner
	ON wallet_entries(customer_id, org_id, created_at);

CREATE TABLE IF NOT EXISTS passes (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	total_credits INTEGER NOT NULL,
	remaining_credits INTEGER NOT NULL,
	valid_from TEXT NOT NULL,
	valid_until TEXT NOT NULL,
	class_type_ids TEXT NOT NULL DEFAULT '[]',
	CHECK (remaining_credits >= 0 AND remaining_credits <= total_credits)
);

CREATE TABLE IF NOT EXISTS pass_uses (
	pass_id TEXT NOT NULL REFERENCES passes(id),
	occurrence_id TEXT NOT NULL,
	refunded BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (pass_id, occurrence_id)
);

CREATE TABLE IF NOT EXISTS memberships (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	status TEXT NOT NULL,
	valid_until TEXT NOT NULL,
	class_type_ids TEXT NOT NULL DEFAULT '[]',
	UNIQUE (customer_id, org_id)
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	registration_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	payment_method TEXT NOT NULL,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_registration
	ON orders(registration_id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_one_refund
	ON orders(registration_id) WHERE kind = 'refund';
`

// =============================================================================
// TRANSACTIONAL STORE (studio.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(studio.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, now: s.now}); err != nil {
		return err
	}
	return mapError(sqlTx.Commit())
}

func (s *Store) CreateBookingTransaction(ctx context.Context, req studio.BookingRequest) (reg *studio.Registration, err error) {
	err = s.WithTx(ctx, func(tx studio.Store) error {
		var e error
		reg, e = tx.CreateBookingTransaction(ctx, req)
		return e
	})
	return reg, err
}

func (s *Store) AddWalletCredit(ctx context.Context, m studio.WalletMutation) (w *studio.Wallet, err error) {
	err = s.WithTx(ctx, func(tx studio.Store) error {
		var e error
		w, e = tx.AddWalletCredit(ctx, m)
		return e
	})
	return w, err
}

func (s *Store) DeductWalletCredit(ctx context.Context, m studio.WalletMutation) (w *studio.Wallet, err error) {
	err = s.WithTx(ctx, func(tx studio.Store) error {
		var e error
		w, e = tx.DeductWalletCredit(ctx, m)
		return e
	})
	return w, err
}

func (s *Store) UsePassCredit(ctx context.Context, passID studio.PassID, occurrenceID studio.OccurrenceID) (p *studio.Pass, err error) {
	err = s.WithTx(ctx, func(tx studio.Store) error {
		var e error
		p, e = tx.UsePassCredit(ctx, passID, occurrenceID)
		return e
	})
	return p, err
}

func (s *Store) RefundPassCredit(ctx context.Context, passID studio.PassID, occurrenceID studio.OccurrenceID) (p *studio.Pass, err error) {
	err = s.WithTx(ctx, func(tx studio.Store) error {
		var e error
		p, e = tx.RefundPassCredit(ctx, passID, occurrenceID)
		return e
	})
	return p, err
}

func (s *Store) CreateRefundOrder(ctx context.Context, o studio.Order) error {
	return s.WithTx(ctx, func(tx studio.Store) error { return tx.CreateRefundOrder(ctx, o) })
}

func (s *Store) UpdateOccurrenceStatus(ctx context.Context, id studio.OccurrenceID, status studio.OccurrenceStatus, reason string) error {
	return s.WithTx(ctx, func(tx studio.Store) error { return tx.UpdateOccurrenceStatus(ctx, id, status, reason) })
}

func (s *Store) UpdateRegistrationStatus(ctx context.Context, id studio.RegistrationID, status studio.RegistrationStatus, note string) error {
	return s.WithTx(ctx, func(tx studio.Store) error { return tx.UpdateRegistrationStatus(ctx, id, status, note) })
}

// =============================================================================
// CATALOG (studio.Catalog interface)
// =============================================================================

func (s *Store) CreateOccurrence(ctx context.Context, o studio.ClassOccurrence) error {
	if o.ID == "" {
		o.ID = studio.OccurrenceID(uuid.NewString())
	}
	if o.Status == "" {
		o.Status = studio.OccurrenceScheduled
	}
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO occurrences
		(id, org_id, class_type_id, title, starts_at, ends_at, capacity, booked_count,
		 waitlist_count, waitlist_capacity, price, currency, status, cancellation_reason,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OrgID, o.ClassTypeID, o.Title, formatTime(o.StartsAt), formatTime(o.EndsAt),
		o.Capacity, o.BookedCount, o.WaitlistCount, o.WaitlistCapacity,
		o.Price.Amount.String(), o.Price.Currency, o.Status, o.CancellationReason, now, now,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert occurrence: %w", err))
	}
	return nil
}

func (s *Store) CreatePass(ctx context.Context, p studio.Pass) error {
	if p.ID == "" {
		p.ID = studio.PassID(uuid.NewString())
	}
	classTypes, _ := json.Marshal(nonNil(p.ClassTypeIDs))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passes
		(id, customer_id, org_id, name, total_credits, remaining_credits, valid_from, valid_until, class_type_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CustomerID, p.OrgID, p.Name, p.TotalCredits, p.RemainingCredits,
		formatTime(p.ValidFrom), formatTime(p.ValidUntil), string(classTypes),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to insert pass: %w", err))
	}
	return nil
}

// CreateMembership replaces any membership the customer holds in the org.
func (s *Store) CreateMembership(ctx context.Context, m studio.Membership) error {
	if m.ID == "" {
		m.ID = studio.MembershipID(uuid.NewString())
	}
	classTypes, _ := json.Marshal(nonNil(m.ClassTypeIDs))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (id, customer_id, org_id, status, valid_until, class_type_ids)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (customer_id, org_id) DO UPDATE SET
			id = excluded.id, status = excluded.status,
			valid_until = excluded.valid_until, class_type_ids = excluded.class_type_ids`,
		m.ID, m.CustomerID, m.OrgID, m.Status, formatTime(m.ValidUntil), string(classTypes),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to upsert membership: %w", err))
	}
	return nil
}

// =============================================================================
// CONN - studio.Store over a *sql.DB or *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q   querier
	now func() time.Time
}

type scanner interface {
	Scan(dest ...any) error
}

func (c *conn) CreateBookingTransaction(ctx context.Context, req studio.BookingRequest) (*studio.Registration, error) {
	occ, err := c.GetOccurrence(ctx, req.OccurrenceID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if !occ.Bookable(now) {
		return nil, studio.ErrOccurrenceNotBookable
	}

	var active int
	if err := c.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM registrations
		WHERE occurrence_id = ? AND customer_id = ? AND status IN ('pending', 'confirmed', 'waitlisted')`,
		req.OccurrenceID, req.CustomerID,
	).Scan(&active); err != nil {
		return nil, mapError(err)
	}
	if active > 0 {
		return nil, studio.ErrAlreadyBooked
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

	// Seat first, then waitlist; both are conditional increments.
	res, err := c.q.ExecContext(ctx, `
		UPDATE occurrences SET booked_count = booked_count + 1, updated_at = ?
		WHERE id = ? AND booked_count < capacity`,
		formatTime(now), req.OccurrenceID)
	if err != nil {
		return nil, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if err := c.charge(ctx, &reg, req); err != nil {
			return nil, err
		}
		reg.Status = studio.RegistrationConfirmed
	} else {
		res, err := c.q.ExecContext(ctx, `
			UPDATE occurrences SET waitlist_count = waitlist_count + 1, updated_at = ?
			WHERE id = ? AND waitlist_count < waitlist_capacity`,
			formatTime(now), req.OccurrenceID)
		if err != nil {
			return nil, mapError(err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, studio.ErrCapacityExceeded
		}
		if err := c.q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(waitlist_priority), 0) + 1 FROM registrations WHERE occurrence_id = ?`, req.OccurrenceID,
		).Scan(&reg.WaitlistPriority); err != nil {
			return nil, mapError(err)
		}
		reg.Status = studio.RegistrationWaitlisted
		reg.AutoPromote = true
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO registrations
		(id, occurrence_id, customer_id, org_id, status, payment_method, pass_id, amount_paid,
		 currency, waitlist_priority, auto_promote, notes, booked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reg.ID, reg.OccurrenceID, reg.CustomerID, reg.OrgID, reg.Status, reg.PaymentMethod,
		reg.PassID, reg.AmountPaid.Amount.String(), reg.AmountPaid.Currency,
		reg.WaitlistPriority, reg.AutoPromote, reg.Notes, formatTime(reg.BookedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, studio.ErrAlreadyBooked
		}
		return nil, mapError(fmt.Errorf("failed to insert registration: %w", err))
	}
	return &reg, nil
}

func (c *conn) charge(ctx context.Context, reg *studio.Registration, req studio.BookingRequest) error {
	switch req.PaymentMethod {
	case studio.PaymentWallet:
		if _, err := c.DeductWalletCredit(ctx, studio.WalletMutation{
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
		p, err := c.getPass(ctx, req.PassID)
		if err != nil {
			return err
		}
		if err := studio.CheckPassOwner(p, req.CustomerID, req.OrgID); err != nil {
			return err
		}
		if _, err := c.UsePassCredit(ctx, req.PassID, req.OccurrenceID); err != nil {
			return err
		}
	case studio.PaymentCard, studio.PaymentMobileWallet:
		if err := c.insertOrder(ctx, studio.Order{
			OrgID:          req.OrgID,
			CustomerID:     req.CustomerID,
			RegistrationID: reg.ID,
			Kind:           studio.OrderCharge,
			Status:         studio.OrderPending,
			PaymentMethod:  req.PaymentMethod,
			Amount:         req.Amount,
		}); err != nil {
			return err
		}
		reg.AmountPaid = req.Amount
	case studio.PaymentMembership:
	default:
		return studio.ErrValidation
	}
	return nil
}

// =============================================================================
// WALLET
// =============================================================================

func (c *conn) AddWalletCredit(ctx context.Context, m studio.WalletMutation) (*studio.Wallet, error) {
	if err := c.appendEntry(ctx, m, m.Amount); err != nil {
		return nil, err
	}
	res, err := c.q.ExecContext(ctx, `
		INSERT INTO wallets (customer_id, org_id, balance_cents, currency, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (customer_id, org_id) DO UPDATE SET
			balance_cents = balance_cents + excluded.balance_cents,
			updated_at = excluded.updated_at
		WHERE wallets.currency = excluded.currency`,
		m.CustomerID, m.OrgID, toCents(m.Amount), m.Amount.Currency, formatTime(c.now()),
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to credit wallet: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, studio.ErrCurrencyMismatch
	}
	return c.GetWallet(ctx, m.CustomerID, m.OrgID)
}

func (c *conn) DeductWalletCredit(ctx context.Context, m studio.WalletMutation) (*studio.Wallet, error) {
	if err := c.appendEntry(ctx, m, m.Amount.Neg()); err != nil {
		return nil, err
	}
	cents := toCents(m.Amount)
	res, err := c.q.ExecContext(ctx, `
		UPDATE wallets SET balance_cents = balance_cents - ?, updated_at = ?
		WHERE customer_id = ? AND org_id = ? AND currency = ? AND balance_cents >= ?`,
		cents, formatTime(c.now()), m.CustomerID, m.OrgID, m.Amount.Currency, cents,
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to debit wallet: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return c.GetWallet(ctx, m.CustomerID, m.OrgID)
	}

	w, err := c.GetWallet(ctx, m.CustomerID, m.OrgID)
	switch {
	case errors.Is(err, studio.ErrWalletNotFound):
		w = &studio.Wallet{Balance: m.Amount.Zero()}
	case err != nil:
		return nil, err
	case w.Balance.Currency != m.Amount.Currency:
		return nil, studio.ErrCurrencyMismatch
	}
	return nil, &studio.InsufficientFundsError{
		CustomerID: m.CustomerID,
		OrgID:      m.OrgID,
		Method:     studio.PaymentWallet,
		Available:  w.Balance.Amount.StringFixed(2),
		Requested:  m.Amount.Amount.StringFixed(2),
	}
}

func (c *conn) appendEntry(ctx context.Context, m studio.WalletMutation, delta studio.Money) error {
	if !m.Amount.IsPositive() {
		return fmt.Errorf("%w: wallet mutation must be positive", studio.ErrValidation)
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO wallet_entries
		(id, customer_id, org_id, delta, currency, reason, reference_type, reference_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), m.CustomerID, m.OrgID, delta.Amount.String(), delta.Currency,
		m.Reason, m.ReferenceType, m.ReferenceID, m.IdempotencyKey(), formatTime(c.now()),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return studio.ErrDuplicateIdempotencyKey
		}
		return mapError(fmt.Errorf("failed to append wallet entry: %w", err))
	}
	return nil
}

func (c *conn) GetWallet(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) (*studio.Wallet, error) {
	var (
		w         = studio.Wallet{CustomerID: customerID, OrgID: orgID}
		cents     int64
		currency  string
		updatedAt string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT balance_cents, currency, updated_at FROM wallets WHERE customer_id = ? AND org_id = ?`,
		customerID, orgID,
	).Scan(&cents, &currency, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, studio.ErrWalletNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	w.Balance = fromCents(cents, currency)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func (c *conn) WalletEntries(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) ([]studio.WalletEntry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, customer_id, org_id, delta, currency, reason, reference_type, reference_id,
		       idempotency_key, created_at
		FROM wallet_entries
		WHERE customer_id = ? AND org_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		customerID, orgID)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query wallet entries: %w", err))
	}
	defer rows.Close()

	var entries []studio.WalletEntry
	for rows.Next() {
		var (
			e                          studio.WalletEntry
			delta, currency, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.OrgID, &delta, &currency, &e.Reason,
			&e.ReferenceType, &e.ReferenceID, &e.IdempotencyKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet entry: %w", err)
		}
		if e.Delta, err = parseMoney(delta, currency); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// PASSES / MEMBERSHIPS
// =============================================================================

func (c *conn) UsePassCredit(ctx context.Context, passID studio.PassID, occurrenceID studio.OccurrenceID) (*studio.Pass, error) {
	p, err := c.getPass(ctx, passID)
	if err != nil {
		return nil, err
	}
	occ, err := c.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return nil, err
	}
	insufficient := &studio.InsufficientFundsError{
		CustomerID: p.CustomerID,
		OrgID:      p.OrgID,
		Method:     studio.PaymentPass,
		Available:  fmt.Sprint(p.RemainingCredits),
		Requested:  "1",
	}
	if !p.ValidAt(c.now()) || !p.Covers(occ.ClassTypeID) {
		return nil, insufficient
	}

	if _, err := c.q.ExecContext(ctx,
		`INSERT INTO pass_uses (pass_id, occurrence_id) VALUES (?, ?)`, passID, occurrenceID,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, studio.ErrPassAlreadyUsed
		}
		return nil, mapError(fmt.Errorf("failed to record pass use: %w", err))
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE passes SET remaining_credits = remaining_credits - 1
		WHERE id = ? AND remaining_credits > 0`, passID)
	if err != nil {
		return nil, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, insufficient
	}
	return c.getPass(ctx, passID)
}

func (c *conn) RefundPassCredit(ctx context.Context, passID studio.PassID, occurrenceID studio.OccurrenceID) (*studio.Pass, error) {
	if _, err := c.getPass(ctx, passID); err != nil {
		return nil, err
	}
	var refunded bool
	err := c.q.QueryRowContext(ctx,
		`SELECT refunded FROM pass_uses WHERE pass_id = ? AND occurrence_id = ?`, passID, occurrenceID,
	).Scan(&refunded)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, studio.ErrPassNotUsed
	case err != nil:
		return nil, mapError(err)
	case refunded:
		return nil, studio.ErrPassAlreadyRefunded
	}

	if _, err := c.q.ExecContext(ctx,
		`UPDATE pass_uses SET refunded = TRUE WHERE pass_id = ? AND occurrence_id = ?`, passID, occurrenceID,
	); err != nil {
		return nil, mapError(err)
	}
	if _, err := c.q.ExecContext(ctx, `
		UPDATE passes SET remaining_credits = remaining_credits + 1
		WHERE id = ? AND remaining_credits < total_credits`, passID,
	); err != nil {
		return nil, mapError(err)
	}
	return c.getPass(ctx, passID)
}

const passColumns = `id, customer_id, org_id, name, total_credits, remaining_credits, valid_from, valid_until, class_type_ids`

func (c *conn) getPass(ctx context.Context, id studio.PassID) (*studio.Pass, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+passColumns+` FROM passes WHERE id = ?`, id)
	p, err := scanPass(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, studio.ErrPassNotFound
	}
	return p, err
}

func (c *conn) ListPasses(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) ([]studio.Pass, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+passColumns+` FROM passes
		WHERE customer_id = ? AND org_id = ?
		ORDER BY valid_until ASC`, customerID, orgID)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query passes: %w", err))
	}
	defer rows.Close()

	var passes []studio.Pass
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		passes = append(passes, *p)
	}
	return passes, rows.Err()
}

func scanPass(row scanner) (*studio.Pass, error) {
	var (
		p                                 studio.Pass
		validFrom, validUntil, classTypes string
	)
	if err := row.Scan(&p.ID, &p.CustomerID, &p.OrgID, &p.Name, &p.TotalCredits,
		&p.RemainingCredits, &validFrom, &validUntil, &classTypes); err != nil {
		return nil, err
	}
	p.ValidFrom = parseTime(validFrom)
	p.ValidUntil = parseTime(validUntil)
	p.ClassTypeIDs = parseList(classTypes)
	return &p, nil
}

// GetMembership returns nil without error when the customer has none.
func (c *conn) GetMembership(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) (*studio.Membership, error) {
	var (
		m                      = studio.Membership{CustomerID: customerID, OrgID: orgID}
		validUntil, classTypes string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, status, valid_until, class_type_ids FROM memberships
		WHERE customer_id = ? AND org_id = ?`, customerID, orgID,
	).Scan(&m.ID, &m.Status, &validUntil, &classTypes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	m.ValidUntil = parseTime(validUntil)
	m.ClassTypeIDs = parseList(classTypes)
	return &m, nil
}

// =============================================================================
// ORDERS
// =============================================================================

func (c *conn) CreateRefundOrder(ctx context.Context, o studio.Order) error {
	o.Kind = studio.OrderRefund
	return c.insertOrder(ctx, o)
}

func (c *conn) insertOrder(ctx context.Context, o studio.Order) error {
	if o.ID == "" {
		o.ID = studio.OrderID(uuid.NewString())
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = c.now()
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO orders
		(id, org_id, customer_id, registration_id, kind, status, payment_method, amount, currency, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OrgID, o.CustomerID, o.RegistrationID, o.Kind, o.Status, o.PaymentMethod,
		o.Amount.Amount.String(), o.Amount.Currency, o.Note, formatTime(o.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return studio.ErrDuplicateIdempotencyKey
		}
		return mapError(fmt.Errorf("failed to insert order: %w", err))
	}
	return nil
}

func (c *conn) ListOrders(ctx context.Context, registrationID studio.RegistrationID) ([]studio.Order, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, org_id, customer_id, registration_id, kind, status, payment_method, amount, currency, note, created_at
		FROM orders WHERE registration_id = ?
		ORDER BY created_at ASC, rowid ASC`, registrationID)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query orders: %w", err))
	}
	defer rows.Close()

	var orders []studio.Order
	for rows.Next() {
		var (
			o                           studio.Order
			amount, currency, createdAt string
		)
		if err := rows.Scan(&o.ID, &o.OrgID, &o.CustomerID, &o.RegistrationID, &o.Kind, &o.Status,
			&o.PaymentMethod, &amount, &currency, &o.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if o.Amount, err = parseMoney(amount, currency); err != nil {
			return nil, err
		}
		o.CreatedAt = parseTime(createdAt)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// =============================================================================
// OCCURRENCES
// =============================================================================

const occurrenceColumns = `id, org_id, class_type_id, title, starts_at, ends_at, capacity, booked_count,
	waitlist_count, waitlist_capacity, price, currency, status, cancellation_reason, created_at, updated_at`

func (c *conn) GetOccurrence(ctx context.Context, id studio.OccurrenceID) (*studio.ClassOccurrence, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id = ?`, id)
	o, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, studio.ErrOccurrenceNotFound
	}
	return o, err
}

func (c *conn) UpdateOccurrenceStatus(ctx context.Context, id studio.OccurrenceID, status studio.OccurrenceStatus, reason string) error {
	o, err := c.GetOccurrence(ctx, id)
	if err != nil {
		return err
	}
	if o.Status == studio.OccurrenceCancelled && status != studio.OccurrenceCancelled {
		return fmt.Errorf("%w: occurrence is cancelled", studio.ErrValidation)
	}
	_, err = c.q.ExecContext(ctx, `
		UPDATE occurrences
		SET status = ?, cancellation_reason = CASE WHEN ? = '' THEN cancellation_reason ELSE ? END, updated_at = ?
		WHERE id = ?`,
		status, reason, reason, formatTime(c.now()), id)
	return mapError(err)
}

func (c *conn) ListEndedOccurrences(ctx context.Context, before time.Time) ([]studio.ClassOccurrence, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+occurrenceColumns+` FROM occurrences
		WHERE status = 'scheduled' AND ends_at < ?
		ORDER BY ends_at ASC`, formatTime(before))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query occurrences: %w", err))
	}
	defer rows.Close()

	var occs []studio.ClassOccurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		occs = append(occs, *o)
	}
	return occs, rows.Err()
}

func scanOccurrence(row scanner) (*studio.ClassOccurrence, error) {
	var (
		o                                 studio.ClassOccurrence
		startsAt, endsAt, price, currency string
		createdAt, updatedAt              string
	)
	if err := row.Scan(&o.ID, &o.OrgID, &o.ClassTypeID, &o.Title, &startsAt, &endsAt,
		&o.Capacity, &o.BookedCount, &o.WaitlistCount, &o.WaitlistCapacity,
		&price, &currency, &o.Status, &o.CancellationReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Price, err = parseMoney(price, currency); err != nil {
		return nil, err
	}
	o.StartsAt = parseTime(startsAt)
	o.EndsAt = parseTime(endsAt)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

// =============================================================================
// REGISTRATIONS
// =============================================================================

const registrationColumns = `id, occurrence_id, customer_id, org_id, status, payment_method, pass_id,
	amount_paid, currency, waitlist_priority, auto_promote, notes, booked_at, cancelled_at`

func (c *conn) GetRegistration(ctx context.Context, id studio.RegistrationID) (*studio.Registration, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE id = ?`, id)
	r, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, studio.ErrRegistrationNotFound
	}
	return r, err
}

func (c *conn) ListRegistrations(ctx context.Context, occurrenceID studio.OccurrenceID, statuses ...studio.RegistrationStatus) ([]studio.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE occurrence_id = ?`
	args := []any{occurrenceID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY booked_at ASC, rowid ASC`

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query registrations: %w", err))
	}
	defer rows.Close()

	var regs []studio.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *r)
	}
	return regs, rows.Err()
}

func (c *conn) UpdateRegistrationStatus(ctx context.Context, id studio.RegistrationID, status studio.RegistrationStatus, note string) error {
	r, err := c.GetRegistration(ctx, id)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return studio.ErrAlreadyCancelled
	}

	now := formatTime(c.now())
	var cancelledAt sql.NullString
	if status.IsTerminal() {
		cancelledAt = sql.NullString{String: now, Valid: true}
		var release string
		switch r.Status {
		case studio.RegistrationConfirmed, studio.RegistrationPending:
			release = `booked_count = booked_count - 1`
		case studio.RegistrationWaitlisted:
			release = `waitlist_count = waitlist_count - 1`
		}
		if release != "" {
			if _, err := c.q.ExecContext(ctx,
				`UPDATE occurrences SET `+release+`, updated_at = ? WHERE id = ?`, now, r.OccurrenceID,
			); err != nil {
				return mapError(err)
			}
		}
	}

	_, err = c.q.ExecContext(ctx, `
		UPDATE registrations
		SET status = ?,
		    cancelled_at = COALESCE(?, cancelled_at),
		    notes = CASE WHEN ? = '' THEN notes WHEN notes = '' THEN ? ELSE notes || char(10) || ? END
		WHERE id = ?`,
		status, cancelledAt, note, note, note, id)
	return mapError(err)
}

func scanRegistration(row scanner) (*studio.Registration, error) {
	var (
		r                          studio.Registration
		amount, currency, bookedAt string
		cancelledAt                sql.NullString
	)
	if err := row.Scan(&r.ID, &r.OccurrenceID, &r.CustomerID, &r.OrgID, &r.Status, &r.PaymentMethod,
		&r.PassID, &amount, &currency, &r.WaitlistPriority, &r.AutoPromote, &r.Notes,
		&bookedAt, &cancelledAt); err != nil {
		return nil, err
	}
	var err error
	if r.AmountPaid, err = parseMoney(amount, currency); err != nil {
		return nil, err
	}
	r.BookedAt = parseTime(bookedAt)
	if cancelledAt.Valid {
		t := parseTime(cancelledAt.String)
		r.CancelledAt = &t
	}
	return &r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseMoney(amount, currency string) (studio.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return studio.Money{}, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	return studio.Money{Amount: d, Currency: currency}, nil
}

func toCents(m studio.Money) int64 { return m.Amount.Shift(2).Round(0).IntPart() }

func fromCents(c int64, currency string) studio.Money {
	return studio.Money{Amount: decimal.New(c, -2), Currency: currency}
}

func parseList(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// mapError turns lock contention into studio.ErrConcurrentModification.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", studio.ErrConcurrentModification, err)
	}
	return err
}

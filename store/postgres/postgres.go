/*
Package postgres provides a PostgreSQL-backed studio.TxStore using pgx.

PURPOSE:
  Production storage. Shares the schema and the semantics of store/sqlite;
  the differences are in how concurrency is handled:

  - the occurrence row is locked with SELECT ... FOR UPDATE before capacity
    is checked, so concurrent bookings for one class queue on that row
  - wallet balances are NUMERIC and change by SQL deltas
  - serialization failures and deadlocks surface as
    studio.ErrConcurrentModification; the caller decides whether to retry

MIGRATIONS:
  Schema lives in migrations/*.sql, embedded and applied with goose through a
  database/sql handle opened on the same pool (see Migrate).

USAGE:
  store, err := postgres.New(ctx, dsn, postgres.WithMaxConns(20))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  if err := store.Migrate(ctx); err != nil {
      log.Fatal(err)
  }
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/studio"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements studio.TxStore and studio.Catalog on a pgx pool.
type Store struct {
	*conn
	pool *pgxpool.Pool
}

type options struct {
	maxConns int32
	now      func() time.Time
}

type Option func(*options)

func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// WithClock overrides time.Now, used for booking cut-offs and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New connects and pings. It retries a few times so the service can start
// alongside its database container.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := options{maxConns: 10, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	cfg.MaxConns = o.maxConns
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= 5; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Store{pool: pool, conn: &conn{q: pool, now: o.now}}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(studio.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&conn{q: tx, now: s.now}); err != nil {
		return err
	}
	return mapError(tx.Commit(ctx))
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
// CATALOG
// =============================================================================

func (s *Store) CreateOccurrence(ctx context.Context, o studio.ClassOccurrence) error {
	if o.ID == "" {
		o.ID = studio.OccurrenceID(uuid.NewString())
	}
	if o.Status == "" {
		o.Status = studio.OccurrenceScheduled
	}
	now := s.now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO occurrences
		(id, org_id, class_type_id, title, starts_at, ends_at, capacity, booked_count,
		 waitlist_count, waitlist_capacity, price, currency, status, cancellation_reason,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12, $13, $14, $15, $15)`,
		string(o.ID), string(o.OrgID), o.ClassTypeID, o.Title, o.StartsAt, o.EndsAt,
		o.Capacity, o.BookedCount, o.WaitlistCount, o.WaitlistCapacity,
		o.Price.Amount.String(), o.Price.Currency, string(o.Status), o.CancellationReason, now,
	)
	if err != nil {
		return mapError(fmt.Errorf("insert occurrence: %w", err))
	}
	return nil
}

func (s *Store) CreatePass(ctx context.Context, p studio.Pass) error {
	if p.ID == "" {
		p.ID = studio.PassID(uuid.NewString())
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO passes
		(id, customer_id, org_id, name, total_credits, remaining_credits, valid_from, valid_until, class_type_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(p.ID), string(p.CustomerID), string(p.OrgID), p.Name, p.TotalCredits, p.RemainingCredits,
		p.ValidFrom, p.ValidUntil, nonNil(p.ClassTypeIDs),
	)
	if err != nil {
		return mapError(fmt.Errorf("insert pass: %w", err))
	}
	return nil
}

func (s *Store) CreateMembership(ctx context.Context, m studio.Membership) error {
	if m.ID == "" {
		m.ID = studio.MembershipID(uuid.NewString())
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memberships (id, customer_id, org_id, status, valid_until, class_type_ids)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (customer_id, org_id) DO UPDATE SET
			id = EXCLUDED.id, status = EXCLUDED.status,
			valid_until = EXCLUDED.valid_until, class_type_ids = EXCLUDED.class_type_ids`,
		string(m.ID), string(m.CustomerID), string(m.OrgID), string(m.Status), m.ValidUntil, nonNil(m.ClassTypeIDs),
	)
	if err != nil {
		return mapError(fmt.Errorf("upsert membership: %w", err))
	}
	return nil
}

// =============================================================================
// CONN
// =============================================================================

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q   querier
	now func() time.Time
}

func (c *conn) CreateBookingTransaction(ctx context.Context, req studio.BookingRequest) (*studio.Registration, error) {
	// Row lock: concurrent bookings for this class wait here.
	occ, err := c.getOccurrence(ctx, req.OccurrenceID, true)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if !occ.Bookable(now) {
		return nil, studio.ErrOccurrenceNotBookable
	}

	var exists bool
	if err := c.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM registrations
			WHERE occurrence_id = $1 AND customer_id = $2 AND status IN ('pending', 'confirmed', 'waitlisted')
		)`, string(req.OccurrenceID), string(req.CustomerID),
	).Scan(&exists); err != nil {
		return nil, mapError(err)
	}
	if exists {
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

	switch {
	case occ.HasSeat():
		if err := c.charge(ctx, &reg, req); err != nil {
			return nil, err
		}
		if _, err := c.q.Exec(ctx,
			`UPDATE occurrences SET booked_count = booked_count + 1, updated_at = $2 WHERE id = $1`,
			string(occ.ID), now); err != nil {
			return nil, mapError(err)
		}
		reg.Status = studio.RegistrationConfirmed
	case occ.WaitlistOpen():
		if _, err := c.q.Exec(ctx,
			`UPDATE occurrences SET waitlist_count = waitlist_count + 1, updated_at = $2 WHERE id = $1`,
			string(occ.ID), now); err != nil {
			return nil, mapError(err)
		}
		// The occurrence row lock serializes joiners, so MAX+1 cannot collide.
		if err := c.q.QueryRow(ctx,
			`SELECT COALESCE(MAX(waitlist_priority), 0) + 1 FROM registrations WHERE occurrence_id = $1`,
			string(occ.ID)).Scan(&reg.WaitlistPriority); err != nil {
			return nil, mapError(err)
		}
		reg.Status = studio.RegistrationWaitlisted
		reg.AutoPromote = true
	default:
		return nil, studio.ErrCapacityExceeded
	}

	_, err = c.q.Exec(ctx, `
		INSERT INTO registrations
		(id, occurrence_id, customer_id, org_id, status, payment_method, pass_id, amount_paid,
		 currency, waitlist_priority, auto_promote, notes, booked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13)`,
		string(reg.ID), string(reg.OccurrenceID), string(reg.CustomerID), string(reg.OrgID),
		string(reg.Status), string(reg.PaymentMethod), string(reg.PassID),
		reg.AmountPaid.Amount.String(), reg.AmountPaid.Currency,
		reg.WaitlistPriority, reg.AutoPromote, reg.Notes, reg.BookedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, studio.ErrAlreadyBooked
		}
		return nil, mapError(fmt.Errorf("insert registration: %w", err))
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
		p, err := c.getPass(ctx, req.PassID, true)
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
	tag, err := c.q.Exec(ctx, `
		INSERT INTO wallets (customer_id, org_id, balance, currency, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (customer_id, org_id) DO UPDATE SET
			balance = wallets.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
		WHERE wallets.currency = EXCLUDED.currency`,
		string(m.CustomerID), string(m.OrgID), m.Amount.Amount.String(), m.Amount.Currency, c.now(),
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("credit wallet: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return nil, studio.ErrCurrencyMismatch
	}
	return c.GetWallet(ctx, m.CustomerID, m.OrgID)
}

func (c *conn) DeductWalletCredit(ctx context.Context, m studio.WalletMutation) (*studio.Wallet, error) {
	if err := c.appendEntry(ctx, m, m.Amount.Neg()); err != nil {
		return nil, err
	}
	tag, err := c.q.Exec(ctx, `
		UPDATE wallets SET balance = balance - $4::numeric, updated_at = $5
		WHERE customer_id = $1 AND org_id = $2 AND currency = $3 AND balance >= $4::numeric`,
		string(m.CustomerID), string(m.OrgID), m.Amount.Currency, m.Amount.Amount.String(), c.now(),
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("debit wallet: %w", err))
	}
	if tag.RowsAffected() == 1 {
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
	_, err := c.q.Exec(ctx, `
		INSERT INTO wallet_entries
		(id, customer_id, org_id, delta, currency, reason, reference_type, reference_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)`,
		uuid.NewString(), string(m.CustomerID), string(m.OrgID), delta.Amount.String(), delta.Currency,
		m.Reason, m.ReferenceType, m.ReferenceID, m.IdempotencyKey(), c.now(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return studio.ErrDuplicateIdempotencyKey
		}
		return mapError(fmt.Errorf("append wallet entry: %w", err))
	}
	return nil
}

func (c *conn) GetWallet(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) (*studio.Wallet, error) {
	w := studio.Wallet{CustomerID: customerID, OrgID: orgID}
	var balance, currency string
	err := c.q.QueryRow(ctx, `
		SELECT balance::text, currency, updated_at FROM wallets WHERE customer_id = $1 AND org_id = $2`,
		string(customerID), string(orgID),
	).Scan(&balance, &currency, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, studio.ErrWalletNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	if w.Balance, err = parseMoney(balance, currency); err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *conn) WalletEntries(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) ([]studio.WalletEntry, error) {
	rows, err := c.q.Query(ctx, `
		SELECT id, customer_id, org_id, delta::text, currency, reason, reference_type, reference_id,
		       idempotency_key, created_at
		FROM wallet_entries
		WHERE customer_id = $1 AND org_id = $2
		ORDER BY seq ASC`, string(customerID), string(orgID))
	if err != nil {
		return nil, mapError(fmt.Errorf("query wallet entries: %w", err))
	}
	defer rows.Close()

	var entries []studio.WalletEntry
	for rows.Next() {
		var (
			e                                  studio.WalletEntry
			id, customer, org, delta, currency string
		)
		if err := rows.Scan(&id, &customer, &org, &delta, &currency, &e.Reason,
			&e.ReferenceType, &e.ReferenceID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet entry: %w", err)
		}
		e.ID, e.CustomerID, e.OrgID = id, studio.CustomerID(customer), studio.OrgID(org)
		if e.Delta, err = parseMoney(delta, currency); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// PASSES / MEMBERSHIPS
// =============================================================================

func (c *conn) UsePassCredit(ctx context.Context, passID studio.PassID, occurrenceID studio.OccurrenceID) (*studio.Pass, error) {
	p, err := c.getPass(ctx, passID, true)
	if err != nil {
		return nil, err
	}
	occ, err := c.getOccurrence(ctx, occurrenceID, false)
	if err != nil {
		return nil, err
	}
	if p.RemainingCredits <= 0 || !p.ValidAt(c.now()) || !p.Covers(occ.ClassTypeID) {
		return nil, &studio.InsufficientFundsError{
			CustomerID: p.CustomerID,
			OrgID:      p.OrgID,
			Method:     studio.PaymentPass,
			Available:  fmt.Sprint(p.RemainingCredits),
			Requested:  "1",
		}
	}
	if _, err := c.q.Exec(ctx,
		`INSERT INTO pass_uses (pass_id, occurrence_id) VALUES ($1, $2)`, string(passID), string(occurrenceID),
	); err != nil {
		if isUniqueViolation(err) {
			return nil, studio.ErrPassAlreadyUsed
		}
		return nil, mapError(fmt.Errorf("record pass use: %w", err))
	}
	if _, err := c.q.Exec(ctx,
		`UPDATE passes SET remaining_credits = remaining_credits - 1 WHERE id = $1`, string(passID),
	); err != nil {
		return nil, mapError(err)
	}
	return c.getPass(ctx, passID, false)
}

func (c *conn) RefundPassCredit(ctx context.Context, passID studio.PassID, occurrenceID studio.OccurrenceID) (*studio.Pass, error) {
	if _, err := c.getPass(ctx, passID, true); err != nil {
		return nil, err
	}
	var refunded bool
	err := c.q.QueryRow(ctx,
		`SELECT refunded FROM pass_uses WHERE pass_id = $1 AND occurrence_id = $2 FOR UPDATE`,
		string(passID), string(occurrenceID),
	).Scan(&refunded)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, studio.ErrPassNotUsed
	case err != nil:
		return nil, mapError(err)
	case refunded:
		return nil, studio.ErrPassAlreadyRefunded
	}

	if _, err := c.q.Exec(ctx,
		`UPDATE pass_uses SET refunded = TRUE WHERE pass_id = $1 AND occurrence_id = $2`,
		string(passID), string(occurrenceID),
	); err != nil {
		return nil, mapError(err)
	}
	if _, err := c.q.Exec(ctx, `
		UPDATE passes SET remaining_credits = remaining_credits + 1
		WHERE id = $1 AND remaining_credits < total_credits`, string(passID),
	); err != nil {
		return nil, mapError(err)
	}
	return c.getPass(ctx, passID, false)
}

const passColumns = `id, customer_id, org_id, name, total_credits, remaining_credits, valid_from, valid_until, class_type_ids`

func (c *conn) getPass(ctx context.Context, id studio.PassID, lock bool) (*studio.Pass, error) {
	query := `SELECT ` + passColumns + ` FROM passes WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPass(c.q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, studio.ErrPassNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

func (c *conn) ListPasses(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) ([]studio.Pass, error) {
	rows, err := c.q.Query(ctx, `
		SELECT `+passColumns+` FROM passes
		WHERE customer_id = $1 AND org_id = $2
		ORDER BY valid_until ASC`, string(customerID), string(orgID))
	if err != nil {
		return nil, mapError(fmt.Errorf("query passes: %w", err))
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

func scanPass(row pgx.Row) (*studio.Pass, error) {
	var (
		p                 studio.Pass
		id, customer, org string
		classTypes        []string
	)
	if err := row.Scan(&id, &customer, &org, &p.Name, &p.TotalCredits, &p.RemainingCredits,
		&p.ValidFrom, &p.ValidUntil, &classTypes); err != nil {
		return nil, err
	}
	p.ID, p.CustomerID, p.OrgID = studio.PassID(id), studio.CustomerID(customer), studio.OrgID(org)
	if len(classTypes) > 0 {
		p.ClassTypeIDs = classTypes
	}
	return &p, nil
}

// GetMembership returns nil without error when the customer has none.
func (c *conn) GetMembership(ctx context.Context, customerID studio.CustomerID, orgID studio.OrgID) (*studio.Membership, error) {
	m := studio.Membership{CustomerID: customerID, OrgID: orgID}
	var (
		id, status string
		classTypes []string
	)
	err := c.q.QueryRow(ctx, `
		SELECT id, status, valid_until, class_type_ids FROM memberships
		WHERE customer_id = $1 AND org_id = $2`, string(customerID), string(orgID),
	).Scan(&id, &status, &m.ValidUntil, &classTypes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	m.ID, m.Status = studio.MembershipID(id), studio.MembershipStatus(status)
	if len(classTypes) > 0 {
		m.ClassTypeIDs = classTypes
	}
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
	_, err := c.q.Exec(ctx, `
		INSERT INTO orders
		(id, org_id, customer_id, registration_id, kind, status, payment_method, amount, currency, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11)`,
		string(o.ID), string(o.OrgID), string(o.CustomerID), string(o.RegistrationID), string(o.Kind),
		string(o.Status), string(o.PaymentMethod), o.Amount.Amount.String(), o.Amount.Currency, o.Note, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return studio.ErrDuplicateIdempotencyKey
		}
		return mapError(fmt.Errorf("insert order: %w", err))
	}
	return nil
}

func (c *conn) ListOrders(ctx context.Context, registrationID studio.RegistrationID) ([]studio.Order, error) {
	rows, err := c.q.Query(ctx, `
		SELECT id, org_id, customer_id, registration_id, kind, status, payment_method, amount::text, currency, note, created_at
		FROM orders WHERE registration_id = $1
		ORDER BY seq ASC`, string(registrationID))
	if err != nil {
		return nil, mapError(fmt.Errorf("query orders: %w", err))
	}
	defer rows.Close()

	var orders []studio.Order
	for rows.Next() {
		var (
			o                                            studio.Order
			id, org, customer, reg, kind, status, method string
			amount, currency                             string
		)
		if err := rows.Scan(&id, &org, &customer, &reg, &kind, &status, &method,
			&amount, &currency, &o.Note, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.ID, o.OrgID, o.CustomerID, o.RegistrationID = studio.OrderID(id), studio.OrgID(org), studio.CustomerID(customer), studio.RegistrationID(reg)
		o.Kind, o.Status, o.PaymentMethod = studio.OrderKind(kind), studio.OrderStatus(status), studio.PaymentMethod(method)
		if o.Amount, err = parseMoney(amount, currency); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// =============================================================================
// OCCURRENCES
// =============================================================================

const occurrenceColumns = `id, org_id, class_type_id, title, starts_at, ends_at, capacity, booked_count,
	waitlist_count, waitlist_capacity, price::text, currency, status, cancellation_reason, created_at, updated_at`

func (c *conn) GetOccurrence(ctx context.Context, id studio.OccurrenceID) (*studio.ClassOccurrence, error) {
	return c.getOccurrence(ctx, id, false)
}

func (c *conn) getOccurrence(ctx context.Context, id studio.OccurrenceID, lock bool) (*studio.ClassOccurrence, error) {
	query := `SELECT ` + occurrenceColumns + ` FROM occurrences WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOccurrence(c.q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, studio.ErrOccurrenceNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return o, nil
}

func (c *conn) UpdateOccurrenceStatus(ctx context.Context, id studio.OccurrenceID, status studio.OccurrenceStatus, reason string) error {
	o, err := c.getOccurrence(ctx, id, true)
	if err != nil {
		return err
	}
	if o.Status == studio.OccurrenceCancelled && status != studio.OccurrenceCancelled {
		return fmt.Errorf("%w: occurrence is cancelled", studio.ErrValidation)
	}
	_, err = c.q.Exec(ctx, `
		UPDATE occurrences
		SET status = $2, cancellation_reason = COALESCE(NULLIF($3::text, ''), cancellation_reason), updated_at = $4
		WHERE id = $1`,
		string(id), string(status), reason, c.now())
	return mapError(err)
}

func (c *conn) ListEndedOccurrences(ctx context.Context, before time.Time) ([]studio.ClassOccurrence, error) {
	rows, err := c.q.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM occurrences
		WHERE status = 'scheduled' AND ends_at < $1
		ORDER BY ends_at ASC`, before)
	if err != nil {
		return nil, mapError(fmt.Errorf("query occurrences: %w", err))
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

func scanOccurrence(row pgx.Row) (*studio.ClassOccurrence, error) {
	var (
		o                                studio.ClassOccurrence
		id, org, status, price, currency string
	)
	if err := row.Scan(&id, &org, &o.ClassTypeID, &o.Title, &o.StartsAt, &o.EndsAt,
		&o.Capacity, &o.BookedCount, &o.WaitlistCount, &o.WaitlistCapacity,
		&price, &currency, &status, &o.CancellationReason, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.ID, o.OrgID, o.Status = studio.OccurrenceID(id), studio.OrgID(org), studio.OccurrenceStatus(status)
	var err error
	if o.Price, err = parseMoney(price, currency); err != nil {
		return nil, err
	}
	return &o, nil
}

// =============================================================================
// REGISTRATIONS
// =============================================================================

const registrationColumns = `id, occurrence_id, customer_id, org_id, status, payment_method, pass_id,
	amount_paid::text, currency, waitlist_priority, auto_promote, notes, booked_at, cancelled_at`

func (c *conn) GetRegistration(ctx context.Context, id studio.RegistrationID) (*studio.Registration, error) {
	return c.getRegistration(ctx, id, false)
}

func (c *conn) getRegistration(ctx context.Context, id studio.RegistrationID, lock bool) (*studio.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	r, err := scanRegistration(c.q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, studio.ErrRegistrationNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}
	return r, nil
}

func (c *conn) ListRegistrations(ctx context.Context, occurrenceID studio.OccurrenceID, statuses ...studio.RegistrationStatus) ([]studio.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE occurrence_id = $1`
	args := []any{string(occurrenceID)}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		query += ` AND status = ANY($2)`
		args = append(args, ss)
	}
	query += ` ORDER BY seq ASC`

	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("query registrations: %w", err))
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
	r, err := c.getRegistration(ctx, id, true)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return studio.ErrAlreadyCancelled
	}

	now := c.now()
	var cancelledAt *time.Time
	if status.IsTerminal() {
		cancelledAt = &now
		var release string
		switch r.Status {
		case studio.RegistrationConfirmed, studio.RegistrationPending:
			release = `booked_count = booked_count - 1`
		case studio.RegistrationWaitlisted:
			release = `waitlist_count = waitlist_count - 1`
		}
		if release != "" {
			if _, err := c.q.Exec(ctx,
				`UPDATE occurrences SET `+release+`, updated_at = $2 WHERE id = $1`,
				string(r.OccurrenceID), now); err != nil {
				return mapError(err)
			}
		}
	}

	_, err = c.q.Exec(ctx, `
		UPDATE registrations
		SET status = $2,
		    cancelled_at = COALESCE($3, cancelled_at),
		    notes = CASE WHEN $4::text = '' THEN notes WHEN notes = '' THEN $4::text ELSE notes || E'\n' || $4::text END
		WHERE id = $1`,
		string(id), string(status), cancelledAt, note)
	return mapError(err)
}

func scanRegistration(row pgx.Row) (*studio.Registration, error) {
	var (
		r                                      studio.Registration
		id, occ, customer, org, status, method string
		passID, amount, currency               string
	)
	if err := row.Scan(&id, &occ, &customer, &org, &status, &method, &passID,
		&amount, &currency, &r.WaitlistPriority, &r.AutoPromote, &r.Notes,
		&r.BookedAt, &r.CancelledAt); err != nil {
		return nil, err
	}
	r.ID, r.OccurrenceID = studio.RegistrationID(id), studio.OccurrenceID(occ)
	r.CustomerID, r.OrgID = studio.CustomerID(customer), studio.OrgID(org)
	r.Status, r.PaymentMethod, r.PassID = studio.RegistrationStatus(status), studio.PaymentMethod(method), studio.PassID(passID)
	var err error
	if r.AmountPaid, err = parseMoney(amount, currency); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func parseMoney(amount, currency string) (studio.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return studio.Money{}, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	return studio.Money{Amount: d, Currency: currency}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapError turns serialization failures and deadlocks into
// studio.ErrConcurrentModification.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %v", studio.ErrConcurrentModification, err)
	}
	return err
}

// Package postgres provides a PostgreSQL-backed creditgate.Store.
//
// Every conditional update is a single guarded statement or a short
// transaction, so balances never go negative and a reservation resolves
// at most once across any number of instances. State is durable across
// restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/creditgate"
)

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed creditgate.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	starting    int64
	clock       creditgate.Clock
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithStartingCredits sets the balance of accounts created on first access.
func WithStartingCredits(n int64) Option {
	return func(s *Store) { s.starting = n }
}

// WithClock sets the clock used for ledger timestamps.
func WithClock(c creditgate.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditgate_",
		clock:       creditgate.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) balancesTable() string     { return s.tablePrefix + "balances" }
func (s *Store) entriesTable() string      { return s.tablePrefix + "ledger_entries" }
func (s *Store) reservationsTable() string { return s.tablePrefix + "reservations" }
func (s *Store) idempotencyTable() string  { return s.tablePrefix + "idempotency" }
func (s *Store) trialsTable() string       { return s.tablePrefix + "trial_usage" }
func (s *Store) quotasTable() string       { return s.tablePrefix + "quota_usage" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			account_key TEXT PRIMARY KEY,
			credits BIGINT NOT NULL CHECK (credits >= 0),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			account_key TEXT NOT NULL,
			delta BIGINT NOT NULL,
			reason TEXT NOT NULL,
			balance BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			seq BIGSERIAL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_account_idx ON %[2]s (account_key, seq DESC);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			account_key TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			fingerprint TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			quarantined BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		);
		ALTER TABLE %[3]s ADD COLUMN IF NOT EXISTS quarantined BOOLEAN NOT NULL DEFAULT false;
		CREATE UNIQUE INDEX IF NOT EXISTS %[3]s_held_idem_idx ON %[3]s (account_key, idempotency_key)
			WHERE status = 'held' AND idempotency_key <> '';
		CREATE INDEX IF NOT EXISTS %[3]s_stale_idx ON %[3]s (expires_at) WHERE status = 'held' AND NOT quarantined;
		CREATE INDEX IF NOT EXISTS %[3]s_quarantine_idx ON %[3]s (created_at) WHERE status = 'held' AND quarantined;
		CREATE TABLE IF NOT EXISTS %[4]s (
			account_key TEXT NOT NULL,
			key TEXT NOT NULL,
			reservation_id TEXT NOT NULL,
			charged BIGINT NOT NULL,
			fingerprint TEXT NOT NULL,
			payload BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_key, key)
		);
		CREATE TABLE IF NOT EXISTS %[5]s (
			email TEXT PRIMARY KEY,
			uses BIGINT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[6]s (
			device_id TEXT PRIMARY KEY,
			count BIGINT NOT NULL DEFAULT 0,
			window_start TIMESTAMPTZ NOT NULL
		);
	`, s.balancesTable(), s.entriesTable(), s.reservationsTable(), s.idempotencyTable(), s.trialsTable(), s.quotasTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// GetOrCreate returns the balance, creating it on first access.
func (s *Store) GetOrCreate(ctx context.Context, accountKey string) (creditgate.Balance, error) {
	now := s.clock.Now()
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_key, credits, created_at, updated_at) VALUES ($1, $2, $3, $3)
			ON CONFLICT (account_key) DO NOTHING`, s.balancesTable()),
		accountKey, s.starting, now,
	)
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/postgres: create balance: %w", err)
	}

	b := creditgate.Balance{AccountKey: accountKey}
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT credits, created_at, updated_at FROM %s WHERE account_key = $1`, s.balancesTable()),
		accountKey,
	).Scan(&b.Credits, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/postgres: get balance: %w", err)
	}
	b.CreatedAt, b.UpdatedAt = b.CreatedAt.UTC(), b.UpdatedAt.UTC()
	return b, nil
}

// Adjust applies delta and appends a ledger entry in one transaction.
func (s *Store) Adjust(ctx context.Context, accountKey string, delta int64, reason string) (creditgate.Balance, error) {
	now := s.clock.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (account_key, credits, created_at, updated_at) VALUES ($1, $2, $3, $3)
			ON CONFLICT (account_key) DO NOTHING`, s.balancesTable()),
		accountKey, s.starting, now,
	)
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/postgres: create balance: %w", err)
	}

	// Conditional update: apply only if the result stays non-negative.
	b := creditgate.Balance{AccountKey: accountKey}
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET credits = credits + $1, updated_at = $2
			WHERE account_key = $3 AND credits + $1 >= 0
			RETURNING credits, created_at, updated_at`, s.balancesTable()),
		delta, now, accountKey,
	).Scan(&b.Credits, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT credits FROM %s WHERE account_key = $1`, s.balancesTable()),
			accountKey,
		).Scan(&b.Credits)
		return b, creditgate.ErrInsufficientFunds
	}
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/postgres: adjust: %w", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_key, delta, reason, balance, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			s.entriesTable()),
		uuid.New().String(), accountKey, delta, reason, b.Credits, now,
	)
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/postgres: ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	b.CreatedAt, b.UpdatedAt = b.CreatedAt.UTC(), b.UpdatedAt.UTC()
	return b, nil
}

// Entries returns the most recent ledger entries, newest first.
func (s *Store) Entries(ctx context.Context, accountKey string, limit int) ([]creditgate.LedgerEntry, error) {
	q := fmt.Sprintf(`SELECT id, delta, reason, balance, created_at FROM %s WHERE account_key = $1 ORDER BY seq DESC`,
		s.entriesTable())
	args := []any{accountKey}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("creditgate/postgres: entries: %w", err)
	}
	defer rows.Close()

	var out []creditgate.LedgerEntry
	for rows.Next() {
		e := creditgate.LedgerEntry{AccountKey: accountKey}
		if err := rows.Scan(&e.ID, &e.Delta, &e.Reason, &e.Balance, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("creditgate/postgres: scan entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditgate/postgres: entries: %w", err)
	}
	return out, nil
}

const reservationColumns = `id, account_key, amount, status, idempotency_key, fingerprint, reason, quarantined, created_at, expires_at, resolved_at`

// CreateReservation stores a new held reservation.
func (s *Store) CreateReservation(ctx context.Context, res creditgate.Reservation) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_key, amount, status, idempotency_key, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.reservationsTable()),
		res.ID, res.AccountKey, res.Amount, res.Status.String(), res.IdempotencyKey, res.CreatedAt, res.ExpiresAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return creditgate.ErrDuplicateRequest
	}
	if err != nil {
		return fmt.Errorf("creditgate/postgres: create reservation: %w", err)
	}
	return nil
}

// GetReservation returns a reservation by id.
func (s *Store) GetReservation(ctx context.Context, id string) (creditgate.Reservation, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, reservationColumns, s.reservationsTable()),
		id,
	)
	res, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/postgres: get reservation: %w", err)
	}
	return res, nil
}

// FindHeld returns the held reservation for (accountKey, idempotencyKey).
func (s *Store) FindHeld(ctx context.Context, accountKey, idempotencyKey string) (creditgate.Reservation, bool, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE account_key = $1 AND idempotency_key = $2 AND status = 'held'`,
			reservationColumns, s.reservationsTable()),
		accountKey, idempotencyKey,
	)
	res, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.Reservation{}, false, nil
	}
	if err != nil {
		return creditgate.Reservation{}, false, fmt.Errorf("creditgate/postgres: find held: %w", err)
	}
	return res, true, nil
}

// Resolve moves a held reservation to a terminal status.
func (s *Store) Resolve(ctx context.Context, change creditgate.Resolution) (creditgate.Reservation, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, fingerprint = $2, reason = $3, resolved_at = $4
			WHERE id = $5 AND status = 'held'
			RETURNING %s`, s.reservationsTable(), reservationColumns),
		change.To.String(), change.Fingerprint, change.Reason, change.At, change.ID,
	)
	res, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		stored, gerr := s.GetReservation(ctx, change.ID)
		if gerr != nil {
			return creditgate.Reservation{}, gerr
		}
		return stored, creditgate.ErrAlreadyResolved
	}
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/postgres: resolve: %w", err)
	}
	return res, nil
}

// ListExpired returns held reservations with ExpiresAt not after before, oldest first.
func (s *Store) ListExpired(ctx context.Context, accountKey string, before time.Time, limit int) ([]creditgate.Reservation, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE status = 'held' AND NOT quarantined AND expires_at <= $1`,
		reservationColumns, s.reservationsTable())
	args := []any{before}
	if accountKey != "" {
		args = append(args, accountKey)
		q += fmt.Sprintf(` AND account_key = $%d`, len(args))
	}
	q += ` ORDER BY expires_at`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	return s.queryReservations(ctx, "list expired", q, args...)
}

func (s *Store) queryReservations(ctx context.Context, op, q string, args ...any) ([]creditgate.Reservation, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("creditgate/postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []creditgate.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("creditgate/postgres: scan reservation: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("creditgate/postgres: %s: %w", op, err)
	}
	return out, nil
}

// SetQuarantined flags or clears a held reservation as awaiting reconciliation.
func (s *Store) SetQuarantined(ctx context.Context, id string, quarantined bool) (creditgate.Reservation, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET quarantined = $1 WHERE id = $2 AND status = 'held' RETURNING %s`,
			s.reservationsTable(), reservationColumns),
		quarantined, id,
	)
	res, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		stored, gerr := s.GetReservation(ctx, id)
		if gerr != nil {
			return creditgate.Reservation{}, gerr
		}
		return stored, creditgate.ErrAlreadyResolved
	}
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/postgres: set quarantined: %w", err)
	}
	return res, nil
}

// ListQuarantined returns held reservations awaiting reconciliation, oldest first.
func (s *Store) ListQuarantined(ctx context.Context, limit int) ([]creditgate.Reservation, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE status = 'held' AND quarantined ORDER BY created_at`,
		reservationColumns, s.reservationsTable())
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	return s.queryReservations(ctx, "list quarantined", q, args...)
}

// GetOutcome returns the idempotency record for (accountKey, key).
func (s *Store) GetOutcome(ctx context.Context, accountKey, key string) (creditgate.IdempotencyRecord, bool, error) {
	rec := creditgate.IdempotencyRecord{AccountKey: accountKey, Key: key}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT reservation_id, charged, fingerprint, payload, created_at, expires_at
			FROM %s WHERE account_key = $1 AND key = $2`, s.idempotencyTable()),
		accountKey, key,
	).Scan(&rec.ReservationID, &rec.Charged, &rec.Fingerprint, &rec.Payload, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return creditgate.IdempotencyRecord{}, false, fmt.Errorf("creditgate/postgres: get outcome: %w", err)
	}
	rec.CreatedAt, rec.ExpiresAt = rec.CreatedAt.UTC(), rec.ExpiresAt.UTC()
	return rec, true, nil
}

// PutOutcome stores an idempotency record, replacing one that already expired.
func (s *Store) PutOutcome(ctx context.Context, rec creditgate.IdempotencyRecord) error {
	var stored bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS t (account_key, key, reservation_id, charged, fingerprint, payload, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (account_key, key) DO UPDATE SET
				reservation_id = EXCLUDED.reservation_id,
				charged = EXCLUDED.charged,
				fingerprint = EXCLUDED.fingerprint,
				payload = EXCLUDED.payload,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at
			WHERE t.expires_at <= EXCLUDED.created_at
			RETURNING true`, s.idempotencyTable()),
		rec.AccountKey, rec.Key, rec.ReservationID, rec.Charged, rec.Fingerprint, rec.Payload, rec.CreatedAt, rec.ExpiresAt,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.ErrDuplicateRequest
	}
	if err != nil {
		return fmt.Errorf("creditgate/postgres: put outcome: %w", err)
	}
	return nil
}

// PurgeOutcomes removes records that expired at or before before.
func (s *Store) PurgeOutcomes(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.idempotencyTable()),
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: purge outcomes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetTrialUsage returns the trial counter of email.
func (s *Store) GetTrialUsage(ctx context.Context, email string) (creditgate.TrialUsage, error) {
	u := creditgate.TrialUsage{Email: email}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT uses, last_used_at FROM %s WHERE email = $1`, s.trialsTable()),
		email,
	).Scan(&u.Uses, &u.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return creditgate.TrialUsage{}, fmt.Errorf("creditgate/postgres: trial usage: %w", err)
	}
	u.LastUsedAt = u.LastUsedAt.UTC()
	return u, nil
}

// IncrementTrial consumes one trial use of email.
func (s *Store) IncrementTrial(ctx context.Context, email string, at time.Time) (creditgate.TrialUsage, error) {
	u := creditgate.TrialUsage{Email: email}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS t (email, uses, last_used_at) VALUES ($1, 1, $2)
			ON CONFLICT (email) DO UPDATE SET uses = t.uses + 1, last_used_at = EXCLUDED.last_used_at
			RETURNING uses, last_used_at`, s.trialsTable()),
		email, at,
	).Scan(&u.Uses, &u.LastUsedAt)
	if err != nil {
		return creditgate.TrialUsage{}, fmt.Errorf("creditgate/postgres: increment trial: %w", err)
	}
	u.LastUsedAt = u.LastUsedAt.UTC()
	return u, nil
}

// GetQuotaUsage returns the free-tier counter of deviceID in the current window.
func (s *Store) GetQuotaUsage(ctx context.Context, deviceID string, now time.Time, window time.Duration) (creditgate.QuotaUsage, error) {
	u := creditgate.QuotaUsage{DeviceID: deviceID}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count, window_start FROM %s WHERE device_id = $1`, s.quotasTable()),
		deviceID,
	).Scan(&u.Count, &u.WindowStart)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !now.Before(u.WindowStart.Add(window))) {
		return creditgate.QuotaUsage{DeviceID: deviceID, WindowStart: now}, nil
	}
	if err != nil {
		return creditgate.QuotaUsage{}, fmt.Errorf("creditgate/postgres: quota usage: %w", err)
	}
	u.WindowStart = u.WindowStart.UTC()
	return u, nil
}

// IncrementQuota consumes one free-tier use, starting a new window when the old one elapsed.
func (s *Store) IncrementQuota(ctx context.Context, deviceID string, now time.Time, window time.Duration) (creditgate.QuotaUsage, error) {
	u := creditgate.QuotaUsage{DeviceID: deviceID}
	// A window that started at or before now-window has elapsed.
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS t (device_id, count, window_start) VALUES ($1, 1, $2)
			ON CONFLICT (device_id) DO UPDATE SET
				count = CASE WHEN t.window_start <= $3 THEN 1 ELSE t.count + 1 END,
				window_start = CASE WHEN t.window_start <= $3 THEN EXCLUDED.window_start ELSE t.window_start END
			RETURNING count, window_start`, s.quotasTable()),
		deviceID, now, now.Add(-window),
	).Scan(&u.Count, &u.WindowStart)
	if err != nil {
		return creditgate.QuotaUsage{}, fmt.Errorf("creditgate/postgres: increment quota: %w", err)
	}
	u.WindowStart = u.WindowStart.UTC()
	return u, nil
}

func scanReservation(row pgx.Row) (creditgate.Reservation, error) {
	var (
		res        creditgate.Reservation
		status     string
		resolvedAt *time.Time
	)
	err := row.Scan(&res.ID, &res.AccountKey, &res.Amount, &status, &res.IdempotencyKey,
		&res.Fingerprint, &res.Reason, &res.Quarantined, &res.CreatedAt, &res.ExpiresAt, &resolvedAt)
	if err != nil {
		return creditgate.Reservation{}, err
	}
	res.Status = creditgate.ParseReservationStatus(status)
	res.CreatedAt, res.ExpiresAt = res.CreatedAt.UTC(), res.ExpiresAt.UTC()
	if resolvedAt != nil {
		res.ResolvedAt = resolvedAt.UTC()
	}
	return res, nil
}

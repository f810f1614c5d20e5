// Package gormstore provides a creditgate.Store on top of GORM.
//
// The same models run on PostgreSQL, MySQL and SQLite; the dialect is
// detected from the DSN passed to Open. Balance changes are guarded
// UPDATE statements checked through RowsAffected, so no-overdraft and
// resolve-once hold without dialect-specific SQL.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/ineyio/creditgate"
)

// Dialects accepted by Open.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

const statusHeld = "held"

type balance struct {
	AccountKey string `gorm:"primaryKey;size:191"`
	Credits    int64  `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ledgerEntry struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement"`
	ID         string `gorm:"uniqueIndex;size:36;not null"`
	AccountKey string `gorm:"index;size:191;not null"`
	Delta      int64  `gorm:"not null"`
	Reason     string `gorm:"not null"`
	Balance    int64  `gorm:"not null"`
	CreatedAt  time.Time
}

type reservation struct {
	ID             string `gorm:"primaryKey;size:36"`
	AccountKey     string `gorm:"index;size:191;not null"`
	Amount         int64  `gorm:"not null"`
	Status         string `gorm:"index:idx_status_expiry,priority:1;size:16;not null"`
	IdempotencyKey string `gorm:"size:191"`
	Fingerprint    string `gorm:"size:64"`
	Reason         string
	Quarantined    bool `gorm:"index:idx_status_expiry,priority:2;not null;default:false"`
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index:idx_status_expiry,priority:3"`
	ResolvedAt     *time.Time
}

// heldKey enforces one held reservation per (account, idempotency key).
type heldKey struct {
	AccountKey     string `gorm:"primaryKey;size:191"`
	IdempotencyKey string `gorm:"primaryKey;size:191"`
	ReservationID  string `gorm:"size:36;not null"`
}

type outcome struct {
	AccountKey    string `gorm:"primaryKey;size:191"`
	Key           string `gorm:"column:idempotency_key;primaryKey;size:191"`
	ReservationID string `gorm:"size:36;not null"`
	Charged       int64
	Fingerprint   string `gorm:"size:64"`
	Payload       []byte
	CreatedAt     time.Time
	ExpiresAt     time.Time `gorm:"index"`
}

type trialUsage struct {
	Email      string `gorm:"primaryKey;size:191"`
	Uses       int64  `gorm:"not null"`
	LastUsedAt time.Time
}

type quotaUsage struct {
	DeviceID    string `gorm:"primaryKey;size:191"`
	Count       int64  `gorm:"column:uses;not null"`
	WindowStart time.Time
}

// Store is a GORM-backed creditgate.Store.
type Store struct {
	db       *gorm.DB
	starting int64
	clock    creditgate.Clock
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithStartingCredits sets the balance of accounts created on first access.
func WithStartingCredits(n int64) Option {
	return func(s *Store) { s.starting = n }
}

// WithClock sets the clock used for ledger timestamps.
func WithClock(c creditgate.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New wraps an open GORM connection.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, clock: creditgate.SystemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens a GORM connection for dsn with tables prefixed by tablePrefix.
func Open(dsn, tablePrefix string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("creditgate/gorm: empty dsn")
	}

	dialect, err := DetectDialect(trimmed)
	if err != nil {
		return nil, err
	}

	var d gorm.Dialector
	switch dialect {
	case DialectPostgres:
		d = postgres.Open(trimmed)
	case DialectMySQL:
		d = mysql.Open(strings.TrimPrefix(trimmed, "mysql://"))
	default:
		d = sqlite.Open(normalizeSQLiteDSN(trimmed))
	}

	db, err := gorm.Open(d, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		NamingStrategy: schema.NamingStrategy{TablePrefix: tablePrefix},
	})
	if err != nil {
		return nil, fmt.Errorf("creditgate/gorm: open %s: %w", dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("creditgate/gorm: sql db: %w", err)
	}
	if dialect == DialectSQLite {
		// One writer; also keeps ":memory:" databases on a single connection.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return New(db, opts...), nil
}

// DetectDialect infers the dialect from a DSN string.
func DetectDialect(dsn string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, nil
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "sslmode="):
		return DialectPostgres, nil
	case strings.HasPrefix(lower, "mysql://") || strings.Contains(lower, "@tcp("):
		return DialectMySQL, nil
	case strings.HasPrefix(lower, "file:"),
		strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "sqlite3://"),
		lower == ":memory:",
		!strings.Contains(lower, "://"):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("creditgate/gorm: unsupported dsn: %s", dsn)
	}
}

func normalizeSQLiteDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "sqlite3://") || strings.HasPrefix(lower, "sqlite://") {
		parts := strings.SplitN(dsn, "://", 2)
		if len(parts) == 2 {
			return "file:" + parts[1]
		}
	}
	return dsn
}

// AutoMigrate creates or updates the tables.
func (s *Store) AutoMigrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&balance{}, &ledgerEntry{}, &reservation{}, &heldKey{}, &outcome{}, &trialUsage{}, &quotaUsage{},
	)
	if err != nil {
		return fmt.Errorf("creditgate/gorm: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ensureBalance(tx *gorm.DB, accountKey string, now time.Time) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&balance{
		AccountKey: accountKey,
		Credits:    s.starting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error
}

// GetOrCreate returns the balance, creating it on first access.
func (s *Store) GetOrCreate(ctx context.Context, accountKey string) (creditgate.Balance, error) {
	db := s.db.WithContext(ctx)
	if err := s.ensureBalance(db, accountKey, s.clock.Now()); err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/gorm: create balance: %w", err)
	}

	var b balance
	if err := db.Where("account_key = ?", accountKey).Take(&b).Error; err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/gorm: get balance: %w", err)
	}
	return toBalance(b), nil
}

// Adjust applies delta and appends a ledger entry in one transaction.
func (s *Store) Adjust(ctx context.Context, accountKey string, delta int64, reason string) (creditgate.Balance, error) {
	now := s.clock.Now()
	var out creditgate.Balance

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureBalance(tx, accountKey, now); err != nil {
			return fmt.Errorf("creditgate/gorm: create balance: %w", err)
		}

		res := tx.Model(&balance{}).
			Where("account_key = ? AND credits + ? >= 0", accountKey, delta).
			Updates(map[string]any{
				"credits":    gorm.Expr("credits + ?", delta),
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("creditgate/gorm: adjust: %w", res.Error)
		}

		var b balance
		if err := tx.Where("account_key = ?", accountKey).Take(&b).Error; err != nil {
			return fmt.Errorf("creditgate/gorm: get balance: %w", err)
		}
		out = toBalance(b)
		if res.RowsAffected == 0 {
			return creditgate.ErrInsufficientFunds
		}

		entry := ledgerEntry{
			ID:         uuid.New().String(),
			AccountKey: accountKey,
			Delta:      delta,
			Reason:     reason,
			Balance:    b.Credits,
			CreatedAt:  now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("creditgate/gorm: ledger entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// Entries returns the most recent ledger entries, newest first.
func (s *Store) Entries(ctx context.Context, accountKey string, limit int) ([]creditgate.LedgerEntry, error) {
	q := s.db.WithContext(ctx).Where("account_key = ?", accountKey).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []ledgerEntry
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("creditgate/gorm: entries: %w", err)
	}

	out := make([]creditgate.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, creditgate.LedgerEntry{
			ID:         r.ID,
			AccountKey: r.AccountKey,
			Delta:      r.Delta,
			Reason:     r.Reason,
			Balance:    r.Balance,
			CreatedAt:  r.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// CreateReservation stores a new held reservation.
func (s *Store) CreateReservation(ctx context.Context, res creditgate.Reservation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if res.IdempotencyKey != "" {
			r := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&heldKey{
				AccountKey:     res.AccountKey,
				IdempotencyKey: res.IdempotencyKey,
				ReservationID:  res.ID,
			})
			if r.Error != nil {
				return fmt.Errorf("creditgate/gorm: hold key: %w", r.Error)
			}
			if r.RowsAffected == 0 {
				return creditgate.ErrDuplicateRequest
			}
		}

		r := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reservation{
			ID:             res.ID,
			AccountKey:     res.AccountKey,
			Amount:         res.Amount,
			Status:         res.Status.String(),
			IdempotencyKey: res.IdempotencyKey,
			CreatedAt:      res.CreatedAt.UTC(),
			ExpiresAt:      res.ExpiresAt.UTC(),
		})
		if r.Error != nil {
			return fmt.Errorf("creditgate/gorm: create reservation: %w", r.Error)
		}
		if r.RowsAffected == 0 {
			return creditgate.ErrDuplicateRequest
		}
		return nil
	})
}

func getReservation(tx *gorm.DB, id string) (creditgate.Reservation, error) {
	var r reservation
	err := tx.Where("id = ?", id).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/gorm: get reservation: %w", err)
	}
	return toReservation(r), nil
}

// GetReservation returns a reservation by id.
func (s *Store) GetReservation(ctx context.Context, id string) (creditgate.Reservation, error) {
	return getReservation(s.db.WithContext(ctx), id)
}

// FindHeld returns the held reservation for (accountKey, idempotencyKey).
func (s *Store) FindHeld(ctx context.Context, accountKey, idempotencyKey string) (creditgate.Reservation, bool, error) {
	var r reservation
	err := s.db.WithContext(ctx).
		Where("account_key = ? AND idempotency_key = ? AND status = ?", accountKey, idempotencyKey, statusHeld).
		Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return creditgate.Reservation{}, false, nil
	}
	if err != nil {
		return creditgate.Reservation{}, false, fmt.Errorf("creditgate/gorm: find held: %w", err)
	}
	return toReservation(r), true, nil
}

// Resolve moves a held reservation to a terminal status.
func (s *Store) Resolve(ctx context.Context, change creditgate.Resolution) (creditgate.Reservation, error) {
	var out creditgate.Reservation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		at := change.At.UTC()
		res := tx.Model(&reservation{}).
			Where("id = ? AND status = ?", change.ID, statusHeld).
			Updates(map[string]any{
				"status":      change.To.String(),
				"fingerprint": change.Fingerprint,
				"reason":      change.Reason,
				"resolved_at": &at,
			})
		if res.Error != nil {
			return fmt.Errorf("creditgate/gorm: resolve: %w", res.Error)
		}

		stored, err := getReservation(tx, change.ID)
		if err != nil {
			return err
		}
		out = stored
		if res.RowsAffected == 0 {
			return creditgate.ErrAlreadyResolved
		}

		if stored.IdempotencyKey != "" {
			err := tx.Where("account_key = ? AND idempotency_key = ? AND reservation_id = ?",
				stored.AccountKey, stored.IdempotencyKey, stored.ID).
				Delete(&heldKey{}).Error
			if err != nil {
				return fmt.Errorf("creditgate/gorm: release key: %w", err)
			}
		}
		return nil
	})
	return out, err
}

// ListExpired returns held reservations with ExpiresAt not after before, oldest first.
func (s *Store) ListExpired(ctx context.Context, accountKey string, before time.Time, limit int) ([]creditgate.Reservation, error) {
	q := s.db.WithContext(ctx).Where("status = ? AND quarantined = ? AND expires_at <= ?", statusHeld, false, before.UTC())
	if accountKey != "" {
		q = q.Where("account_key = ?", accountKey)
	}
	q = q.Order("expires_at")
	if limit > 0 {
		q = q.Limit(limit)
	}

	return findReservations(q, "list expired")
}

// SetQuarantined flags or clears a held reservation as awaiting reconciliation.
func (s *Store) SetQuarantined(ctx context.Context, id string, quarantined bool) (creditgate.Reservation, error) {
	var out creditgate.Reservation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&reservation{}).
			Where("id = ? AND status = ?", id, statusHeld).
			Update("quarantined", quarantined)
		if res.Error != nil {
			return fmt.Errorf("creditgate/gorm: set quarantined: %w", res.Error)
		}

		stored, err := getReservation(tx, id)
		if err != nil {
			return err
		}
		out = stored
		if res.RowsAffected == 0 && stored.Status != creditgate.StatusHeld {
			return creditgate.ErrAlreadyResolved
		}
		return nil
	})
	return out, err
}

// ListQuarantined returns held reservations awaiting reconciliation, oldest first.
func (s *Store) ListQuarantined(ctx context.Context, limit int) ([]creditgate.Reservation, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND quarantined = ?", statusHeld, true).
		Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return findReservations(q, "list quarantined")
}

func findReservations(q *gorm.DB, op string) ([]creditgate.Reservation, error) {
	var rows []reservation
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("creditgate/gorm: %s: %w", op, err)
	}

	out := make([]creditgate.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, toReservation(r))
	}
	return out, nil
}

// GetOutcome returns the idempotency record for (accountKey, key).
func (s *Store) GetOutcome(ctx context.Context, accountKey, key string) (creditgate.IdempotencyRecord, bool, error) {
	var o outcome
	err := s.db.WithContext(ctx).Where("account_key = ? AND idempotency_key = ?", accountKey, key).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return creditgate.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return creditgate.IdempotencyRecord{}, false, fmt.Errorf("creditgate/gorm: get outcome: %w", err)
	}
	return creditgate.IdempotencyRecord{
		Key:           o.Key,
		AccountKey:    o.AccountKey,
		ReservationID: o.ReservationID,
		Charged:       o.Charged,
		Fingerprint:   o.Fingerprint,
		Payload:       o.Payload,
		CreatedAt:     o.CreatedAt.UTC(),
		ExpiresAt:     o.ExpiresAt.UTC(),
	}, true, nil
}

// PutOutcome stores an idempotency record, replacing one that already expired.
func (s *Store) PutOutcome(ctx context.Context, rec creditgate.IdempotencyRecord) error {
	db := s.db.WithContext(ctx)
	row := outcome{
		AccountKey:    rec.AccountKey,
		Key:           rec.Key,
		ReservationID: rec.ReservationID,
		Charged:       rec.Charged,
		Fingerprint:   rec.Fingerprint,
		Payload:       rec.Payload,
		CreatedAt:     rec.CreatedAt.UTC(),
		ExpiresAt:     rec.ExpiresAt.UTC(),
	}

	created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if created.Error != nil {
		return fmt.Errorf("creditgate/gorm: put outcome: %w", created.Error)
	}
	if created.RowsAffected == 1 {
		return nil
	}

	replaced := db.Model(&outcome{}).
		Where("account_key = ? AND idempotency_key = ? AND expires_at <= ?", rec.AccountKey, rec.Key, row.CreatedAt).
		Updates(map[string]any{
			"reservation_id": row.ReservationID,
			"charged":        row.Charged,
			"fingerprint":    row.Fingerprint,
			"payload":        row.Payload,
			"created_at":     row.CreatedAt,
			"expires_at":     row.ExpiresAt,
		})
	if replaced.Error != nil {
		return fmt.Errorf("creditgate/gorm: replace outcome: %w", replaced.Error)
	}
	if replaced.RowsAffected == 0 {
		return creditgate.ErrDuplicateRequest
	}
	return nil
}

// PurgeOutcomes removes records that expired at or before before.
func (s *Store) PurgeOutcomes(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", before.UTC()).Delete(&outcome{})
	if res.Error != nil {
		return 0, fmt.Errorf("creditgate/gorm: purge outcomes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// GetTrialUsage returns the trial counter of email.
func (s *Store) GetTrialUsage(ctx context.Context, email string) (creditgate.TrialUsage, error) {
	var u trialUsage
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return creditgate.TrialUsage{Email: email}, nil
	}
	if err != nil {
		return creditgate.TrialUsage{}, fmt.Errorf("creditgate/gorm: trial usage: %w", err)
	}
	return creditgate.TrialUsage{Email: u.Email, Uses: u.Uses, LastUsedAt: u.LastUsedAt.UTC()}, nil
}

// IncrementTrial consumes one trial use of email.
func (s *Store) IncrementTrial(ctx context.Context, email string, at time.Time) (creditgate.TrialUsage, error) {
	at = at.UTC()
	var out creditgate.TrialUsage

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&trialUsage{Email: email, Uses: 0, LastUsedAt: at}).Error
		if err != nil {
			return fmt.Errorf("creditgate/gorm: create trial usage: %w", err)
		}

		err = tx.Model(&trialUsage{}).Where("email = ?", email).Updates(map[string]any{
			"uses":         gorm.Expr("uses + 1"),
			"last_used_at": at,
		}).Error
		if err != nil {
			return fmt.Errorf("creditgate/gorm: increment trial: %w", err)
		}

		var u trialUsage
		if err := tx.Where("email = ?", email).Take(&u).Error; err != nil {
			return fmt.Errorf("creditgate/gorm: trial usage: %w", err)
		}
		out = creditgate.TrialUsage{Email: u.Email, Uses: u.Uses, LastUsedAt: u.LastUsedAt.UTC()}
		return nil
	})
	return out, err
}

// GetQuotaUsage returns the free-tier counter of deviceID in the current window.
func (s *Store) GetQuotaUsage(ctx context.Context, deviceID string, now time.Time, window time.Duration) (creditgate.QuotaUsage, error) {
	var u quotaUsage
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return creditgate.QuotaUsage{DeviceID: deviceID, WindowStart: now}, nil
	}
	if err != nil {
		return creditgate.QuotaUsage{}, fmt.Errorf("creditgate/gorm: quota usage: %w", err)
	}
	if !now.Before(u.WindowStart.Add(window)) {
		return creditgate.QuotaUsage{DeviceID: deviceID, WindowStart: now}, nil
	}
	return creditgate.QuotaUsage{DeviceID: deviceID, Count: u.Count, WindowStart: u.WindowStart.UTC()}, nil
}

// IncrementQuota consumes one free-tier use, starting a new window when the old one elapsed.
func (s *Store) IncrementQuota(ctx context.Context, deviceID string, now time.Time, window time.Duration) (creditgate.QuotaUsage, error) {
	now = now.UTC()
	cutoff := now.Add(-window)
	var out creditgate.QuotaUsage

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&quotaUsage{DeviceID: deviceID, Count: 0, WindowStart: now}).Error
		if err != nil {
			return fmt.Errorf("creditgate/gorm: create quota usage: %w", err)
		}

		// Reset an elapsed window, then count.
		err = tx.Model(&quotaUsage{}).
			Where("device_id = ? AND window_start <= ?", deviceID, cutoff).
			Updates(map[string]any{"uses": 0, "window_start": now}).Error
		if err != nil {
			return fmt.Errorf("creditgate/gorm: reset quota window: %w", err)
		}
		err = tx.Model(&quotaUsage{}).
			Where("device_id = ?", deviceID).
			Update("uses", gorm.Expr("uses + 1")).Error
		if err != nil {
			return fmt.Errorf("creditgate/gorm: increment quota: %w", err)
		}

		var u quotaUsage
		if err := tx.Where("device_id = ?", deviceID).Take(&u).Error; err != nil {
			return fmt.Errorf("creditgate/gorm: quota usage: %w", err)
		}
		out = creditgate.QuotaUsage{DeviceID: u.DeviceID, Count: u.Count, WindowStart: u.WindowStart.UTC()}
		return nil
	})
	return out, err
}

func toBalance(b balance) creditgate.Balance {
	return creditgate.Balance{
		AccountKey: b.AccountKey,
		Credits:    b.Credits,
		CreatedAt:  b.CreatedAt.UTC(),
		UpdatedAt:  b.UpdatedAt.UTC(),
	}
}

func toReservation(r reservation) creditgate.Reservation {
	out := creditgate.Reservation{
		ID:             r.ID,
		AccountKey:     r.AccountKey,
		Amount:         r.Amount,
		Status:         creditgate.ParseReservationStatus(r.Status),
		IdempotencyKey: r.IdempotencyKey,
		Fingerprint:    r.Fingerprint,
		Reason:         r.Reason,
		Quarantined:    r.Quarantined,
		CreatedAt:      r.CreatedAt.UTC(),
		ExpiresAt:      r.ExpiresAt.UTC(),
	}
	if r.ResolvedAt != nil {
		out.ResolvedAt = r.ResolvedAt.UTC()
	}
	return out
}

// Package redis provides a Redis-backed creditgate.Store.
//
// Balances, reservations and counters live in Redis hashes. Every
// conditional update is a Lua script, so the no-overdraft and
// resolve-once guarantees hold across instances sharing one Redis.
// Keys of one store are not hash-tagged; use a single node or a
// cluster proxy that runs scripts across slots.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditgate"
)

// Store is a Redis-backed creditgate.Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	starting  int64
	clock     creditgate.Clock
}

var _ creditgate.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithStartingCredits sets the balance of accounts created on first access.
func WithStartingCredits(n int64) Option {
	return func(s *Store) { s.starting = n }
}

// WithClock sets the clock used for ledger timestamps.
func WithClock(c creditgate.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "creditgate:",
		clock:     creditgate.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) balanceKey(account string) string { return s.keyPrefix + "bal:" + account }
func (s *Store) entriesKey(account string) string { return s.keyPrefix + "entries:" + account }
func (s *Store) resKey(id string) string          { return s.keyPrefix + "res:" + id }
func (s *Store) heldKey(account, key string) string {
	return s.keyPrefix + "held:" + accountSegment(account) + key
}
func (s *Store) expiringKey() string                { return s.keyPrefix + "expiring" }
func (s *Store) accountExpiringKey(a string) string { return s.keyPrefix + "expiring:" + a }
func (s *Store) quarantineKey() string              { return s.keyPrefix + "quarantined" }
func (s *Store) outcomeMember(account, key string) string {
	return "idem:" + accountSegment(account) + key
}

// accountSegment length-prefixes an account key that is followed by another
// segment. Account keys contain ':' themselves.
func accountSegment(account string) string {
	return strconv.Itoa(len(account)) + ":" + account + ":"
}
func (s *Store) outcomeIndexKey() string       { return s.keyPrefix + "idem-expiry" }
func (s *Store) trialKey(email string) string  { return s.keyPrefix + "trial:" + email }
func (s *Store) quotaKey(device string) string { return s.keyPrefix + "quota:" + device }

// adjustScript applies a delta unless it would overdraw.
// KEYS[1] = balance hash
// KEYS[2] = entries list
// ARGV[1] = delta
// ARGV[2] = starting credits
// ARGV[3] = now (RFC3339Nano)
// ARGV[4] = entry id
// ARGV[5] = reason
//
// Returns {1, balance} on success, {0, balance} when funds are insufficient.
var adjustScript = goredis.NewScript(`
local bal_key = KEYS[1]
local delta = tonumber(ARGV[1])

if redis.call("HSETNX", bal_key, "credits", ARGV[2]) == 1 then
    redis.call("HSET", bal_key, "created_at", ARGV[3], "updated_at", ARGV[3])
end

local credits = tonumber(redis.call("HGET", bal_key, "credits"))
if credits + delta < 0 then
    return {0, credits}
end

credits = redis.call("HINCRBY", bal_key, "credits", delta)
redis.call("HSET", bal_key, "updated_at", ARGV[3])
redis.call("LPUSH", KEYS[2], cjson.encode({
    id = ARGV[4],
    delta = delta,
    reason = ARGV[5],
    balance = credits,
    created_at = ARGV[3],
}))
return {1, credits}
`)

// getOrCreateScript initializes a balance on first access.
// KEYS[1] = balance hash
// ARGV[1] = starting credits
// ARGV[2] = now (RFC3339Nano)
var getOrCreateScript = goredis.NewScript(`
if redis.call("HSETNX", KEYS[1], "credits", ARGV[1]) == 1 then
    redis.call("HSET", KEYS[1], "created_at", ARGV[2], "updated_at", ARGV[2])
end
return redis.call("HMGET", KEYS[1], "credits", "created_at", "updated_at")
`)

// createScript stores a held reservation.
// KEYS[1] = reservation hash
// KEYS[2] = held pointer (ignored unless ARGV[1] == "1")
// KEYS[3] = global expiry zset
// KEYS[4] = account expiry zset
// ARGV[1] = has idempotency key ("1" or "0")
// ARGV[2] = expires_at (unix micros, zset score)
// ARGV[3] = reservation id
// ARGV[4..] = hash field/value pairs
//
// Returns 1 = created, -1 = duplicate.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return -1
end
if ARGV[1] == "1" then
    if not redis.call("SET", KEYS[2], ARGV[3], "NX") then
        return -1
    end
end
local fields = {}
for i = 4, #ARGV do
    fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", KEYS[1], unpack(fields))
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[3])
redis.call("ZADD", KEYS[4], ARGV[2], ARGV[3])
return 1
`)

// resolveScript is the compare-and-swap on status = held.
// KEYS[1] = reservation hash
// ARGV[1] = target status
// ARGV[2] = fingerprint
// ARGV[3] = reason
// ARGV[4] = resolved_at (RFC3339Nano)
// ARGV[5] = key prefix
//
// Returns 1 = resolved, 0 = not held, -1 = not found.
var resolveScript = goredis.NewScript(`
local res_key = KEYS[1]
if redis.call("EXISTS", res_key) == 0 then
    return -1
end
local vals = redis.call("HMGET", res_key, "status", "account", "idem", "id")
if vals[1] ~= "held" then
    return 0
end
redis.call("HSET", res_key, "status", ARGV[1], "fingerprint", ARGV[2], "reason", ARGV[3], "resolved_at", ARGV[4])
local prefix = ARGV[5]
if vals[3] and vals[3] ~= "" then
    redis.call("DEL", prefix .. "held:" .. string.len(vals[2]) .. ":" .. vals[2] .. ":" .. vals[3])
end
redis.call("ZREM", prefix .. "expiring", vals[4])
redis.call("ZREM", prefix .. "expiring:" .. vals[2], vals[4])
redis.call("ZREM", prefix .. "quarantined", vals[4])
return 1
`)

// quarantineScript moves a held reservation between the expiry indexes and
// the reconciliation index.
// KEYS[1] = reservation hash
// ARGV[1] = "1" to quarantine, "0" to clear
// ARGV[2] = key prefix
//
// Returns 1 = updated, 0 = not held, -1 = not found.
var quarantineScript = goredis.NewScript(`
local res_key = KEYS[1]
if redis.call("EXISTS", res_key) == 0 then
    return -1
end
local vals = redis.call("HMGET", res_key, "status", "account", "id", "expires_at_us", "created_at_us")
if vals[1] ~= "held" then
    return 0
end
local prefix = ARGV[2]
redis.call("HSET", res_key, "quarantined", ARGV[1])
if ARGV[1] == "1" then
    redis.call("ZREM", prefix .. "expiring", vals[3])
    redis.call("ZREM", prefix .. "expiring:" .. vals[2], vals[3])
    redis.call("ZADD", prefix .. "quarantined", vals[5], vals[3])
else
    redis.call("ZREM", prefix .. "quarantined", vals[3])
    redis.call("ZADD", prefix .. "expiring", vals[4], vals[3])
    redis.call("ZADD", prefix .. "expiring:" .. vals[2], vals[4], vals[3])
end
return 1
`)

// putOutcomeScript stores an idempotency record unless an unexpired one exists.
// KEYS[1] = record hash
// KEYS[2] = expiry index zset
// ARGV[1] = record json
// ARGV[2] = created_at (unix micros)
// ARGV[3] = expires_at (unix micros)
// ARGV[4] = index member
//
// Returns 1 = stored, 0 = duplicate.
var putOutcomeScript = goredis.NewScript(`
local exp = redis.call("HGET", KEYS[1], "expires_at")
if exp and tonumber(exp) > tonumber(ARGV[2]) then
    return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "expires_at", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// purgeScript drops expired idempotency records.
// KEYS[1] = expiry index zset
// ARGV[1] = before (unix micros)
// ARGV[2] = key prefix
var purgeScript = goredis.NewScript(`
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, m in ipairs(members) do
    redis.call("DEL", ARGV[2] .. m)
end
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return #members
`)

// quotaScript increments a windowed counter.
// KEYS[1] = quota hash
// ARGV[1] = now (unix micros)
// ARGV[2] = window (micros)
//
// Returns {count, window_start}.
var quotaScript = goredis.NewScript(`
local start = redis.call("HGET", KEYS[1], "window_start")
if not start or tonumber(ARGV[1]) >= tonumber(start) + tonumber(ARGV[2]) then
    redis.call("HSET", KEYS[1], "count", 0, "window_start", ARGV[1])
    start = ARGV[1]
end
local count = redis.call("HINCRBY", KEYS[1], "count", 1)
return {count, start}
`)

// GetOrCreate returns the balance, creating it on first access.
func (s *Store) GetOrCreate(ctx context.Context, accountKey string) (creditgate.Balance, error) {
	vals, err := getOrCreateScript.Run(ctx, s.client,
		[]string{s.balanceKey(accountKey)},
		s.starting, formatTime(s.clock.Now()),
	).Slice()
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/redis: get balance: %w", err)
	}
	if len(vals) != 3 {
		return creditgate.Balance{}, fmt.Errorf("creditgate/redis: get balance: unexpected reply %v", vals)
	}

	credits, _ := strconv.ParseInt(str(vals[0]), 10, 64)
	return creditgate.Balance{
		AccountKey: accountKey,
		Credits:    credits,
		CreatedAt:  parseTime(str(vals[1])),
		UpdatedAt:  parseTime(str(vals[2])),
	}, nil
}

// Adjust applies delta and appends a ledger entry.
func (s *Store) Adjust(ctx context.Context, accountKey string, delta int64, reason string) (creditgate.Balance, error) {
	now := s.clock.Now()
	vals, err := adjustScript.Run(ctx, s.client,
		[]string{s.balanceKey(accountKey), s.entriesKey(accountKey)},
		delta, s.starting, formatTime(now), uuid.New().String(), reason,
	).Int64Slice()
	if err != nil {
		return creditgate.Balance{}, fmt.Errorf("creditgate/redis: adjust: %w", err)
	}
	if len(vals) != 2 {
		return creditgate.Balance{}, fmt.Errorf("creditgate/redis: adjust: unexpected reply %v", vals)
	}

	b := creditgate.Balance{AccountKey: accountKey, Credits: vals[1], UpdatedAt: now}
	if vals[0] == 0 {
		return b, creditgate.ErrInsufficientFunds
	}
	return b, nil
}

type entryJSON struct {
	ID        string `json:"id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at"`
}

// Entries returns the most recent ledger entries, newest first.
func (s *Store) Entries(ctx context.Context, accountKey string, limit int) ([]creditgate.LedgerEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, s.entriesKey(accountKey), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("creditgate/redis: entries: %w", err)
	}

	out := make([]creditgate.LedgerEntry, 0, len(raw))
	for _, r := range raw {
		var e entryJSON
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("creditgate/redis: decode entry: %w", err)
		}
		out = append(out, creditgate.LedgerEntry{
			ID:         e.ID,
			AccountKey: accountKey,
			Delta:      e.Delta,
			Reason:     e.Reason,
			Balance:    e.Balance,
			CreatedAt:  parseTime(e.CreatedAt),
		})
	}
	return out, nil
}

// CreateReservation stores a new held reservation.
func (s *Store) CreateReservation(ctx context.Context, res creditgate.Reservation) error {
	hasIdem := "0"
	heldK := s.heldKey(res.AccountKey, "_none")
	if res.IdempotencyKey != "" {
		hasIdem = "1"
		heldK = s.heldKey(res.AccountKey, res.IdempotencyKey)
	}

	args := []any{
		hasIdem, res.ExpiresAt.UnixMicro(), res.ID,
		"id", res.ID,
		"account", res.AccountKey,
		"amount", res.Amount,
		"status", res.Status.String(),
		"idem", res.IdempotencyKey,
		"created_at", formatTime(res.CreatedAt),
		"expires_at", formatTime(res.ExpiresAt),
		"created_at_us", res.CreatedAt.UnixMicro(),
		"expires_at_us", res.ExpiresAt.UnixMicro(),
	}
	result, err := createScript.Run(ctx, s.client,
		[]string{s.resKey(res.ID), heldK, s.expiringKey(), s.accountExpiringKey(res.AccountKey)},
		args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("creditgate/redis: create reservation: %w", err)
	}
	if result == -1 {
		return creditgate.ErrDuplicateRequest
	}
	return nil
}

// GetReservation returns a reservation by id.
func (s *Store) GetReservation(ctx context.Context, id string) (creditgate.Reservation, error) {
	fields, err := s.client.HGetAll(ctx, s.resKey(id)).Result()
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: get reservation: %w", err)
	}
	if len(fields) == 0 {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	return decodeReservation(fields), nil
}

// FindHeld returns the held reservation for (accountKey, idempotencyKey).
func (s *Store) FindHeld(ctx context.Context, accountKey, idempotencyKey string) (creditgate.Reservation, bool, error) {
	id, err := s.client.Get(ctx, s.heldKey(accountKey, idempotencyKey)).Result()
	if errors.Is(err, goredis.Nil) {
		return creditgate.Reservation{}, false, nil
	}
	if err != nil {
		return creditgate.Reservation{}, false, fmt.Errorf("creditgate/redis: find held: %w", err)
	}

	res, err := s.GetReservation(ctx, id)
	if errors.Is(err, creditgate.ErrReservationNotFound) {
		return creditgate.Reservation{}, false, nil
	}
	if err != nil {
		return creditgate.Reservation{}, false, err
	}
	return res, res.Status == creditgate.StatusHeld, nil
}

// Resolve moves a held reservation to a terminal status.
func (s *Store) Resolve(ctx context.Context, change creditgate.Resolution) (creditgate.Reservation, error) {
	result, err := resolveScript.Run(ctx, s.client,
		[]string{s.resKey(change.ID)},
		change.To.String(), change.Fingerprint, change.Reason, formatTime(change.At), s.keyPrefix,
	).Int64()
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: resolve: %w", err)
	}

	switch result {
	case -1:
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	case 0, 1:
		res, err := s.GetReservation(ctx, change.ID)
		if err != nil {
			return creditgate.Reservation{}, err
		}
		if result == 0 {
			return res, creditgate.ErrAlreadyResolved
		}
		return res, nil
	default:
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: unexpected resolve result: %d", result)
	}
}

// ListExpired returns held reservations with ExpiresAt not after before, oldest first.
func (s *Store) ListExpired(ctx context.Context, accountKey string, before time.Time, limit int) ([]creditgate.Reservation, error) {
	key := s.expiringKey()
	if accountKey != "" {
		key = s.accountExpiringKey(accountKey)
	}

	by := &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(before.UnixMicro(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, key, by).Result()
	if err != nil {
		return nil, fmt.Errorf("creditgate/redis: list expired: %w", err)
	}
	return s.loadReservations(ctx, ids, func(r creditgate.Reservation) bool {
		return r.Expired(before) && !r.Quarantined
	})
}

// SetQuarantined flags or clears a held reservation as awaiting reconciliation.
func (s *Store) SetQuarantined(ctx context.Context, id string, quarantined bool) (creditgate.Reservation, error) {
	flag := "0"
	if quarantined {
		flag = "1"
	}
	result, err := quarantineScript.Run(ctx, s.client,
		[]string{s.resKey(id)},
		flag, s.keyPrefix,
	).Int64()
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: set quarantined: %w", err)
	}
	if result == -1 {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}

	res, err := s.GetReservation(ctx, id)
	if err != nil {
		return creditgate.Reservation{}, err
	}
	if result == 0 {
		return res, creditgate.ErrAlreadyResolved
	}
	return res, nil
}

// ListQuarantined returns held reservations awaiting reconciliation, oldest first.
func (s *Store) ListQuarantined(ctx context.Context, limit int) ([]creditgate.Reservation, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, s.quarantineKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("creditgate/redis: list quarantined: %w", err)
	}
	return s.loadReservations(ctx, ids, func(r creditgate.Reservation) bool {
		return r.Status == creditgate.StatusHeld && r.Quarantined
	})
}

func (s *Store) loadReservations(ctx context.Context, ids []string, keep func(creditgate.Reservation) bool) ([]creditgate.Reservation, error) {
	out := make([]creditgate.Reservation, 0, len(ids))
	for _, id := range ids {
		res, err := s.GetReservation(ctx, id)
		if errors.Is(err, creditgate.ErrReservationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(res) {
			out = append(out, res)
		}
	}
	return out, nil
}

type outcomeJSON struct {
	Key           string `json:"key"`
	AccountKey    string `json:"account_key"`
	ReservationID string `json:"reservation_id"`
	Charged       int64  `json:"charged"`
	Fingerprint   string `json:"fingerprint"`
	Payload       []byte `json:"payload"`
	CreatedAt     string `json:"created_at"`
	ExpiresAt     string `json:"expires_at"`
}

// GetOutcome returns the idempotency record for (accountKey, key).
func (s *Store) GetOutcome(ctx context.Context, accountKey, key string) (creditgate.IdempotencyRecord, bool, error) {
	data, err := s.client.HGet(ctx, s.keyPrefix+s.outcomeMember(accountKey, key), "data").Result()
	if errors.Is(err, goredis.Nil) {
		return creditgate.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return creditgate.IdempotencyRecord{}, false, fmt.Errorf("creditgate/redis: get outcome: %w", err)
	}

	var o outcomeJSON
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return creditgate.IdempotencyRecord{}, false, fmt.Errorf("creditgate/redis: decode outcome: %w", err)
	}
	return creditgate.IdempotencyRecord{
		Key:           o.Key,
		AccountKey:    o.AccountKey,
		ReservationID: o.ReservationID,
		Charged:       o.Charged,
		Fingerprint:   o.Fingerprint,
		Payload:       o.Payload,
		CreatedAt:     parseTime(o.CreatedAt),
		ExpiresAt:     parseTime(o.ExpiresAt),
	}, true, nil
}

// PutOutcome stores an idempotency record.
func (s *Store) PutOutcome(ctx context.Context, rec creditgate.IdempotencyRecord) error {
	data, err := json.Marshal(outcomeJSON{
		Key:           rec.Key,
		AccountKey:    rec.AccountKey,
		ReservationID: rec.ReservationID,
		Charged:       rec.Charged,
		Fingerprint:   rec.Fingerprint,
		Payload:       rec.Payload,
		CreatedAt:     formatTime(rec.CreatedAt),
		ExpiresAt:     formatTime(rec.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("creditgate/redis: encode outcome: %w", err)
	}

	member := s.outcomeMember(rec.AccountKey, rec.Key)
	result, err := putOutcomeScript.Run(ctx, s.client,
		[]string{s.keyPrefix + member, s.outcomeIndexKey()},
		string(data), rec.CreatedAt.UnixMicro(), rec.ExpiresAt.UnixMicro(), member,
	).Int64()
	if err != nil {
		return fmt.Errorf("creditgate/redis: put outcome: %w", err)
	}
	if result == 0 {
		return creditgate.ErrDuplicateRequest
	}
	return nil
}

// PurgeOutcomes removes records that expired at or before before.
func (s *Store) PurgeOutcomes(ctx context.Context, before time.Time) (int64, error) {
	n, err := purgeScript.Run(ctx, s.client,
		[]string{s.outcomeIndexKey()},
		before.UnixMicro(), s.keyPrefix,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("creditgate/redis: purge outcomes: %w", err)
	}
	return n, nil
}

// GetTrialUsage returns the trial counter of email.
func (s *Store) GetTrialUsage(ctx context.Context, email string) (creditgate.TrialUsage, error) {
	vals, err := s.client.HMGet(ctx, s.trialKey(email), "uses", "last_used_at").Result()
	if err != nil {
		return creditgate.TrialUsage{}, fmt.Errorf("creditgate/redis: trial usage: %w", err)
	}
	uses, _ := strconv.ParseInt(str(vals[0]), 10, 64)
	return creditgate.TrialUsage{Email: email, Uses: uses, LastUsedAt: parseTime(str(vals[1]))}, nil
}

// IncrementTrial consumes one trial use of email.
func (s *Store) IncrementTrial(ctx context.Context, email string, at time.Time) (creditgate.TrialUsage, error) {
	var incr *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.HIncrBy(ctx, s.trialKey(email), "uses", 1)
		p.HSet(ctx, s.trialKey(email), "last_used_at", formatTime(at))
		return nil
	})
	if err != nil {
		return creditgate.TrialUsage{}, fmt.Errorf("creditgate/redis: increment trial: %w", err)
	}
	return creditgate.TrialUsage{Email: email, Uses: incr.Val(), LastUsedAt: at}, nil
}

// GetQuotaUsage returns the free-tier counter of deviceID in the current window.
func (s *Store) GetQuotaUsage(ctx context.Context, deviceID string, now time.Time, window time.Duration) (creditgate.QuotaUsage, error) {
	vals, err := s.client.HMGet(ctx, s.quotaKey(deviceID), "count", "window_start").Result()
	if err != nil {
		return creditgate.QuotaUsage{}, fmt.Errorf("creditgate/redis: quota usage: %w", err)
	}
	if vals[1] == nil {
		return creditgate.QuotaUsage{DeviceID: deviceID, WindowStart: now}, nil
	}

	count, _ := strconv.ParseInt(str(vals[0]), 10, 64)
	startUS, _ := strconv.ParseInt(str(vals[1]), 10, 64)
	start := time.UnixMicro(startUS).UTC()
	if !now.Before(start.Add(window)) {
		return creditgate.QuotaUsage{DeviceID: deviceID, WindowStart: now}, nil
	}
	return creditgate.QuotaUsage{DeviceID: deviceID, Count: count, WindowStart: start}, nil
}

// IncrementQuota consumes one free-tier use, starting a new window when the old one elapsed.
func (s *Store) IncrementQuota(ctx context.Context, deviceID string, now time.Time, window time.Duration) (creditgate.QuotaUsage, error) {
	vals, err := quotaScript.Run(ctx, s.client,
		[]string{s.quotaKey(deviceID)},
		now.UnixMicro(), window.Microseconds(),
	).Slice()
	if err != nil {
		return creditgate.QuotaUsage{}, fmt.Errorf("creditgate/redis: increment quota: %w", err)
	}
	if len(vals) != 2 {
		return creditgate.QuotaUsage{}, fmt.Errorf("creditgate/redis: increment quota: unexpected reply %v", vals)
	}

	count, _ := vals[0].(int64)
	startUS, _ := strconv.ParseInt(str(vals[1]), 10, 64)
	return creditgate.QuotaUsage{DeviceID: deviceID, Count: count, WindowStart: time.UnixMicro(startUS).UTC()}, nil
}

func decodeReservation(f map[string]string) creditgate.Reservation {
	amount, _ := strconv.ParseInt(f["amount"], 10, 64)
	return creditgate.Reservation{
		ID:             f["id"],
		AccountKey:     f["account"],
		Amount:         amount,
		Status:         creditgate.ParseReservationStatus(f["status"]),
		IdempotencyKey: f["idem"],
		Fingerprint:    f["fingerprint"],
		Reason:         f["reason"],
		Quarantined:    f["quarantined"] == "1",
		CreatedAt:      parseTime(f["created_at"]),
		ExpiresAt:      parseTime(f["expires_at"]),
		ResolvedAt:     parseTime(f["resolved_at"]),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

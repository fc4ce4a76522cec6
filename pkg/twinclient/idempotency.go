package twinclient

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	_ "modernc.org/sqlite"

	"github.com/hadijannat/TwinOps/pkg/canonicalize"
	"github.com/hadijannat/TwinOps/pkg/contracts"
)

// IdempotencyBackend is the pluggable store behind the Twin Client's
// idempotency cache: in-memory, on-disk key-value, or a shared store for
// multi-instance deployments.
type IdempotencyBackend interface {
	Get(ctx context.Context, key string) (*contracts.IdempotencyRecord, bool, error)
	Put(ctx context.Context, rec contracts.IdempotencyRecord) error
}

// Fingerprint computes the idempotency key from
// (tool, canonical_json(args), simulate, idempotency_key).
func Fingerprint(tool string, args map[string]any, simulate bool, idempotencyKey string) (string, error) {
	canonicalArgs, err := canonicalize.Transform(args)
	if err != nil {
		return "", fmt.Errorf("twinclient: fingerprint: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(canonicalArgs)
	h.Write([]byte{0})
	if simulate {
		h.Write([]byte{1})
	}
	h.Write([]byte{0})
	h.Write([]byte(idempotencyKey))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// --- memory backend ---

// MemoryIdempotency is a mutex-guarded map. Get ignores expired records,
// but nothing removes them: there is no sweep and no LRU eviction, so the
// map grows with every distinct fingerprint stored.
type MemoryIdempotency struct {
	mu      sync.RWMutex
	records map[string]contracts.IdempotencyRecord
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{records: make(map[string]contracts.IdempotencyRecord)}
}

func (m *MemoryIdempotency) Get(_ context.Context, key string) (*contracts.IdempotencyRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (m *MemoryIdempotency) Put(_ context.Context, rec contracts.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = rec
	return nil
}

// --- sqlite backend ---

// SQLiteIdempotency is an on-disk key-value backend over modernc.org/sqlite
// (pure-Go, no cgo), using WAL mode and per-row upserts.
type SQLiteIdempotency struct {
	db *sql.DB
}

func NewSQLiteIdempotency(path string) (*SQLiteIdempotency, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("twinclient: open sqlite idempotency store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS idempotency (
		key TEXT PRIMARY KEY,
		call_fingerprint TEXT NOT NULL,
		result_json TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("twinclient: migrate sqlite idempotency store: %w", err)
	}
	return &SQLiteIdempotency{db: db}, nil
}

func (s *SQLiteIdempotency) Close() error { return s.db.Close() }

func (s *SQLiteIdempotency) Get(ctx context.Context, key string) (*contracts.IdempotencyRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT call_fingerprint, result_json, expires_at FROM idempotency WHERE key = ?`, key)
	var fp, resultJSON string
	var expiresAtUnix int64
	if err := row.Scan(&fp, &resultJSON, &expiresAtUnix); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("twinclient: sqlite get: %w", err)
	}
	expiresAt := time.Unix(expiresAtUnix, 0)
	if time.Now().After(expiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE key = ?`, key)
		return nil, false, nil
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, false, fmt.Errorf("twinclient: sqlite decode result: %w", err)
	}
	return &contracts.IdempotencyRecord{Key: key, CallFingerprint: fp, Result: result, ExpiresAt: expiresAt}, true, nil
}

func (s *SQLiteIdempotency) Put(ctx context.Context, rec contracts.IdempotencyRecord) error {
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("twinclient: sqlite encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO idempotency (key, call_fingerprint, result_json, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET call_fingerprint=excluded.call_fingerprint, result_json=excluded.result_json, expires_at=excluded.expires_at`,
		rec.Key, rec.CallFingerprint, string(resultJSON), rec.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("twinclient: sqlite put: %w", err)
	}
	return nil
}

// --- redis backend ---

// RedisIdempotency shares idempotency records across worker instances,
// relying on Redis's native key TTL instead of an application-level sweep.
type RedisIdempotency struct {
	client *redis.Client
}

func NewRedisIdempotency(client *redis.Client) *RedisIdempotency {
	return &RedisIdempotency{client: client}
}

func (r *RedisIdempotency) Get(ctx context.Context, key string) (*contracts.IdempotencyRecord, bool, error) {
	val, err := r.client.Get(ctx, redisKey(key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("twinclient: redis get: %w", err)
	}
	var rec contracts.IdempotencyRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, fmt.Errorf("twinclient: redis decode: %w", err)
	}
	return &rec, true, nil
}

func (r *RedisIdempotency) Put(ctx context.Context, rec contracts.IdempotencyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("twinclient: redis encode: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, redisKey(rec.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("twinclient: redis put: %w", err)
	}
	return nil
}

func redisKey(key string) string { return "twinops:idempotency:" + key }

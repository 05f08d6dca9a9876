package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "lectio:"
	maxWatchRetries    = 8
)

// RedisStore implements Store on Redis. Sessions and reviews are JSON strings,
// turns a JSON list per session, and active sessions a sorted set scored by
// last activity. Multi-key updates use WATCH/MULTI so concurrent writers on
// other nodes cannot break turn contiguity.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "lectio:").
	Prefix string
	// TTL expires session data after inactivity (0 = never expire).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client, e.g. one dialing miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Key helpers
func (b *RedisStore) sessionKey(id string) string { return b.prefix + "session:" + id }
func (b *RedisStore) turnsKey(id string) string   { return b.prefix + "turns:" + id }
func (b *RedisStore) reviewKey(id string) string  { return b.prefix + "review:" + id }
func (b *RedisStore) activeKey() string           { return b.prefix + "active" }

func (b *RedisStore) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// watch runs fn under WATCH on keys, retrying when another client touched
// them before EXEC. fn re-reads state on every try.
func (b *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxWatchRetries {
		err := b.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTurnConflict
}

func (b *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if b.ttl <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, b.ttl)
	}
}

func loadSession(ctx context.Context, c redis.Cmdable, key string) (*Session, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func loadTurn(ctx context.Context, c redis.Cmdable, key string, number int) (*Turn, error) {
	if number < 1 {
		return nil, ErrTurnNotFound
	}
	data, err := c.LIndex(ctx, key, int64(number-1)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTurnNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	var t Turn
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal turn: %w", err)
	}
	return &t, nil
}

func (b *RedisStore) InsertSession(ctx context.Context, s *Session) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ok, err := b.client.SetNX(ctx, b.sessionKey(s.ID), data, b.ttl).Result()
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	err = b.client.ZAdd(ctx, b.activeKey(), redis.Z{
		Score:  float64(s.UpdatedAt.UnixMilli()),
		Member: s.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (b *RedisStore) CreateSession(ctx context.Context, s *Session, first *Turn) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if err := checkNext(s.ID, 0, first); err != nil {
		return err
	}
	turn, err := json.Marshal(first)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	s = s.Clone()
	sKey, tKey := b.sessionKey(s.ID), b.turnsKey(s.ID)
	return b.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, sKey, tKey).Result()
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if n > 0 {
			return ErrSessionExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, tKey, turn)
			return b.touch(ctx, pipe, s, first.CreatedAt)
		})
		return err
	}, sKey, tKey)
}

func (b *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return loadSession(ctx, b.client, b.sessionKey(id))
}

func (b *RedisStore) UpdateSessionCompletion(ctx context.Context, id string, at time.Time) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	key := b.sessionKey(id)
	return b.watch(ctx, func(tx *redis.Tx) error {
		s, err := loadSession(ctx, tx, key)
		if err != nil {
			return err
		}
		if s.CompletedAt != nil {
			return ErrAlreadyCompleted
		}
		at := at.UTC()
		s.CompletedAt = &at
		s.UpdatedAt = at
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, b.ttl)
			pipe.ZRem(ctx, b.activeKey(), id)
			return nil
		})
		return err
	}, key)
}

// touch stages the session write and activity index update for a turn change.
func (b *RedisStore) touch(ctx context.Context, pipe redis.Pipeliner, s *Session, at time.Time) error {
	s.UpdatedAt = at.UTC()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe.Set(ctx, b.sessionKey(s.ID), data, b.ttl)
	pipe.ZAdd(ctx, b.activeKey(), redis.Z{Score: float64(s.UpdatedAt.UnixMilli()), Member: s.ID})
	b.expire(ctx, pipe, b.turnsKey(s.ID), b.reviewKey(s.ID))
	return nil
}

func (b *RedisStore) InsertTurn(ctx context.Context, t *Turn) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	sKey, tKey := b.sessionKey(t.SessionID), b.turnsKey(t.SessionID)
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	return b.watch(ctx, func(tx *redis.Tx) error {
		s, err := loadSession(ctx, tx, sKey)
		if err != nil {
			return err
		}
		if s.CompletedAt != nil {
			return ErrAlreadyCompleted
		}
		n, err := tx.LLen(ctx, tKey).Result()
		if err != nil {
			return fmt.Errorf("count turns: %w", err)
		}
		if err := checkNext(t.SessionID, int(n), t); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, tKey, data)
			return b.touch(ctx, pipe, s, t.CreatedAt)
		})
		return err
	}, sKey, tKey)
}

func (b *RedisStore) ListTurnsOrdered(ctx context.Context, sessionID string) ([]*Turn, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	n, err := b.client.Exists(ctx, b.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if n == 0 {
		return nil, ErrSessionNotFound
	}

	data, err := b.client.LRange(ctx, b.turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	turns := make([]*Turn, 0, len(data))
	for _, d := range data {
		var t Turn
		if err := json.Unmarshal([]byte(d), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, &t)
	}
	return turns, nil
}

func (b *RedisStore) AttachStudentResponse(ctx context.Context, sessionID string, number int, response string, at time.Time) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	sKey, tKey := b.sessionKey(sessionID), b.turnsKey(sessionID)
	return b.watch(ctx, func(tx *redis.Tx) error {
		s, err := loadSession(ctx, tx, sKey)
		if err != nil {
			return err
		}
		t, err := loadTurn(ctx, tx, tKey, number)
		if err != nil {
			return err
		}
		if t.StudentResponse != nil {
			return ErrResponseAlreadySet
		}
		at := at.UTC()
		t.StudentResponse = &response
		t.RespondedAt = &at
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, tKey, int64(number-1), data)
			return b.touch(ctx, pipe, s, at)
		})
		return err
	}, sKey, tKey)
}

func (b *RedisStore) CommitExchange(ctx context.Context, sessionID string, prev int, response string, next *Turn) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	sKey, tKey := b.sessionKey(sessionID), b.turnsKey(sessionID)
	nextData, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	return b.watch(ctx, func(tx *redis.Tx) error {
		s, err := loadSession(ctx, tx, sKey)
		if err != nil {
			return err
		}
		t, err := loadTurn(ctx, tx, tKey, prev)
		if err != nil {
			return err
		}
		if s.CompletedAt != nil {
			return ErrAlreadyCompleted
		}
		if t.StudentResponse != nil {
			return ErrResponseAlreadySet
		}
		n, err := tx.LLen(ctx, tKey).Result()
		if err != nil {
			return fmt.Errorf("count turns: %w", err)
		}
		if int64(prev) != n {
			return ErrTurnConflict
		}
		if err := checkNext(sessionID, int(n), next); err != nil {
			return err
		}

		at := next.CreatedAt.UTC()
		t.StudentResponse = &response
		t.RespondedAt = &at
		prevData, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, tKey, int64(prev-1), prevData)
			pipe.RPush(ctx, tKey, nextData)
			return b.touch(ctx, pipe, s, at)
		})
		return err
	}, sKey, tKey)
}

func (b *RedisStore) AttachCorrection(ctx context.Context, sessionID string, number int, c CorrectionResult) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	sKey, tKey := b.sessionKey(sessionID), b.turnsKey(sessionID)
	return b.watch(ctx, func(tx *redis.Tx) error {
		if _, err := loadSession(ctx, tx, sKey); err != nil {
			return err
		}
		t, err := loadTurn(ctx, tx, tKey, number)
		if err != nil {
			return err
		}
		if t.Correction != nil {
			return ErrCorrectionAlreadySet
		}
		corr := c.Clone()
		t.Correction = &corr
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, tKey, int64(number-1), data)
			return nil
		})
		return err
	}, tKey)
}

func (b *RedisStore) SaveReview(ctx context.Context, r *Review) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if _, err := b.GetSession(ctx, r.SessionID); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal review: %w", err)
	}
	ok, err := b.client.SetNX(ctx, b.reviewKey(r.SessionID), data, b.ttl).Result()
	if err != nil {
		return fmt.Errorf("save review: %w", err)
	}
	if !ok {
		return ErrReviewExists
	}
	return nil
}

func (b *RedisStore) GetReview(ctx context.Context, sessionID string) (*Review, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.reviewKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		if _, err := b.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	var r Review
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal review: %w", err)
	}
	return &r, nil
}

func (b *RedisStore) ListStaleSessions(ctx context.Context, idleSince time.Time, limit int) ([]*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := b.client.ZRangeByScore(ctx, b.activeKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(idleSince.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := b.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			// Expired by TTL; drop the dangling index entry.
			b.client.ZRem(ctx, b.activeKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.CompletedAt == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisStore) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the store.
func (b *RedisStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

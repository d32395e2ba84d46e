package journal

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisKey returns the Redis key for a session's journal.
func redisKey(sessionID string) string {
	return "session:" + sessionID + ":journal"
}

// redisTimeout bounds every Redis round trip.
const redisTimeout = 2 * time.Second

// RedisStore keeps journals in Redis, one sorted set per session scored by
// sequence number.
type RedisStore struct {
	client  redis.Cmdable
	maxSize int64
	logger  *zap.Logger
}

// NewRedisStore creates a RedisStore that retains up to maxSize entries per session.
func NewRedisStore(client redis.Cmdable, maxSize int, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:  client,
		maxSize: int64(maxSize),
		logger:  logger.Named("redis"),
	}
}

// Append adds an entry and trims the set to maxSize.
func (s *RedisStore) Append(e *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("failed to marshal journal entry", zap.Error(err))
		return
	}

	key := redisKey(e.SessionID)
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(e.Seq), Member: data})
	pipe.ZRemRangeByRank(ctx, key, 0, -s.maxSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("failed to append journal entry",
			zap.String("session", e.SessionID), zap.Uint64("seq", e.Seq), zap.Error(err))
	}
}

// Recent returns the last n entries for a session, oldest first.
func (s *RedisStore) Recent(sessionID string, n int) []*Entry {
	if n <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	vals, err := s.client.ZRange(ctx, redisKey(sessionID), int64(-n), -1).Result()
	if err != nil {
		s.logger.Error("failed to read recent journal entries", zap.String("session", sessionID), zap.Error(err))
		return nil
	}
	return s.decode(vals)
}

// After returns all retained entries with a sequence number above seq.
func (s *RedisStore) After(sessionID string, seq uint64) []*Entry {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	vals, err := s.client.ZRangeByScore(ctx, redisKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(seq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		s.logger.Error("failed to read journal entries", zap.String("session", sessionID), zap.Error(err))
		return nil
	}
	return s.decode(vals)
}

// DeleteSession removes a session's journal.
func (s *RedisStore) DeleteSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := s.client.Del(ctx, redisKey(sessionID)).Err(); err != nil {
		s.logger.Error("failed to delete journal", zap.String("session", sessionID), zap.Error(err))
	}
}

// Count returns the number of retained entries for a session.
func (s *RedisStore) Count(sessionID string) int {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	n, err := s.client.ZCard(ctx, redisKey(sessionID)).Result()
	if err != nil {
		s.logger.Error("failed to count journal entries", zap.String("session", sessionID), zap.Error(err))
		return 0
	}
	return int(n)
}

func (s *RedisStore) decode(vals []string) []*Entry {
	if len(vals) == 0 {
		return nil
	}
	entries := make([]*Entry, 0, len(vals))
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries
}

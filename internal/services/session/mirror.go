package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ums-aaa/internal/models"
)

const (
	RedisSessionPrefix   = "session:"
	RedisSessionsByMAC   = "sessions_by_mac:"
	RedisSessionsByUser  = "sessions_by_user:"
	defaultMirrorTTL     = 48 * time.Hour
	redisScanBatch       = 200
	redisSessionsPattern = RedisSessionPrefix + "*"
)

// Mirror keeps a copy of active sessions outside the process so a restart
// does not forget who is online.
type Mirror interface {
	Save(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, s *models.Session) error
	Load(ctx context.Context) ([]*models.Session, error)
}

// RedisMirror stores sessions as hashes with MAC and username indexes
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl == 0 {
		ttl = defaultMirrorTTL
	}
	return &RedisMirror{client: client, ttl: ttl}
}

func (m *RedisMirror) Save(ctx context.Context, s *models.Session) error {
	key := RedisSessionPrefix + s.ID

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, s.ToRedisHash())
	pipe.Expire(ctx, key, m.ttl)
	pipe.Set(ctx, RedisSessionsByMAC+s.MAC, s.ID, m.ttl)
	if s.Username != "" {
		pipe.SAdd(ctx, RedisSessionsByUser+s.Username, s.ID)
		pipe.Expire(ctx, RedisSessionsByUser+s.Username, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session to Redis: %w", err)
	}
	return nil
}

func (m *RedisMirror) Delete(ctx context.Context, s *models.Session) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, RedisSessionPrefix+s.ID)
	pipe.Del(ctx, RedisSessionsByMAC+s.MAC)
	if s.Username != "" {
		pipe.SRem(ctx, RedisSessionsByUser+s.Username, s.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	return nil
}

// Load scans all session hashes. Hashes that fail to parse are skipped.
func (m *RedisMirror) Load(ctx context.Context) ([]*models.Session, error) {
	var sessions []*models.Session
	iter := m.client.Scan(ctx, 0, redisSessionsPattern, redisScanBatch).Iterator()
	for iter.Next(ctx) {
		data, err := m.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return sessions, fmt.Errorf("failed to load %s: %w", iter.Val(), err)
		}
		s := &models.Session{}
		if err := s.FromRedisHash(data); err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	if err := iter.Err(); err != nil {
		return sessions, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pesio-ai/be-expense-approvals/internal/platform/errors"
)

const keyPrefix = "verification:company:"

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps pending records in Redis and lets key expiry enforce the
// TTL.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Put(ctx context.Context, email string, rec *PendingCompany, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode verification record")
	}
	if err := s.client.Set(ctx, keyPrefix+email, data, ttl).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to store verification record")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, email string) (*PendingCompany, error) {
	data, err := s.client.Get(ctx, keyPrefix+email).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load verification record")
	}

	var rec PendingCompany
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode verification record")
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, email string) error {
	if err := s.client.Del(ctx, keyPrefix+email).Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete verification record")
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

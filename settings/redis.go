package settings

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisHashKey is the hash holding the referral program settings.
const RedisHashKey = "referral_program"

// RedisKV stores settings as fields of one Redis hash, so an admin tool can
// flip the program with a single HSET.
type RedisKV struct {
	rdb *redis.Client
	key string
}

func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb, key: RedisHashKey}
}

func (r *RedisKV) GetSetting(ctx context.Context, field string) (string, bool, error) {
	v, err := r.rdb.HGet(ctx, r.key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisKV) PutSettings(ctx context.Context, values map[string]string) error {
	args := make([]any, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	return r.rdb.HSet(ctx, r.key, args...).Err()
}

package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/salesops-cli/pkg/amocrm"
)

// RedisStore keeps the token pair as a JSON value under one key.
type RedisStore struct {
	rdb *redis.Client
	key string
}

// NewRedis connects to the server at url (redis://...).
func NewRedis(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "redis: parse url")
	}
	return NewRedisClient(redis.NewClient(opts)), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, key: "salesops:oauth:" + tokenKey}
}

func (s *RedisStore) Load(ctx context.Context) (*amocrm.Token, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "redis: load token")
	}
	var tok amocrm.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, eris.Wrap(err, "redis: decode token")
	}
	return &tok, nil
}

func (s *RedisStore) Save(ctx context.Context, tok amocrm.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return eris.Wrap(err, "redis: encode token")
	}
	if err := s.rdb.Set(ctx, s.key, data, 0).Err(); err != nil {
		return eris.Wrap(err, "redis: save token")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

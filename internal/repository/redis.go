package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// compareAndDeleteScript deletes KEYS[1] only when its JSON record is owned
// by ARGV[1].
var compareAndDeleteScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
local ok, rec = pcall(cjson.decode, v)
if ok and type(rec) == 'table' and rec['connectionId'] == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

type RedisMirrorStore struct {
	client *redis.Client
}

func NewRedisMirrorStore(opts RedisOptions) *RedisMirrorStore {
	return &RedisMirrorStore{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       opts.DB,
		}),
	}
}

func (s *RedisMirrorStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return storeErr("redis.set", err)
	}
	return nil
}

func (s *RedisMirrorStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, storeErr("redis.get", err)
	}
	return value, nil
}

func (s *RedisMirrorStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, storeErr("redis.del", err)
	}
	return int(n), nil
}

func (s *RedisMirrorStore) CompareAndDelete(ctx context.Context, key, connectionID string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, connectionID).Int()
	if err != nil {
		return false, storeErr("redis.compare_and_delete", err)
	}
	return n > 0, nil
}

func (s *RedisMirrorStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	seen := make(map[string]struct{})
	match := escapeGlob(prefix) + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, storeErr("redis.scan", err)
		}
		// SCAN may return a key more than once.
		for _, key := range batch {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

func (s *RedisMirrorStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeErr("redis.ping", err)
	}
	return nil
}

func (s *RedisMirrorStore) Close() error {
	return s.client.Close()
}

func escapeGlob(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

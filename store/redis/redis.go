package redis

import (
	"context"
	"sort"

	"github.com/juju/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/warriorguo/agentflow/store"
)

var (
	_ store.Store = &redisStore{}
)

// Config holds Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every hash, default "agentflow"
	KeyPrefix string
}

func DefaultConfig() *Config {
	return &Config{Addr: "localhost:6379", KeyPrefix: "agentflow"}
}

/**
 * redisStore keeps every store prefix in its own hash,
 * the store key is the hash field.
 */
type redisStore struct {
	client    goredis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects and pings the server
func NewRedisStore(config *Config) (store.Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		return nil, errors.NotValidf("empty redis addr")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, errors.Annotatef(err, "failed to ping redis %s", config.Addr)
	}
	return NewRedisStoreWithClient(client, config.KeyPrefix), nil
}

// NewRedisStoreWithClient reuses an existing client
func NewRedisStoreWithClient(client goredis.UniversalClient, keyPrefix string) store.Store {
	if keyPrefix == "" {
		keyPrefix = DefaultConfig().KeyPrefix
	}
	return &redisStore{client: client, keyPrefix: keyPrefix}
}

func (r *redisStore) hashKey(prefix string) string {
	return r.keyPrefix + ":" + prefix
}

func (r *redisStore) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	b, err := r.client.HGet(ctx, r.hashKey(prefix), key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "failed to get value for prefix=%s, key=%s", prefix, key)
	}
	return b, nil
}

func (r *redisStore) Set(ctx context.Context, prefix, key string, value []byte) error {
	if err := r.client.HSet(ctx, r.hashKey(prefix), key, value).Err(); err != nil {
		return errors.Annotatef(err, "failed to set value for prefix=%s, key=%s", prefix, key)
	}
	return nil
}

func (r *redisStore) Remove(ctx context.Context, prefix, key string) error {
	if err := r.client.HDel(ctx, r.hashKey(prefix), key).Err(); err != nil {
		return errors.Annotatef(err, "failed to remove value for prefix=%s, key=%s", prefix, key)
	}
	return nil
}

func (r *redisStore) List(ctx context.Context, prefix string, iterator func(key string) bool) error {
	keys, err := r.client.HKeys(ctx, r.hashKey(prefix)).Result()
	if err != nil {
		return errors.Annotatef(err, "failed to list keys for prefix=%s", prefix)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !iterator(key) {
			break
		}
	}
	return nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

// Package redis provides a Redis-based implementation of the storage interface,
// for deployments where several replicas share user memory.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/contextd/contextd/pkg/storage"
	"github.com/redis/go-redis/v9"
)

// Config holds configuration for RedisStorage.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStorage implements the Storage interface on top of plain string keys.
type RedisStorage struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, config *Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	s := NewWithClient(client, config.KeyPrefix)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.Cmdable, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = "contextd"
	}
	return &RedisStorage{client: client, prefix: keyPrefix}
}

// Key layout: {prefix}:doc:{namespace}:{key}
func (r *RedisStorage) nsPrefix(namespace string) string {
	return fmt.Sprintf("%s:doc:%s:", r.prefix, namespace)
}

func (r *RedisStorage) docKey(namespace, key string) string {
	return r.nsPrefix(namespace) + key
}

// Get retrieves a document.
func (r *RedisStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.docKey(namespace, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &storage.NotFoundError{Namespace: namespace, Key: key}
		}
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return data, nil
}

// Put stores a document without expiry.
func (r *RedisStorage) Put(ctx context.Context, namespace, key string, value []byte) error {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.docKey(namespace, key), value, 0).Err(); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Delete removes a document.
func (r *RedisStorage) Delete(ctx context.Context, namespace, key string) error {
	if err := r.client.Del(ctx, r.docKey(namespace, key)).Err(); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// List scans for keys with the given prefix. SCAN may return a key more
// than once, so results are de-duplicated before sorting.
func (r *RedisStorage) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	nsPrefix := r.nsPrefix(namespace)
	match := escapeGlob(nsPrefix+prefix) + "*"

	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, &storage.StorageUnavailableError{Cause: err}
		}
		for _, k := range keys {
			seen[strings.TrimPrefix(k, nsPrefix)] = struct{}{}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Ping checks the connection.
func (r *RedisStorage) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Close closes the underlying client when it owns one.
func (r *RedisStorage) Close() error {
	if c, ok := r.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

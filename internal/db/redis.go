package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisOptions configures the redis-backed Backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix is prepended to every namespace hash, e.g. "lattice:".
	KeyPrefix string
}

// RedisBackend stores each namespace as one redis hash. Field order is not
// kept by redis, so List sorts on the way out.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, opts RedisOptions, log logrus.FieldLogger) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	log.WithField("addr", opts.Addr).Info("redis connected")
	return NewRedisFromClient(client, opts.KeyPrefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: keyPrefix}
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) Namespace(name string) Store {
	return &redisStore{client: r.client, key: r.prefix + name}
}

func (r *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	iter := r.client.Scan(ctx, 0, escapeGlob(r.prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.HLen(ctx, iter.Val()).Result()
		if err != nil {
			return stats, err
		}
		if n == 0 {
			continue
		}
		stats.Namespaces++
		stats.Records += int(n)
	}
	return stats, iter.Err()
}

type redisStore struct {
	client *redis.Client
	key    string
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.HGet(ctx, s.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *redisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.client.HSet(ctx, s.key, key, value).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.HDel(ctx, s.key, key).Err()
}

func (s *redisStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	iter := s.client.HScan(ctx, s.key, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		field := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		entries = append(entries, Entry{Key: field, Value: []byte(iter.Val())})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *redisStore) DeleteAll(ctx context.Context, prefix string) error {
	if prefix == "" {
		return s.client.Del(ctx, s.key).Err()
	}

	entries, err := s.List(ctx, prefix)
	if err != nil || len(entries) == 0 {
		return err
	}

	fields := make([]string, len(entries))
	for i, e := range entries {
		fields[i] = e.Key
	}
	return s.client.HDel(ctx, s.key, fields...).Err()
}

// escapeGlob quotes the characters redis MATCH patterns treat specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

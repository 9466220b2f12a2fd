// Package redis stores per-user credentials in Redis hashes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store keeps one hash per user at <prefix>:config:<user> plus the set of
// known users at <prefix>:users.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "scrapper"
	}
	return &Store{client: client, prefix: prefix}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%s:config:%s", s.prefix, userID)
}

func (s *Store) usersKey() string {
	return s.prefix + ":users"
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, userID, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.userKey(userID), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s: %w", key, err)
	}
	return v, true, nil
}

// GetAll returns every entry for userID.
func (s *Store) GetAll(ctx context.Context, userID string) (map[string]string, error) {
	out, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	return out, nil
}

// Set merges entries into the user's hash.
func (s *Store) Set(ctx context.Context, userID string, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	values := make(map[string]any, len(entries))
	for k, v := range entries {
		values[k] = v
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.userKey(userID), values)
	pipe.SAdd(ctx, s.usersKey(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set credentials: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, userID, key string) error {
	if err := s.client.HDel(ctx, s.userKey(userID), key).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

// DeleteAll removes the user entirely.
func (s *Store) DeleteAll(ctx context.Context, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.userKey(userID))
	pipe.SRem(ctx, s.usersKey(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// Users lists every known user id in sorted order.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

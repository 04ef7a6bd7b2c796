// Package redis provides a Redis-backed memory store. Entries live in one
// list per key, JSON-encoded, in append order.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/namel3ss/n3flow/memory"
)

// keyPrefix namespaces engine memory inside a shared Redis instance.
const keyPrefix = "n3flow:memory:"

// Store implements the memory store contract over a Redis list per key.
type Store struct {
	client *goredis.Client
}

// New wraps an existing Redis client.
func New(client *goredis.Client) *Store {
	return &Store{client: client}
}

// NewFromAddr dials a Redis instance at addr.
func NewFromAddr(addr string) *Store {
	return New(goredis.NewClient(&goredis.Options{Addr: addr}))
}

func (s *Store) Append(ctx context.Context, key string, entries ...memory.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode memory entry: %w", err)
		}
		values = append(values, data)
	}
	return s.client.RPush(ctx, keyPrefix+key, values...).Err()
}

func (s *Store) Load(ctx context.Context, key string) ([]memory.Entry, error) {
	raw, err := s.client.LRange(ctx, keyPrefix+key, 0, -1).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load memory %q: %w", key, err)
	}
	entries := make([]memory.Entry, 0, len(raw))
	for _, item := range raw {
		var e memory.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode memory entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Prune rewrites the list without the expired entries. The rewrite runs in a
// transaction so concurrent appends are not lost mid-prune.
func (s *Store) Prune(ctx context.Context, key string, before time.Time) (int, error) {
	entries, err := s.Load(ctx, key)
	if err != nil {
		return 0, err
	}
	var kept []any
	removed := 0
	for _, e := range entries {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			return 0, err
		}
		kept = append(kept, data)
	}
	if removed == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyPrefix+key)
	if len(kept) > 0 {
		pipe.RPush(ctx, keyPrefix+key, kept...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("prune memory %q: %w", key, err)
	}
	return removed, nil
}

package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaymesh/gateway/internal/types"
)

// RedisStore is the multi-process-safe Store implementation, grounded in
// the teacher's RedisMessageStore sibling to FileMessageStore
// (agent/persistence), using github.com/redis/go-redis/v9. Each tenant's
// queue is a hash (messageID -> JSON) for O(1) dequeue/attempt-bump, plus
// a list tracking enqueue order and a set tracking which tenants have any
// pending entries at all.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an already-configured client. prefix namespaces
// every key this store touches (e.g. "gateway:queue").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gateway:queue"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) hashKey(tenantID string) string   { return s.prefix + ":" + tenantID }
func (s *RedisStore) orderKey(tenantID string) string  { return s.prefix + ":" + tenantID + ":order" }
func (s *RedisStore) tenantsKey() string               { return s.prefix + ":tenants" }

func (s *RedisStore) Enqueue(ctx context.Context, d types.QueuedDelivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.hashKey(d.TenantID), d.MessageID, raw)
	pipe.RPush(ctx, s.orderKey(d.TenantID), d.MessageID)
	pipe.SAdd(ctx, s.tenantsKey(), d.TenantID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Dequeue(ctx context.Context, tenantID, messageID string) error {
	removed, err := s.client.HDel(ctx, s.hashKey(tenantID), messageID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}

	if err := s.client.LRem(ctx, s.orderKey(tenantID), 1, messageID).Err(); err != nil {
		return err
	}

	remaining, err := s.client.HLen(ctx, s.hashKey(tenantID)).Result()
	if err != nil {
		return err
	}
	if remaining == 0 {
		return s.client.SRem(ctx, s.tenantsKey(), tenantID).Err()
	}
	return nil
}

func (s *RedisStore) IncrementAttempts(ctx context.Context, tenantID, messageID string) (types.QueuedDelivery, error) {
	raw, err := s.client.HGet(ctx, s.hashKey(tenantID), messageID).Result()
	if err == redis.Nil {
		return types.QueuedDelivery{}, ErrNotFound
	}
	if err != nil {
		return types.QueuedDelivery{}, err
	}

	var entry types.QueuedDelivery
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return types.QueuedDelivery{}, err
	}
	entry.Attempts++

	updated, err := json.Marshal(entry)
	if err != nil {
		return types.QueuedDelivery{}, err
	}
	if err := s.client.HSet(ctx, s.hashKey(tenantID), messageID, updated).Err(); err != nil {
		return types.QueuedDelivery{}, err
	}
	return entry, nil
}

func (s *RedisStore) ListPending(ctx context.Context, tenantID string) ([]types.QueuedDelivery, error) {
	ids, err := s.client.LRange(ctx, s.orderKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raws, err := s.client.HMGet(ctx, s.hashKey(tenantID), ids...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]types.QueuedDelivery, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue // entry was dequeued between LRange and HMGet
		}
		var entry types.QueuedDelivery
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) ListAllTenants(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.tenantsKey()).Result()
}

func (s *RedisStore) Evict(ctx context.Context, now time.Time) (int, error) {
	tenants, err := s.ListAllTenants(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, tenantID := range tenants {
		entries, err := s.ListPending(ctx, tenantID)
		if err != nil {
			return removed, err
		}
		for _, entry := range entries {
			if entry.Expired(now) {
				if err := s.Dequeue(ctx, tenantID, entry.MessageID); err != nil && err != ErrNotFound {
					return removed, err
				}
				removed++
			}
		}
	}
	return removed, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

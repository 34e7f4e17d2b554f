// Package queue implements the Inbound Delivery Queue (spec.md §4.5): a
// durable holding area for normalized inbound messages the Webhook
// Forwarder couldn't deliver yet, bounded by a per-entry attempt cap and
// TTL (spec.md §3, §8). Two Store implementations are provided, grounded
// in the teacher's agent/persistence package: FileStore (single JSON
// file, default) and RedisStore (github.com/redis/go-redis/v9).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/relaymesh/gateway/internal/types"
)

// ErrClosed is returned by any operation on a Store that has been closed.
var ErrClosed = errors.New("queue: store closed")

// ErrNotFound is returned by Dequeue/IncrementAttempts for an unknown entry.
var ErrNotFound = errors.New("queue: entry not found")

// Store is the durable backing for the Inbound Delivery Queue. All
// methods must be safe for concurrent use.
type Store interface {
	// Enqueue persists a new delivery. QueuedAt and Attempts are taken
	// as given by the caller (the Webhook Forwarder sets QueuedAt to the
	// time of first failure and Attempts to 0).
	Enqueue(ctx context.Context, delivery types.QueuedDelivery) error

	// Dequeue removes an entry after successful delivery.
	Dequeue(ctx context.Context, tenantID, messageID string) error

	// IncrementAttempts bumps an entry's attempt counter after a failed
	// retry, returning the updated entry.
	IncrementAttempts(ctx context.Context, tenantID, messageID string) (types.QueuedDelivery, error)

	// ListPending returns every entry for a tenant, in the order they
	// were enqueued (spec.md §8's ordering property).
	ListPending(ctx context.Context, tenantID string) ([]types.QueuedDelivery, error)

	// ListAllTenants returns every tenant with at least one pending entry,
	// for a process-wide drain sweep.
	ListAllTenants(ctx context.Context) ([]string, error)

	// Evict removes every entry that has exceeded its attempt budget or
	// TTL (types.QueuedDelivery.Expired) and returns how many were removed.
	Evict(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// Package kv wraps the hot-state/rate-limit KV engine connection (Dragonfly,
// Redis-protocol compatible). It is the sole owner of hot-state keys,
// rate-limiter buckets, and cross-replica circuit-breaker state (spec §5).
package kv

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"batchsender/internal/store"
)

type Client struct {
	*redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kv engine URL: %w", err)
	}

	opts.PoolSize = 20
	opts.MinIdleConns = 5
	opts.ConnMaxLifetime = 1 * time.Hour

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping kv engine: %w", err)
	}

	return &Client{Client: client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Nil is the sentinel error go-redis returns for a missing key, re-exported
// so callers don't need to import go-redis directly just to compare errors.
func Nil() error {
	return redis.Nil
}

// MemoryStats reports used/max bytes for the backpressure check (spec
// §4.3.4). maxBytes is read from "maxmemory"; if the engine reports 0 (no
// configured cap), used/0 is treated as "unavailable" by the caller.
type MemoryStats struct {
	UsedBytes int64
	MaxBytes  int64
}

func (c *Client) MemoryStats(ctx context.Context) (MemoryStats, error) {
	info, err := c.Info(ctx, "memory").Result()
	if err != nil {
		return MemoryStats{}, fmt.Errorf("failed to read kv engine memory info: %w", err)
	}
	used := parseInfoInt(info, "used_memory:")
	max := parseInfoInt(info, "maxmemory:")
	return MemoryStats{UsedBytes: used, MaxBytes: max}, nil
}

// providerIndexCacheTTL bounds how long a provider-message-id index entry
// stays cached before enrichment must fall back to the durable store (spec
// §4.10 step 2b "cache-first, then durable store").
const providerIndexCacheTTL = 72 * time.Hour

func providerIndexKey(providerMessageID string) string {
	return "hotstate:provider_idx:" + providerMessageID
}

// CacheProviderIndexEntry populates the read-through cache in front of
// store.LookupProviderMessageID, written by C8 alongside the durable-store
// insert (spec §4.8 step 7) and read by C10 enrichment before it ever
// touches Postgres. Grounded on the cache-first lookup idiom the teacher's
// idempotency store used for Redis-then-durable-store reads.
func (c *Client) CacheProviderIndexEntry(ctx context.Context, e store.ProviderIndexEntry) error {
	key := providerIndexKey(e.ProviderMessageID)
	pipe := c.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"batch_id":     e.BatchID.String(),
		"recipient_id": e.RecipientID.String(),
		"user_id":      e.UserID.String(),
	})
	pipe.Expire(ctx, key, providerIndexCacheTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// LookupProviderIndexEntry reads the cache tier; found=false on a miss (not
// an error), so callers fall back to the durable store.
func (c *Client) LookupProviderIndexEntry(ctx context.Context, providerMessageID string) (entry store.ProviderIndexEntry, found bool, err error) {
	res, err := c.HGetAll(ctx, providerIndexKey(providerMessageID)).Result()
	if err != nil {
		return store.ProviderIndexEntry{}, false, err
	}
	if len(res) == 0 {
		return store.ProviderIndexEntry{}, false, nil
	}
	batchID, err1 := uuid.Parse(res["batch_id"])
	recipientID, err2 := uuid.Parse(res["recipient_id"])
	userID, err3 := uuid.Parse(res["user_id"])
	if err1 != nil || err2 != nil || err3 != nil {
		return store.ProviderIndexEntry{}, false, nil
	}
	return store.ProviderIndexEntry{
		ProviderMessageID: providerMessageID,
		BatchID:           batchID,
		RecipientID:       recipientID,
		UserID:            userID,
	}, true, nil
}

func parseInfoInt(info, key string) int64 {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, key); ok {
			n, _ := strconv.ParseInt(rest, 10, 64)
			return n
		}
	}
	return 0
}

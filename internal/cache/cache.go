// Package cache wraps the key-value cache (Redis) client used for
// ingestion dedup, rule cooldowns, meter liveness, region load snapshots
// and the current-tariff cache, generalizing the teacher's use of
// *redis.Client (lib/cyclone/cyclone.go) from a threshold-lookup cache to
// these gridflow keyspaces, per spec §4.3.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	meterLastSeenTTL = time.Hour
	regionLoadTTL    = 5 * time.Minute
	overloadWindowTTL = 10 * time.Minute
	activeAlertTTL   = 5 * time.Minute
	readingDedupTTL  = 60 * time.Second
)

// Cache is the C3 key-value cache client.
type Cache struct {
	rdb *redis.Client
	log *logrus.Entry
}

// New connects to url (e.g. "redis://host:6379/0").
func New(url string, log *logrus.Entry) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	return &Cache{rdb: rdb, log: log}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error { return c.rdb.Close() }

// SetIfAbsent atomically sets key to val with ttl iff it did not already
// exist (the cache's native SETNX-equivalent, never get-then-set), per
// the spec's design note. Returns true iff this call newly set the key.
func (c *Cache) SetIfAbsent(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: setnx %s: %w", key, err)
	}
	return ok, nil
}

// DedupReading performs the ingestion idempotence check: returns true iff
// the reading is new. On cache unavailability it fails open (treats the
// reading as new) so ingestion keeps flowing, per spec §4.3.
func (c *Cache) DedupReading(ctx context.Context, dedupKey string) (isNew bool) {
	ok, err := c.SetIfAbsent(ctx, "reading:"+dedupKey, "1", readingDedupTTL)
	if err != nil {
		c.log.WithError(err).Warn("dedup check failed open (cache unavailable)")
		return true
	}
	return ok
}

// CheckCooldown reports whether key is currently under cooldown. It
// fails closed: if the cache is unreachable, it reports true (on
// cooldown) so the caller skips alerting rather than risk a duplicate.
func (c *Cache) CheckCooldown(ctx context.Context, key string) (onCooldown bool) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		c.log.WithError(err).Warn("cooldown check failed closed (cache unavailable)")
		return true
	}
	return n > 0
}

// SetCooldown marks key under cooldown for ttl. Errors are logged; a
// failure here can only cause an extra alert, not a crash.
func (c *Cache) SetCooldown(ctx context.Context, key string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, "1", ttl).Err(); err != nil {
		c.log.WithError(err).Warn("failed to set cooldown marker")
	}
}

// GetMeterLastSeen returns the last-seen time for meterID, or zero if
// unknown.
func (c *Cache) GetMeterLastSeen(ctx context.Context, meterID string) (time.Time, bool, error) {
	v, err := c.rdb.Get(ctx, "last_seen:"+meterID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cache: get last_seen: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// UpdateMeterLastSeen refreshes the liveness marker for meterID with a
// 1-hour TTL, per spec §4.4 ("asynchronously refresh last_seen").
func (c *Cache) UpdateMeterLastSeen(ctx context.Context, meterID, region string, at time.Time) error {
	_ = region
	if err := c.rdb.Set(ctx, "last_seen:"+meterID, at.UTC().Format(time.RFC3339Nano), meterLastSeenTTL).Err(); err != nil {
		return fmt.Errorf("cache: update last_seen: %w", err)
	}
	return nil
}

// GetRegionLoad returns the last-known load percentage for region.
func (c *Cache) GetRegionLoad(ctx context.Context, region string) (float64, bool, error) {
	v, err := c.rdb.Get(ctx, "region_load:"+region).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache: get region_load: %w", err)
	}
	return v, true, nil
}

// UpdateRegionLoad stores the latest load percentage for region with a
// 5-minute TTL.
func (c *Cache) UpdateRegionLoad(ctx context.Context, region string, loadPct float64) error {
	if err := c.rdb.Set(ctx, "region_load:"+region, loadPct, regionLoadTTL).Err(); err != nil {
		return fmt.Errorf("cache: update region_load: %w", err)
	}
	return nil
}

// SortedAdd records one timestamped occurrence (e.g. an overload minute)
// in the region's sorted set, scored by Unix seconds.
func (c *Cache) SortedAdd(ctx context.Context, region string, at time.Time) error {
	key := "overload_windows:" + region
	score := float64(at.Unix())
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: score}).Err(); err != nil {
		return fmt.Errorf("cache: zadd overload_windows: %w", err)
	}
	return c.rdb.Expire(ctx, key, overloadWindowTTL).Err()
}

// CountInRange counts sorted-set members scored within [from, to], used
// to detect consecutive overload minutes.
func (c *Cache) CountInRange(ctx context.Context, region string, from, to time.Time) (int64, error) {
	key := "overload_windows:" + region
	n, err := c.rdb.ZCount(ctx, key, fmt.Sprintf("%d", from.Unix()), fmt.Sprintf("%d", to.Unix())).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: zcount overload_windows: %w", err)
	}
	return n, nil
}

// TrimByScore drops sorted-set members scored below before, bounding the
// window's memory footprint.
func (c *Cache) TrimByScore(ctx context.Context, region string, before time.Time) error {
	key := "overload_windows:" + region
	return c.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", before.Unix())).Err()
}

// SetTariff caches the current price for region with no expiry (the
// store row is the durable source of truth; the cache mirrors it).
func (c *Cache) SetTariff(ctx context.Context, region string, pricePerKwh float64) error {
	if err := c.rdb.Set(ctx, "tariff:"+region, pricePerKwh, 0).Err(); err != nil {
		return fmt.Errorf("cache: set tariff: %w", err)
	}
	return nil
}

// GetTariff returns the cached current price for region.
func (c *Cache) GetTariff(ctx context.Context, region string) (float64, bool, error) {
	v, err := c.rdb.Get(ctx, "tariff:"+region).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache: get tariff: %w", err)
	}
	return v, true, nil
}

// Preload seeds the tariff cache in bulk on engine start.
func (c *Cache) Preload(ctx context.Context, prices map[string]float64) error {
	pipe := c.rdb.Pipeline()
	for region, price := range prices {
		pipe.Set(ctx, "tariff:"+region, price, 0)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("cache: preload tariffs: %w", err)
	}
	return nil
}

// ActiveAlertDedup fails closed: it reports whether this is the first
// engine to claim the logical alert within the TTL window. On cache
// unavailability it reports false (treat as already claimed) so two
// engines never both publish.
func (c *Cache) ActiveAlertDedup(ctx context.Context, key string) bool {
	ok, err := c.SetIfAbsent(ctx, "active_alert:"+key, "1", activeAlertTTL)
	if err != nil {
		c.log.WithError(err).Warn("active-alert dedup failed closed (cache unavailable)")
		return false
	}
	return ok
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// RateCache implements domain.RateCache using Redis hashes.
// Each asset's rate is stored as a hash at key "rate:{oracleKey}" with fields
// "rate" and "ts" (Unix nanosecond timestamp).
type RateCache struct {
	rdb *redis.Client
}

// NewRateCache creates a RateCache backed by the given Client.
func NewRateCache(c *Client) *RateCache {
	return &RateCache{rdb: c.Underlying()}
}

func rateKey(oracleKey string) string {
	return "rate:" + oracleKey
}

// SetRate stores the latest rate and observation time for an asset.
func (rc *RateCache) SetRate(ctx context.Context, rate domain.OracleRate) error {
	fields := map[string]interface{}{
		"rate": rate.Rate.String(),
		"ts":   strconv.FormatInt(rate.UpdatedAt.UnixNano(), 10),
	}
	if err := rc.rdb.HSet(ctx, rateKey(rate.Key), fields).Err(); err != nil {
		return fmt.Errorf("redis: set rate %s: %w", rate.Key, err)
	}
	return nil
}

// GetRate retrieves the latest rate for an asset. It returns
// domain.ErrNotFound when the key does not exist.
func (rc *RateCache) GetRate(ctx context.Context, key string) (domain.OracleRate, error) {
	vals, err := rc.rdb.HGetAll(ctx, rateKey(key)).Result()
	if err != nil {
		return domain.OracleRate{}, fmt.Errorf("redis: get rate %s: %w", key, err)
	}
	return parseRate(key, vals)
}

func parseRate(key string, vals map[string]string) (domain.OracleRate, error) {
	if len(vals) == 0 {
		return domain.OracleRate{}, domain.ErrNotFound
	}

	rateStr, ok := vals["rate"]
	if !ok {
		return domain.OracleRate{}, domain.ErrNotFound
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return domain.OracleRate{}, fmt.Errorf("redis: parse rate %s: %w", key, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.OracleRate{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.OracleRate{}, fmt.Errorf("redis: parse ts %s: %w", key, err)
	}

	return domain.OracleRate{Key: key, Rate: rate, UpdatedAt: time.Unix(0, tsNano)}, nil
}

// GetRates retrieves the latest rates for multiple assets using a pipeline.
// Assets whose keys do not exist are silently omitted from the result map.
func (rc *RateCache) GetRates(ctx context.Context, keys []string) (map[string]domain.OracleRate, error) {
	if len(keys) == 0 {
		return map[string]domain.OracleRate{}, nil
	}

	pipe := rc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(keys))
	for _, key := range keys {
		cmds[key] = pipe.HGetAll(ctx, rateKey(key))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get rates pipeline: %w", err)
	}

	out := make(map[string]domain.OracleRate, len(keys))
	for key, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		rate, err := parseRate(key, vals)
		if err != nil {
			continue
		}
		out[key] = rate
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.RateCache = (*RateCache)(nil)

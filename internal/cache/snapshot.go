package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/poolyield/internal/model"
)

// SnapshotCache хранит срезы пулов в хешах "pool:snapshot:{address}" с полями tvl, fees_24h и ts.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache создаёт кэш срезов с указанным временем жизни записей.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: c.rdb, ttl: ttl}
}

func snapshotKey(poolAddress string) string {
	return "pool:snapshot:" + strings.ToLower(poolAddress)
}

func encodeSnapshot(s model.PoolSnapshot) map[string]any {
	return map[string]any{
		"tvl":      s.TotalValueLocked.String(),
		"fees_24h": s.Fees24h.String(),
		"ts":       strconv.FormatInt(s.FetchedAt.UnixNano(), 10),
	}
}

func decodeSnapshot(poolAddress string, vals map[string]string) (*model.PoolSnapshot, error) {
	tvl, err := decimal.NewFromString(vals["tvl"])
	if err != nil {
		return nil, fmt.Errorf("parse tvl: %w", err)
	}
	fees, err := decimal.NewFromString(vals["fees_24h"])
	if err != nil {
		return nil, fmt.Errorf("parse fees: %w", err)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse ts: %w", err)
	}

	return &model.PoolSnapshot{
		PoolAddress:      poolAddress,
		TotalValueLocked: tvl,
		Fees24h:          fees,
		FetchedAt:        time.Unix(0, ts).UTC(),
	}, nil
}

// Get возвращает срез из кэша или nil, если записи нет.
func (c *SnapshotCache) Get(ctx context.Context, poolAddress string) (*model.PoolSnapshot, error) {
	vals, err := c.rdb.HGetAll(ctx, snapshotKey(poolAddress)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get snapshot %s: %w", poolAddress, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return decodeSnapshot(poolAddress, vals)
}

// Set сохраняет срез в кэше.
func (c *SnapshotCache) Set(ctx context.Context, s model.PoolSnapshot) error {
	key := snapshotKey(s.PoolAddress)

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, encodeSnapshot(s))
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set snapshot %s: %w", s.PoolAddress, err)
	}
	return nil
}

package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/poolyield/internal/model"
)

// DefaultBackoff задаёт паузу после ответа 429 без заголовка Retry-After.
const DefaultBackoff = 5 * time.Second

// SnapshotSource возвращает свежий срез пула.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, poolAddress string) (*model.PoolSnapshot, time.Duration, error)
}

// SnapshotCache хранит ранее полученные срезы.
type SnapshotCache interface {
	Get(ctx context.Context, poolAddress string) (*model.PoolSnapshot, error)
	Set(ctx context.Context, s model.PoolSnapshot) error
}

// Estimator отдаёт срезы пулов, используя кэш перед обращением к источнику.
// После ограничения частоты источник не опрашивается по этому пулу до истечения Retry-After.
type Estimator struct {
	source SnapshotSource
	cache  SnapshotCache
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	blockedUntil map[string]time.Time
}

// NewEstimator создаёт Estimator. cache может быть nil.
func NewEstimator(source SnapshotSource, cache SnapshotCache, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{
		source:       source,
		cache:        cache,
		logger:       logger,
		now:          time.Now,
		blockedUntil: make(map[string]time.Time),
	}
}

// GetSnapshot возвращает срез пула или nil, если данных нет.
func (e *Estimator) GetSnapshot(ctx context.Context, poolAddress string) (*model.PoolSnapshot, error) {
	if e.cache != nil {
		snap, err := e.cache.Get(ctx, poolAddress)
		if err != nil {
			e.logger.Warn("pool snapshot cache read failed", zap.String("pool", poolAddress), zap.Error(err))
		} else if snap != nil {
			return snap, nil
		}
	}

	if until, ok := e.backoff(poolAddress); ok {
		return nil, fmt.Errorf("%w: pool %s until %s", ErrRateLimited, poolAddress, until.Format(time.RFC3339))
	}

	snap, retryAfter, err := e.source.GetSnapshot(ctx, poolAddress)
	if errors.Is(err, ErrRateLimited) {
		if retryAfter <= 0 {
			retryAfter = DefaultBackoff
		}
		e.block(poolAddress, retryAfter)
		e.logger.Info("pool data rate limited",
			zap.String("pool", poolAddress),
			zap.Duration("retry_after", retryAfter),
		)
	}
	if err != nil || snap == nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, *snap); err != nil {
			e.logger.Warn("pool snapshot cache write failed", zap.String("pool", poolAddress), zap.Error(err))
		}
	}

	return snap, nil
}

func (e *Estimator) backoff(poolAddress string) (time.Time, bool) {
	key := strings.ToLower(poolAddress)

	e.mu.Lock()
	defer e.mu.Unlock()

	until, ok := e.blockedUntil[key]
	if !ok {
		return time.Time{}, false
	}
	if !e.now().Before(until) {
		delete(e.blockedUntil, key)
		return time.Time{}, false
	}
	return until, true
}

func (e *Estimator) block(poolAddress string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.blockedUntil[strings.ToLower(poolAddress)] = e.now().Add(d)
}

// Package referral пересчитывает реферальные вознаграждения по начислениям приглашённых кошельков.
package referral

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/poolyield/internal/metrics"
	"github.com/mmeshcher/poolyield/internal/model"
)

// CommissionRate задаёт долю начисления приглашённого кошелька, зачисляемую рефереру.
var CommissionRate = decimal.RequireFromString("0.01")

const defaultConcurrency = 8

// Store описывает хранилище, используемое агрегатором.
type Store interface {
	ListReferredWallets(ctx context.Context, referrerID string) ([]model.ReferredWallet, error)
	ListWalletPositionFees(ctx context.Context, walletAddress string) ([]model.PositionFee, error)
	SetEarnedRewards(ctx context.Context, walletID string, amount decimal.Decimal) error
}

// Result содержит итог одного прохода агрегации.
type Result struct {
	ReferredCount int
	ActiveCount   int
	TotalRewards  decimal.Decimal
	// Failures содержит идентификаторы кошельков, обработка которых завершилась ошибкой.
	Failures    []string
	Diagnostics int
}

// Stats строит сводку по рефералам из результата агрегации.
func Stats(res Result) model.ReferralStats {
	stats := model.ReferralStats{
		TotalReferred:  res.ReferredCount,
		ActiveUsers:    res.ActiveCount,
		TotalRewards:   res.TotalRewards,
		CompletionRate: decimal.Zero,
	}
	if res.ReferredCount > 0 {
		stats.CompletionRate = decimal.NewFromInt(int64(res.ActiveCount)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(res.ReferredCount)))
	}
	return stats
}

// Aggregator пересчитывает вознаграждения кошельков реферера.
type Aggregator struct {
	store       Store
	logger      *zap.Logger
	concurrency int
}

// NewAggregator создаёт агрегатор. concurrency ограничивает число одновременно обрабатываемых кошельков.
func NewAggregator(store Store, logger *zap.Logger, concurrency int) *Aggregator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:       store,
		logger:      logger,
		concurrency: concurrency,
	}
}

type walletOutcome struct {
	reward      decimal.Decimal
	diagnostics int
}

// Recompute полностью пересчитывает earnedRewards всех кошельков реферера.
// Ошибки отдельных кошельков не прерывают проход и попадают в Result.Failures.
func (a *Aggregator) Recompute(ctx context.Context, referrerID string) (Result, error) {
	wallets, err := a.store.ListReferredWallets(ctx, referrerID)
	if err != nil {
		metrics.Get().AggregationRuns.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("list referred wallets: %w", err)
	}

	res := Result{
		ReferredCount: len(wallets),
		TotalRewards:  decimal.Zero,
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(a.concurrency)

	for _, w := range wallets {
		if w.Status == model.ReferredWalletActive {
			res.ActiveCount++
		}

		g.Go(func() error {
			out, err := a.processWallet(ctx, w)

			mu.Lock()
			defer mu.Unlock()

			res.Diagnostics += out.diagnostics
			if err != nil {
				a.logger.Warn("referred wallet aggregation failed",
					zap.String("referrer_id", referrerID),
					zap.String("wallet_id", w.ID),
					zap.Error(err),
				)
				res.Failures = append(res.Failures, w.ID)
				res.TotalRewards = res.TotalRewards.Add(w.EarnedRewards)
				return nil
			}
			res.TotalRewards = res.TotalRewards.Add(out.reward)
			return nil
		})
	}

	_ = g.Wait()
	sort.Strings(res.Failures)

	m := metrics.Get()
	m.AggregationFailed.Add(float64(len(res.Failures)))
	m.MalformedFeeValues.Add(float64(res.Diagnostics))
	if len(res.Failures) > 0 {
		m.AggregationRuns.WithLabelValues("partial").Inc()
	} else {
		m.AggregationRuns.WithLabelValues("ok").Inc()
	}
	m.ReferrerRewards.WithLabelValues(referrerID).Set(res.TotalRewards.InexactFloat64())

	return res, nil
}

func (a *Aggregator) processWallet(ctx context.Context, w model.ReferredWallet) (walletOutcome, error) {
	var out walletOutcome

	fees, err := a.store.ListWalletPositionFees(ctx, w.WalletAddress)
	if err != nil {
		return out, fmt.Errorf("list position fees: %w", err)
	}

	total := decimal.Zero
	for _, f := range fees {
		if !f.Status.EarnsCommission() {
			continue
		}
		v, err := parseFee(f.Accrued)
		if err != nil {
			out.diagnostics++
			a.logger.Warn("accrued value treated as zero",
				zap.String("wallet_id", w.ID),
				zap.String("position_id", f.PositionID),
				zap.Error(err),
			)
			continue
		}
		total = total.Add(v)
	}

	reward := total.Mul(CommissionRate)
	out.reward = reward

	// Нулевой результат записывается только поверх ненулевого устаревшего значения.
	if total.IsPositive() || !w.EarnedRewards.IsZero() {
		if err := a.store.SetEarnedRewards(ctx, w.ID, reward); err != nil {
			out.reward = w.EarnedRewards
			return out, fmt.Errorf("set earned rewards: %w", err)
		}
	}

	return out, nil
}

func parseFee(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: missing value", model.ErrMalformedFeeValue)
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", model.ErrMalformedFeeValue, raw)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative value %s", model.ErrMalformedFeeValue, s)
	}
	return v, nil
}

// Package service реализует бизнес-логику сервиса начисления доходности.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/poolyield/internal/accrual"
	"github.com/mmeshcher/poolyield/internal/cache"
	"github.com/mmeshcher/poolyield/internal/metrics"
	"github.com/mmeshcher/poolyield/internal/model"
	"github.com/mmeshcher/poolyield/internal/penalty"
	"github.com/mmeshcher/poolyield/internal/referral"
	"github.com/mmeshcher/poolyield/internal/repository"
	"github.com/mmeshcher/poolyield/internal/validation"
)

var (
	// ErrInvalidAmount возвращается для неположительной суммы вывода.
	ErrInvalidAmount = errors.New("withdrawal amount must be positive")
	// ErrInvalidAddress возвращается для строки, не являющейся адресом кошелька.
	ErrInvalidAddress = errors.New("invalid wallet address")
	// ErrEmptyTransactionReference возвращается при подтверждении вывода без ссылки на транзакцию.
	ErrEmptyTransactionReference = errors.New("transaction reference is required")
)

const (
	finalizeBatchSize  = 100
	defaultConcurrency = 8
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	referral.Store

	Close() error
	GetPosition(ctx context.Context, id string) (model.Position, error)
	ListPositionsToFinalize(ctx context.Context, now time.Time, limit int) ([]model.Position, error)
	ListActiveWalletPositions(ctx context.Context, walletAddress string) ([]model.Position, error)
	RaiseCachedAccrued(ctx context.Context, id string, value decimal.Decimal) error
	FinalizePosition(ctx context.Context, id string, accrued decimal.Decimal, expectedVersion int64) error
	CommitWithdrawal(ctx context.Context, w model.WithdrawalRecord, upd repository.PositionUpdate) (model.WithdrawalRecord, error)
	RecordRejectedWithdrawal(ctx context.Context, w model.WithdrawalRecord) (model.WithdrawalRecord, error)
	GetWithdrawalByKey(ctx context.Context, key string) (model.WithdrawalRecord, error)
	ListWithdrawalsByPosition(ctx context.Context, positionID string) ([]model.WithdrawalRecord, error)
	SettleWithdrawal(ctx context.Context, id, txRef string) (model.WithdrawalRecord, error)
	GetReferrer(ctx context.Context, id string) (model.Referrer, error)
	ListReferrerIDs(ctx context.Context) ([]string, error)
	EnrollReferredWallet(ctx context.Context, w model.ReferredWallet) (model.ReferredWallet, error)
}

// SnapshotProvider возвращает срез пула или nil, если данных нет.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, poolAddress string) (*model.PoolSnapshot, error)
}

// Locker захватывает распределённую блокировку по ключу.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Options содержит настройки сервиса.
type Options struct {
	SnapshotTimeout        time.Duration
	LockTTL                time.Duration
	AggregationInterval    time.Duration
	AggregationConcurrency int
	DefaultCurrency        string
}

// Service содержит бизнес-логику начислений, выводов и реферальных вознаграждений.
type Service struct {
	repo       Repository
	snapshots  SnapshotProvider
	locker     Locker
	aggregator *referral.Aggregator
	logger     *zap.Logger
	opts       Options
	now        func() time.Time
}

// NewService создаёт сервис. snapshots и locker могут быть nil.
func NewService(repo Repository, snapshots SnapshotProvider, locker Locker, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SnapshotTimeout <= 0 {
		opts.SnapshotTimeout = 2 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.AggregationInterval <= 0 {
		opts.AggregationInterval = 5 * time.Minute
	}
	if opts.AggregationConcurrency <= 0 {
		opts.AggregationConcurrency = defaultConcurrency
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USDC"
	}

	return &Service{
		repo:       repo,
		snapshots:  snapshots,
		locker:     locker,
		aggregator: referral.NewAggregator(repo, logger, opts.AggregationConcurrency),
		logger:     logger,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetAccruedValue рассчитывает начисление позиции на момент asOf или на текущий момент, если asOf равен nil.
// Для активной позиции, оцениваемой на текущий момент, сохраняет новое значение кэша.
func (s *Service) GetAccruedValue(ctx context.Context, positionID string, asOf *time.Time) (accrual.Estimate, error) {
	p, err := s.repo.GetPosition(ctx, positionID)
	if err != nil {
		return accrual.Estimate{}, err
	}

	now := s.now()
	if asOf != nil {
		now = asOf.UTC()
	}

	est, err := s.estimate(ctx, p, now)
	if err != nil {
		return accrual.Estimate{}, err
	}

	if asOf == nil {
		s.persistCached(ctx, p, est)
	}

	return est, nil
}

// persistCached сохраняет выросшее начисление активной позиции; ошибки записи только логируются.
func (s *Service) persistCached(ctx context.Context, p model.Position, est accrual.Estimate) {
	if p.Status != model.PositionStatusActive || !est.Cached.GreaterThan(p.CachedAccrued) {
		return
	}
	if err := s.repo.RaiseCachedAccrued(ctx, p.ID, est.Cached); err != nil {
		s.logger.Warn("persist cached accrual failed", zap.String("position_id", p.ID), zap.Error(err))
	}
}

func (s *Service) estimate(ctx context.Context, p model.Position, now time.Time) (accrual.Estimate, error) {
	var snap *model.PoolSnapshot
	if p.Status == model.PositionStatusActive {
		snap = s.snapshot(ctx, p)
	}

	est, err := accrual.Compute(p, now, snap)
	if err != nil {
		return accrual.Estimate{}, fmt.Errorf("compute accrual: %w", err)
	}

	m := metrics.Get()
	if est.ClockSkew {
		m.ClockSkewTotal.Inc()
		s.logger.Warn("accrual requested before position start",
			zap.String("position_id", p.ID),
			zap.Time("start_time", p.StartTime),
			zap.Time("as_of", now),
		)
	}
	m.AccrualEstimates.WithLabelValues(string(p.Status), source(est)).Inc()

	return est, nil
}

func source(est accrual.Estimate) string {
	switch {
	case est.PoolUsed && est.Value.Equal(est.Pool) && est.Pool.GreaterThan(est.Model):
		return "pool"
	case est.Value.GreaterThan(est.Model):
		return "cached"
	default:
		return "model"
	}
}

// snapshot запрашивает срез пула с отдельным таймаутом; ошибки считаются отсутствием данных.
func (s *Service) snapshot(ctx context.Context, p model.Position) *model.PoolSnapshot {
	if s.snapshots == nil || p.PoolAddress == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.SnapshotTimeout)
	defer cancel()

	snap, err := s.snapshots.GetSnapshot(ctx, p.PoolAddress)
	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		metrics.Get().SnapshotErrors.WithLabelValues(reason).Inc()
		s.logger.Warn("pool snapshot unavailable",
			zap.String("position_id", p.ID),
			zap.String("pool", p.PoolAddress),
			zap.Error(err),
		)
		return nil
	}
	return snap
}

// WithdrawalRequest описывает запрос на вывод начисленной доходности.
type WithdrawalRequest struct {
	PositionID     string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// RequestWithdrawal выполняет вывод и применяет штраф к ставке позиции ровно один раз.
// Повтор запроса с тем же ключом идемпотентности возвращает сохранённую запись.
func (s *Service) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (model.WithdrawalRecord, error) {
	if !req.Amount.IsPositive() {
		return model.WithdrawalRecord{}, ErrInvalidAmount
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.Currency == "" {
		req.Currency = s.opts.DefaultCurrency
	}
	req.Currency = strings.ToUpper(req.Currency)

	if rec, ok, err := s.replay(ctx, req); err != nil || ok {
		return rec, err
	}

	unlock, err := s.lock(ctx, req.PositionID)
	if err != nil {
		return model.WithdrawalRecord{}, err
	}
	defer unlock()

	// Повторная проверка под блокировкой: параллельный запрос мог успеть завершиться.
	if rec, ok, err := s.replay(ctx, req); err != nil || ok {
		return rec, err
	}

	p, err := s.repo.GetPosition(ctx, req.PositionID)
	if err != nil {
		return model.WithdrawalRecord{}, err
	}

	now := s.now()
	rec := model.WithdrawalRecord{
		ID:              uuid.NewString(),
		PositionID:      p.ID,
		IdempotencyKey:  req.IdempotencyKey,
		AmountWithdrawn: req.Amount,
		Currency:        req.Currency,
		AprBefore:       p.AnnualRate,
		AprAfter:        p.AnnualRate,
		PenaltyAmount:   decimal.Zero,
		RequestedAt:     now,
	}

	if !p.Status.Withdrawable() {
		return s.reject(ctx, rec, model.ErrPositionNotWithdrawable)
	}

	est, err := s.estimate(ctx, p, now)
	if err != nil {
		return model.WithdrawalRecord{}, err
	}

	available := est.Value.Sub(p.WithdrawnTotal)
	if req.Amount.GreaterThan(available) {
		s.logger.Info("withdrawal exceeds available accrual",
			zap.String("position_id", p.ID),
			zap.String("requested", req.Amount.String()),
			zap.String("available", available.String()),
		)
		return s.reject(ctx, rec, model.ErrInsufficientAccrued)
	}

	res := penalty.Apply(p.AnnualRate)
	rec.AprAfter = res.NewApr
	rec.PenaltyApplied = res.PenaltyApplied
	rec.PenaltyAmount = res.PenaltyAmount
	rec.Status = model.WithdrawalStatusConfirmed
	rec.ProcessedAt = &now

	saved, err := s.repo.CommitWithdrawal(ctx, rec, repository.PositionUpdate{
		ExpectedVersion: p.Version,
		NewAnnualRate:   res.NewApr,
		Accrued:         est.Value,
		Withdrawn:       req.Amount,
	})
	switch {
	case errors.Is(err, repository.ErrDuplicateWithdrawal):
		return saved, nil
	case errors.Is(err, repository.ErrVersionConflict):
		return model.WithdrawalRecord{}, fmt.Errorf("%w: position %s changed concurrently", model.ErrWithdrawalConflict, p.ID)
	case err != nil:
		return model.WithdrawalRecord{}, fmt.Errorf("commit withdrawal: %w", err)
	}

	m := metrics.Get()
	m.WithdrawalsTotal.WithLabelValues(string(saved.Status), fmt.Sprint(saved.PenaltyApplied)).Inc()
	m.PenaltyPoints.Observe(saved.PenaltyAmount.InexactFloat64())

	s.logger.Info("withdrawal confirmed",
		zap.String("position_id", p.ID),
		zap.String("withdrawal_id", saved.ID),
		zap.String("apr_before", saved.AprBefore.String()),
		zap.String("apr_after", saved.AprAfter.String()),
	)

	return saved, nil
}

func (s *Service) replay(ctx context.Context, req WithdrawalRequest) (model.WithdrawalRecord, bool, error) {
	rec, err := s.repo.GetWithdrawalByKey(ctx, req.IdempotencyKey)
	if errors.Is(err, model.ErrWithdrawalNotFound) {
		return model.WithdrawalRecord{}, false, nil
	}
	if err != nil {
		return model.WithdrawalRecord{}, false, fmt.Errorf("lookup withdrawal: %w", err)
	}
	if rec.PositionID != req.PositionID {
		return model.WithdrawalRecord{}, false, fmt.Errorf("%w: idempotency key reused for another position", model.ErrWithdrawalConflict)
	}
	return rec, true, nil
}

func (s *Service) lock(ctx context.Context, positionID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	unlock, err := s.locker.Acquire(ctx, "withdrawal:"+positionID, s.opts.LockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, fmt.Errorf("%w: position %s is locked", model.ErrWithdrawalConflict, positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire withdrawal lock: %w", err)
	}
	return unlock, nil
}

func (s *Service) reject(ctx context.Context, rec model.WithdrawalRecord, cause error) (model.WithdrawalRecord, error) {
	rec.Status = model.WithdrawalStatusRejected
	processed := rec.RequestedAt
	rec.ProcessedAt = &processed

	saved, err := s.repo.RecordRejectedWithdrawal(ctx, rec)
	if errors.Is(err, repository.ErrDuplicateWithdrawal) {
		// Запись с тем же ключом появилась раньше: отдаётся её исход.
		if saved.PositionID != rec.PositionID {
			return model.WithdrawalRecord{}, fmt.Errorf("%w: idempotency key reused for another position", model.ErrWithdrawalConflict)
		}
		if saved.Status != model.WithdrawalStatusRejected {
			return saved, nil
		}
		return saved, cause
	}
	if err != nil {
		return model.WithdrawalRecord{}, fmt.Errorf("record rejected withdrawal: %w", err)
	}

	metrics.Get().WithdrawalsTotal.WithLabelValues(string(model.WithdrawalStatusRejected), "false").Inc()
	return saved, cause
}

// ListWithdrawals возвращает историю выводов по позиции.
func (s *Service) ListWithdrawals(ctx context.Context, positionID string) ([]model.WithdrawalRecord, error) {
	if _, err := s.repo.GetPosition(ctx, positionID); err != nil {
		return nil, err
	}
	return s.repo.ListWithdrawalsByPosition(ctx, positionID)
}

// SettleWithdrawal сохраняет ссылку на транзакцию, которой выплачен подтверждённый вывод.
func (s *Service) SettleWithdrawal(ctx context.Context, withdrawalID, txRef string) (model.WithdrawalRecord, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return model.WithdrawalRecord{}, ErrEmptyTransactionReference
	}
	return s.repo.SettleWithdrawal(ctx, withdrawalID, txRef)
}

// RecomputeRewards пересчитывает вознаграждения реферера.
// Перед агрегацией обновляет сохранённые начисления активных позиций приглашённых кошельков.
func (s *Service) RecomputeRewards(ctx context.Context, referrerID string) (referral.Result, error) {
	if _, err := s.repo.GetReferrer(ctx, referrerID); err != nil {
		return referral.Result{}, err
	}

	s.refreshAccruals(ctx, referrerID)

	res, err := s.aggregator.Recompute(ctx, referrerID)
	if err != nil {
		return referral.Result{}, err
	}

	if len(res.Failures) > 0 {
		s.logger.Warn("referral aggregation finished with failures",
			zap.String("referrer_id", referrerID),
			zap.Strings("failed_wallets", res.Failures),
		)
	}
	return res, nil
}

// refreshAccruals оценивает активные позиции приглашённых кошельков на текущий момент
// и поднимает их сохранённое начисление. Ошибки отдельных кошельков не прерывают проход:
// агрегатор использует последнее сохранённое значение.
func (s *Service) refreshAccruals(ctx context.Context, referrerID string) {
	wallets, err := s.repo.ListReferredWallets(ctx, referrerID)
	if err != nil {
		s.logger.Warn("list referred wallets for refresh failed", zap.String("referrer_id", referrerID), zap.Error(err))
		return
	}

	now := s.now()

	var g errgroup.Group
	g.SetLimit(s.opts.AggregationConcurrency)

	for _, w := range wallets {
		g.Go(func() error {
			positions, err := s.repo.ListActiveWalletPositions(ctx, w.WalletAddress)
			if err != nil {
				s.logger.Warn("list wallet positions failed",
					zap.String("wallet_id", w.ID),
					zap.Error(err),
				)
				return nil
			}

			for _, p := range positions {
				est, err := s.estimate(ctx, p, now)
				if err != nil {
					s.logger.Warn("skip accrual refresh", zap.String("position_id", p.ID), zap.Error(err))
					continue
				}
				s.persistCached(ctx, p, est)
			}
			return nil
		})
	}

	_ = g.Wait()
}

// GetReferralStats пересчитывает вознаграждения и возвращает сводку по рефералам.
func (s *Service) GetReferralStats(ctx context.Context, referrerID string) (model.ReferralStats, error) {
	res, err := s.RecomputeRewards(ctx, referrerID)
	if err != nil {
		return model.ReferralStats{}, err
	}
	return referral.Stats(res), nil
}

// EnrollReferredWallet закрепляет кошелёк за реферером.
func (s *Service) EnrollReferredWallet(ctx context.Context, referrerID, walletAddress string) (model.ReferredWallet, error) {
	addr, ok := validation.NormalizeAddress(walletAddress)
	if !ok {
		return model.ReferredWallet{}, ErrInvalidAddress
	}

	ref, err := s.repo.GetReferrer(ctx, referrerID)
	if err != nil {
		return model.ReferredWallet{}, err
	}
	if validation.SameAddress(ref.WalletAddress, addr) {
		return model.ReferredWallet{}, model.ErrSelfReferral
	}

	return s.repo.EnrollReferredWallet(ctx, model.ReferredWallet{
		ID:            uuid.NewString(),
		ReferrerID:    ref.ID,
		WalletAddress: addr,
		JoinedAt:      s.now(),
		Status:        model.ReferredWalletActive,
		EarnedRewards: decimal.Zero,
	})
}

// StartBackgroundJobs запускает фоновый процесс завершения позиций и пересчёта вознаграждений.
func (s *Service) StartBackgroundJobs(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.AggregationInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.finalizeEnded(ctx)
				s.recomputeAll(ctx)
			}
		}
	}()
}

func (s *Service) finalizeEnded(ctx context.Context) {
	positions, err := s.repo.ListPositionsToFinalize(ctx, s.now(), finalizeBatchSize)
	if err != nil {
		s.logger.Error("list positions to finalize failed", zap.Error(err))
		return
	}

	now := s.now()
	for _, p := range positions {
		_, end, err := accrual.Window(p)
		if err != nil {
			s.logger.Warn("skip position finalization", zap.String("position_id", p.ID), zap.Error(err))
			continue
		}
		if now.Before(end) {
			continue
		}

		final := p
		final.Status = model.PositionStatusFinalized

		est, err := accrual.Compute(final, now, nil)
		if err != nil {
			s.logger.Warn("skip position finalization", zap.String("position_id", p.ID), zap.Error(err))
			continue
		}

		value := accrual.BlendHighest(p.CachedAccrued, est.Value)
		err = s.repo.FinalizePosition(ctx, p.ID, value, p.Version)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.logger.Debug("position changed during finalization", zap.String("position_id", p.ID))
			continue
		}
		if err != nil {
			s.logger.Error("finalize position failed", zap.String("position_id", p.ID), zap.Error(err))
			continue
		}

		metrics.Get().PositionsFinalized.Inc()
	}
}

func (s *Service) recomputeAll(ctx context.Context) {
	ids, err := s.repo.ListReferrerIDs(ctx)
	if err != nil {
		s.logger.Error("list referrers failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RecomputeRewards(ctx, id); err != nil {
			s.logger.Error("recompute referral rewards failed", zap.String("referrer_id", id), zap.Error(err))
		}
	}
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/poolyield/internal/cache"
	"github.com/mmeshcher/poolyield/internal/model"
	"github.com/mmeshcher/poolyield/internal/repository"
)

const (
	referrerWallet = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	otherWallet    = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

var start = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type stubRepo struct {
	mu sync.Mutex

	positions   map[string]model.Position
	withdrawals map[string]model.WithdrawalRecord
	referrers   map[string]model.Referrer

	raised    map[string]decimal.Decimal
	commits   int
	commitErr error
	finalized map[string]decimal.Decimal
	enrolled  []model.ReferredWallet
	toFinal   []model.Position

	wallets []model.ReferredWallet
	fees    map[string][]model.PositionFee
	rewards map[string]decimal.Decimal

	rejectDuplicate *model.WithdrawalRecord
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		positions:   map[string]model.Position{},
		withdrawals: map[string]model.WithdrawalRecord{},
		referrers:   map[string]model.Referrer{},
		raised:      map[string]decimal.Decimal{},
		finalized:   map[string]decimal.Decimal{},
		fees:        map[string][]model.PositionFee{},
		rewards:     map[string]decimal.Decimal{},
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetPosition(ctx context.Context, id string) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return model.Position{}, model.ErrPositionNotFound
	}
	return p, nil
}

func (s *stubRepo) ListPositionsToFinalize(ctx context.Context, now time.Time, limit int) ([]model.Position, error) {
	return s.toFinal, nil
}

func (s *stubRepo) ListActiveWalletPositions(ctx context.Context, walletAddress string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.Position
	for _, p := range s.positions {
		if p.WalletAddress == walletAddress && p.Status == model.PositionStatusActive {
			res = append(res, p)
		}
	}
	return res, nil
}

func (s *stubRepo) RaiseCachedAccrued(ctx context.Context, id string, value decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.raised[id] = value
	return nil
}

func (s *stubRepo) FinalizePosition(ctx context.Context, id string, accrued decimal.Decimal, expectedVersion int64) error {
	if s.positions[id].Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	s.finalized[id] = accrued
	return nil
}

func (s *stubRepo) CommitWithdrawal(ctx context.Context, w model.WithdrawalRecord, upd repository.PositionUpdate) (model.WithdrawalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitErr != nil {
		return model.WithdrawalRecord{}, s.commitErr
	}
	if existing, ok := s.withdrawals[w.IdempotencyKey]; ok {
		return existing, repository.ErrDuplicateWithdrawal
	}
	p := s.positions[w.PositionID]
	if p.Version != upd.ExpectedVersion {
		return model.WithdrawalRecord{}, repository.ErrVersionConflict
	}

	s.commits++
	s.withdrawals[w.IdempotencyKey] = w
	p.AnnualRate = upd.NewAnnualRate
	p.WithdrawnTotal = p.WithdrawnTotal.Add(upd.Withdrawn)
	p.Version++
	s.positions[p.ID] = p
	return w, nil
}

func (s *stubRepo) RecordRejectedWithdrawal(ctx context.Context, w model.WithdrawalRecord) (model.WithdrawalRecord, error) {
	if s.rejectDuplicate != nil {
		return *s.rejectDuplicate, repository.ErrDuplicateWithdrawal
	}
	s.withdrawals[w.IdempotencyKey] = w
	return w, nil
}

func (s *stubRepo) GetWithdrawalByKey(ctx context.Context, key string) (model.WithdrawalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[key]
	if !ok {
		return model.WithdrawalRecord{}, model.ErrWithdrawalNotFound
	}
	return w, nil
}

func (s *stubRepo) ListWithdrawalsByPosition(ctx context.Context, positionID string) ([]model.WithdrawalRecord, error) {
	var res []model.WithdrawalRecord
	for _, w := range s.withdrawals {
		if w.PositionID == positionID {
			res = append(res, w)
		}
	}
	return res, nil
}

func (s *stubRepo) SettleWithdrawal(ctx context.Context, id, txRef string) (model.WithdrawalRecord, error) {
	for k, w := range s.withdrawals {
		if w.ID == id {
			w.TransactionReference = &txRef
			s.withdrawals[k] = w
			return w, nil
		}
	}
	return model.WithdrawalRecord{}, model.ErrWithdrawalNotFound
}

func (s *stubRepo) GetReferrer(ctx context.Context, id string) (model.Referrer, error) {
	r, ok := s.referrers[id]
	if !ok {
		return model.Referrer{}, model.ErrReferrerNotFound
	}
	return r, nil
}

func (s *stubRepo) ListReferrerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for id := range s.referrers {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *stubRepo) EnrollReferredWallet(ctx context.Context, w model.ReferredWallet) (model.ReferredWallet, error) {
	s.enrolled = append(s.enrolled, w)
	return w, nil
}

func (s *stubRepo) ListReferredWallets(ctx context.Context, referrerID string) ([]model.ReferredWallet, error) {
	return s.wallets, nil
}

func (s *stubRepo) ListWalletPositionFees(ctx context.Context, walletAddress string) ([]model.PositionFee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fees, ok := s.fees[walletAddress]; ok {
		return fees, nil
	}

	var res []model.PositionFee
	for _, p := range s.positions {
		if p.WalletAddress != walletAddress {
			continue
		}
		accrued := p.CachedAccrued
		if v, ok := s.raised[p.ID]; ok {
			accrued = v
		}
		res = append(res, model.PositionFee{PositionID: p.ID, Status: p.Status, Accrued: accrued.String()})
	}
	return res, nil
}

func (s *stubRepo) SetEarnedRewards(ctx context.Context, walletID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewards[walletID] = amount
	return nil
}

type stubSnapshots struct {
	snap *model.PoolSnapshot
	err  error
}

func (s *stubSnapshots) GetSnapshot(ctx context.Context, poolAddress string) (*model.PoolSnapshot, error) {
	return s.snap, s.err
}

type stubLocker struct {
	err      error
	acquired int
	released int
}

func (l *stubLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func() { l.released++ }, nil
}

func activePosition() model.Position {
	return model.Position{
		ID:              "pos-1",
		WalletAddress:   otherWallet,
		PoolAddress:     referrerWallet,
		DepositedAmount: dec("10000"),
		AnnualRate:      dec("85"),
		StartTime:       start,
		DurationDays:    365,
		Status:          model.PositionStatusActive,
		CachedAccrued:   decimal.Zero,
		WithdrawnTotal:  decimal.Zero,
	}
}

func newTestService(repo *stubRepo, snaps SnapshotProvider, locker Locker, now time.Time) *Service {
	svc := NewService(repo, snaps, locker, nil, Options{})
	svc.now = func() time.Time { return now }
	return svc
}

func TestGetAccruedValue_PersistsMonotonicCache(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	p.AnnualRate = dec("50")
	repo.positions[p.ID] = p

	svc := newTestService(repo, nil, nil, start.Add(24*time.Hour))

	est, err := svc.GetAccruedValue(context.Background(), p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "13.70", est.Value.StringFixed(2))
	require.Contains(t, repo.raised, p.ID)
	assert.True(t, repo.raised[p.ID].Equal(est.Value))
}

func TestGetAccruedValue_AsOfDoesNotPersist(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	repo.positions[p.ID] = p

	svc := newTestService(repo, nil, nil, start.Add(48*time.Hour))
	asOf := start.Add(24 * time.Hour)

	_, err := svc.GetAccruedValue(context.Background(), p.ID, &asOf)
	require.NoError(t, err)
	assert.Empty(t, repo.raised)
}

func TestGetAccruedValue_SnapshotErrorFallsBackToModel(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	p.AnnualRate = dec("50")
	repo.positions[p.ID] = p

	snaps := &stubSnapshots{err: context.DeadlineExceeded}
	svc := newTestService(repo, snaps, nil, start.Add(24*time.Hour))

	est, err := svc.GetAccruedValue(context.Background(), p.ID, nil)
	require.NoError(t, err)
	assert.False(t, est.PoolUsed)
	assert.Equal(t, "13.70", est.Value.StringFixed(2))
}

func TestGetAccruedValue_PoolEstimateWins(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	p.AnnualRate = dec("50")
	repo.positions[p.ID] = p

	snaps := &stubSnapshots{snap: &model.PoolSnapshot{
		PoolAddress:      p.PoolAddress,
		TotalValueLocked: dec("100000"),
		Fees24h:          dec("1000"),
	}}
	svc := newTestService(repo, snaps, nil, start.Add(24*time.Hour))

	est, err := svc.GetAccruedValue(context.Background(), p.ID, nil)
	require.NoError(t, err)
	assert.True(t, est.PoolUsed)
	assert.Equal(t, "100.00", est.Value.StringFixed(2))
}

func TestGetAccruedValue_InvalidData(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	p.DepositedAmount = dec("-1")
	repo.positions[p.ID] = p

	svc := newTestService(repo, nil, nil, start.Add(time.Hour))

	_, err := svc.GetAccruedValue(context.Background(), p.ID, nil)
	assert.ErrorIs(t, err, model.ErrInvalidPositionData)
}

func TestGetAccruedValue_NotFound(t *testing.T) {
	svc := newTestService(newStubRepo(), nil, nil, start)

	_, err := svc.GetAccruedValue(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, model.ErrPositionNotFound)
}

func TestRequestWithdrawal_AppliesPenaltyOnce(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	repo.positions[p.ID] = p
	locker := &stubLocker{}

	svc := newTestService(repo, nil, locker, start.AddDate(0, 6, 0))

	req := WithdrawalRequest{PositionID: p.ID, Amount: dec("100"), IdempotencyKey: "key-1"}

	first, err := svc.RequestWithdrawal(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalStatusConfirmed, first.Status)
	assert.True(t, first.PenaltyApplied)
	assert.Equal(t, "85", first.AprBefore.String())
	assert.Equal(t, "77.27", first.AprAfter.String())
	assert.Equal(t, "USDC", first.Currency)
	require.NotNil(t, first.ProcessedAt)

	second, err := svc.RequestWithdrawal(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, repo.commits)
	assert.Equal(t, "77.27", repo.positions[p.ID].AnnualRate.String())
	assert.Equal(t, locker.acquired, locker.released)
}

func TestRequestWithdrawal_AtFloorNoPenalty(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	p.AnnualRate = dec("30")
	repo.positions[p.ID] = p

	svc := newTestService(repo, nil, nil, start.AddDate(0, 6, 0))

	rec, err := svc.RequestWithdrawal(context.Background(), WithdrawalRequest{PositionID: p.ID, Amount: dec("1")})
	require.NoError(t, err)
	assert.False(t, rec.PenaltyApplied)
	assert.True(t, rec.PenaltyAmount.IsZero())
	assert.NotEmpty(t, rec.IdempotencyKey)
}

func TestRequestWithdrawal_Insufficient(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	p.WithdrawnTotal = dec("10")
	repo.positions[p.ID] = p

	svc := newTestService(repo, nil, nil, start.Add(24*time.Hour))

	rec, err := svc.RequestWithdrawal(context.Background(), WithdrawalRequest{PositionID: p.ID, Amount: dec("50"), IdempotencyKey: "k"})
	assert.ErrorIs(t, err, model.ErrInsufficientAccrued)
	assert.Equal(t, model.WithdrawalStatusRejected, rec.Status)
	assert.Equal(t, 0, repo.commits)
	assert.Equal(t, "85", repo.positions[p.ID].AnnualRate.String())
}

func TestRequestWithdrawal_NotWithdrawable(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	p.Status = model.PositionStatusPending
	repo.positions[p.ID] = p

	svc := newTestService(repo, nil, nil, start.AddDate(0, 6, 0))

	_, err := svc.RequestWithdrawal(context.Background(), WithdrawalRequest{PositionID: p.ID, Amount: dec("1")})
	assert.ErrorIs(t, err, model.ErrPositionNotWithdrawable)
}

func TestRequestWithdrawal_RejectLosesRaceToConfirmed(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	p.Status = model.PositionStatusPending
	repo.positions[p.ID] = p

	processed := start.AddDate(0, 6, 0)
	repo.rejectDuplicate = &model.WithdrawalRecord{
		ID:             "w-confirmed",
		PositionID:     p.ID,
		IdempotencyKey: "k",
		Status:         model.WithdrawalStatusConfirmed,
		ProcessedAt:    &processed,
	}

	svc := newTestService(repo, nil, nil, processed)

	rec, err := svc.RequestWithdrawal(context.Background(), WithdrawalRequest{PositionID: p.ID, Amount: dec("1"), IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "w-confirmed", rec.ID)
	assert.Equal(t, model.WithdrawalStatusConfirmed, rec.Status)
}

func TestRequestWithdrawal_RejectDuplicateStaysRejected(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	p.Status = model.PositionStatusClosed
	repo.positions[p.ID] = p
	repo.rejectDuplicate = &model.WithdrawalRecord{ID: "w-rejected", PositionID: p.ID, IdempotencyKey: "k", Status: model.WithdrawalStatusRejected}

	svc := newTestService(repo, nil, nil, start.AddDate(0, 6, 0))

	rec, err := svc.RequestWithdrawal(context.Background(), WithdrawalRequest{PositionID: p.ID, Amount: dec("1"), IdempotencyKey: "k"})
	assert.ErrorIs(t, err, model.ErrPositionNotWithdrawable)
	assert.Equal(t, "w-rejected", rec.ID)
}

func TestRequestWithdrawal_InvalidAmount(t *testing.T) {
	svc := newTestService(newStubRepo(), nil, nil, start)

	for _, amount := range []string{"0", "-5"} {
		_, err := svc.RequestWithdrawal(context.Background(), WithdrawalRequest{PositionID: "pos-1", Amount: dec(amount)})
		assert.ErrorIs(t, err, ErrInvalidAmount, amount)
	}
}

func TestRequestWithdrawal_VersionConflict(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	repo.positions[p.ID] = p
	repo.commitErr = repository.ErrVersionConflict

	svc := newTestService(repo, nil, nil, start.AddDate(0, 6, 0))

	_, err := svc.RequestWithdrawal(context.Background(), WithdrawalRequest{PositionID: p.ID, Amount: dec("1")})
	assert.ErrorIs(t, err, model.ErrWithdrawalConflict)
}

func TestRequestWithdrawal_LockHeld(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	repo.positions[p.ID] = p

	svc := newTestService(repo, nil, &stubLocker{err: cache.ErrLockHeld}, start.AddDate(0, 6, 0))

	_, err := svc.RequestWithdrawal(context.Background(), WithdrawalRequest{PositionID: p.ID, Amount: dec("1")})
	assert.ErrorIs(t, err, model.ErrWithdrawalConflict)
	assert.Equal(t, 0, repo.commits)
}

func TestRequestWithdrawal_KeyReusedForOtherPosition(t *testing.T) {
	repo := newStubRepo()
	repo.withdrawals["k"] = model.WithdrawalRecord{ID: "w1", PositionID: "pos-2", IdempotencyKey: "k"}

	svc := newTestService(repo, nil, nil, start)

	_, err := svc.RequestWithdrawal(context.Background(), WithdrawalRequest{PositionID: "pos-1", Amount: dec("1"), IdempotencyKey: "k"})
	assert.ErrorIs(t, err, model.ErrWithdrawalConflict)
}

func TestRequestWithdrawal_ConcurrentSameKey(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	repo.positions[p.ID] = p

	svc := newTestService(repo, nil, nil, start.AddDate(0, 6, 0))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.RequestWithdrawal(context.Background(), WithdrawalRequest{PositionID: p.ID, Amount: dec("1"), IdempotencyKey: "same"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, repo.commits)
	assert.Equal(t, "77.27", repo.positions[p.ID].AnnualRate.String())
}

func TestSettleWithdrawal(t *testing.T) {
	repo := newStubRepo()
	repo.withdrawals["k"] = model.WithdrawalRecord{ID: "w1", PositionID: "pos-1", IdempotencyKey: "k", Status: model.WithdrawalStatusConfirmed}

	svc := newTestService(repo, nil, nil, start)

	_, err := svc.SettleWithdrawal(context.Background(), "w1", "  ")
	assert.ErrorIs(t, err, ErrEmptyTransactionReference)

	rec, err := svc.SettleWithdrawal(context.Background(), "w1", "0xabc")
	require.NoError(t, err)
	require.NotNil(t, rec.TransactionReference)
	assert.Equal(t, "0xabc", *rec.TransactionReference)
}

func TestEnrollReferredWallet(t *testing.T) {
	repo := newStubRepo()
	repo.referrers["ref-1"] = model.Referrer{ID: "ref-1", WalletAddress: referrerWallet}

	svc := newTestService(repo, nil, nil, start)

	_, err := svc.EnrollReferredWallet(context.Background(), "ref-1", "not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = svc.EnrollReferredWallet(context.Background(), "ref-1", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	assert.ErrorIs(t, err, model.ErrSelfReferral)

	_, err = svc.EnrollReferredWallet(context.Background(), "ref-2", otherWallet)
	assert.ErrorIs(t, err, model.ErrReferrerNotFound)

	w, err := svc.EnrollReferredWallet(context.Background(), "ref-1", otherWallet)
	require.NoError(t, err)
	assert.Equal(t, otherWallet, w.WalletAddress)
	assert.Equal(t, model.ReferredWalletActive, w.Status)
	assert.Len(t, repo.enrolled, 1)
}

func TestGetReferralStats(t *testing.T) {
	repo := newStubRepo()
	repo.referrers["ref-1"] = model.Referrer{ID: "ref-1", WalletAddress: referrerWallet}
	repo.wallets = []model.ReferredWallet{
		{ID: "w1", ReferrerID: "ref-1", WalletAddress: "0xa", Status: model.ReferredWalletActive, EarnedRewards: decimal.Zero},
		{ID: "w2", ReferrerID: "ref-1", WalletAddress: "0xb", Status: model.ReferredWalletInactive, EarnedRewards: decimal.Zero},
	}
	repo.fees["0xa"] = []model.PositionFee{{PositionID: "p1", Status: model.PositionStatusActive, Accrued: "100"}}
	repo.fees["0xb"] = []model.PositionFee{{PositionID: "p2", Status: model.PositionStatusActive, Accrued: "200"}}

	svc := newTestService(repo, nil, nil, start)

	stats, err := svc.GetReferralStats(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalReferred)
	assert.Equal(t, 1, stats.ActiveUsers)
	assert.Equal(t, "3.00", stats.TotalRewards.StringFixed(2))
	assert.True(t, stats.CompletionRate.Equal(decimal.NewFromInt(50)))

	_, err = svc.GetReferralStats(context.Background(), "missing")
	assert.True(t, errors.Is(err, model.ErrReferrerNotFound))
}

func TestRecomputeRewards_RefreshesUnviewedPositions(t *testing.T) {
	repo := newStubRepo()
	repo.referrers["ref-1"] = model.Referrer{ID: "ref-1", WalletAddress: referrerWallet}
	repo.wallets = []model.ReferredWallet{
		{ID: "w1", ReferrerID: "ref-1", WalletAddress: otherWallet, Status: model.ReferredWalletActive, EarnedRewards: decimal.Zero},
	}

	p := activePosition()
	p.AnnualRate = dec("50")
	repo.positions[p.ID] = p

	finished := activePosition()
	finished.ID = "pos-closed"
	finished.Status = model.PositionStatusClosed
	finished.CachedAccrued = dec("400")
	repo.positions[finished.ID] = finished

	svc := newTestService(repo, nil, nil, start.Add(24*time.Hour))

	res, err := svc.RecomputeRewards(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Zero(t, res.Diagnostics)
	assert.Empty(t, res.Failures)

	require.Contains(t, repo.raised, p.ID)
	assert.Equal(t, "13.70", repo.raised[p.ID].StringFixed(2))
	assert.NotContains(t, repo.raised, finished.ID)

	want := repo.raised[p.ID].Mul(dec("0.01"))
	require.Contains(t, repo.rewards, "w1")
	assert.True(t, repo.rewards["w1"].Equal(want), "reward %s, want %s", repo.rewards["w1"], want)
	assert.True(t, res.TotalRewards.Equal(want))
}

func TestRecomputeRewards_NeverComputedPositionIsNotMalformed(t *testing.T) {
	repo := newStubRepo()
	repo.referrers["ref-1"] = model.Referrer{ID: "ref-1", WalletAddress: referrerWallet}
	repo.wallets = []model.ReferredWallet{
		{ID: "w1", ReferrerID: "ref-1", WalletAddress: otherWallet, Status: model.ReferredWalletActive, EarnedRewards: decimal.Zero},
	}

	p := activePosition()
	repo.positions[p.ID] = p

	// Оценка на момент до начала позиции не поднимает кэш.
	svc := newTestService(repo, nil, nil, start.Add(-time.Hour))

	res, err := svc.RecomputeRewards(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Zero(t, res.Diagnostics)
	assert.True(t, res.TotalRewards.IsZero())
}

func TestFinalizeEnded(t *testing.T) {
	repo := newStubRepo()
	p := activePosition()
	p.AnnualRate = dec("50")
	p.Version = 3
	repo.positions[p.ID] = p

	stale := activePosition()
	stale.ID = "pos-2"
	stale.Version = 1
	repo.positions[stale.ID] = model.Position{ID: stale.ID, Version: 2}

	early := activePosition()
	early.ID = "pos-3"
	early.StartTime = start.AddDate(1, 0, 0)
	repo.positions[early.ID] = early

	repo.toFinal = []model.Position{p, stale, early}

	svc := newTestService(repo, nil, nil, start.AddDate(1, 0, 1))
	svc.finalizeEnded(context.Background())

	require.Contains(t, repo.finalized, p.ID)
	assert.Equal(t, "5000.00", repo.finalized[p.ID].StringFixed(2))
	assert.NotContains(t, repo.finalized, stale.ID)
	assert.NotContains(t, repo.finalized, early.ID)
}

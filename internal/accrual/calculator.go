// Package accrual рассчитывает начисленную доходность позиции на заданный момент времени.
//
// Расчёт детерминирован и не имеет побочных эффектов: результат зависит только от позиции,
// момента оценки и (необязательного) среза данных пула.
package accrual

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/poolyield/internal/model"
)

const (
	// MinElapsed задаёт минимальный учитываемый срок, чтобы только что открытая позиция показывала ненулевое начисление.
	MinElapsed = time.Minute
	// PendingShare задаёт долю срока, начисляемую предварительно для позиций в статусе Pending.
	PendingShare = 0.10

	feeWindow = 24 * time.Hour
)

var hundred = decimal.NewFromInt(100)

// Estimate содержит результат расчёта и промежуточные значения для аудита.
type Estimate struct {
	Value     decimal.Decimal
	Model     decimal.Decimal
	Pool      decimal.Decimal
	PoolUsed  bool
	Elapsed   time.Duration
	Duration  time.Duration
	ClockSkew bool
	// Cached содержит новое значение кэша начисления; для активных позиций не убывает.
	Cached decimal.Decimal
}

// Window возвращает границы срока позиции. Если дата окончания не задана или совпадает с началом,
// срок восстанавливается по DurationDays (по умолчанию 365 дней).
func Window(p model.Position) (time.Time, time.Time, error) {
	if p.StartTime.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: position %s has no start time", model.ErrInvalidPositionData, p.ID)
	}

	if p.EndTime != nil && p.EndTime.After(p.StartTime) {
		return p.StartTime, *p.EndTime, nil
	}

	days := p.DurationDays
	if days <= 0 {
		days = model.DefaultDurationDays
	}
	end := p.StartTime.AddDate(0, 0, days)
	if !end.After(p.StartTime) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: position %s has unresolvable duration", model.ErrInvalidPositionData, p.ID)
	}
	return p.StartTime, end, nil
}

// Elapsed возвращает учитываемую часть срока в зависимости от статуса позиции.
// Второе значение сообщает, что момент оценки раньше начала позиции.
func Elapsed(status model.PositionStatus, start, now time.Time, duration time.Duration) (time.Duration, bool) {
	if now.Before(start) {
		return 0, true
	}

	switch status {
	case model.PositionStatusPending:
		provisional := time.Duration(float64(duration) * PendingShare)
		if provisional < MinElapsed {
			provisional = MinElapsed
		}
		return min(provisional, duration), false
	case model.PositionStatusFinalized:
		return duration, false
	default:
		return clamp(now.Sub(start), MinElapsed, duration), false
	}
}

func clamp(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

// Compute рассчитывает начисление позиции на момент now.
func Compute(p model.Position, now time.Time, snap *model.PoolSnapshot) (Estimate, error) {
	if err := validate(p); err != nil {
		return Estimate{}, err
	}

	if p.Status == model.PositionStatusClosed {
		return Estimate{Value: p.CachedAccrued, Model: p.CachedAccrued, Cached: p.CachedAccrued}, nil
	}

	start, end, err := Window(p)
	if err != nil {
		return Estimate{}, err
	}
	duration := end.Sub(start)

	elapsed, skew := Elapsed(p.Status, start, now, duration)
	est := Estimate{
		Elapsed:   elapsed,
		Duration:  duration,
		ClockSkew: skew,
		Cached:    p.CachedAccrued,
	}

	est.Model = p.DepositedAmount.
		Mul(p.AnnualRate).
		Div(hundred).
		Mul(fraction(elapsed, duration))

	if p.Status == model.PositionStatusActive && !skew {
		if pool, ok := poolEstimate(p.DepositedAmount, elapsed, snap); ok {
			est.Pool = pool
			est.PoolUsed = true
		}
	}

	if p.Status == model.PositionStatusActive {
		est.Value = BlendHighest(p.CachedAccrued, est.Model, est.Pool)
		est.Cached = est.Value
		return est, nil
	}

	est.Value = BlendHighest(decimal.Zero, est.Model)
	return est, nil
}

// BlendHighest реализует политику смешивания оценок: берётся наибольшая из оценок, но не ниже floor.
// Для активной позиции floor равен уже показанному пользователю значению, поэтому результат не убывает.
func BlendHighest(floor decimal.Decimal, candidates ...decimal.Decimal) decimal.Decimal {
	res := floor
	for _, c := range candidates {
		if c.GreaterThan(res) {
			res = c
		}
	}
	return res
}

func poolEstimate(deposited decimal.Decimal, elapsed time.Duration, snap *model.PoolSnapshot) (decimal.Decimal, bool) {
	if snap == nil || !snap.TotalValueLocked.IsPositive() || snap.Fees24h.IsNegative() {
		return decimal.Zero, false
	}

	share := deposited.Div(snap.TotalValueLocked)
	return snap.Fees24h.Mul(share).Mul(fraction(elapsed, feeWindow)), true
}

func fraction(part, whole time.Duration) decimal.Decimal {
	if whole <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(part)).Div(decimal.NewFromInt(int64(whole)))
}

func validate(p model.Position) error {
	if p.DepositedAmount.IsNegative() {
		return fmt.Errorf("%w: position %s has negative deposit", model.ErrInvalidPositionData, p.ID)
	}
	if p.AnnualRate.IsNegative() {
		return fmt.Errorf("%w: position %s has negative annual rate", model.ErrInvalidPositionData, p.ID)
	}
	if p.CachedAccrued.IsNegative() {
		return fmt.Errorf("%w: position %s has negative cached accrual", model.ErrInvalidPositionData, p.ID)
	}
	return nil
}

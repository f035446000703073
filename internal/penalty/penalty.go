// Package penalty рассчитывает снижение годовой ставки позиции при выводе доходности.
package penalty

import "github.com/shopspring/decimal"

var (
	// FixedPenalty задаёт фиксированное снижение ставки в процентных пунктах.
	FixedPenalty = decimal.RequireFromString("7.73")
	// FloorApr задаёт минимальную ставку, до которой может быть снижена ставка позиции.
	FloorApr = decimal.RequireFromString("30.0")
)

// Result описывает ставку после вывода и величину применённого штрафа.
type Result struct {
	NewApr         decimal.Decimal
	PenaltyApplied bool
	PenaltyAmount  decimal.Decimal
}

// Apply возвращает ставку после вывода. Ставка не опускается ниже FloorApr,
// а ставки на уровне пола и ниже не штрафуются.
func Apply(currentApr decimal.Decimal) Result {
	if currentApr.LessThanOrEqual(FloorApr) {
		return Result{NewApr: currentApr, PenaltyAmount: decimal.Zero}
	}

	newApr := decimal.Max(currentApr.Sub(FixedPenalty), FloorApr)
	amount := currentApr.Sub(newApr)

	return Result{
		NewApr:         newApr,
		PenaltyApplied: amount.IsPositive(),
		PenaltyAmount:  amount,
	}
}

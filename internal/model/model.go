// Package model содержит доменные сущности сервиса начисления доходности по позициям пулов.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPositionData возвращается для позиций с некорректными входными данными.
	ErrInvalidPositionData = errors.New("invalid position data")
	// ErrMalformedFeeValue описывает нечисловое или отсутствующее значение начисления при агрегации.
	ErrMalformedFeeValue = errors.New("malformed fee value")
	// ErrWithdrawalConflict возвращается при конкурентном изменении позиции; запрос можно повторить.
	ErrWithdrawalConflict = errors.New("withdrawal conflict")
	// ErrPositionNotFound возвращается, если позиция не найдена.
	ErrPositionNotFound = errors.New("position not found")
	// ErrWithdrawalNotFound возвращается, если вывод не найден.
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	// ErrReferrerNotFound возвращается, если реферер не найден.
	ErrReferrerNotFound = errors.New("referrer not found")
	// ErrInsufficientAccrued возвращается, если сумма вывода превышает доступное начисление.
	ErrInsufficientAccrued = errors.New("insufficient accrued yield")
	// ErrPositionNotWithdrawable возвращается для позиций, из которых вывод невозможен.
	ErrPositionNotWithdrawable = errors.New("position is not withdrawable")
	// ErrSelfReferral возвращается при попытке кошелька пригласить самого себя.
	ErrSelfReferral = errors.New("wallet cannot refer itself")
	// ErrWalletAlreadyReferred возвращается, если кошелёк уже закреплён за реферером.
	ErrWalletAlreadyReferred = errors.New("wallet already referred")
)

// PositionStatus описывает стадию жизненного цикла позиции.
type PositionStatus string

const (
	PositionStatusPending   PositionStatus = "Pending"
	PositionStatusActive    PositionStatus = "Active"
	PositionStatusFinalized PositionStatus = "Finalized"
	PositionStatusClosed    PositionStatus = "Closed"
)

var positionStatusAliases = map[string]PositionStatus{
	"pending":    PositionStatusPending,
	"pendiente":  PositionStatusPending,
	"active":     PositionStatusActive,
	"activo":     PositionStatusActive,
	"confirmed":  PositionStatusActive,
	"confirmado": PositionStatusActive,
	"finalized":  PositionStatusFinalized,
	"finalizado": PositionStatusFinalized,
	"completed":  PositionStatusFinalized,
	"closed":     PositionStatusClosed,
	"cerrado":    PositionStatusClosed,
}

// ParsePositionStatus приводит статус из внешних данных к перечислению без учёта регистра.
func ParsePositionStatus(s string) (PositionStatus, error) {
	st, ok := positionStatusAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: unknown position status %q", ErrInvalidPositionData, s)
	}
	return st, nil
}

// EarnsCommission сообщает, учитывается ли начисление позиции в реферальной комиссии.
func (s PositionStatus) EarnsCommission() bool {
	return s == PositionStatusActive
}

// Withdrawable сообщает, допускает ли позиция вывод начисленной доходности.
func (s PositionStatus) Withdrawable() bool {
	return s == PositionStatusActive || s == PositionStatusFinalized
}

// DefaultDurationDays используется, если срок позиции не удалось определить по датам.
const DefaultDurationDays = 365

// Position описывает депозит в пул ликвидности.
type Position struct {
	ID              string
	WalletAddress   string
	PoolAddress     string
	DepositedAmount decimal.Decimal
	AnnualRate      decimal.Decimal
	StartTime       time.Time
	EndTime         *time.Time
	DurationDays    int
	Status          PositionStatus
	CachedAccrued   decimal.Decimal
	WithdrawnTotal  decimal.Decimal
	Version         int64
}

// WithdrawalStatus описывает статус запроса на вывод.
type WithdrawalStatus string

const (
	WithdrawalStatusPending   WithdrawalStatus = "Pending"
	WithdrawalStatusConfirmed WithdrawalStatus = "Confirmed"
	WithdrawalStatusRejected  WithdrawalStatus = "Rejected"
)

// ParseWithdrawalStatus приводит статус вывода к перечислению без учёта регистра.
func ParseWithdrawalStatus(s string) (WithdrawalStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return WithdrawalStatusPending, nil
	case "confirmed", "completed":
		return WithdrawalStatusConfirmed, nil
	case "rejected", "failed":
		return WithdrawalStatusRejected, nil
	}
	return "", fmt.Errorf("unknown withdrawal status %q", s)
}

// WithdrawalRecord фиксирует один вызов механизма штрафа при выводе.
type WithdrawalRecord struct {
	ID                   string
	PositionID           string
	IdempotencyKey       string
	AmountWithdrawn      decimal.Decimal
	Currency             string
	AprBefore            decimal.Decimal
	AprAfter             decimal.Decimal
	PenaltyApplied       bool
	PenaltyAmount        decimal.Decimal
	Status               WithdrawalStatus
	RequestedAt          time.Time
	ProcessedAt          *time.Time
	TransactionReference *string
}

// ReferredWalletStatus описывает статус приглашённого кошелька.
type ReferredWalletStatus string

const (
	ReferredWalletActive   ReferredWalletStatus = "Active"
	ReferredWalletInactive ReferredWalletStatus = "Inactive"
)

// ParseReferredWalletStatus приводит статус кошелька к перечислению без учёта регистра.
func ParseReferredWalletStatus(s string) ReferredWalletStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "activo":
		return ReferredWalletActive
	default:
		return ReferredWalletInactive
	}
}

// Referrer описывает владельца реферальной программы.
type Referrer struct {
	ID            string
	WalletAddress string
}

// ReferredWallet описывает кошелёк, приглашённый реферером.
type ReferredWallet struct {
	ID            string
	ReferrerID    string
	WalletAddress string
	JoinedAt      time.Time
	Status        ReferredWalletStatus
	EarnedRewards decimal.Decimal
}

// PositionFee содержит проекцию позиции, читаемую агрегатором комиссий.
// Accrued содержит сохранённое начисление в текстовом виде и может быть пустым.
type PositionFee struct {
	PositionID string
	Status     PositionStatus
	Accrued    string
}

// PoolSnapshot содержит срез рыночных данных пула.
type PoolSnapshot struct {
	PoolAddress      string
	TotalValueLocked decimal.Decimal
	Fees24h          decimal.Decimal
	FetchedAt        time.Time
}

// ReferralStats содержит сводку по рефералам для административного слоя.
type ReferralStats struct {
	TotalReferred  int             `json:"total_referred"`
	ActiveUsers    int             `json:"active_users"`
	TotalRewards   decimal.Decimal `json:"total_rewards"`
	CompletionRate decimal.Decimal `json:"completion_rate"`
}

// Package handler содержит HTTP-обработчики API сервиса начисления доходности.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/poolyield/internal/accrual"
	"github.com/mmeshcher/poolyield/internal/middleware"
	"github.com/mmeshcher/poolyield/internal/model"
	"github.com/mmeshcher/poolyield/internal/referral"
	"github.com/mmeshcher/poolyield/internal/repository"
	"github.com/mmeshcher/poolyield/internal/service"
)

const idempotencyHeader = "Idempotency-Key"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetAccruedValue(ctx context.Context, positionID string, asOf *time.Time) (accrual.Estimate, error)
	RequestWithdrawal(ctx context.Context, req service.WithdrawalRequest) (model.WithdrawalRecord, error)
	ListWithdrawals(ctx context.Context, positionID string) ([]model.WithdrawalRecord, error)
	SettleWithdrawal(ctx context.Context, withdrawalID, txRef string) (model.WithdrawalRecord, error)
	GetReferralStats(ctx context.Context, referrerID string) (model.ReferralStats, error)
	RecomputeRewards(ctx context.Context, referrerID string) (referral.Result, error)
	EnrollReferredWallet(ctx context.Context, referrerID, walletAddress string) (model.ReferredWallet, error)
}

// Handler реализует HTTP-обработчики API сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metricsHandler может быть nil, тогда /metrics не публикуется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metricsHandler http.Handler) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metricsHandler,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError отображает доменные ошибки в HTTP-статусы.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, model.ErrPositionNotFound),
		errors.Is(err, model.ErrWithdrawalNotFound),
		errors.Is(err, model.ErrReferrerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientAccrued):
		status = http.StatusPaymentRequired
	case errors.Is(err, model.ErrWithdrawalConflict):
		w.Header().Set("Retry-After", "1")
		status = http.StatusConflict
	case errors.Is(err, model.ErrWalletAlreadyReferred),
		errors.Is(err, repository.ErrWithdrawalNotSettleable):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidPositionData),
		errors.Is(err, model.ErrPositionNotWithdrawable),
		errors.Is(err, model.ErrSelfReferral),
		errors.Is(err, service.ErrInvalidAddress):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrEmptyTransactionReference):
		status = http.StatusBadRequest
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		status = http.StatusInternalServerError
	}

	if status == http.StatusUnprocessableEntity {
		h.logger.Warn("unprocessable request", zap.String("path", r.URL.Path), zap.Error(err))
	}
	http.Error(w, http.StatusText(status), status)
}

type accruedResponse struct {
	PositionID     string          `json:"position_id"`
	Accrued        decimal.Decimal `json:"accrued"`
	Model          decimal.Decimal `json:"model"`
	Pool           decimal.Decimal `json:"pool"`
	PoolUsed       bool            `json:"pool_used"`
	ElapsedMinutes int64           `json:"elapsed_minutes"`
	AsOf           string          `json:"as_of"`
}

// GetAccrued возвращает начисленную доходность позиции.
func (h *Handler) GetAccrued(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "id")

	var asOf *time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		asOf = &t
	}

	est, err := h.service.GetAccruedValue(r.Context(), positionID, asOf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	at := time.Now().UTC()
	if asOf != nil {
		at = asOf.UTC()
	}

	writeJSON(w, http.StatusOK, accruedResponse{
		PositionID:     positionID,
		Accrued:        est.Value.Round(8),
		Model:          est.Model.Round(8),
		Pool:           est.Pool.Round(8),
		PoolUsed:       est.PoolUsed,
		ElapsedMinutes: int64(est.Elapsed / time.Minute),
		AsOf:           at.Format(time.RFC3339),
	})
}

type withdrawRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type withdrawalResponse struct {
	ID                   string          `json:"id"`
	PositionID           string          `json:"position_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	AprBefore            decimal.Decimal `json:"apr_before"`
	AprAfter             decimal.Decimal `json:"apr_after"`
	PenaltyApplied       bool            `json:"penalty_applied"`
	PenaltyAmount        decimal.Decimal `json:"penalty_amount"`
	Status               string          `json:"status"`
	RequestedAt          string          `json:"requested_at"`
	ProcessedAt          string          `json:"processed_at,omitempty"`
	TransactionReference *string         `json:"transaction_reference,omitempty"`
}

func toWithdrawalResponse(rec model.WithdrawalRecord) withdrawalResponse {
	resp := withdrawalResponse{
		ID:                   rec.ID,
		PositionID:           rec.PositionID,
		Amount:               rec.AmountWithdrawn,
		Currency:             rec.Currency,
		AprBefore:            rec.AprBefore,
		AprAfter:             rec.AprAfter,
		PenaltyApplied:       rec.PenaltyApplied,
		PenaltyAmount:        rec.PenaltyAmount,
		Status:               string(rec.Status),
		RequestedAt:          rec.RequestedAt.Format(time.RFC3339),
		TransactionReference: rec.TransactionReference,
	}
	if rec.ProcessedAt != nil {
		resp.ProcessedAt = rec.ProcessedAt.Format(time.RFC3339)
	}
	return resp
}

// Withdraw выполняет вывод начисленной доходности по позиции.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "id")

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rec, err := h.service.RequestWithdrawal(r.Context(), service.WithdrawalRequest{
		PositionID:     positionID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyHeader)),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	caller, _ := middleware.GetCallerFromContext(r.Context())
	h.logger.Info("withdrawal processed",
		zap.String("caller", caller),
		zap.String("position_id", positionID),
		zap.String("withdrawal_id", rec.ID),
	)

	w.Header().Set(idempotencyHeader, rec.IdempotencyKey)
	writeJSON(w, http.StatusOK, toWithdrawalResponse(rec))
}

// GetWithdrawals возвращает историю выводов по позиции.
func (h *Handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "id")

	withdrawals, err := h.service.ListWithdrawals(r.Context(), positionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(withdrawals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]withdrawalResponse, 0, len(withdrawals))
	for _, rec := range withdrawals {
		resp = append(resp, toWithdrawalResponse(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}

type settleRequest struct {
	TransactionReference string `json:"transaction_reference"`
}

// SettleWithdrawal сохраняет ссылку на транзакцию выплаты.
func (h *Handler) SettleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rec, err := h.service.SettleWithdrawal(r.Context(), chi.URLParam(r, "id"), req.TransactionReference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toWithdrawalResponse(rec))
}

// GetReferralStats возвращает сводку по рефералам.
func (h *Handler) GetReferralStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetReferralStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type recomputeResponse struct {
	ReferredCount int             `json:"referred_count"`
	ActiveCount   int             `json:"active_count"`
	TotalRewards  decimal.Decimal `json:"total_rewards"`
	FailedWallets []string        `json:"failed_wallets"`
	MalformedFees int             `json:"malformed_fees"`
}

// RecomputeRewards запускает пересчёт вознаграждений реферера.
func (h *Handler) RecomputeRewards(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RecomputeRewards(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	failed := res.Failures
	if failed == nil {
		failed = []string{}
	}

	writeJSON(w, http.StatusOK, recomputeResponse{
		ReferredCount: res.ReferredCount,
		ActiveCount:   res.ActiveCount,
		TotalRewards:  res.TotalRewards,
		FailedWallets: failed,
		MalformedFees: res.Diagnostics,
	})
}

type enrollRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type referredWalletResponse struct {
	ID            string          `json:"id"`
	ReferrerID    string          `json:"referrer_id"`
	WalletAddress string          `json:"wallet_address"`
	JoinedAt      string          `json:"joined_at"`
	Status        string          `json:"status"`
	EarnedRewards decimal.Decimal `json:"earned_rewards"`
}

// EnrollReferredWallet закрепляет кошелёк за реферером.
func (h *Handler) EnrollReferredWallet(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	rw, err := h.service.EnrollReferredWallet(r.Context(), chi.URLParam(r, "id"), req.WalletAddress)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, referredWalletResponse{
		ID:            rw.ID,
		ReferrerID:    rw.ReferrerID,
		WalletAddress: rw.WalletAddress,
		JoinedAt:      rw.JoinedAt.Format(time.RFC3339),
		Status:        string(rw.Status),
		EarnedRewards: rw.EarnedRewards,
	})
}

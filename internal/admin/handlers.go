package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sol-custody/internal/deposit"
	"sol-custody/internal/fingerprint"
	"sol-custody/internal/ledger"
	"sol-custody/internal/storage"
	"sol-custody/internal/withdraw"
)

// Deposits is the deposit surface the API exposes.
type Deposits interface {
	CreateIntent(ctx context.Context, userID int64, usdAmount decimal.Decimal) (deposit.Intent, error)
	GetRequest(ctx context.Context, id string) (storage.DepositRequest, error)
}

// Withdrawals is the withdrawal surface the API exposes.
type Withdrawals interface {
	Withdraw(ctx context.Context, userID int64, usdAmount decimal.Decimal, destination string) (withdraw.Result, error)
	SetEnabled(enabled bool)
	Enabled() bool
}

// PriceSource supplies the SOL/USD conversion rate.
type PriceSource interface {
	SOLPrice(ctx context.Context) (decimal.Decimal, error)
}

// Handler implements the operations API endpoints.
type Handler struct {
	deposits    Deposits
	withdrawals Withdrawals
	balances    storage.BalanceStore
	history     storage.WithdrawalStore
	prices      PriceSource
	logger      zerolog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(deposits Deposits, withdrawals Withdrawals, balances storage.BalanceStore, history storage.WithdrawalStore, prices PriceSource, logger zerolog.Logger) *Handler {
	return &Handler{
		deposits:    deposits,
		withdrawals: withdrawals,
		balances:    balances,
		history:     history,
		prices:      prices,
		logger:      logger.With().Str("component", "admin_api").Logger(),
	}
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createDepositRequest struct {
	UserID    int64  `json:"user_id"`
	USDAmount string `json:"usd_amount"`
}

type depositResponse struct {
	RequestID     string `json:"request_id"`
	UserID        int64  `json:"user_id"`
	USDAmount     string `json:"usd_amount"`
	SOLAmount     string `json:"sol_amount"`
	SOLPriceUSD   string `json:"sol_price_usd"`
	WalletAddress string `json:"wallet_address"`
	ExpiresAt     string `json:"expires_at"`
}

func (h *Handler) createDeposit(w http.ResponseWriter, r *http.Request) {
	var req createDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.USDAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "usd_amount must be a decimal string")
		return
	}

	intent, err := h.deposits.CreateIntent(r.Context(), req.UserID, amount)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, depositResponse{
		RequestID:     intent.RequestID,
		UserID:        intent.UserID,
		USDAmount:     intent.USDAmount.String(),
		SOLAmount:     intent.SOLAmount.String(),
		SOLPriceUSD:   intent.SOLPriceUSD.String(),
		WalletAddress: intent.WalletAddress,
		ExpiresAt:     intent.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) getDeposit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := h.deposits.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "deposit request not found")
			return
		}
		h.writeDomainError(w, err)
		return
	}

	resp := map[string]any{
		"request_id": req.ID,
		"user_id":    req.UserID,
		"usd_amount": req.USDAmount.String(),
		"sol_amount": req.SOLAmount.String(),
		"status":     req.Status,
		"expires_at": req.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if req.MatchedSignature != nil {
		resp["matched_signature"] = *req.MatchedSignature
	}
	writeJSON(w, http.StatusOK, resp)
}

type createWithdrawalRequest struct {
	UserID      int64  `json:"user_id"`
	USDAmount   string `json:"usd_amount"`
	Destination string `json:"destination"`
}

type withdrawalResponse struct {
	RequestID string `json:"request_id"`
	USDAmount string `json:"usd_amount"`
	FeeUSD    string `json:"fee_usd"`
	NetUSD    string `json:"net_usd"`
	SOLAmount string `json:"sol_amount"`
	Signature string `json:"signature,omitempty"`
	Status    string `json:"status"`
}

func (h *Handler) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req createWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.USDAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "usd_amount must be a decimal string")
		return
	}

	result, err := h.withdrawals.Withdraw(r.Context(), req.UserID, amount, req.Destination)
	if err != nil && !errors.Is(err, withdraw.ErrPendingConfirmation) {
		h.writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if errors.Is(err, withdraw.ErrPendingConfirmation) {
		// The transfer may or may not have landed; the reconciler settles
		// it either way.
		status = http.StatusAccepted
	}
	writeJSON(w, status, withdrawalResponse{
		RequestID: result.ID,
		USDAmount: result.USDAmount.String(),
		FeeUSD:    result.FeeUSD.String(),
		NetUSD:    result.NetUSD.String(),
		SOLAmount: result.SOLAmount.String(),
		Signature: result.Signature,
		Status:    result.Status,
	})
}

func (h *Handler) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := h.history.GetWithdrawal(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "withdrawal not found")
			return
		}
		h.writeDomainError(w, err)
		return
	}

	resp := map[string]any{
		"request_id":  row.ID,
		"user_id":     row.UserID,
		"usd_amount":  row.USDAmount.String(),
		"fee_usd":     row.FeeUSD.String(),
		"net_usd":     row.NetUSD.String(),
		"sol_amount":  row.SOLAmount.String(),
		"destination": row.Destination,
		"status":      row.Status,
	}
	if row.TxSignature != nil {
		resp["signature"] = *row.TxSignature
	}
	if row.Error != nil {
		resp["error"] = *row.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user id must be an integer")
		return
	}

	balance, err := h.balances.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": balance.String(),
	})
}

func (h *Handler) getPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.prices.SOLPrice(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "no conversion rate available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sol_usd": price.String()})
}

type adjustBalanceRequest struct {
	UserID int64  `json:"user_id"`
	Action string `json:"action"`
	Amount string `json:"amount"`
	Ref    string `json:"ref"`
}

func (h *Handler) adjustBalance(w http.ResponseWriter, r *http.Request) {
	var req adjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal string")
		return
	}

	var newBalance decimal.Decimal
	switch req.Action {
	case "set":
		newBalance, err = h.balances.SetBalance(r.Context(), req.UserID, amount, req.Ref)
	case "add":
		newBalance, err = h.balances.Credit(r.Context(), req.UserID, amount, storage.ReasonAdminAdjust, req.Ref)
	case "remove":
		newBalance, err = h.balances.Debit(r.Context(), req.UserID, amount, storage.ReasonAdminAdjust, req.Ref)
	default:
		writeError(w, http.StatusBadRequest, "action must be one of set, add, remove")
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.logger.Info().
		Int64("user_id", req.UserID).
		Str("action", req.Action).
		Str("amount", amount.String()).
		Msg("balance adjusted")
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID,
		"balance": newBalance.String(),
	})
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) setWithdrawalsEnabled(w http.ResponseWriter, r *http.Request) {
	var req setEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.withdrawals.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.withdrawals.Enabled()})
}

// writeDomainError maps service errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, withdraw.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, withdraw.ErrAmountOutOfRange),
		errors.Is(err, fingerprint.ErrBelowMinimum),
		errors.Is(err, ledger.ErrInvalidAddress):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, withdraw.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, withdraw.ErrInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrInsufficientBalance),
		errors.Is(err, withdraw.ErrCustodyUnfunded):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

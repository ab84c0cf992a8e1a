package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/koredeycode/contri-api/internal/httputil"
	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/models"
	"github.com/koredeycode/contri-api/internal/money"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type WalletResponse struct {
	ID       uint   `json:"id"`
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}

type DepositRequest struct {
	Amount string `json:"amount"`
}

type DepositResponse struct {
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
}

type TransactionResponse struct {
	ID          uint   `json:"id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// getOrCreateWallet lazily provisions a user wallet on first access.
func (h *Handler) getOrCreateWallet(userID uint) (*models.Wallet, error) {
	var w models.Wallet
	err := h.DB.Where("user_id = ?", userID).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	w = models.Wallet{UserID: &userID, Currency: "NGN"}
	if err := h.DB.Create(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	wallet, err := h.getOrCreateWallet(userID)
	if err != nil {
		logger.Log.Error("failed to fetch wallet", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to fetch wallet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, WalletResponse{
		ID:       wallet.ID,
		Balance:  money.FormatMinor(wallet.Balance),
		Currency: wallet.Currency,
	})
}

// InitiateDeposit opens a pending deposit and hands back the reference the
// client passes to the payment provider; the webhook settles it.
func (h *Handler) InitiateDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := money.ParseMinor(req.Amount)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	wallet, err := h.getOrCreateWallet(userID)
	if err != nil {
		logger.Log.Error("failed to fetch wallet", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to fetch wallet")
		return
	}

	txn, err := h.Ledger.InitiateDeposit(r.Context(), wallet.ID, amount)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, DepositResponse{
		Reference: txn.Reference,
		Amount:    money.FormatMinor(txn.Amount),
		Status:    string(txn.Status),
	})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	wallet, err := h.getOrCreateWallet(userID)
	if err != nil {
		logger.Log.Error("failed to fetch wallet", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to fetch wallet")
		return
	}

	var txns []models.Transaction
	err = h.DB.
		Where("source_wallet_id = ? OR dest_wallet_id = ?", wallet.ID, wallet.ID).
		Order("id desc").Limit(100).Find(&txns).Error
	if err != nil {
		logger.Log.Error("failed to fetch transactions", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to fetch transactions")
		return
	}

	out := make([]TransactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, TransactionResponse{
			ID:          t.ID,
			Type:        string(t.Type),
			Status:      string(t.Status),
			Amount:      money.FormatMinor(t.Amount),
			Reference:   t.Reference,
			Description: t.Description,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var rows []models.Notification
	err := h.DB.Where("user_id = ?", userID).Order("id desc").Limit(50).Find(&rows).Error
	if err != nil {
		logger.Log.Error("failed to fetch notifications", zap.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to fetch notifications")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rows)
}

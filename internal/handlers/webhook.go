package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/koredeycode/contri-api/configs"
	"github.com/koredeycode/contri-api/internal/apperr"
	"github.com/koredeycode/contri-api/internal/httputil"
	"github.com/koredeycode/contri-api/internal/logger"
	"github.com/koredeycode/contri-api/internal/webhook"
	"go.uber.org/zap"
)

// paystackEvent mirrors the provider's callback payload. Metadata carries
// the circle and cycle for contribution deposits.
type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Status    string `json:"status"`
		Metadata  struct {
			CircleID    *uint `json:"circle_id"`
			CycleNumber *int  `json:"cycle_number"`
		} `json:"metadata"`
	} `json:"data"`
}

// PaystackWebhook verifies the provider signature over the raw body and
// forwards the event to the reconciler. Unverifiable signatures are logged
// and dropped without side effects; the provider sees an "ignored" success
// so validation logic leaks nothing.
func (h *Handler) PaystackWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	signature := r.Header.Get("x-paystack-signature")
	if !webhook.VerifySignature(configs.AppConfig.Webhook.Secret, body, signature) {
		logger.Log.Warn("webhook with unverifiable signature dropped",
			zap.String("remote", r.RemoteAddr))
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	var ev paystackEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	// Without the provider's id every such event would share the dedupe
	// ref "0" and shadow the others.
	if ev.Data.ID == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "event is missing data.id")
		return
	}

	status := ev.Data.Status
	if ev.Event == "charge.success" {
		status = "success"
	}
	err = h.Reconciler.Process(r.Context(), webhook.Event{
		Reference:   ev.Data.Reference,
		ExternalRef: fmt.Sprint(ev.Data.ID),
		Amount:      ev.Data.Amount,
		Currency:    ev.Data.Currency,
		Status:      status,
		CircleID:    ev.Data.Metadata.CircleID,
		CycleNumber: ev.Data.Metadata.CycleNumber,
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			logger.Log.Warn("webhook for unknown reference ignored",
				zap.String("reference", ev.Data.Reference))
			httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		logger.Log.Error("webhook reconciliation failed",
			zap.String("reference", ev.Data.Reference), zap.Error(err))
		httputil.WriteAppError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

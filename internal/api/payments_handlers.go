package api

import (
	"errors"
	"net/http"
	"strings"

	"livkit-live/internal/payments"
)

type purchaseWebhookRequest struct {
	Reference string `json:"reference"`
	UserID    string `json:"userId"`
	Seconds   int64  `json:"seconds"`
	Coins     int64  `json:"coins"`
}

type purchaseWebhookResponse struct {
	Applied        bool  `json:"applied"`
	SecondsBalance int64 `json:"secondsBalance"`
	CoinBalance    int64 `json:"coinBalance"`
}

// PaymentsWebhook ingests completed purchases from the payment provider.
// Deliveries are idempotent on reference: replays return 200 with applied
// set to false so the provider stops retrying.
func (h *Handler) PaymentsWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req purchaseWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Reference) == "" || strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("reference and userId are required"))
		return
	}

	wallet, applied, err := h.Gateway.ProcessPurchase(r.Context(), payments.PurchaseEvent{
		Reference: req.Reference,
		UserID:    req.UserID,
		Seconds:   req.Seconds,
		Coins:     req.Coins,
	})
	if err != nil {
		if status := statusForError(err); status != http.StatusInternalServerError {
			writeError(w, status, err)
		} else {
			// Remaining gateway failures are malformed payloads, not faults.
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, purchaseWebhookResponse{
		Applied:        applied,
		SecondsBalance: wallet.SecondsBalance,
		CoinBalance:    wallet.CoinBalance,
	})
}

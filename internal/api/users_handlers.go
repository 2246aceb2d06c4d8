package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"livkit-live/internal/models"
	"livkit-live/internal/storage"
)

type createUserRequest struct {
	DisplayName string `json:"displayName"`
}

// Users handles the user collection: POST creates, GET lists.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createUserRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := h.Store.CreateUser(req.DisplayName)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, user)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListUsers())
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// UserByID routes /api/users/{id} and its wallet, ledger, and gift
// sub-resources.
func (h *Handler) UserByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/users/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("user id required"))
		return
	}
	userID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		user, ok := h.Store.GetUser(userID)
		if !ok {
			writeError(w, http.StatusNotFound, storage.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, user)
		return
	}

	switch parts[1] {
	case "wallet":
		h.handleWallet(w, r, userID)
	case "ledger":
		h.handleLedger(w, r, userID)
	case "gifts":
		h.handleGifts(w, r, userID)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown resource"))
	}
}

func (h *Handler) handleWallet(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	wallet, err := h.Store.GetWallet(userID)
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	entries, err := h.Store.ListLedgerEntries(userID, limit)
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type giftRequest struct {
	ToUserID string `json:"toUserId"`
	Coins    int64  `json:"coins"`
}

func (h *Handler) handleGifts(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req giftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wallet, err := h.Store.GiftCoins(userID, req.ToUserID, req.Coins)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInsufficientBalance) {
			h.writeStorageError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.Recorder.ObserveWalletEvent(string(models.LedgerActionGift), 0)
	writeJSON(w, http.StatusOK, wallet)
}

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"livkit-live/internal/events"
	"livkit-live/internal/observability/metrics"
	"livkit-live/internal/payments"
	"livkit-live/internal/rtc"
	"livkit-live/internal/settlement"
	"livkit-live/internal/storage"
)

// Handler serves the metering API. Billing state changes go through Store;
// side effects (events, metrics, payout) hang off the remaining fields.
type Handler struct {
	Store      storage.Repository
	Gateway    payments.Gateway
	Tokens     rtc.TokenProvider
	Publisher  *events.Publisher
	Settlement *settlement.Engine
	Recorder   *metrics.Recorder
	Logger     *slog.Logger

	// JoinTokenTTL bounds how long an issued RTC join token stays valid.
	JoinTokenTTL time.Duration
}

// NewHandler wires a handler with defaults for every optional collaborator.
func NewHandler(store storage.Repository) *Handler {
	handler := &Handler{
		Store:        store,
		Tokens:       rtc.NoopProvider{},
		Publisher:    events.NewPublisher(nil, nil, nil),
		Recorder:     metrics.Default(),
		Logger:       slog.Default(),
		JoinTokenTTL: 5 * time.Minute,
	}
	handler.Gateway = payments.NewWalletGateway(store, handler.Logger, handler.Recorder)
	handler.Settlement = settlement.New(store, settlement.DefaultConfig())
	return handler
}

// Health reports process and datastore liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusForError maps repository sentinels onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNoBalance), errors.Is(err, storage.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, storage.ErrDuplicateCredit),
		errors.Is(err, storage.ErrAlreadyLive),
		errors.Is(err, storage.ErrStreamNotLive),
		errors.Is(err, storage.ErrStreamEnded):
		return http.StatusConflict
	case errors.Is(err, storage.ErrSelfJoinForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrSessionExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeStorageError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "error", err)
		err = errors.New("internal error")
	}
	writeError(w, status, err)
}

package api

import (
	"errors"
	"net/http"
	"strings"

	"livkit-live/internal/events"
	"livkit-live/internal/models"
	"livkit-live/internal/observability/logging"
	"livkit-live/internal/storage"
)

type createStreamRequest struct {
	HostID string `json:"hostId"`
	Title  string `json:"title"`
}

// Streams handles the stream collection: POST creates, GET lists with an
// optional ?status= filter.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createStreamRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		stream, err := h.Store.CreateStream(req.HostID, req.Title)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				h.writeStorageError(w, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, stream)
	case http.MethodGet:
		status := models.StreamStatus(strings.ToLower(r.URL.Query().Get("status")))
		switch status {
		case "", models.StreamStatusScheduled, models.StreamStatusLive, models.StreamStatusEnded:
		default:
			writeError(w, http.StatusBadRequest, errors.New("unknown status filter"))
			return
		}
		streams := h.Store.ListStreams(status)
		if streams == nil {
			streams = []models.Stream{}
		}
		writeJSON(w, http.StatusOK, streams)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// StreamByID routes /api/streams/{id} and its lifecycle, viewer, and
// earnings sub-resources.
func (h *Handler) StreamByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("stream id required"))
		return
	}
	streamID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		stream, ok := h.Store.GetStream(streamID)
		if !ok {
			writeError(w, http.StatusNotFound, storage.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, stream)
		return
	}

	switch parts[1] {
	case "start":
		h.handleStartStream(w, r, streamID)
	case "heartbeat":
		h.handleStreamHeartbeat(w, r, streamID)
	case "end":
		h.handleEndStream(w, r, streamID)
	case "join":
		h.handleJoin(w, r, streamID)
	case "viewer-heartbeat":
		h.handleViewerHeartbeat(w, r, streamID)
	case "leave":
		h.handleLeave(w, r, streamID)
	case "sessions":
		h.handleSessions(w, r, streamID)
	case "earnings":
		h.handleEarnings(w, r, streamID)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown resource"))
	}
}

func (h *Handler) handleStartStream(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	stream, err := h.Store.StartStream(streamID)
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	h.Recorder.StreamStarted()
	logging.WithContext(logging.ContextWithStreamID(r.Context(), streamID), h.Logger).
		Info("stream started", "host_id", stream.HostID, "channel", stream.Channel)
	writeJSON(w, http.StatusOK, stream)
}

func (h *Handler) handleStreamHeartbeat(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	stream, err := h.Store.StreamHeartbeat(streamID)
	if err != nil {
		h.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

type endStreamResponse struct {
	Stream        models.Stream          `json:"stream"`
	EndedSessions []models.ViewerSession `json:"endedSessions"`
	Earnings      *models.StreamEarnings `json:"earnings,omitempty"`
}

func (h *Handler) handleEndStream(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	stream, ended, err := h.Store.EndStream(streamID)
	if err != nil {
		h.writeStorageError(w, err)
		return
	}

	ctx := r.Context()
	for _, session := range ended {
		h.Recorder.SessionEnded(string(session.EndedReason))
		h.Publisher.Publish(ctx, events.Event{
			Type:     events.TypeSessionEnded,
			StreamID: streamID,
			ViewerID: session.ViewerID,
			Reason:   string(session.EndedReason),
			Seconds:  session.ActiveSeconds,
			Minutes:  session.BilledMinutes(),
		})
	}
	h.Recorder.StreamEnded("ended")
	h.Publisher.Publish(ctx, events.Event{
		Type:     events.TypeStreamEnded,
		StreamID: streamID,
		HostID:   stream.HostID,
	})

	// Final settlement drains whatever the periodic sweep has not billed yet.
	// Its failure does not undo the lifecycle change, the sweep retries later.
	if _, err := h.Settlement.SettleStream(ctx, streamID); err != nil {
		logging.WithContext(logging.ContextWithStreamID(ctx, streamID), h.Logger).
			Warn("final settlement failed", "error", err)
	}

	response := endStreamResponse{Stream: stream, EndedSessions: ended}
	if response.EndedSessions == nil {
		response.EndedSessions = []models.ViewerSession{}
	}
	if earnings, ok := h.Store.GetStreamEarnings(streamID); ok {
		response.Earnings = &earnings
	}
	writeJSON(w, http.StatusOK, response)
}

type viewerRequest struct {
	ViewerID string `json:"viewerId"`
}

type joinResponse struct {
	Session   models.ViewerSession `json:"session"`
	JoinToken string               `json:"joinToken,omitempty"`
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req viewerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ViewerID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("viewerId is required"))
		return
	}

	session, err := h.Store.JoinStream(req.ViewerID, streamID)
	if err != nil {
		h.writeStorageError(w, err)
		return
	}

	ctx := logging.ContextWithViewerID(logging.ContextWithStreamID(r.Context(), streamID), req.ViewerID)
	h.Recorder.SessionStarted()
	h.Publisher.Publish(ctx, events.Event{
		Type:     events.TypeViewerJoined,
		StreamID: streamID,
		ViewerID: req.ViewerID,
	})

	response := joinResponse{Session: session}
	if stream, ok := h.Store.GetStream(streamID); ok {
		token, err := h.Tokens.JoinToken(stream.Channel, req.ViewerID, h.JoinTokenTTL)
		if err != nil {
			logging.WithContext(ctx, h.Logger).Warn("join token issue failed", "error", err)
		} else {
			response.JoinToken = token
		}
	}
	writeJSON(w, http.StatusCreated, response)
}

type heartbeatResponse struct {
	Session          models.ViewerSession `json:"session"`
	CompletedMinutes int                  `json:"completedMinutes"`
}

func (h *Handler) handleViewerHeartbeat(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req viewerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := logging.ContextWithViewerID(logging.ContextWithStreamID(r.Context(), streamID), req.ViewerID)
	result, err := h.Store.HeartbeatSession(req.ViewerID, streamID)
	switch {
	case err == nil:
		h.Recorder.ObserveMinutesRecorded(len(result.CompletedBuckets))
		writeJSON(w, http.StatusOK, heartbeatResponse{
			Session:          result.Session,
			CompletedMinutes: len(result.CompletedBuckets),
		})
	case errors.Is(err, storage.ErrSessionExpired):
		h.Recorder.SessionEnded(string(models.EndReasonHeartbeatTimeout))
		h.Publisher.Publish(ctx, events.Event{
			Type:     events.TypeSessionEnded,
			StreamID: streamID,
			ViewerID: req.ViewerID,
			Reason:   string(models.EndReasonHeartbeatTimeout),
			Seconds:  result.Session.ActiveSeconds,
			Minutes:  result.Session.BilledMinutes(),
		})
		writeJSON(w, http.StatusGone, heartbeatResponse{Session: result.Session})
	case errors.Is(err, storage.ErrInsufficientBalance):
		h.Recorder.SessionEnded(string(models.EndReasonMinutesExhausted))
		h.Publisher.Publish(ctx, events.Event{
			Type:     events.TypeMinutesExhausted,
			StreamID: streamID,
			ViewerID: req.ViewerID,
			Reason:   string(models.EndReasonMinutesExhausted),
			Seconds:  result.Session.ActiveSeconds,
			Minutes:  result.Session.BilledMinutes(),
		})
		writeJSON(w, http.StatusPaymentRequired, heartbeatResponse{Session: result.Session})
	default:
		h.writeStorageError(w, err)
	}
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req viewerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := h.Store.LeaveStream(req.ViewerID, streamID)
	if err != nil {
		h.writeStorageError(w, err)
		return
	}

	h.Recorder.SessionEnded(string(models.EndReasonLeft))
	h.Publisher.Publish(r.Context(), events.Event{
		Type:     events.TypeSessionEnded,
		StreamID: streamID,
		ViewerID: req.ViewerID,
		Reason:   string(models.EndReasonLeft),
		Seconds:  session.ActiveSeconds,
		Minutes:  session.BilledMinutes(),
	})
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if _, ok := h.Store.GetStream(streamID); !ok {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	sessions := h.Store.ListViewerSessions(streamID, activeOnly)
	if sessions == nil {
		sessions = []models.ViewerSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type earningsResponse struct {
	models.StreamEarnings
	UnbilledMinutes int64 `json:"unbilledMinutes"`
}

func (h *Handler) handleEarnings(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	stream, ok := h.Store.GetStream(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	earnings, ok := h.Store.GetStreamEarnings(streamID)
	if !ok {
		earnings = models.StreamEarnings{StreamID: streamID, HostID: stream.HostID}
	}
	writeJSON(w, http.StatusOK, earningsResponse{
		StreamEarnings:  earnings,
		UnbilledMinutes: h.Store.CountUnbilledMinutes(streamID),
	})
}

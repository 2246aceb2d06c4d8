package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"livkit-live/internal/models"
)

// usageKey builds the uniqueness key for one billable viewer-minute. The
// bucket is normalized to UTC so retried ticks always collide. Keying on the
// session keeps a rejoin's minutes distinct even when two sessions of the same
// viewer share a wall minute.
func usageKey(sessionID string, bucket time.Time) string {
	return fmt.Sprintf("%s|%s", sessionID, bucket.UTC().Format(time.RFC3339))
}

// bucketForMinute maps the nth completed minute of a session onto a stable
// wall-clock bucket derived from the join time, so replays of the same tick
// always produce the same bucket for that session.
func bucketForMinute(session models.ViewerSession, minute int64) time.Time {
	return session.JoinedAt.UTC().Truncate(time.Minute).Add(time.Duration(minute-1) * time.Minute)
}

// JoinStream opens a viewer session. The stream must be live, the viewer must
// not be the host, and the wallet needs a positive watch-time balance. Any
// previously active session for the viewer is superseded and finalized before
// the new one is created.
func (s *Storage) JoinStream(viewerID, streamID string) (models.ViewerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[streamID]
	if !ok {
		return models.ViewerSession{}, ErrNotFound
	}
	if !stream.IsLive() {
		return models.ViewerSession{}, ErrStreamNotLive
	}
	if _, ok := s.data.Users[viewerID]; !ok {
		return models.ViewerSession{}, ErrNotFound
	}
	if stream.HostID == viewerID {
		return models.ViewerSession{}, ErrSelfJoinForbidden
	}

	wallet, ok := s.data.Wallets[viewerID]
	if !ok {
		return models.ViewerSession{}, ErrNotFound
	}
	if wallet.SecondsBalance <= 0 {
		return models.ViewerSession{}, ErrNoBalance
	}

	sessionID, err := generateID()
	if err != nil {
		return models.ViewerSession{}, err
	}

	now := s.now()
	updated := cloneDataset(s.data)

	// A viewer watches one stream at a time. Rejoining, from a reconnect or a
	// second device, supersedes the previous session.
	for id, existing := range updated.ViewerSessions {
		if existing.ViewerID == viewerID && existing.IsActive {
			if err := finalizeSession(&updated, id, models.EndReasonSuperseded, now); err != nil {
				return models.ViewerSession{}, err
			}
		}
	}

	session := models.ViewerSession{
		ID:              sessionID,
		ViewerID:        viewerID,
		StreamID:        streamID,
		JoinedAt:        now,
		LastHeartbeatAt: now,
		IsActive:        true,
	}
	updated.ViewerSessions[sessionID] = session

	if err := s.commit(updated); err != nil {
		return models.ViewerSession{}, err
	}
	return session, nil
}

// HeartbeatSession advances the viewer's watch-time by one tick quantum. It
// reserves the quantum from the wallet first; accrual never outruns the
// balance. When the gap since the last heartbeat exceeds the timeout the
// session is finalized with heartbeat_timeout and ErrSessionExpired is
// returned. When the wallet cannot cover the quantum the session is finalized
// with minutes_exhausted and ErrInsufficientBalance is returned; in both
// failure cases the finalized session is still reported so callers can
// publish the terminal event.
func (s *Storage) HeartbeatSession(viewerID, streamID string) (HeartbeatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, session, ok := s.activeSessionLocked(viewerID, streamID)
	if !ok {
		return HeartbeatResult{}, ErrSessionNotFound
	}

	stream, ok := s.data.Streams[streamID]
	if !ok {
		return HeartbeatResult{}, ErrNotFound
	}
	if !stream.IsLive() {
		return HeartbeatResult{}, ErrStreamNotLive
	}

	now := s.now()
	if now.Sub(session.LastHeartbeatAt) > s.billing.HeartbeatTimeout {
		updated := cloneDataset(s.data)
		if err := finalizeSession(&updated, sessionID, models.EndReasonHeartbeatTimeout, now); err != nil {
			return HeartbeatResult{}, err
		}
		if err := s.commit(updated); err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{Session: updated.ViewerSessions[sessionID]}, ErrSessionExpired
	}

	quantum := int64(s.billing.TickQuantum / time.Second)
	updated := cloneDataset(s.data)

	if err := applyReserve(&updated, viewerID, quantum, now); err != nil {
		if !errors.Is(err, ErrInsufficientBalance) {
			return HeartbeatResult{}, err
		}
		// The wallet ran dry mid-watch. Finalize against a fresh clone so the
		// failed reserve leaves no trace.
		exhausted := cloneDataset(s.data)
		if err := finalizeSession(&exhausted, sessionID, models.EndReasonMinutesExhausted, now); err != nil {
			return HeartbeatResult{}, err
		}
		if err := s.commit(exhausted); err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{Session: exhausted.ViewerSessions[sessionID]}, ErrInsufficientBalance
	}

	previousSeconds := session.ActiveSeconds
	session.ActiveSeconds += quantum
	session.LastHeartbeatAt = now

	// Minutes completed by this tick become billable usage records.
	var buckets []time.Time
	for minute := previousSeconds/60 + 1; minute <= session.ActiveSeconds/60; minute++ {
		bucket := bucketForMinute(session, minute)
		if _, _, err := recordMinuteUsage(&updated, session, bucket, now); err != nil {
			return HeartbeatResult{}, err
		}
		buckets = append(buckets, bucket)
	}

	updated.ViewerSessions[sessionID] = session
	if err := s.commit(updated); err != nil {
		return HeartbeatResult{}, err
	}
	return HeartbeatResult{Session: session, CompletedBuckets: buckets}, nil
}

// LeaveStream ends the viewer's active session. Billing floors to whole
// minutes: the sub-minute remainder of reserved watch time is refunded.
func (s *Storage) LeaveStream(viewerID, streamID string) (models.ViewerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, _, ok := s.activeSessionLocked(viewerID, streamID)
	if !ok {
		return models.ViewerSession{}, ErrSessionNotFound
	}

	now := s.now()
	updated := cloneDataset(s.data)
	if err := finalizeSession(&updated, sessionID, models.EndReasonLeft, now); err != nil {
		return models.ViewerSession{}, err
	}
	if err := s.commit(updated); err != nil {
		return models.ViewerSession{}, err
	}
	return updated.ViewerSessions[sessionID], nil
}

// finalizeSession deactivates the session in data, backfills usage records
// for every completed minute, and refunds the reserved sub-minute remainder.
// Callers hold the write lock and commit data.
func finalizeSession(data *dataset, sessionID string, reason models.EndReason, now time.Time) error {
	session, ok := data.ViewerSessions[sessionID]
	if !ok || !session.IsActive {
		return nil
	}

	// Heartbeats normally record these as they complete; backfilling here makes
	// the finalize path safe even if a tick's usage write was lost.
	for minute := int64(1); minute <= session.BilledMinutes(); minute++ {
		if _, _, err := recordMinuteUsage(data, session, bucketForMinute(session, minute), now); err != nil {
			return err
		}
	}

	if remainder := session.ActiveSeconds % 60; remainder > 0 {
		if err := applyRefund(data, session.ViewerID, remainder, now); err != nil {
			return err
		}
	}

	ended := now
	session.IsActive = false
	session.EndedAt = &ended
	session.EndedReason = reason
	data.ViewerSessions[sessionID] = session
	return nil
}

func (s *Storage) activeSessionLocked(viewerID, streamID string) (string, models.ViewerSession, bool) {
	for id, session := range s.data.ViewerSessions {
		if session.ViewerID == viewerID && session.StreamID == streamID && session.IsActive {
			return id, session, true
		}
	}
	return "", models.ViewerSession{}, false
}

// ActiveSession returns the viewer's active session on the stream, if any.
func (s *Storage) ActiveSession(viewerID, streamID string) (models.ViewerSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, session, ok := s.activeSessionLocked(viewerID, streamID)
	return session, ok
}

// ListViewerSessions returns the stream's sessions ordered by join time.
func (s *Storage) ListViewerSessions(streamID string, activeOnly bool) []models.ViewerSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]models.ViewerSession, 0)
	for _, session := range s.data.ViewerSessions {
		if session.StreamID != streamID {
			continue
		}
		if activeOnly && !session.IsActive {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].JoinedAt.Equal(sessions[j].JoinedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
	})
	return sessions
}

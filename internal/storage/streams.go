package storage

import (
	"errors"
	"sort"
	"strings"
	"time"

	"livkit-live/internal/models"
)

// CreateStream registers a scheduled broadcast for the host.
func (s *Storage) CreateStream(hostID, title string) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	title = strings.TrimSpace(title)
	if title == "" {
		return models.Stream{}, errors.New("title is required")
	}
	if _, ok := s.data.Users[hostID]; !ok {
		return models.Stream{}, ErrNotFound
	}

	id, err := generateID()
	if err != nil {
		return models.Stream{}, err
	}
	channel, err := generateChannelName()
	if err != nil {
		return models.Stream{}, err
	}

	stream := models.Stream{
		ID:        id,
		HostID:    hostID,
		Title:     title,
		Channel:   channel,
		Status:    models.StreamStatusScheduled,
		CreatedAt: s.now(),
	}

	updated := cloneDataset(s.data)
	updated.Streams[id] = stream
	if err := s.commit(updated); err != nil {
		return models.Stream{}, err
	}
	return stream, nil
}

func (s *Storage) GetStream(id string) (models.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.data.Streams[id]
	return stream, ok
}

// ListStreams returns streams filtered by status; an empty status returns all.
func (s *Storage) ListStreams(status models.StreamStatus) []models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	streams := make([]models.Stream, 0)
	for _, stream := range s.data.Streams {
		if status != "" && stream.Status != status {
			continue
		}
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].CreatedAt.Equal(streams[j].CreatedAt) {
			return streams[i].ID < streams[j].ID
		}
		return streams[i].CreatedAt.Before(streams[j].CreatedAt)
	})
	return streams
}

// StartStream transitions a scheduled stream to live and stamps the first
// host heartbeat. Starting twice, or restarting an ended stream, fails.
func (s *Storage) StartStream(id string) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, ErrNotFound
	}
	switch stream.Status {
	case models.StreamStatusLive:
		return models.Stream{}, ErrAlreadyLive
	case models.StreamStatusEnded:
		return models.Stream{}, ErrStreamEnded
	}

	now := s.now()
	stream.Status = models.StreamStatusLive
	stream.StartedAt = &now
	stream.LastHeartbeatAt = &now

	updated := cloneDataset(s.data)
	updated.Streams[id] = stream
	if err := s.commit(updated); err != nil {
		return models.Stream{}, err
	}
	return stream, nil
}

// StreamHeartbeat refreshes the host's liveness stamp. The sweep worker ends
// streams whose stamp goes stale.
func (s *Storage) StreamHeartbeat(id string) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, ErrNotFound
	}
	if !stream.IsLive() {
		return models.Stream{}, ErrStreamNotLive
	}

	now := s.now()
	stream.LastHeartbeatAt = &now

	updated := cloneDataset(s.data)
	updated.Streams[id] = stream
	if err := s.commit(updated); err != nil {
		return models.Stream{}, err
	}
	return stream, nil
}

// EndStream transitions a live stream to ended and finalizes every active
// viewer session with the stream_ended reason, refunding sub-minute
// remainders. The finalized sessions are returned so callers can publish
// per-viewer events and trigger settlement.
func (s *Storage) EndStream(id string) (models.Stream, []models.ViewerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[id]
	if !ok {
		return models.Stream{}, nil, ErrNotFound
	}
	if stream.Status == models.StreamStatusEnded {
		return models.Stream{}, nil, ErrStreamEnded
	}
	if stream.Status != models.StreamStatusLive {
		return models.Stream{}, nil, ErrStreamNotLive
	}

	now := s.now()
	updated := cloneDataset(s.data)

	var endedIDs []string
	for sessionID, session := range updated.ViewerSessions {
		if session.StreamID == id && session.IsActive {
			if err := finalizeSession(&updated, sessionID, models.EndReasonStreamEnded, now); err != nil {
				return models.Stream{}, nil, err
			}
			endedIDs = append(endedIDs, sessionID)
		}
	}

	stream.Status = models.StreamStatusEnded
	stream.EndedAt = &now
	updated.Streams[id] = stream

	if err := s.commit(updated); err != nil {
		return models.Stream{}, nil, err
	}

	ended := make([]models.ViewerSession, 0, len(endedIDs))
	for _, sessionID := range endedIDs {
		ended = append(ended, updated.ViewerSessions[sessionID])
	}
	sort.Slice(ended, func(i, j int) bool { return ended[i].ID < ended[j].ID })
	return stream, ended, nil
}

// ListTimedOutStreams returns live streams whose host heartbeat is older than
// timeout. The sweep worker ends these.
func (s *Storage) ListTimedOutStreams(timeout time.Duration) []models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	stale := make([]models.Stream, 0)
	for _, stream := range s.data.Streams {
		if !stream.IsLive() {
			continue
		}
		last := stream.StartedAt
		if stream.LastHeartbeatAt != nil {
			last = stream.LastHeartbeatAt
		}
		if last != nil && now.Sub(*last) > timeout {
			stale = append(stale, stream)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale
}

// ListSettleableStreams returns streams with unbilled minutes: every live
// stream, plus streams that ended within the given window so the final
// settlement pass can drain their remaining usage.
func (s *Storage) ListSettleableStreams(endedWithin time.Duration) []models.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	unbilled := make(map[string]bool)
	for _, record := range s.data.MinuteUsage {
		if !record.Billed {
			unbilled[record.StreamID] = true
		}
	}

	streams := make([]models.Stream, 0)
	for id, stream := range s.data.Streams {
		if !unbilled[id] {
			continue
		}
		if stream.Status == models.StreamStatusEnded {
			if stream.EndedAt == nil || now.Sub(*stream.EndedAt) > endedWithin {
				continue
			}
		}
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })
	return streams
}

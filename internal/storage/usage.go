package storage

import (
	"errors"
	"time"

	"livkit-live/internal/models"
)

// recordMinuteUsage inserts one viewer-minute into data unless the (session,
// bucket) pair already exists. It reports the record and whether it was newly
// created. Callers hold the write lock and commit data.
func recordMinuteUsage(data *dataset, session models.ViewerSession, bucket, now time.Time) (models.MinuteUsageRecord, bool, error) {
	key := usageKey(session.ID, bucket)
	if existing, ok := data.MinuteUsage[key]; ok {
		return existing, false, nil
	}

	id, err := generateID()
	if err != nil {
		return models.MinuteUsageRecord{}, false, err
	}

	record := models.MinuteUsageRecord{
		ID:        id,
		SessionID: session.ID,
		StreamID:  session.StreamID,
		ViewerID:  session.ViewerID,
		Bucket:    bucket.UTC(),
		CreatedAt: now,
	}
	data.MinuteUsage[key] = record
	return record, true, nil
}

// RecordMinuteUsage marks one billable viewer-minute of a session. Replays of
// the same (session, bucket) pair return the existing record with created set
// to false, which is what makes retried heartbeat ticks safe.
func (s *Storage) RecordMinuteUsage(sessionID string, bucket time.Time) (models.MinuteUsageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.ViewerSessions[sessionID]
	if !ok {
		return models.MinuteUsageRecord{}, false, ErrSessionNotFound
	}

	if existing, ok := s.data.MinuteUsage[usageKey(sessionID, bucket)]; ok {
		return existing, false, nil
	}

	updated := cloneDataset(s.data)
	record, created, err := recordMinuteUsage(&updated, session, bucket, s.now())
	if err != nil {
		return models.MinuteUsageRecord{}, false, err
	}
	if err := s.commit(updated); err != nil {
		return models.MinuteUsageRecord{}, false, err
	}
	return record, created, nil
}

// CountUnbilledMinutes returns how many recorded viewer-minutes on the stream
// have not yet been settled.
func (s *Storage) CountUnbilledMinutes(streamID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, record := range s.data.MinuteUsage {
		if record.StreamID == streamID && !record.Billed {
			count++
		}
	}
	return count
}

// SettleStreamUsage converts the stream's unbilled viewer-minutes into host
// earnings in one transaction: the minutes flip to billed and the earnings
// total grows together, or neither happens. Re-running settlement after all
// minutes are billed is a no-op with Settled set to false.
func (s *Storage) SettleStreamUsage(streamID string, centsPerMinute int64) (SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if centsPerMinute < 0 {
		return SettlementResult{}, errors.New("centsPerMinute must be non-negative")
	}

	stream, ok := s.data.Streams[streamID]
	if !ok {
		return SettlementResult{}, ErrNotFound
	}

	updated := cloneDataset(s.data)

	var minutes int64
	for key, record := range updated.MinuteUsage {
		if record.StreamID == streamID && !record.Billed {
			record.Billed = true
			updated.MinuteUsage[key] = record
			minutes++
		}
	}

	earnings, ok := updated.StreamEarnings[streamID]
	if !ok {
		earnings = models.StreamEarnings{StreamID: streamID, HostID: stream.HostID}
	}

	result := SettlementResult{
		StreamID:   streamID,
		HostID:     stream.HostID,
		TotalCents: earnings.TotalCents,
	}
	if minutes == 0 {
		return result, nil
	}

	now := s.now()
	added := minutes * centsPerMinute
	earnings.TotalCents += added
	earnings.MinutesBilled += minutes
	earnings.LastCalculatedAt = now
	updated.StreamEarnings[streamID] = earnings

	if err := s.commit(updated); err != nil {
		return SettlementResult{}, err
	}

	result.MinutesBilled = minutes
	result.AddedCents = added
	result.TotalCents = earnings.TotalCents
	result.Settled = true
	return result, nil
}

// GetStreamEarnings returns the settled earnings for a stream.
func (s *Storage) GetStreamEarnings(streamID string) (models.StreamEarnings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	earnings, ok := s.data.StreamEarnings[streamID]
	return earnings, ok
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"livkit-live/internal/models"
)

// recordMinuteUsageTx inserts one viewer-minute inside an existing
// transaction. The unique constraint on (session, bucket) makes the insert a
// no-op on replay without swallowing minutes from a rejoined session that
// shares the wall minute.
func (r *PostgresRepository) recordMinuteUsageTx(ctx context.Context, tx pgx.Tx, session models.ViewerSession, bucket, now time.Time) error {
	id, err := generateID()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO minute_usage (id, session_id, stream_id, viewer_id, minute_bucket, billed, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		 ON CONFLICT (session_id, minute_bucket) DO NOTHING`,
		id, session.ID, session.StreamID, session.ViewerID, bucket.UTC(), now)
	if err != nil {
		return fmt.Errorf("insert minute usage: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RecordMinuteUsage(sessionID string, bucket time.Time) (models.MinuteUsageRecord, bool, error) {
	id, err := generateID()
	if err != nil {
		return models.MinuteUsageRecord{}, false, err
	}

	ctx, cancel := r.opContext()
	defer cancel()

	session, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM viewer_sessions WHERE id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MinuteUsageRecord{}, false, ErrSessionNotFound
	}
	if err != nil {
		return models.MinuteUsageRecord{}, false, fmt.Errorf("select session: %w", err)
	}

	now := r.now()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO minute_usage (id, session_id, stream_id, viewer_id, minute_bucket, billed, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		 ON CONFLICT (session_id, minute_bucket) DO NOTHING`,
		id, session.ID, session.StreamID, session.ViewerID, bucket.UTC(), now)
	if err != nil {
		return models.MinuteUsageRecord{}, false, fmt.Errorf("insert minute usage: %w", err)
	}
	created := tag.RowsAffected() > 0

	var record models.MinuteUsageRecord
	err = r.pool.QueryRow(ctx,
		`SELECT id, session_id, stream_id, viewer_id, minute_bucket, billed, created_at
		 FROM minute_usage WHERE session_id = $1 AND minute_bucket = $2`,
		sessionID, bucket.UTC()).
		Scan(&record.ID, &record.SessionID, &record.StreamID, &record.ViewerID, &record.Bucket, &record.Billed, &record.CreatedAt)
	if err != nil {
		return models.MinuteUsageRecord{}, false, fmt.Errorf("select minute usage: %w", err)
	}
	return record, created, nil
}

func (r *PostgresRepository) CountUnbilledMinutes(streamID string) int64 {
	ctx, cancel := r.opContext()
	defer cancel()

	var count int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM minute_usage WHERE stream_id = $1 AND NOT billed`,
		streamID).Scan(&count); err != nil {
		return 0
	}
	return count
}

func (r *PostgresRepository) SettleStreamUsage(streamID string, centsPerMinute int64) (SettlementResult, error) {
	if centsPerMinute < 0 {
		return SettlementResult{}, errors.New("centsPerMinute must be non-negative")
	}

	ctx, cancel := r.opContext()
	defer cancel()

	now := r.now()
	var result SettlementResult
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		stream, err := lockStream(ctx, tx, streamID)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE minute_usage SET billed = TRUE WHERE stream_id = $1 AND NOT billed`,
			streamID)
		if err != nil {
			return fmt.Errorf("bill minute usage: %w", err)
		}
		minutes := tag.RowsAffected()

		result = SettlementResult{StreamID: streamID, HostID: stream.HostID}
		if minutes == 0 {
			err := tx.QueryRow(ctx,
				`SELECT total_cents FROM stream_earnings WHERE stream_id = $1`,
				streamID).Scan(&result.TotalCents)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("select earnings: %w", err)
			}
			return nil
		}

		added := minutes * centsPerMinute
		err = tx.QueryRow(ctx,
			`INSERT INTO stream_earnings (stream_id, host_id, total_cents, minutes_billed, last_calculated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (stream_id) DO UPDATE SET
				total_cents = stream_earnings.total_cents + EXCLUDED.total_cents,
				minutes_billed = stream_earnings.minutes_billed + EXCLUDED.minutes_billed,
				last_calculated_at = EXCLUDED.last_calculated_at
			 RETURNING total_cents`,
			streamID, stream.HostID, added, minutes, now).Scan(&result.TotalCents)
		if err != nil {
			return fmt.Errorf("upsert earnings: %w", err)
		}

		result.MinutesBilled = minutes
		result.AddedCents = added
		result.Settled = true
		return nil
	})
	if err != nil {
		return SettlementResult{}, err
	}
	return result, nil
}

func (r *PostgresRepository) GetStreamEarnings(streamID string) (models.StreamEarnings, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	var earnings models.StreamEarnings
	err := r.pool.QueryRow(ctx,
		`SELECT stream_id, host_id, total_cents, minutes_billed, last_calculated_at
		 FROM stream_earnings WHERE stream_id = $1`, streamID).
		Scan(&earnings.StreamID, &earnings.HostID, &earnings.TotalCents, &earnings.MinutesBilled, &earnings.LastCalculatedAt)
	if err != nil {
		return models.StreamEarnings{}, false
	}
	return earnings, true
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"livkit-live/internal/models"
)

const sessionColumns = `id, viewer_id, stream_id, joined_at, last_heartbeat_at, active_seconds, is_active, ended_at, ended_reason`

func scanSession(row pgx.Row) (models.ViewerSession, error) {
	var session models.ViewerSession
	var reason *string
	err := row.Scan(&session.ID, &session.ViewerID, &session.StreamID, &session.JoinedAt,
		&session.LastHeartbeatAt, &session.ActiveSeconds, &session.IsActive, &session.EndedAt, &reason)
	if err != nil {
		return models.ViewerSession{}, err
	}
	if reason != nil {
		session.EndedReason = models.ParseEndReason(*reason)
	}
	return session, nil
}

func lockActiveSession(ctx context.Context, tx pgx.Tx, viewerID, streamID string) (models.ViewerSession, error) {
	session, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM viewer_sessions
		 WHERE viewer_id = $1 AND stream_id = $2 AND is_active FOR UPDATE`,
		viewerID, streamID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ViewerSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.ViewerSession{}, fmt.Errorf("lock session: %w", err)
	}
	return session, nil
}

func (r *PostgresRepository) JoinStream(viewerID, streamID string) (models.ViewerSession, error) {
	sessionID, err := generateID()
	if err != nil {
		return models.ViewerSession{}, err
	}

	ctx, cancel := r.opContext()
	defer cancel()

	now := r.now()
	var created models.ViewerSession
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		stream, err := lockStream(ctx, tx, streamID)
		if err != nil {
			return err
		}
		if !stream.IsLive() {
			return ErrStreamNotLive
		}
		if stream.HostID == viewerID {
			return ErrSelfJoinForbidden
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, viewerID).Scan(&exists); err != nil {
			return fmt.Errorf("check viewer: %w", err)
		}
		if !exists {
			return ErrNotFound
		}

		// A viewer watches one stream at a time; the partial unique index on
		// active sessions enforces it, so any previous session must be
		// finalized first. Row locks are taken stream, then session, then
		// wallet, the same order every session operation uses.
		rows, err := tx.Query(ctx,
			`SELECT id FROM viewer_sessions WHERE viewer_id = $1 AND is_active ORDER BY id FOR UPDATE`, viewerID)
		if err != nil {
			return fmt.Errorf("select active sessions: %w", err)
		}
		var previous []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan session id: %w", err)
			}
			previous = append(previous, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate active sessions: %w", err)
		}

		wallet, err := lockWallet(ctx, tx, viewerID)
		if err != nil {
			return err
		}
		if wallet.SecondsBalance <= 0 {
			return ErrNoBalance
		}

		for _, id := range previous {
			if _, err := r.finalizeSessionTx(ctx, tx, id, models.EndReasonSuperseded, now); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO viewer_sessions (id, viewer_id, stream_id, joined_at, last_heartbeat_at, active_seconds, is_active)
			 VALUES ($1, $2, $3, $4, $4, 0, TRUE)`,
			sessionID, viewerID, streamID, now); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		created = models.ViewerSession{
			ID:              sessionID,
			ViewerID:        viewerID,
			StreamID:        streamID,
			JoinedAt:        now,
			LastHeartbeatAt: now,
			IsActive:        true,
		}
		return nil
	})
	if err != nil {
		return models.ViewerSession{}, err
	}
	return created, nil
}

func (r *PostgresRepository) HeartbeatSession(viewerID, streamID string) (HeartbeatResult, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	now := r.now()
	var result HeartbeatResult
	var terminal error
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		// Lock the stream before the session so a tick and a concurrent
		// rejoin, which locks in the same order, cannot deadlock.
		stream, err := lockStream(ctx, tx, streamID)
		if err != nil {
			return err
		}
		if !stream.IsLive() {
			return ErrStreamNotLive
		}

		session, err := lockActiveSession(ctx, tx, viewerID, streamID)
		if err != nil {
			return err
		}

		if now.Sub(session.LastHeartbeatAt) > r.billing.HeartbeatTimeout {
			ended, err := r.finalizeSessionTx(ctx, tx, session.ID, models.EndReasonHeartbeatTimeout, now)
			if err != nil {
				return err
			}
			result = HeartbeatResult{Session: ended}
			terminal = ErrSessionExpired
			return nil
		}

		quantum := int64(r.billing.TickQuantum / time.Second)
		if _, err := r.reserveSecondsTx(ctx, tx, viewerID, quantum); err != nil {
			if !errors.Is(err, ErrInsufficientBalance) {
				return err
			}
			ended, err := r.finalizeSessionTx(ctx, tx, session.ID, models.EndReasonMinutesExhausted, now)
			if err != nil {
				return err
			}
			result = HeartbeatResult{Session: ended}
			terminal = ErrInsufficientBalance
			return nil
		}

		previousSeconds := session.ActiveSeconds
		session.ActiveSeconds += quantum
		session.LastHeartbeatAt = now

		var buckets []time.Time
		for minute := previousSeconds/60 + 1; minute <= session.ActiveSeconds/60; minute++ {
			bucket := bucketForMinute(session, minute)
			if err := r.recordMinuteUsageTx(ctx, tx, session, bucket, now); err != nil {
				return err
			}
			buckets = append(buckets, bucket)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE viewer_sessions SET active_seconds = $2, last_heartbeat_at = $3 WHERE id = $1`,
			session.ID, session.ActiveSeconds, now); err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		result = HeartbeatResult{Session: session, CompletedBuckets: buckets}
		return nil
	})
	if err != nil {
		return HeartbeatResult{}, err
	}
	return result, terminal
}

func (r *PostgresRepository) LeaveStream(viewerID, streamID string) (models.ViewerSession, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	now := r.now()
	var ended models.ViewerSession
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		session, err := lockActiveSession(ctx, tx, viewerID, streamID)
		if err != nil {
			return err
		}
		ended, err = r.finalizeSessionTx(ctx, tx, session.ID, models.EndReasonLeft, now)
		return err
	})
	if err != nil {
		return models.ViewerSession{}, err
	}
	return ended, nil
}

// finalizeSessionTx deactivates a session, backfills usage records for every
// completed minute, and refunds the reserved sub-minute remainder. The caller
// must already hold the session row lock.
func (r *PostgresRepository) finalizeSessionTx(ctx context.Context, tx pgx.Tx, sessionID string, reason models.EndReason, now time.Time) (models.ViewerSession, error) {
	session, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM viewer_sessions WHERE id = $1`, sessionID))
	if err != nil {
		return models.ViewerSession{}, fmt.Errorf("select session: %w", err)
	}
	if !session.IsActive {
		return session, nil
	}

	for minute := int64(1); minute <= session.BilledMinutes(); minute++ {
		if err := r.recordMinuteUsageTx(ctx, tx, session, bucketForMinute(session, minute), now); err != nil {
			return models.ViewerSession{}, err
		}
	}

	if remainder := session.ActiveSeconds % 60; remainder > 0 {
		if _, err := r.refundSecondsTx(ctx, tx, session.ViewerID, remainder); err != nil {
			return models.ViewerSession{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE viewer_sessions SET is_active = FALSE, ended_at = $2, ended_reason = $3 WHERE id = $1`,
		sessionID, now, string(reason)); err != nil {
		return models.ViewerSession{}, fmt.Errorf("update session: %w", err)
	}

	endedAt := now
	session.IsActive = false
	session.EndedAt = &endedAt
	session.EndedReason = reason
	return session, nil
}

func (r *PostgresRepository) ActiveSession(viewerID, streamID string) (models.ViewerSession, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	session, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM viewer_sessions
		 WHERE viewer_id = $1 AND stream_id = $2 AND is_active`,
		viewerID, streamID))
	if err != nil {
		return models.ViewerSession{}, false
	}
	return session, true
}

func (r *PostgresRepository) ListViewerSessions(streamID string, activeOnly bool) []models.ViewerSession {
	ctx, cancel := r.opContext()
	defer cancel()

	query := `SELECT ` + sessionColumns + ` FROM viewer_sessions WHERE stream_id = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY joined_at, id`

	rows, err := r.pool.Query(ctx, query, streamID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var sessions []models.ViewerSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil
		}
		sessions = append(sessions, session)
	}
	return sessions
}

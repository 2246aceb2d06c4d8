package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"livkit-live/internal/models"
)

const streamColumns = `id, host_id, title, channel, status, created_at, started_at, ended_at, last_heartbeat_at`

func scanStream(row pgx.Row) (models.Stream, error) {
	var stream models.Stream
	var status string
	err := row.Scan(&stream.ID, &stream.HostID, &stream.Title, &stream.Channel, &status,
		&stream.CreatedAt, &stream.StartedAt, &stream.EndedAt, &stream.LastHeartbeatAt)
	if err != nil {
		return models.Stream{}, err
	}
	stream.Status = models.StreamStatus(status)
	return stream, nil
}

func (r *PostgresRepository) CreateStream(hostID, title string) (models.Stream, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Stream{}, errors.New("title is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Stream{}, err
	}
	channel, err := generateChannelName()
	if err != nil {
		return models.Stream{}, err
	}

	ctx, cancel := r.opContext()
	defer cancel()

	if _, ok := r.GetUser(hostID); !ok {
		return models.Stream{}, ErrNotFound
	}

	stream := models.Stream{
		ID:        id,
		HostID:    hostID,
		Title:     title,
		Channel:   channel,
		Status:    models.StreamStatusScheduled,
		CreatedAt: r.now(),
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO streams (id, host_id, title, channel, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		stream.ID, stream.HostID, stream.Title, stream.Channel, string(stream.Status), stream.CreatedAt)
	if err != nil {
		return models.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return stream, nil
}

func (r *PostgresRepository) GetStream(id string) (models.Stream, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	stream, err := scanStream(r.pool.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
	if err != nil {
		return models.Stream{}, false
	}
	return stream, true
}

func lockStream(ctx context.Context, tx pgx.Tx, id string) (models.Stream, error) {
	stream, err := scanStream(tx.QueryRow(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stream{}, ErrNotFound
	}
	if err != nil {
		return models.Stream{}, fmt.Errorf("lock stream: %w", err)
	}
	return stream, nil
}

func (r *PostgresRepository) ListStreams(status models.StreamStatus) []models.Stream {
	ctx, cancel := r.opContext()
	defer cancel()

	query := `SELECT ` + streamColumns + ` FROM streams`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil
		}
		streams = append(streams, stream)
	}
	return streams
}

func (r *PostgresRepository) StartStream(id string) (models.Stream, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	now := r.now()
	var started models.Stream
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		stream, err := lockStream(ctx, tx, id)
		if err != nil {
			return err
		}
		switch stream.Status {
		case models.StreamStatusLive:
			return ErrAlreadyLive
		case models.StreamStatusEnded:
			return ErrStreamEnded
		}

		stream.Status = models.StreamStatusLive
		stream.StartedAt = &now
		stream.LastHeartbeatAt = &now
		if _, err := tx.Exec(ctx,
			`UPDATE streams SET status = $2, started_at = $3, last_heartbeat_at = $3 WHERE id = $1`,
			id, string(stream.Status), now); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		started = stream
		return nil
	})
	if err != nil {
		return models.Stream{}, err
	}
	return started, nil
}

func (r *PostgresRepository) StreamHeartbeat(id string) (models.Stream, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	now := r.now()
	var beat models.Stream
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		stream, err := lockStream(ctx, tx, id)
		if err != nil {
			return err
		}
		if !stream.IsLive() {
			return ErrStreamNotLive
		}
		stream.LastHeartbeatAt = &now
		if _, err := tx.Exec(ctx,
			`UPDATE streams SET last_heartbeat_at = $2 WHERE id = $1`, id, now); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		beat = stream
		return nil
	})
	if err != nil {
		return models.Stream{}, err
	}
	return beat, nil
}

func (r *PostgresRepository) EndStream(id string) (models.Stream, []models.ViewerSession, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	now := r.now()
	var endedStream models.Stream
	var endedSessions []models.ViewerSession
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		stream, err := lockStream(ctx, tx, id)
		if err != nil {
			return err
		}
		if stream.Status == models.StreamStatusEnded {
			return ErrStreamEnded
		}
		if stream.Status != models.StreamStatusLive {
			return ErrStreamNotLive
		}

		rows, err := tx.Query(ctx,
			`SELECT id FROM viewer_sessions WHERE stream_id = $1 AND is_active ORDER BY id FOR UPDATE`, id)
		if err != nil {
			return fmt.Errorf("select active sessions: %w", err)
		}
		var sessionIDs []string
		for rows.Next() {
			var sessionID string
			if err := rows.Scan(&sessionID); err != nil {
				rows.Close()
				return fmt.Errorf("scan session id: %w", err)
			}
			sessionIDs = append(sessionIDs, sessionID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate active sessions: %w", err)
		}

		for _, sessionID := range sessionIDs {
			session, err := r.finalizeSessionTx(ctx, tx, sessionID, models.EndReasonStreamEnded, now)
			if err != nil {
				return err
			}
			endedSessions = append(endedSessions, session)
		}

		stream.Status = models.StreamStatusEnded
		stream.EndedAt = &now
		if _, err := tx.Exec(ctx,
			`UPDATE streams SET status = $2, ended_at = $3 WHERE id = $1`,
			id, string(stream.Status), now); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		endedStream = stream
		return nil
	})
	if err != nil {
		return models.Stream{}, nil, err
	}
	return endedStream, endedSessions, nil
}

func (r *PostgresRepository) ListTimedOutStreams(timeout time.Duration) []models.Stream {
	ctx, cancel := r.opContext()
	defer cancel()

	cutoff := r.now().Add(-timeout)
	rows, err := r.pool.Query(ctx,
		`SELECT `+streamColumns+` FROM streams
		 WHERE status = $1 AND COALESCE(last_heartbeat_at, started_at) < $2
		 ORDER BY id`,
		string(models.StreamStatusLive), cutoff)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil
		}
		streams = append(streams, stream)
	}
	return streams
}

func (r *PostgresRepository) ListSettleableStreams(endedWithin time.Duration) []models.Stream {
	ctx, cancel := r.opContext()
	defer cancel()

	cutoff := r.now().Add(-endedWithin)
	rows, err := r.pool.Query(ctx,
		`SELECT `+streamColumns+` FROM streams s
		 WHERE EXISTS (SELECT 1 FROM minute_usage u WHERE u.stream_id = s.id AND NOT u.billed)
		   AND (s.status = $1 OR (s.status = $2 AND s.ended_at >= $3))
		 ORDER BY s.id`,
		string(models.StreamStatusLive), string(models.StreamStatusEnded), cutoff)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil
		}
		streams = append(streams, stream)
	}
	return streams
}

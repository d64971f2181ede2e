package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"livesession/pkg/types"
)

// RecordingSummary is one row of ListRecordings.
type RecordingSummary struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"sessionId"`
	Name        string        `json:"name"`
	PresenterID string        `json:"presenterId"`
	RecordedAt  time.Time     `json:"recordedAt"`
	Duration    time.Duration `json:"duration"`
	Finished    bool          `json:"finished"`
	Events      int           `json:"events"`
	Attendees   int           `json:"attendees"`
}

// CreateRecording stores the header of rec. Events and attendees are added
// as the session runs.
func (s *Store) CreateRecording(ctx context.Context, rec *types.SessionRecording) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO recordings (id, session_id, name, presenter_id, tutorial_url, recorded_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.SessionID, rec.Name, rec.PresenterID, rec.TutorialURL, rec.RecordedAt.UTC(), rec.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to insert recording: %w", err)
		}
		return nil
	})
}

// AppendEvent adds event to the end of the recording's event log.
func (s *Store) AppendEvent(ctx context.Context, recordingID string, event *types.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return s.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var seq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM recording_events WHERE recording_id = ?", recordingID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recording_events (recording_id, seq, type, timestamp, payload)
			VALUES (?, ?, ?, ?, ?)
		`, recordingID, seq, event.Type, event.Timestamp, string(payload)); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return tx.Commit()
	})
}

// AddAttendee records that member joined. A rejoin keeps the first join
// time and clears the departure.
func (s *Store) AddAttendee(ctx context.Context, recordingID string, member types.AttendeeMember) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO recording_attendees (recording_id, attendee_id, name, joined_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(recording_id, attendee_id) DO UPDATE SET name = excluded.name, left_at = NULL
		`, recordingID, member.ID, member.Name, member.JoinedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert attendee: %w", err)
		}
		return nil
	})
}

// MarkAttendeeLeft records when an attendee left.
func (s *Store) MarkAttendeeLeft(ctx context.Context, recordingID, attendeeID string, at time.Time) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"UPDATE recording_attendees SET left_at = ? WHERE recording_id = ? AND attendee_id = ?",
			at.UTC(), recordingID, attendeeID)
		if err != nil {
			return fmt.Errorf("failed to update attendee: %w", err)
		}
		return requireRow(res)
	})
}

// FinishRecording stores the final duration.
func (s *Store) FinishRecording(ctx context.Context, recordingID string, duration time.Duration) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"UPDATE recordings SET duration_ms = ?, finished_at = ? WHERE id = ?",
			duration.Milliseconds(), time.Now().UTC(), recordingID)
		if err != nil {
			return fmt.Errorf("failed to finish recording: %w", err)
		}
		return requireRow(res)
	})
}

// DeleteRecording removes a recording with its events and attendees.
func (s *Store) DeleteRecording(ctx context.Context, recordingID string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM recordings WHERE id = ?", recordingID)
		if err != nil {
			return fmt.Errorf("failed to delete recording: %w", err)
		}
		return requireRow(res)
	})
}

// GetRecording loads a full recording. Chat messages are split out of the
// event log into Chat.
func (s *Store) GetRecording(ctx context.Context, recordingID string) (*types.SessionRecording, error) {
	rec := &types.SessionRecording{Events: []types.Event{}, Chat: []types.Event{}, Attendees: []types.AttendeeMember{}}
	var durationMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, name, presenter_id, tutorial_url, recorded_at, duration_ms
		FROM recordings WHERE id = ?
	`, recordingID).Scan(&rec.ID, &rec.SessionID, &rec.Name, &rec.PresenterID, &rec.TutorialURL, &rec.RecordedAt, &durationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recording: %w", err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond

	if err := s.loadEvents(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.loadAttendees(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) loadEvents(ctx context.Context, rec *types.SessionRecording) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM recording_events WHERE recording_id = ? ORDER BY seq ASC", rec.ID)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("failed to scan event row: %w", err)
		}
		var event types.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if event.Type == types.EventChatMessage {
			rec.Chat = append(rec.Chat, event)
		} else {
			rec.Events = append(rec.Events, event)
		}
	}
	return rows.Err()
}

func (s *Store) loadAttendees(ctx context.Context, rec *types.SessionRecording) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attendee_id, name, joined_at, left_at
		FROM recording_attendees WHERE recording_id = ?
		ORDER BY joined_at ASC, attendee_id ASC
	`, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to query attendees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var member types.AttendeeMember
		var leftAt sql.NullTime
		if err := rows.Scan(&member.ID, &member.Name, &member.JoinedAt, &leftAt); err != nil {
			return fmt.Errorf("failed to scan attendee row: %w", err)
		}
		if leftAt.Valid {
			member.LeftAt = &leftAt.Time
		}
		rec.Attendees = append(rec.Attendees, member)
	}
	return rows.Err()
}

// ListRecordings returns every recording, newest first.
func (s *Store) ListRecordings(ctx context.Context) ([]RecordingSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.session_id, r.name, r.presenter_id, r.recorded_at, r.duration_ms, r.finished_at IS NOT NULL,
			(SELECT COUNT(*) FROM recording_events e WHERE e.recording_id = r.id),
			(SELECT COUNT(*) FROM recording_attendees a WHERE a.recording_id = r.id)
		FROM recordings r
		ORDER BY r.recorded_at DESC, r.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := []RecordingSummary{}
	for rows.Next() {
		var sum RecordingSummary
		var durationMS int64
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.Name, &sum.PresenterID, &sum.RecordedAt,
			&durationMS, &sum.Finished, &sum.Events, &sum.Attendees); err != nil {
			return nil, fmt.Errorf("failed to scan recording row: %w", err)
		}
		sum.Duration = time.Duration(durationMS) * time.Millisecond
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recording rows: %w", err)
	}
	return summaries, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package eventstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// Event types written by the journal.
const (
	EventConnectionOpened = "connection.opened"
	EventConnectionClosed = "connection.closed"
)

// UtteranceRecord is one journaled broadcast.
type UtteranceRecord struct {
	Sequence    uint64    `json:"sequence"`
	UtteranceID string    `json:"utterance_id"`
	Source      string    `json:"source,omitempty"`
	Status      string    `json:"status"`
	Text        string    `json:"text"`
	Language    string    `json:"language,omitempty"`
	Emotion     string    `json:"emotion,omitempty"`
	AudioRef    string    `json:"audio_ref,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type connectionPayload struct {
	Remote string   `json:"remote,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// ConnectionOpened records a completed handshake. The connection id is the session.
func (s *Store) ConnectionOpened(ctx context.Context, id, remote string, roles []string) error {
	if !s.enabled() {
		return nil
	}
	if err := s.openConnection(ctx, id, remote); err != nil {
		return err
	}
	payload, err := json.Marshal(connectionPayload{Remote: remote, Roles: roles})
	if err != nil {
		return err
	}
	return s.appendEvent(ctx, id, EventConnectionOpened, payload)
}

// ConnectionClosed records a disconnect.
func (s *Store) ConnectionClosed(ctx context.Context, id, reason string) error {
	if !s.enabled() {
		return nil
	}
	payload, err := json.Marshal(connectionPayload{Reason: reason})
	if err != nil {
		return err
	}
	return s.appendEvent(ctx, id, EventConnectionClosed, payload)
}

// Mirror journals a broadcast event. Frames are not stored.
func (s *Store) Mirror(ctx context.Context, evt protocol.BroadcastEvent) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(sequence, utterance_id, source, status, text, language, emotion, audio_ref, duration_ms, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(evt.Sequence), evt.UtteranceID, evt.Source, evt.Status, evt.Text, evt.Language,
		evt.Emotion, evt.AudioRef, evt.DurationMS, evt.Error, s.clock().UTC())
	return err
}

// ListUtterances returns up to limit journaled utterances, newest first.
func (s *Store) ListUtterances(ctx context.Context, limit int) ([]UtteranceRecord, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, utterance_id, source, status, text, language, emotion, audio_ref, duration_ms, error, created_at
		 FROM utterances ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UtteranceRecord
	for rows.Next() {
		var r UtteranceRecord
		var seq int64
		var created string
		if err := rows.Scan(&seq, &r.UtteranceID, &r.Source, &r.Status, &r.Text, &r.Language,
			&r.Emotion, &r.AudioRef, &r.DurationMS, &r.Error, &created); err != nil {
			return nil, err
		}
		r.Sequence = uint64(seq)
		r.CreatedAt = parseTime(created)
		records = append(records, r)
	}
	return records, rows.Err()
}

func parseTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999 -0700 MST", "2006-01-02 15:04:05.999999999-07:00"} {
		if ts, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
			return ts
		}
	}
	return time.Time{}
}

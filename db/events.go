package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/twitch-autopoll/prediction"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// EventRecord is one row of prediction_events.
type EventRecord struct {
	ID               int64                    `json:"id"`
	Kind             prediction.EventKind     `json:"kind"`
	Op               string                   `json:"op"`
	PredictionID     string                   `json:"prediction_id,omitempty"`
	Title            string                   `json:"title,omitempty"`
	Outcomes         []prediction.OutcomeView `json:"outcomes"`
	Window           int                      `json:"prediction_window,omitempty"`
	WinningOptionKey *int                     `json:"winning_option_key,omitempty"`
	WinningOutcomeID string                   `json:"winning_outcome_id,omitempty"`
	Error            string                   `json:"error,omitempty"`
	CorrelationID    string                   `json:"correlation_id,omitempty"`
	OccurredAt       time.Time                `json:"occurred_at"`
}

// PredictionEventStore records prediction events. It implements
// prediction.EventRecorder.
type PredictionEventStore struct{ DB *sql.DB }

// RecordPredictionEvent inserts ev. Outcomes are stored as JSON with their
// Twitch outcome ids when known.
func (s *PredictionEventStore) RecordPredictionEvent(ctx context.Context, ev prediction.Event) error {
	outcomes := make([]prediction.OutcomeView, 0, len(ev.Outcomes))
	for _, o := range ev.Outcomes {
		outcomes = append(outcomes, prediction.OutcomeView{OptionKey: o.OptionKey, Title: o.Title, OutcomeID: ev.OutcomeIDs[o.OptionKey]})
	}
	raw, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var winKey sql.NullInt64
	if ev.WinningOptionKey != nil {
		winKey = sql.NullInt64{Int64: int64(*ev.WinningOptionKey), Valid: true}
	}

	_, err = s.DB.ExecContext(ctx, `INSERT INTO prediction_events
		(kind, op, prediction_id, title, outcomes, prediction_window, winning_option_key, winning_outcome_id, error, correlation_id, occurred_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),$11)`,
		string(ev.Kind), ev.Op, ev.PredictionID, ev.Title, raw, ev.Window, winKey, ev.WinningOutcomeID, ev.Error, ev.CorrelationID, at)
	if err != nil {
		return fmt.Errorf("insert prediction event: %w", err)
	}
	return nil
}

// List returns the most recent events, newest first. limit <= 0 means 50;
// limits above 500 are capped.
func (s *PredictionEventStore) List(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, kind, op, COALESCE(prediction_id,''), COALESCE(title,''), outcomes,
		COALESCE(prediction_window,0), winning_option_key, COALESCE(winning_outcome_id,''), COALESCE(error,''),
		COALESCE(correlation_id,''), occurred_at
		FROM prediction_events ORDER BY occurred_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query prediction events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec    EventRecord
			kind   string
			raw    []byte
			winKey sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.Op, &rec.PredictionID, &rec.Title, &raw,
			&rec.Window, &winKey, &rec.WinningOutcomeID, &rec.Error, &rec.CorrelationID, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan prediction event: %w", err)
		}
		rec.Kind = prediction.EventKind(kind)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Outcomes); err != nil {
				return nil, fmt.Errorf("decode outcomes of event %d: %w", rec.ID, err)
			}
		}
		if winKey.Valid {
			k := int(winKey.Int64)
			rec.WinningOptionKey = &k
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

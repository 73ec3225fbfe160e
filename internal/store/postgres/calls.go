package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CallRecord is one row of the calls table.
type CallRecord struct {
	ID            int64
	SessionID     string
	ClientType    string
	StartTime     time.Time
	EndTime       *time.Time
	Status        string
	ExtractedData map[string]any
}

// TranscriptEntry is one persisted conversation turn.
type TranscriptEntry struct {
	ID      int64
	CallID  int64
	Role    string
	Content string
	TS      time.Time
}

// CreateCall inserts a new call record in 'active' status and returns its ID.
func (s *Store) CreateCall(ctx context.Context, sessionID, clientType string) (int64, error) {
	const q = `
		INSERT INTO calls (session_id, client_type)
		VALUES ($1, $2)
		RETURNING id`

	var id int64
	if err := s.pool.QueryRow(ctx, q, sessionID, clientType).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: create call: %w", err)
	}
	return id, nil
}

// FinalizeCall stamps end_time and the terminal status on a call, merging in
// any data the agent extracted during the conversation. Notes saved mid-call
// by the save_call_note tool survive the merge. Finalizing an already
// finalized call updates status and data but keeps the original end_time.
func (s *Store) FinalizeCall(ctx context.Context, callID int64, status string, extracted map[string]any) error {
	if extracted == nil {
		extracted = map[string]any{}
	}
	const q = `
		UPDATE calls
		SET    end_time       = COALESCE(end_time, now()),
		       status         = $2,
		       extracted_data = extracted_data || $3
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, callID, status, extracted)
	if err != nil {
		return fmt.Errorf("store: finalize call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: finalize call: call %d not found", callID)
	}
	return nil
}

// SaveCallNote merges the agent's structured note into the call's extracted
// data. Backs the save_call_note tool.
func (s *Store) SaveCallNote(ctx context.Context, callID int64, note map[string]any) error {
	const q = `
		UPDATE calls
		SET    extracted_data = extracted_data || $2
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, callID, note)
	if err != nil {
		return fmt.Errorf("store: save call note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: save call note: call %d not found", callID)
	}
	return nil
}

// GetCall returns one call record, or (nil, nil) when the ID is unknown.
func (s *Store) GetCall(ctx context.Context, callID int64) (*CallRecord, error) {
	const q = `
		SELECT id, session_id, client_type, start_time, end_time, status, extracted_data
		FROM   calls
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("store: get call: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanCall)
	if err != nil {
		return nil, fmt.Errorf("store: get call: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// AppendTranscript persists one conversation turn under callID.
func (s *Store) AppendTranscript(ctx context.Context, callID int64, role, content string) error {
	const q = `
		INSERT INTO transcripts (call_id, role, content)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, callID, role, content); err != nil {
		return fmt.Errorf("store: append transcript: %w", err)
	}
	return nil
}

// Transcript returns all turns of a call in chronological order.
func (s *Store) Transcript(ctx context.Context, callID int64) ([]TranscriptEntry, error) {
	const q = `
		SELECT id, call_id, role, content, ts
		FROM   transcripts
		WHERE  call_id = $1
		ORDER  BY ts, id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("store: transcript: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TranscriptEntry, error) {
		var e TranscriptEntry
		err := row.Scan(&e.ID, &e.CallID, &e.Role, &e.Content, &e.TS)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: transcript: %w", err)
	}
	return entries, nil
}

func scanCall(row pgx.CollectableRow) (CallRecord, error) {
	var r CallRecord
	err := row.Scan(&r.ID, &r.SessionID, &r.ClientType, &r.StartTime, &r.EndTime, &r.Status, &r.ExtractedData)
	return r, err
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trunkline-ai/trunkline/internal/config"
)

// SaveAgentRecord upserts the full agent record (base config plus carrier
// overlays) under name. The record is stored as one JSONB document; no field
// is ever updated in place.
func (s *Store) SaveAgentRecord(ctx context.Context, name string, rec config.AgentRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: save agent %q: encode: %w", name, err)
	}

	const q = `
		INSERT INTO agent_configs (name, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET record = EXCLUDED.record, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, name, doc); err != nil {
		return fmt.Errorf("store: save agent %q: %w", name, err)
	}
	return nil
}

// GetAgentRecord loads the agent record stored under name, or (nil, nil) when
// no such agent exists. Carrier overlay resolution is the caller's job via
// [config.AgentRecord.Resolve].
func (s *Store) GetAgentRecord(ctx context.Context, name string) (*config.AgentRecord, error) {
	const q = `SELECT record FROM agent_configs WHERE name = $1`

	var doc []byte
	err := s.pool.QueryRow(ctx, q, name).Scan(&doc)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get agent %q: %w", name, err)
	}

	var rec config.AgentRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("store: get agent %q: decode: %w", name, err)
	}
	return &rec, nil
}

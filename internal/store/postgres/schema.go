// Package postgres provides the PostgreSQL-backed persistence layer for the
// voice-agent server: call records, transcripts, agent configuration and the
// CRM tables backing the query_database tool and the outbound dialer.
//
// All operations share a single [pgxpool.Pool]. [Migrate] is idempotent and
// runs automatically from [NewStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	callID, _ := store.CreateCall(ctx, sessionID, "telnyx")
//	_ = store.AppendTranscript(ctx, callID, "user", "hola")
//	_ = store.FinalizeCall(ctx, callID, "completed", nil)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — call records + transcripts
// ─────────────────────────────────────────────────────────────────────────────

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id             BIGSERIAL    PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    client_type    TEXT         NOT NULL DEFAULT '',
    start_time     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    end_time       TIMESTAMPTZ,
    status         TEXT         NOT NULL DEFAULT 'active',
    extracted_data JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_calls_session_id
    ON calls (session_id);

CREATE INDEX IF NOT EXISTS idx_calls_start_time
    ON calls (start_time);

CREATE TABLE IF NOT EXISTS transcripts (
    id        BIGSERIAL    PRIMARY KEY,
    call_id   BIGINT       NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    role      TEXT         NOT NULL,
    content   TEXT         NOT NULL,
    ts        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_call_id
    ON transcripts (call_id);

CREATE INDEX IF NOT EXISTS idx_transcripts_call_ts
    ON transcripts (call_id, ts);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — agent configuration
// ─────────────────────────────────────────────────────────────────────────────

// Agent records are stored as a single JSONB document per agent. The document
// is the JSON encoding of [config.AgentRecord], carrier overlays included; the
// overlay merge happens in memory at call start, never in SQL.
const ddlAgentConfigs = `
CREATE TABLE IF NOT EXISTS agent_configs (
    name       TEXT         PRIMARY KEY,
    record     JSONB        NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — CRM: contacts + campaign leads
// ─────────────────────────────────────────────────────────────────────────────

// The 'simple' text-search configuration avoids language-specific stemming:
// contact data is mixed Spanish/English and mostly proper nouns.
const ddlContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id         BIGSERIAL    PRIMARY KEY,
    name       TEXT         NOT NULL,
    phone      TEXT         NOT NULL DEFAULT '',
    email      TEXT         NOT NULL DEFAULT '',
    notes      TEXT         NOT NULL DEFAULT '',
    attributes JSONB        NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_contacts_phone
    ON contacts (phone);

CREATE INDEX IF NOT EXISTS idx_contacts_fts
    ON contacts USING GIN (to_tsvector('simple', name || ' ' || notes));

CREATE TABLE IF NOT EXISTS campaign_leads (
    id          BIGSERIAL    PRIMARY KEY,
    campaign_id TEXT         NOT NULL,
    phone       TEXT         NOT NULL,
    lead_data   JSONB        NOT NULL DEFAULT '{}',
    status      TEXT         NOT NULL DEFAULT 'pending',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_campaign_status
    ON campaign_leads (campaign_id, status);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlCalls,
		ddlAgentConfigs,
		ddlContacts,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

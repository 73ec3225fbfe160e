package postgres

import (
	"context"
	"fmt"
)

// Lead statuses as written by the dialer.
const (
	LeadPending   = "pending"
	LeadDialing   = "dialing"
	LeadCompleted = "completed"
	LeadFailed    = "failed"
)

// Lead is one outbound dialing target within a campaign. Data travels to the
// carrier as base64 client_state and comes back on the stream's start event.
type Lead struct {
	ID         int64
	CampaignID string
	Phone      string
	Data       map[string]any
	Status     string
}

// AddLead enqueues one pending lead for campaignID.
func (s *Store) AddLead(ctx context.Context, campaignID, phone string, data map[string]any) (int64, error) {
	if data == nil {
		data = map[string]any{}
	}
	const q = `
		INSERT INTO campaign_leads (campaign_id, phone, lead_data)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id int64
	if err := s.pool.QueryRow(ctx, q, campaignID, phone, data).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: add lead: %w", err)
	}
	return id, nil
}

// ClaimNextLead atomically moves the oldest pending lead of campaignID to
// 'dialing' and returns it, or (nil, nil) when the campaign queue is empty.
// SKIP LOCKED keeps concurrent dialer workers from claiming the same row.
func (s *Store) ClaimNextLead(ctx context.Context, campaignID string) (*Lead, error) {
	const q = `
		UPDATE campaign_leads
		SET    status = 'dialing', updated_at = now()
		WHERE  id = (
		    SELECT id
		    FROM   campaign_leads
		    WHERE  campaign_id = $1 AND status = 'pending'
		    ORDER  BY id
		    LIMIT  1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING id, campaign_id, phone, lead_data, status`

	var l Lead
	err := s.pool.QueryRow(ctx, q, campaignID).Scan(&l.ID, &l.CampaignID, &l.Phone, &l.Data, &l.Status)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: claim lead: %w", err)
	}
	return &l, nil
}

// MarkLead sets the terminal status of a claimed lead.
func (s *Store) MarkLead(ctx context.Context, leadID int64, status string) error {
	const q = `
		UPDATE campaign_leads
		SET    status = $2, updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, leadID, status)
	if err != nil {
		return fmt.Errorf("store: mark lead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: mark lead: lead %d not found", leadID)
	}
	return nil
}

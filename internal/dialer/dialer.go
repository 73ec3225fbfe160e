// Package dialer runs the outbound campaign worker: it claims pending leads
// from the store one at a time, places the calls through Telnyx, and paces
// itself against the configured dials-per-minute budget. The rate is re-read
// every iteration, so a config reload changes pacing from the next dial on.
package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trunkline-ai/trunkline/internal/store/postgres"
	"github.com/trunkline-ai/trunkline/internal/telephony/telnyx"
)

// emptyQueuePoll is how long the worker sleeps when the campaign has no
// pending leads.
const emptyQueuePoll = 10 * time.Second

// disabledPoll is how long the worker sleeps while the rate limit is zero.
const disabledPoll = 5 * time.Second

// LeadSource claims and settles campaign leads. Implemented by the Postgres
// store.
type LeadSource interface {
	ClaimNextLead(ctx context.Context, campaignID string) (*postgres.Lead, error)
	MarkLead(ctx context.Context, leadID int64, status string) error
}

// Carrier places outbound calls. Implemented by the Telnyx client.
type Carrier interface {
	Dial(ctx context.Context, to, streamURL string, state *telnyx.ClientState) (string, error)
}

// Config assembles one campaign worker.
type Config struct {
	// CampaignID selects which leads this worker drains.
	CampaignID string

	// StreamURL is the WebSocket endpoint handed to the carrier for the
	// call's media stream.
	StreamURL string

	Leads   LeadSource
	Carrier Carrier

	// RatePerMin returns the current dials-per-minute budget. Zero or
	// negative pauses the worker. Called once per iteration.
	RatePerMin func() int

	Logger *slog.Logger
}

// Worker drains one campaign.
type Worker struct {
	cfg    Config
	logger *slog.Logger
}

// New validates the wiring and creates a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.CampaignID == "" {
		return nil, fmt.Errorf("dialer: campaign ID must not be empty")
	}
	if cfg.Leads == nil || cfg.Carrier == nil || cfg.RatePerMin == nil {
		return nil, fmt.Errorf("dialer: leads, carrier, and rate source are all required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, logger: logger.With("campaign_id", cfg.CampaignID)}, nil
}

// Run drains the campaign until the context ends or the queue is exhausted
// and stays empty. It never returns an error for individual failed dials;
// those are marked on the lead and logged.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("campaign worker started")
	for {
		rate := w.cfg.RatePerMin()
		if rate <= 0 {
			if err := sleep(ctx, disabledPoll); err != nil {
				return nil
			}
			continue
		}

		lead, err := w.cfg.Leads.ClaimNextLead(ctx, w.cfg.CampaignID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("claim lead failed", "error", err)
			if err := sleep(ctx, emptyQueuePoll); err != nil {
				return nil
			}
			continue
		}
		if lead == nil {
			if err := sleep(ctx, emptyQueuePoll); err != nil {
				return nil
			}
			continue
		}

		w.dialLead(ctx, lead)

		// Pace against the budget read at the top of this iteration.
		if err := sleep(ctx, time.Minute/time.Duration(rate)); err != nil {
			return nil
		}
	}
}

// dialLead places one call and settles the lead's status.
func (w *Worker) dialLead(ctx context.Context, lead *postgres.Lead) {
	state := &telnyx.ClientState{
		CampaignID: lead.CampaignID,
		LeadData:   stringify(lead.Data),
	}

	id, err := w.cfg.Carrier.Dial(ctx, lead.Phone, w.cfg.StreamURL, state)
	if err != nil {
		w.logger.Error("dial failed", "lead_id", lead.ID, "phone", lead.Phone, "error", err)
		if markErr := w.cfg.Leads.MarkLead(ctx, lead.ID, postgres.LeadFailed); markErr != nil {
			w.logger.Error("mark lead failed", "lead_id", lead.ID, "error", markErr)
		}
		return
	}

	w.logger.Info("lead dialed", "lead_id", lead.ID, "phone", lead.Phone, "call_control_id", id)
	if err := w.cfg.Leads.MarkLead(ctx, lead.ID, postgres.LeadCompleted); err != nil {
		w.logger.Error("mark lead failed", "lead_id", lead.ID, "error", err)
	}
}

// stringify flattens the JSONB lead data into the string map the prompt
// substitution layer expects.
func stringify(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

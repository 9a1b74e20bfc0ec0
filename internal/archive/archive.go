// Package archive persists the full per-recipient result set of a finished
// run, so outcomes survive beyond the history summary row.
package archive

import (
	"context"
	"time"

	"github.com/corpwell/campaigner/internal/domain"
)

// RunReport is the archived record of one run.
type RunReport struct {
	RunID        string                    `json:"run_id"`
	CampaignName string                    `json:"campaign_name"`
	Subject      string                    `json:"subject"`
	FinishedAt   time.Time                 `json:"finished_at"`
	Total        int                       `json:"total"`
	Delivered    int                       `json:"delivered"`
	Failed       int                       `json:"failed"`
	Cancelled    bool                      `json:"cancelled,omitempty"`
	Results      map[string]domain.Outcome `json:"results"`
}

// Archiver stores a run report and returns where it was written.
type Archiver interface {
	Store(ctx context.Context, report RunReport) (location string, err error)
}

// ReportFromSummary builds the archive record for a finished run.
func ReportFromSummary(spec domain.CampaignSpec, s *domain.Summary, finishedAt time.Time) RunReport {
	return RunReport{
		RunID:        s.RunID,
		CampaignName: spec.Name,
		Subject:      spec.Subject,
		FinishedAt:   finishedAt.UTC(),
		Total:        s.Total,
		Delivered:    s.Delivered,
		Failed:       s.Failed,
		Cancelled:    s.Cancelled,
		Results:      s.Results,
	}
}

package domain

import (
	"fmt"
	"time"
)

// RunStatus enumerates the lifecycle states of a dispatch run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunSending   RunStatus = "sending"
	RunCancelled RunStatus = "cancelled"
	RunCompleted RunStatus = "completed"
)

// OutcomeStatus is the terminal classification of one send attempt.
type OutcomeStatus string

const (
	OutcomeDelivered OutcomeStatus = "delivered"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome records the result of exactly one send attempt for one recipient.
// Reason is empty for delivered outcomes and human-readable for failures.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// Delivered reports whether the transport accepted the message for relay.
func (o Outcome) Delivered() bool { return o.Status == OutcomeDelivered }

// Failed builds a failure outcome with the given reason.
func Failed(reason string) Outcome {
	return Outcome{Status: OutcomeFailed, Reason: reason}
}

// Delivered is the success outcome.
var DeliveredOutcome = Outcome{Status: OutcomeDelivered}

// NewRunID derives an opaque run identifier from the creation time.
// The format sorts lexicographically by creation order.
func NewRunID(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000")
}

// Run is one execution of a campaign against an ordered recipient list.
// Cursor marks the boundary between attempted and not-yet-attempted
// recipients; Results holds exactly one Outcome per attempted recipient,
// keyed by Recipient.Key().
type Run struct {
	RunID      string             `json:"run_id"`
	Recipients []Recipient        `json:"recipients"`
	Cursor     int                `json:"cursor"`
	Results    map[string]Outcome `json:"results"`
	Status     RunStatus          `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
}

// Checkpoint is the durable snapshot of a Run's progress. Recipients at
// index < Cursor have been attempted and are never re-sent on resume.
type Checkpoint struct {
	RunID      string      `json:"run_id"`
	Recipients []Recipient `json:"recipients"`
	Cursor     int         `json:"cursor"`
	SavedAt    time.Time   `json:"saved_at"`
}

// Validate checks the checkpoint's internal invariants.
func (c Checkpoint) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("checkpoint has empty run_id")
	}
	if c.Cursor < 0 || c.Cursor > len(c.Recipients) {
		return fmt.Errorf("checkpoint cursor %d out of range [0,%d]", c.Cursor, len(c.Recipients))
	}
	return nil
}

// Summary is the aggregate result of a completed (or cancelled) run.
// For a completed run Delivered+Failed equals the recipient count.
type Summary struct {
	RunID     string             `json:"run_id"`
	Total     int                `json:"total"`
	Delivered int                `json:"delivered"`
	Failed    int                `json:"failed"`
	Results   map[string]Outcome `json:"results"`
	Cancelled bool               `json:"cancelled"`
	Cursor    int                `json:"cursor"`
}

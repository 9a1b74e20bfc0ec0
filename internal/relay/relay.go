// Package relay performs one authenticated delivery attempt per call.
//
// Every attempt acquires a fresh transport connection and releases it on all
// exit paths. Failures are classified into the attempt's Outcome, never
// returned as errors: a rejected recipient or a dead relay must not abort
// the rest of a run.
package relay

import (
	"context"
	"time"

	"github.com/corpwell/campaigner/internal/domain"
	"github.com/corpwell/campaigner/internal/render"
)

// Sender submits one rendered message for relay. "Delivered" means the
// transport accepted the message, not that it reached an inbox.
type Sender interface {
	Send(ctx context.Context, sender domain.SenderIdentity, recipient domain.Recipient, msg render.RenderedMessage) domain.Outcome
}

// DefaultAttemptTimeout bounds a single delivery attempt so a stalled relay
// classifies as a failure instead of hanging its worker.
const DefaultAttemptTimeout = 30 * time.Second

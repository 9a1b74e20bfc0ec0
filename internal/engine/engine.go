// Package engine drives one campaign run: a bounded worker pool that claims
// recipients in order, renders and sends each exactly once, aggregates
// outcomes, and checkpoints progress so an interrupted run can resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/corpwell/campaigner/internal/domain"
	"github.com/corpwell/campaigner/internal/pkg/logger"
	"github.com/corpwell/campaigner/internal/relay"
	"github.com/corpwell/campaigner/internal/render"
	"github.com/corpwell/campaigner/internal/resume"
)

var (
	ErrNoRecipients   = errors.New("run has no recipients")
	ErrBadConcurrency = errors.New("concurrency cap must be at least 1")
	ErrBadSender      = errors.New("sender identity is incomplete")
)

// Renderer produces the final message for one recipient. Satisfied by
// *render.Renderer.
type Renderer interface {
	Render(recipient domain.Recipient, spec domain.CampaignSpec) render.RenderedMessage
}

// ProgressFunc receives completed/total after every recorded outcome.
// Calls are serialized and completed is monotonically non-decreasing.
type ProgressFunc func(completed, total int)

// Config holds the engine's dispatch parameters.
type Config struct {
	// ConcurrencyCap bounds simultaneous send attempts.
	ConcurrencyCap int
	// CheckpointBatch is the number of completed outcomes between
	// checkpoint saves.
	CheckpointBatch int
}

// DefaultConfig returns the standard dispatch parameters.
func DefaultConfig() Config {
	return Config{ConcurrencyCap: 20, CheckpointBatch: 25}
}

// Engine owns the worker pool for campaign runs. It is safe to reuse across
// runs; all per-run state lives on the runState created per invocation.
type Engine struct {
	renderer Renderer
	sender   relay.Sender
	store    resume.Store // nil disables checkpointing
	cfg      Config
}

// New creates a dispatch engine. store may be nil, in which case runs
// proceed without durability and cannot be resumed.
func New(renderer Renderer, sender relay.Sender, store resume.Store, cfg Config) *Engine {
	if cfg.ConcurrencyCap == 0 {
		cfg.ConcurrencyCap = DefaultConfig().ConcurrencyCap
	}
	if cfg.CheckpointBatch <= 0 {
		cfg.CheckpointBatch = DefaultConfig().CheckpointBatch
	}
	return &Engine{renderer: renderer, sender: sender, store: store, cfg: cfg}
}

// runState is the mutable, mutex-protected heart of one run. Workers claim
// the next index under the lock, send outside it, and record the outcome
// back under the lock, so no recipient is ever double-assigned and counts
// never race.
type runState struct {
	mu        sync.Mutex
	cursor    int // next unclaimed index
	done      []bool
	prefix    int // length of the contiguous completed prefix
	lastSaved int
	results   map[string]domain.Outcome
	delivered int
	failed    int
	completed int

	// saveMu serializes checkpoint writes; savedHigh rejects stale saves
	// so a slow worker can never regress the stored cursor.
	saveMu    sync.Mutex
	savedHigh int
}

// Run executes a fresh campaign run over the full recipient list.
// Structural problems (no recipients, bad cap, incomplete sender) are
// rejected before anything is sent; per-recipient failures are recorded,
// never escalated.
func (e *Engine) Run(ctx context.Context, spec domain.CampaignSpec, recipients []domain.Recipient, progress ProgressFunc) (*domain.Summary, error) {
	return e.run(ctx, spec, recipients, 0, domain.NewRunID(time.Now()), progress)
}

// RunWithID dispatches like Run but under a caller-assigned run ID, so an
// operator surface can hand the ID out before dispatch begins.
func (e *Engine) RunWithID(ctx context.Context, spec domain.CampaignSpec, recipients []domain.Recipient, runID string, progress ProgressFunc) (*domain.Summary, error) {
	return e.run(ctx, spec, recipients, 0, runID, progress)
}

// Resume continues an interrupted run from its checkpoint. Recipients below
// the stored cursor already have an attempt recorded and are never re-sent.
func (e *Engine) Resume(ctx context.Context, spec domain.CampaignSpec, cp domain.Checkpoint, progress ProgressFunc) (*domain.Summary, error) {
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	return e.run(ctx, spec, cp.Recipients, cp.Cursor, cp.RunID, progress)
}

func (e *Engine) run(ctx context.Context, spec domain.CampaignSpec, recipients []domain.Recipient, start int, runID string, progress ProgressFunc) (*domain.Summary, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if e.cfg.ConcurrencyCap < 1 {
		return nil, ErrBadConcurrency
	}
	if spec.Sender.Address == "" || !strings.Contains(spec.Sender.Address, "@") {
		return nil, fmt.Errorf("%w: sender address %q", ErrBadSender, spec.Sender.Address)
	}

	total := len(recipients)
	st := &runState{
		cursor:    start,
		done:      make([]bool, total),
		prefix:    start,
		lastSaved: start,
		results:   make(map[string]domain.Outcome, total-start),
		completed: start,
		savedHigh: -1,
	}
	for i := 0; i < start; i++ {
		st.done[i] = true
	}

	logger.Info("run starting",
		"run_id", runID,
		"campaign", spec.Name,
		"total", total,
		"cursor", start,
		"concurrency_cap", e.cfg.ConcurrencyCap,
	)

	// Durability point before the first send, so a crash during dispatch
	// leaves something to resume from.
	e.saveCheckpoint(ctx, runID, recipients, start, st)

	workers := e.cfg.ConcurrencyCap
	if remaining := total - start; workers > remaining {
		workers = remaining
	}

	// In-flight sends are allowed to finish after a cancel; only new claims
	// stop. Each attempt still carries its own transport timeout.
	sendCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx, sendCtx, spec, recipients, runID, st, progress)
		}()
	}
	wg.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()

	summary := &domain.Summary{
		RunID:     runID,
		Total:     total,
		Delivered: st.delivered,
		Failed:    st.failed,
		Results:   st.results,
		Cursor:    st.prefix,
	}

	if st.prefix < total {
		// Cancelled mid-run: checkpoint immediately so the operator can
		// resume from exactly the completed prefix.
		summary.Cancelled = true
		e.saveCheckpoint(context.WithoutCancel(ctx), runID, recipients, st.prefix, st)
		logger.Warn("run cancelled",
			"run_id", runID,
			"completed", st.completed,
			"total", total,
		)
		return summary, nil
	}

	e.deleteCheckpoint(context.WithoutCancel(ctx), runID)
	logger.Info("run completed",
		"run_id", runID,
		"delivered", st.delivered,
		"failed", st.failed,
		"total", total,
	)
	return summary, nil
}

// worker claims recipients one at a time until the list is drained or the
// run is cancelled. Per recipient: render happens-before send happens-before
// outcome write.
func (e *Engine) worker(ctx, sendCtx context.Context, spec domain.CampaignSpec, recipients []domain.Recipient, runID string, st *runState, progress ProgressFunc) {
	total := len(recipients)
	for {
		if ctx.Err() != nil {
			return
		}

		st.mu.Lock()
		if st.cursor >= total {
			st.mu.Unlock()
			return
		}
		idx := st.cursor
		// Claiming advances the cursor: this recipient is never reassigned
		// within the run, even if the attempt fails.
		st.cursor++
		st.mu.Unlock()

		recipient := recipients[idx]
		msg := e.renderer.Render(recipient, spec)
		outcome := e.sender.Send(sendCtx, spec.Sender, recipient, msg)

		st.mu.Lock()
		// First write wins for the identity key; counts are per attempt so
		// delivered+failed always equals the roster length even if a caller
		// passed duplicate addresses.
		if _, exists := st.results[recipient.Key()]; !exists {
			st.results[recipient.Key()] = outcome
		}
		if outcome.Delivered() {
			st.delivered++
		} else {
			st.failed++
		}
		st.done[idx] = true
		for st.prefix < total && st.done[st.prefix] {
			st.prefix++
		}
		st.completed++
		completed := st.completed

		save := st.prefix-st.lastSaved >= e.cfg.CheckpointBatch
		prefix := st.prefix

		if progress != nil {
			// Under the lock so reports stay ordered and monotonic.
			progress(completed, total)
		}
		st.mu.Unlock()

		if !outcome.Delivered() {
			logger.Debug("send failed",
				"run_id", runID,
				"recipient", recipient.Email,
				"reason", outcome.Reason,
			)
		}
		if save && e.saveCheckpoint(sendCtx, runID, recipients, prefix, st) {
			// Advance the batch marker only once the save stuck, so a store
			// outage retries at the next completion instead of silently
			// skipping a whole batch of durability.
			st.mu.Lock()
			if prefix > st.lastSaved {
				st.lastSaved = prefix
			}
			st.mu.Unlock()
		}
	}
}

// saveCheckpoint is best-effort: checkpoint I/O problems cost durability,
// not the run. It reports whether the store holds a checkpoint at or past
// cursor when it returns.
func (e *Engine) saveCheckpoint(ctx context.Context, runID string, recipients []domain.Recipient, cursor int, st *runState) bool {
	if e.store == nil {
		return true
	}
	st.saveMu.Lock()
	defer st.saveMu.Unlock()
	if cursor <= st.savedHigh {
		return true
	}
	cp := domain.Checkpoint{
		RunID:      runID,
		Recipients: recipients,
		Cursor:     cursor,
		SavedAt:    time.Now().UTC(),
	}
	if err := e.store.Save(ctx, cp); err != nil {
		logger.Warn("checkpoint save failed; run continues without durability",
			"run_id", runID,
			"error", err,
		)
		return false
	}
	st.savedHigh = cursor
	return true
}

func (e *Engine) deleteCheckpoint(ctx context.Context, runID string) {
	if e.store == nil {
		return
	}
	if err := e.store.Delete(ctx, runID); err != nil {
		logger.Warn("checkpoint delete failed", "run_id", runID, "error", err)
	}
}
